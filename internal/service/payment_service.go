package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront-service/internal/models"
	"storefront-service/internal/mpesa"
	"storefront-service/internal/util"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// Callback dedup keys outlive the provider's redelivery window.
	callbackDedupTTL = 24 * time.Hour
	// Covers one provider round trip; the pending payment row guards after that.
	pushClaimTTL = 2 * time.Minute
)

// PaymentService initiates STK pushes and applies their callbacks
type PaymentService struct {
	store          PaymentStore
	stk            STKClient
	idempotency    IdempotencyStore
	eventPublisher EventPublisher
	refs           *snowflake.Node
	logger         *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(
	store PaymentStore,
	stk STKClient,
	idempotency IdempotencyStore,
	eventPublisher EventPublisher,
	refs *snowflake.Node,
) *PaymentService {
	return &PaymentService{
		store:          store,
		stk:            stk,
		idempotency:    idempotency,
		eventPublisher: eventPublisher,
		refs:           refs,
		logger:         util.GetLogger(),
	}
}

// STKPushRequest is the body of POST /mpesa-stk-push
type STKPushRequest struct {
	PhoneNumber      string          `json:"phoneNumber" binding:"required"`
	Amount           decimal.Decimal `json:"amount"`
	OrderID          int64           `json:"orderId" binding:"required"`
	AccountReference string          `json:"accountReference"`
}

// STKPushResult is returned once the provider accepted the request
type STKPushResult struct {
	Success           bool   `json:"success"`
	CheckoutRequestID string `json:"checkoutRequestId"`
	MerchantRequestID string `json:"merchantRequestId"`
}

// StartPayment asks the customer's handset to pay for a pending order and
// records the pending payment.
func (ps *PaymentService) StartPayment(ctx context.Context, req *STKPushRequest) (*STKPushResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.StartPayment")
	defer span.End()

	phone, err := mpesa.NormalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	order, err := ps.store.GetOrderByID(ctx, req.OrderID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: order %d not found", ErrInvalidInput, req.OrderID)
	}
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPending {
		return nil, ErrOrderNotPayable
	}

	amount := req.Amount
	if amount.IsZero() {
		amount = order.TotalAmount
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if !amount.Equal(order.TotalAmount) {
		return nil, fmt.Errorf("%w: amount does not match order total %s", ErrInvalidInput, order.TotalAmount.StringFixed(2))
	}

	pushKey := fmt.Sprintf("stk-push:%d", order.ID)
	claimed, err := ps.idempotency.SetIdempotencyKey(ctx, pushKey, 1, pushClaimTTL)
	if err != nil {
		ps.logger.Warn("STK push claim unavailable", zap.Int64("order_id", order.ID), zap.Error(err))
		claimed = true
	}
	if !claimed {
		return nil, ErrPaymentInProgress
	}
	defer func() {
		if err := ps.idempotency.DeleteIdempotencyKey(context.WithoutCancel(ctx), pushKey); err != nil {
			ps.logger.Warn("Failed to release STK push claim", zap.Int64("order_id", order.ID), zap.Error(err))
		}
	}()

	existing, err := ps.store.GetPaymentByOrderID(ctx, order.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err == nil && existing.Status == models.PaymentStatusPending {
		return nil, ErrPaymentInProgress
	}

	reference := req.AccountReference
	if reference == "" {
		reference = ps.refs.Generate().Base58()
	}

	util.PaymentAttemptsTotal.Inc()
	start := time.Now()
	resp, err := ps.stk.STKPush(ctx, mpesa.STKPushRequest{
		Phone:            phone,
		Amount:           amount,
		AccountReference: reference,
		TransactionDesc:  fmt.Sprintf("Order %d", order.ID),
	})
	util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		ps.logger.Error("STK push failed", zap.Int64("order_id", order.ID), zap.Error(err))
		return nil, fmt.Errorf("payment request failed: %w", err)
	}

	payment := &models.Payment{
		OrderID:           order.ID,
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		PhoneNumber:       phone,
		Amount:            amount,
		Status:            models.PaymentStatusPending,
	}
	if err := ps.store.CreatePayment(ctx, payment); err != nil {
		// The push is already on the handset; its callback lands in unmatched_callbacks.
		ps.logger.Error("Failed to record payment",
			zap.Int64("order_id", order.ID),
			zap.String("checkout_request_id", resp.CheckoutRequestID),
			zap.String("amount", amount.StringFixed(2)),
			zap.String("phone", phone),
			zap.Error(err))
		if errors.Is(err, ErrEmailTaken) {
			return nil, ErrPaymentInProgress
		}
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}

	ps.logger.Info("STK push sent",
		zap.Int64("order_id", order.ID),
		zap.String("checkout_request_id", resp.CheckoutRequestID))

	return &STKPushResult{
		Success:           true,
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
	}, nil
}

// HandleCallback applies a provider result notification. It never fails:
// every problem is logged and the caller acknowledges regardless.
func (ps *PaymentService) HandleCallback(ctx context.Context, body []byte) {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleCallback")
	defer span.End()

	cb, err := mpesa.ParseCallback(body)
	if err != nil {
		util.PaymentCallbacksTotal.WithLabelValues("malformed").Inc()
		ps.logger.Warn("Ignoring malformed payment callback", zap.Error(err))
		return
	}

	log := ps.logger.With(
		zap.String("checkout_request_id", cb.CheckoutRequestID),
		zap.String("merchant_request_id", cb.MerchantRequestID))

	dedupKey := "mpesa-callback:" + cb.CheckoutRequestID
	claimed, err := ps.idempotency.SetIdempotencyKey(ctx, dedupKey, cb.ResultCode, callbackDedupTTL)
	if err != nil {
		// The pending-only update in SettlePayment still stops a double apply.
		log.Warn("Callback dedup unavailable", zap.Error(err))
		claimed = true
	}
	if !claimed {
		util.PaymentCallbacksTotal.WithLabelValues("duplicate").Inc()
		log.Info("Duplicate payment callback ignored")
		return
	}

	if cb.Success() {
		ps.applySuccess(ctx, log, cb, dedupKey, body)
	} else {
		ps.applyFailure(ctx, log, cb, dedupKey, body)
	}
}

func (ps *PaymentService) applySuccess(ctx context.Context, log *zap.Logger, cb *mpesa.Callback, dedupKey string, body []byte) {
	d := cb.Details()
	log.Info("Payment succeeded",
		zap.String("amount", d.Amount.String()),
		zap.String("receipt", d.ReceiptNumber),
		zap.String("phone", d.PhoneNumber))

	receipt := d.ReceiptNumber
	payment, err := ps.store.SettlePayment(ctx, cb.CheckoutRequestID, models.PaymentStatusSuccess, &receipt, cb.ResultDesc)
	if err != nil {
		ps.settleFailed(ctx, log, cb, err, dedupKey, body)
		return
	}
	util.PaymentCallbacksTotal.WithLabelValues("success").Inc()

	// The handset is charged the ceiling of the recorded amount.
	if !d.Amount.Equal(payment.Amount.Ceil()) {
		util.PaymentCallbacksTotal.WithLabelValues("amount_mismatch").Inc()
		log.Warn("Callback amount differs from payment",
			zap.Int64("order_id", payment.OrderID),
			zap.String("expected", payment.Amount.Ceil().String()),
			zap.String("received", d.Amount.String()))
	}

	event := &models.PaymentSuccessEvent{
		BaseEvent:         models.NewBaseEvent(models.EventTypePaymentSuccess),
		OrderID:           payment.OrderID,
		PaymentID:         payment.ID,
		CheckoutRequestID: cb.CheckoutRequestID,
		Amount:            d.Amount,
		ReceiptNumber:     d.ReceiptNumber,
		PhoneNumber:       d.PhoneNumber,
	}
	if err := ps.eventPublisher.PublishPaymentSuccess(ctx, event); err != nil {
		log.Error("Failed to publish PaymentSuccess event", zap.Error(err))
	}
}

func (ps *PaymentService) applyFailure(ctx context.Context, log *zap.Logger, cb *mpesa.Callback, dedupKey string, body []byte) {
	log.Warn("Payment failed",
		zap.Int("result_code", cb.ResultCode),
		zap.String("reason", cb.ResultDesc))

	payment, err := ps.store.SettlePayment(ctx, cb.CheckoutRequestID, models.PaymentStatusFailed, nil, cb.ResultDesc)
	if err != nil {
		ps.settleFailed(ctx, log, cb, err, dedupKey, body)
		return
	}
	util.PaymentCallbacksTotal.WithLabelValues("failed").Inc()

	event := &models.PaymentFailedEvent{
		BaseEvent:         models.NewBaseEvent(models.EventTypePaymentFailed),
		OrderID:           payment.OrderID,
		PaymentID:         payment.ID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		Reason:            cb.ResultDesc,
	}
	if err := ps.eventPublisher.PublishPaymentFailed(ctx, event); err != nil {
		log.Error("Failed to publish PaymentFailed event", zap.Error(err))
	}
}

// settleFailed logs a settle error. A callback that matches no payment is
// kept for reconciliation. On a storage error the dedup key is released so
// the provider's redelivery gets another try.
func (ps *PaymentService) settleFailed(ctx context.Context, log *zap.Logger, cb *mpesa.Callback, err error, dedupKey string, body []byte) {
	if errors.Is(err, ErrNotFound) {
		err = ps.recordUnmatched(ctx, log, cb, body)
		if err == nil {
			return
		}
	}

	util.PaymentCallbacksTotal.WithLabelValues("error").Inc()
	log.Error("Failed to settle payment", zap.Error(err))
	if derr := ps.idempotency.DeleteIdempotencyKey(ctx, dedupKey); derr != nil {
		log.Warn("Failed to release callback dedup key", zap.Error(derr))
	}
}

// recordUnmatched tells an already settled payment apart from an unknown one
// and stores the unknown callback.
func (ps *PaymentService) recordUnmatched(ctx context.Context, log *zap.Logger, cb *mpesa.Callback, body []byte) error {
	_, err := ps.store.GetPaymentByCheckoutID(ctx, cb.CheckoutRequestID)
	if err == nil {
		util.PaymentCallbacksTotal.WithLabelValues("settled").Inc()
		log.Info("Callback for already settled payment ignored")
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	util.PaymentCallbacksTotal.WithLabelValues("unknown").Inc()
	log.Error("Callback for unknown payment", zap.Int("result_code", cb.ResultCode))
	return ps.store.RecordUnmatchedCallback(ctx, cb.CheckoutRequestID, cb.ResultCode, body)
}
