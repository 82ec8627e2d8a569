package service

import (
	"context"
	"fmt"

	"storefront-service/internal/models"
	"storefront-service/internal/util"

	"go.uber.org/zap"
)

// SettlementService applies payment results to orders
type SettlementService struct {
	store  SettlementStore
	logger *zap.Logger
}

// NewSettlementService creates a new settlement service
func NewSettlementService(store SettlementStore) *SettlementService {
	return &SettlementService{
		store:  store,
		logger: util.GetLogger(),
	}
}

// HandlePaymentSuccess marks the order paid
func (ss *SettlementService) HandlePaymentSuccess(ctx context.Context, event *models.PaymentSuccessEvent) error {
	ctx, span := util.StartSpan(ctx, "SettlementService.HandlePaymentSuccess")
	defer span.End()

	processed, err := ss.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		ss.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	ss.logger.Info("Handling payment success",
		zap.Int64("order_id", event.OrderID),
		zap.String("receipt", event.ReceiptNumber))

	changed, err := ss.store.UpdateOrderStatus(ctx, event.OrderID, models.OrderStatusPaid)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if changed {
		util.OrdersSettledTotal.WithLabelValues(models.OrderStatusPaid).Inc()
		ss.logger.Info("Order paid", zap.Int64("order_id", event.OrderID))
	} else {
		ss.logger.Warn("Payment success for an order that is not pending", zap.Int64("order_id", event.OrderID))
	}

	if err := ss.store.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		ss.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}

// HandlePaymentFailed marks the order failed and returns its stock
func (ss *SettlementService) HandlePaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	ctx, span := util.StartSpan(ctx, "SettlementService.HandlePaymentFailed")
	defer span.End()

	processed, err := ss.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		ss.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	ss.logger.Warn("Handling payment failure",
		zap.Int64("order_id", event.OrderID),
		zap.Int("result_code", event.ResultCode),
		zap.String("reason", event.Reason))

	changed, err := ss.store.UpdateOrderStatus(ctx, event.OrderID, models.OrderStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	// Stock goes back only on the pending to failed transition.
	if changed {
		util.OrdersSettledTotal.WithLabelValues(models.OrderStatusFailed).Inc()

		items, err := ss.store.GetOrderItemsByOrderID(ctx, event.OrderID)
		if err != nil {
			return fmt.Errorf("failed to get order items: %w", err)
		}
		for _, item := range items {
			if err := ss.store.ReleaseStock(ctx, item.ProductID, item.Quantity); err != nil {
				ss.logger.Error("Failed to release stock",
					zap.Int64("product_id", item.ProductID),
					zap.Error(err))
			}
		}
		ss.logger.Info("Order failed and stock released", zap.Int64("order_id", event.OrderID))
	} else {
		ss.logger.Info("Order not pending, stock kept", zap.Int64("order_id", event.OrderID))
	}

	if err := ss.store.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		ss.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}
