package store

import (
	"context"
	"fmt"

	"storefront-service/internal/models"
)

// CreatePayment creates a new payment record
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (order_id, checkout_request_id, merchant_request_id, phone_number, amount, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	err := s.db.GetContext(ctx, payment, query,
		payment.OrderID, payment.CheckoutRequestID, payment.MerchantRequestID,
		payment.PhoneNumber, payment.Amount, payment.Status)
	if isUniqueViolation(err) {
		return fmt.Errorf("payment %s: %w", payment.CheckoutRequestID, ErrDuplicate)
	}
	return err
}

// GetPaymentByCheckoutID retrieves a payment by the provider checkout id
func (s *Store) GetPaymentByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT * FROM payments WHERE checkout_request_id = $1", checkoutRequestID)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("payment %s", checkoutRequestID))
	}
	return &payment, nil
}

// GetPaymentByOrderID retrieves the latest payment for an order
func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT * FROM payments WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1", orderID)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("payment for order %d", orderID))
	}
	return &payment, nil
}

// SettlePayment moves a pending payment to its final status. A payment that
// is unknown or already settled yields ErrNotFound.
func (s *Store) SettlePayment(ctx context.Context, checkoutRequestID, status string, receipt *string, resultDesc string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, `
		UPDATE payments
		SET status = $2, receipt_number = $3, result_desc = $4, updated_at = NOW()
		WHERE checkout_request_id = $1 AND status = $5
		RETURNING *`,
		checkoutRequestID, status, receipt, resultDesc, models.PaymentStatusPending)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("pending payment %s", checkoutRequestID))
	}
	return &payment, nil
}

// RecordUnmatchedCallback keeps a callback that matched no payment. A
// redelivery of the same checkout id is stored once.
func (s *Store) RecordUnmatchedCallback(ctx context.Context, checkoutRequestID string, resultCode int, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO unmatched_callbacks (checkout_request_id, result_code, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (checkout_request_id) DO NOTHING`,
		checkoutRequestID, resultCode, string(payload))
	if err != nil {
		return fmt.Errorf("failed to record unmatched callback: %w", err)
	}
	return nil
}
