package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"storefront-service/internal/fraud"
	"storefront-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// txHistory answers fraud rule queries from inside the order transaction.
type txHistory struct {
	tx *sqlx.Tx
}

func (h txHistory) CountOrdersSince(ctx context.Context, userID uuid.UUID, excludeOrderID int64, since time.Time) (int, error) {
	var n int
	err := h.tx.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM orders WHERE user_id = $1 AND id <> $2 AND created_at >= $3",
		userID, excludeOrderID, since)
	return n, err
}

func (h txHistory) SumOrdersSince(ctx context.Context, userID uuid.UUID, excludeOrderID int64, since time.Time) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := h.tx.GetContext(ctx, &sum,
		"SELECT COALESCE(SUM(total_amount), 0) FROM orders WHERE user_id = $1 AND id <> $2 AND created_at >= $3",
		userID, excludeOrderID, since)
	return sum, err
}

// CreateOrder inserts the order with its items, reserves stock, evaluates the
// fraud rules and persists the resulting flags, the audit record and the
// outbox rows for high severity flags. All of it commits or none of it does.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem, engine *fraud.Engine) ([]models.FraudFlag, error) {
	var flags []models.FraudFlag

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := setRequestUser(ctx, tx, order.UserID.String()); err != nil {
			return err
		}

		err := tx.GetContext(ctx, order, `
			INSERT INTO orders (user_id, total_amount, status)
			VALUES ($1, $2, $3)
			RETURNING *`,
			order.UserID, order.TotalAmount, order.Status)
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}

		for i := range items {
			items[i].OrderID = order.ID
			res, err := tx.ExecContext(ctx,
				"UPDATE products SET stock = stock - $1 WHERE id = $2 AND stock >= $1",
				items[i].Quantity, items[i].ProductID)
			if err != nil {
				return fmt.Errorf("failed to reserve stock: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("product %d: %w", items[i].ProductID, ErrInsufficientStock)
			}

			err = tx.GetContext(ctx, &items[i].ID, `
				INSERT INTO order_items (order_id, product_id, quantity, unit_price)
				VALUES ($1, $2, $3, $4)
				RETURNING id`,
				items[i].OrderID, items[i].ProductID, items[i].Quantity, items[i].UnitPrice)
			if err != nil {
				return fmt.Errorf("failed to insert order item: %w", err)
			}
		}

		flags, err = engine.Evaluate(ctx, txHistory{tx: tx}, order)
		if err != nil {
			return fmt.Errorf("fraud evaluation failed: %w", err)
		}

		for i := range flags {
			if err := insertFlagTx(ctx, tx, &flags[i]); err != nil {
				return err
			}
			if flags[i].Severity == models.SeverityHigh {
				if err := insertOutboxTx(ctx, tx, models.AlertFromFlag(&flags[i])); err != nil {
					return err
				}
			}
		}

		return insertAuditTx(ctx, tx, &models.AuditRecord{
			UserID:     order.UserID,
			OrderID:    &order.ID,
			ActionType: models.AuditActionCreate,
			EntityType: "order",
			EntityID:   strconv.FormatInt(order.ID, 10),
			NewValue:   orderSnapshot(order),
		})
	})
	if err != nil {
		return nil, err
	}
	return flags, nil
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("order %d", id))
	}
	return &order, nil
}

// GetOrdersByUserID retrieves orders for a user
func (s *Store) GetOrdersByUserID(ctx context.Context, userID uuid.UUID) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// UpdateOrderStatus moves a pending order to status and appends an update
// audit record. It reports false when the order is no longer pending, so a
// settled order is never moved again.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, status string) (bool, error) {
	changed := false

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var before models.Order
		err := tx.GetContext(ctx, &before, "SELECT * FROM orders WHERE id = $1 FOR UPDATE", orderID)
		if err != nil {
			return notFound(err, fmt.Sprintf("order %d", orderID))
		}
		if before.Status != models.OrderStatusPending || status == models.OrderStatusPending {
			return nil
		}

		var after models.Order
		err = tx.GetContext(ctx, &after,
			"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3 RETURNING *",
			status, orderID, models.OrderStatusPending)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}

		changed = true
		return insertAuditTx(ctx, tx, &models.AuditRecord{
			UserID:     before.UserID,
			OrderID:    &before.ID,
			ActionType: models.AuditActionUpdate,
			EntityType: "order",
			EntityID:   strconv.FormatInt(before.ID, 10),
			OldValue:   orderSnapshot(&before),
			NewValue:   orderSnapshot(&after),
		})
	})
	return changed, err
}

// GetAuditTrail lists the audit records of one order, oldest first.
func (s *Store) GetAuditTrail(ctx context.Context, orderID int64) ([]models.AuditRecord, error) {
	var records []models.AuditRecord
	err := s.db.SelectContext(ctx, &records,
		"SELECT * FROM transaction_audit WHERE order_id = $1 ORDER BY id", orderID)
	return records, err
}

func insertAuditTx(ctx context.Context, tx *sqlx.Tx, rec *models.AuditRecord) error {
	err := tx.GetContext(ctx, rec,
		"SELECT * FROM app_insert_audit($1, $2, $3, $4, $5, $6, $7)",
		rec.UserID, rec.OrderID, rec.ActionType, rec.EntityType, rec.EntityID, rec.OldValue, rec.NewValue)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func orderSnapshot(o *models.Order) models.JSONMap {
	return models.JSONMap{
		"id":           o.ID,
		"user_id":      o.UserID.String(),
		"total_amount": o.TotalAmount.StringFixed(2),
		"status":       o.Status,
		"updated_at":   o.UpdatedAt,
	}
}
