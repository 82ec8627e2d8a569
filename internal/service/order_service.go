package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront-service/internal/fraud"
	"storefront-service/internal/models"
	"storefront-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderService handles order business logic
type OrderService struct {
	store          OrderStore
	roles          RoleChecker
	engine         *fraud.Engine
	eventPublisher EventPublisher
	logger         *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	store OrderStore,
	roles RoleChecker,
	engine *fraud.Engine,
	eventPublisher EventPublisher,
) *OrderService {
	return &OrderService{
		store:          store,
		roles:          roles,
		engine:         engine,
		eventPublisher: eventPublisher,
		logger:         util.GetLogger(),
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	Items []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// CreateOrderResponse represents the response after creating an order.
// Fraud flags are advisory and are not exposed to the customer.
type CreateOrderResponse struct {
	OrderID     int64           `json:"order_id"`
	Status      string          `json:"status"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// OrderDetail is an order with its line items. Flags are only filled in for
// reviewers.
type OrderDetail struct {
	Order   *models.Order      `json:"order"`
	Items   []models.OrderItem `json:"items"`
	Payment *models.Payment    `json:"payment,omitempty"`
	Flags   []models.FraudFlag `json:"fraud_flags,omitempty"`
}

// CreateOrder prices the items, then inserts the order; the fraud rules run
// inside the same transaction.
func (s *OrderService) CreateOrder(ctx context.Context, userID uuid.UUID, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	merged := mergeItems(req.Items)

	products, err := s.validateOrderItems(ctx, merged)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}

	items := make([]models.OrderItem, 0, len(merged))
	for _, item := range merged {
		items = append(items, models.OrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: products[item.ProductID].Price,
		})
	}

	order := &models.Order{
		UserID:      userID,
		TotalAmount: calculateTotal(items),
		Status:      models.OrderStatusPending,
	}

	start := time.Now()
	flags, err := s.store.CreateOrder(ctx, order, items, s.engine)
	util.FraudEvaluationLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, ErrInsufficientStock) {
			util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
			return nil, err
		}
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	for _, f := range flags {
		util.FraudFlagsRaisedTotal.WithLabelValues(f.FlagType, f.Severity).Inc()
	}

	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("user_id", userID.String()),
		zap.String("total_amount", order.TotalAmount.StringFixed(2)),
		zap.Int("fraud_flags", len(flags)))

	s.publishCreated(ctx, order, items, flags)

	return &CreateOrderResponse{
		OrderID:     order.ID,
		Status:      order.Status,
		TotalAmount: order.TotalAmount,
	}, nil
}

// publishCreated emits the post-commit events. Failures are logged only;
// the order and its flags are already durable.
func (s *OrderService) publishCreated(ctx context.Context, order *models.Order, items []models.OrderItem, flags []models.FraudFlag) {
	itemData := make([]models.OrderItemData, 0, len(items))
	for _, item := range items {
		itemData = append(itemData, models.OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	event := &models.OrderCreatedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderCreated),
		OrderID:     order.ID,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
		Items:       itemData,
		FlagCount:   len(flags),
	}
	if err := s.eventPublisher.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}

	for _, f := range flags {
		flagEvent := &models.FraudFlagRaisedEvent{
			BaseEvent: models.NewBaseEvent(models.EventTypeFraudFlagRaised),
			FlagID:    f.ID,
			OrderID:   order.ID,
			UserID:    f.UserID,
			FlagType:  f.FlagType,
			Severity:  f.Severity,
		}
		if err := s.eventPublisher.PublishFraudFlagRaised(ctx, flagEvent); err != nil {
			s.logger.Error("Failed to publish FraudFlagRaised event",
				zap.Int64("flag_id", f.ID),
				zap.Error(err))
		}
	}
}

// mergeItems folds repeated product lines into one, keeping first-seen order.
func mergeItems(items []OrderItemRequest) []OrderItemRequest {
	index := make(map[int64]int, len(items))
	merged := make([]OrderItemRequest, 0, len(items))
	for _, item := range items {
		if i, ok := index[item.ProductID]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged
}

// validateOrderItems validates that all products exist
func (s *OrderService) validateOrderItems(ctx context.Context, items []OrderItemRequest) (map[int64]*models.Product, error) {
	productIDs := make([]int64, len(items))
	for i, item := range items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
		}
		productIDs[i] = item.ProductID
	}

	products, err := s.store.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, err
	}

	if len(products) != len(items) {
		return nil, fmt.Errorf("%w: some products not found", ErrInvalidInput)
	}

	productMap := make(map[int64]*models.Product)
	for i := range products {
		productMap[products[i].ID] = &products[i]
	}

	return productMap, nil
}

// calculateTotal calculates the total amount for an order
func calculateTotal(items []models.OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

// GetOrder returns an order to its owner or to a reviewer. Anyone else gets
// ErrNotFound so order ids cannot be probed.
func (s *OrderService) GetOrder(ctx context.Context, callerID uuid.UUID, orderID int64) (*OrderDetail, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	reviewer, err := s.roles.HasRole(ctx, callerID, models.RoleAdmin, models.RoleSecurityPersonnel)
	if err != nil {
		return nil, fmt.Errorf("failed to check role: %w", err)
	}
	if order.UserID != callerID && !reviewer {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}

	items, err := s.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	detail := &OrderDetail{Order: order, Items: items}

	payment, err := s.store.GetPaymentByOrderID(ctx, orderID)
	switch {
	case err == nil:
		detail.Payment = payment
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	if reviewer {
		detail.Flags, err = s.store.GetFraudFlagsByOrderID(ctx, orderID)
		if err != nil {
			return nil, err
		}
	}

	return detail, nil
}

// ListOrders returns the caller's own orders, newest first
func (s *OrderService) ListOrders(ctx context.Context, userID uuid.UUID) ([]models.Order, error) {
	orders, err := s.store.GetOrdersByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return orders, nil
}

// ListProducts returns the catalog
func (s *OrderService) ListProducts(ctx context.Context) ([]models.Product, error) {
	products, err := s.store.GetProducts(ctx)
	if err != nil {
		return nil, err
	}
	if products == nil {
		products = []models.Product{}
	}
	return products, nil
}

func (s *OrderService) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	return s.store.GetProductByID(ctx, id)
}
