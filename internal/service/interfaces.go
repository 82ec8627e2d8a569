package service

import (
	"context"
	"time"

	"storefront-service/internal/fraud"
	"storefront-service/internal/models"
	"storefront-service/internal/mpesa"

	"github.com/google/uuid"
)

// OrderStore persists orders and runs the fraud rules inside the insert.
// Implementations: store.Store
type OrderStore interface {
	GetProducts(ctx context.Context) ([]models.Product, error)
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
	CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem, engine *fraud.Engine) ([]models.FraudFlag, error)
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrdersByUserID(ctx context.Context, userID uuid.UUID) ([]models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	GetFraudFlagsByOrderID(ctx context.Context, orderID int64) ([]models.FraudFlag, error)
	GetPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error)
}

// SettlementStore moves orders to their final status.
// Implementations: store.Store
type SettlementStore interface {
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) (bool, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	ReleaseStock(ctx context.Context, productID int64, quantity int) error
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// RoleChecker re-reads roles from storage on every call.
// Implementations: store.Store
type RoleChecker interface {
	HasRole(ctx context.Context, userID uuid.UUID, roles ...string) (bool, error)
}

// UserStore covers identities, profiles and roles.
// Implementations: store.Store
type UserStore interface {
	RoleChecker
	CreateUser(ctx context.Context, email, passwordHash string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error)
	UpsertRole(ctx context.Context, userID uuid.UUID, role string) error
	SetAccountLocked(ctx context.Context, userID uuid.UUID, locked bool) error
	RegisterFailedLogin(ctx context.Context, userID uuid.UUID, maxFailures int) (bool, error)
	ResetFailedLogins(ctx context.Context, userID uuid.UUID) error
	RecordLoginAttempt(ctx context.Context, attempt *models.LoginAttempt) error
}

// CodeStore holds one-time codes.
// Implementations: store.Store
type CodeStore interface {
	IssueCode(ctx context.Context, code *models.OneTimeCode) error
	ConsumeCode(ctx context.Context, userID uuid.UUID, code string, now time.Time) (bool, error)
	InvalidateCode(ctx context.Context, id int64) error
}

// Throttle is the shared counter and cooldown backend.
// Implementations: redisclient.Client
type Throttle interface {
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	ResetCounter(ctx context.Context, key string) error
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// IdempotencyStore claims one-shot keys.
// Implementations: redisclient.Client
type IdempotencyStore interface {
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	DeleteIdempotencyKey(ctx context.Context, key string) error
}

// RecipientStore resolves who receives fraud alerts.
// Implementations: store.Store
type RecipientStore interface {
	SecurityRecipients(ctx context.Context) ([]string, error)
}

// FlagStore lists and resolves fraud flags.
// Implementations: store.Store
type FlagStore interface {
	ListFraudFlags(ctx context.Context, resolved *bool, limit int) ([]models.FraudFlag, error)
	ResolveFraudFlag(ctx context.Context, flagID int64, resolverID uuid.UUID, notes string) (*models.FraudFlag, error)
}

// PaymentStore records STK pushes and their outcome.
// Implementations: store.Store
type PaymentStore interface {
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error)
	GetPaymentByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.Payment, error)
	CreatePayment(ctx context.Context, payment *models.Payment) error
	RecordUnmatchedCallback(ctx context.Context, checkoutRequestID string, resultCode int, payload []byte) error
	SettlePayment(ctx context.Context, checkoutRequestID, status string, receipt *string, resultDesc string) (*models.Payment, error)
}

// STKClient initiates mobile money payments.
// Implementations: mpesa.Client
type STKClient interface {
	STKPush(ctx context.Context, req mpesa.STKPushRequest) (*mpesa.STKPushResponse, error)
}

// EventPublisher puts domain events on the bus.
// Implementations: broker.EventPublisher
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishFraudFlagRaised(ctx context.Context, event *models.FraudFlagRaisedEvent) error
	PublishPaymentSuccess(ctx context.Context, event *models.PaymentSuccessEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
}
