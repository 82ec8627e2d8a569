package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated    = "ORDER_CREATED"
	EventTypeFraudFlagRaised = "FRAUD_FLAG_RAISED"
	EventTypePaymentSuccess  = "PAYMENT_SUCCESS"
	EventTypePaymentFailed   = "PAYMENT_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps an event with a fresh id.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

// OrderCreatedEvent published after the order transaction commits
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	UserID      uuid.UUID       `json:"user_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Items       []OrderItemData `json:"items"`
	FlagCount   int             `json:"flag_count"`
}

// FraudFlagRaisedEvent published for every flag created with an order
type FraudFlagRaisedEvent struct {
	BaseEvent
	FlagID   int64     `json:"flag_id"`
	OrderID  int64     `json:"order_id"`
	UserID   uuid.UUID `json:"user_id"`
	FlagType string    `json:"flag_type"`
	Severity string    `json:"severity"`
}

// PaymentSuccessEvent published when the provider confirms a payment
type PaymentSuccessEvent struct {
	BaseEvent
	OrderID           int64           `json:"order_id"`
	PaymentID         int64           `json:"payment_id"`
	CheckoutRequestID string          `json:"checkout_request_id"`
	Amount            decimal.Decimal `json:"amount"`
	ReceiptNumber     string          `json:"receipt_number"`
	PhoneNumber       string          `json:"phone_number"`
}

// PaymentFailedEvent published when the provider reports a failed payment
type PaymentFailedEvent struct {
	BaseEvent
	OrderID           int64  `json:"order_id"`
	PaymentID         int64  `json:"payment_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	ResultCode        int    `json:"result_code"`
	Reason            string `json:"reason"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// FlagAlert is the notification payload for a raised flag.
// It is both the outbox payload and the /send-fraud-alert request body.
type FlagAlert struct {
	FlagID      int64                  `json:"flagId"`
	FlagType    string                 `json:"flagType"`
	Severity    string                 `json:"severity"`
	Description string                 `json:"description"`
	UserID      *uuid.UUID             `json:"userId,omitempty"`
	OrderID     *int64                 `json:"orderId,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// AlertFromFlag builds the alert payload for f.
func AlertFromFlag(f *FraudFlag) FlagAlert {
	uid := f.UserID
	return FlagAlert{
		FlagID:      f.ID,
		FlagType:    f.FlagType,
		Severity:    f.Severity,
		Description: f.Description,
		UserID:      &uid,
		OrderID:     f.OrderID,
		Metadata:    f.Metadata,
	}
}

// Value implements driver.Valuer so an alert can be stored as JSONB.
func (a FlagAlert) Value() (driver.Value, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (a *FlagAlert) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("unsupported FlagAlert source type %T", src)
	}
}
