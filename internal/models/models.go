package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User is the identity row that profiles and roles hang off.
type User struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Profile holds account security state for a user
type Profile struct {
	UserID              uuid.UUID  `db:"user_id" json:"user_id"`
	Email               *string    `db:"email" json:"email,omitempty"`
	AccountLocked       bool       `db:"account_locked" json:"account_locked"`
	FailedLoginAttempts int        `db:"failed_login_attempts" json:"failed_login_attempts"`
	TwoFactorEnabled    bool       `db:"two_factor_enabled" json:"two_factor_enabled"`
	LastLoginAt         *time.Time `db:"last_login_at" json:"last_login_at,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// UserRole binds a user to one role
type UserRole struct {
	ID        int64     `db:"id" json:"id"`
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	Role      string    `db:"role" json:"role"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Roles
const (
	RoleCustomer          = "customer"
	RoleAdmin             = "admin"
	RoleSecurityPersonnel = "security_personnel"
)

// ValidRole reports whether r is one of the known roles.
func ValidRole(r string) bool {
	switch r {
	case RoleCustomer, RoleAdmin, RoleSecurityPersonnel:
		return true
	}
	return false
}

// LoginAttempt records every password check
type LoginAttempt struct {
	ID        int64      `db:"id" json:"id"`
	UserID    *uuid.UUID `db:"user_id" json:"user_id,omitempty"`
	Email     string     `db:"email" json:"email"`
	Success   bool       `db:"success" json:"success"`
	IPAddress string     `db:"ip_address" json:"ip_address"`
	UserAgent string     `db:"user_agent" json:"user_agent"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// Product represents a product in the catalog
type Product struct {
	ID          int64           `db:"id" json:"id"`
	Name        string          `db:"name" json:"name"`
	Description string          `db:"description" json:"description"`
	Price       decimal.Decimal `db:"price" json:"price"`
	Stock       int             `db:"stock" json:"stock"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// Order represents a customer order
type Order struct {
	ID          int64           `db:"id" json:"id"`
	UserID      uuid.UUID       `db:"user_id" json:"user_id"`
	TotalAmount decimal.Decimal `db:"total_amount" json:"total_amount"`
	Status      string          `db:"status" json:"status"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderItem represents items in an order
type OrderItem struct {
	ID        int64           `db:"id" json:"id"`
	OrderID   int64           `db:"order_id" json:"order_id"`
	ProductID int64           `db:"product_id" json:"product_id"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
}

// Order statuses
const (
	OrderStatusPending   = "pending"
	OrderStatusPaid      = "paid"
	OrderStatusFailed    = "failed"
	OrderStatusCancelled = "cancelled"
)

// Payment tracks one STK push and its callback outcome
type Payment struct {
	ID                int64           `db:"id" json:"id"`
	OrderID           int64           `db:"order_id" json:"order_id"`
	CheckoutRequestID string          `db:"checkout_request_id" json:"checkout_request_id"`
	MerchantRequestID string          `db:"merchant_request_id" json:"merchant_request_id"`
	PhoneNumber       string          `db:"phone_number" json:"phone_number"`
	Amount            decimal.Decimal `db:"amount" json:"amount"`
	Status            string          `db:"status" json:"status"`
	ReceiptNumber     *string         `db:"receipt_number" json:"receipt_number,omitempty"`
	ResultDesc        *string         `db:"result_desc" json:"result_desc,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// Payment statuses
const (
	PaymentStatusPending = "pending"
	PaymentStatusSuccess = "success"
	PaymentStatusFailed  = "failed"
)

// FraudFlag is an advisory record that a rule matched an order.
type FraudFlag struct {
	ID               int64      `db:"id" json:"id"`
	UserID           uuid.UUID  `db:"user_id" json:"user_id"`
	OrderID          *int64     `db:"order_id" json:"order_id,omitempty"`
	FlagType         string     `db:"flag_type" json:"flag_type"`
	Severity         string     `db:"severity" json:"severity"`
	Description      string     `db:"description" json:"description"`
	Resolved         bool       `db:"resolved" json:"resolved"`
	ResolvedBy       *uuid.UUID `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolutionNotes  *string    `db:"resolution_notes" json:"resolution_notes,omitempty"`
	RequiresApproval bool       `db:"requires_approval" json:"requires_approval"`
	Metadata         JSONMap    `db:"metadata" json:"metadata,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
}

// Flag types
const (
	FlagTypeVelocity   = "velocity"
	FlagTypeHighValue  = "high_value"
	FlagTypeDailyLimit = "daily_limit"
)

// Severities
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// AuditRecord is an append-only before/after snapshot of an order mutation
type AuditRecord struct {
	ID         int64     `db:"id" json:"id"`
	UserID     uuid.UUID `db:"user_id" json:"user_id"`
	OrderID    *int64    `db:"order_id" json:"order_id,omitempty"`
	ActionType string    `db:"action_type" json:"action_type"`
	EntityType string    `db:"entity_type" json:"entity_type"`
	EntityID   string    `db:"entity_id" json:"entity_id"`
	OldValue   JSONMap   `db:"old_value" json:"old_value,omitempty"`
	NewValue   JSONMap   `db:"new_value" json:"new_value,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Audit action types
const (
	AuditActionCreate = "create"
	AuditActionUpdate = "update"
)

// OneTimeCode is a 6-digit second-factor code
type OneTimeCode struct {
	ID        int64     `db:"id" json:"id"`
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	Email     string    `db:"email" json:"email"`
	Code      string    `db:"code" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	Used      bool      `db:"used" json:"used"`
}

// OutboxEntry is a pending notification persisted with the flag that caused it
type OutboxEntry struct {
	ID            int64      `db:"id"`
	FlagID        int64      `db:"flag_id"`
	Payload       FlagAlert  `db:"payload"`
	Attempts      int        `db:"attempts"`
	NextAttemptAt time.Time  `db:"next_attempt_at"`
	LastError     *string    `db:"last_error"`
	DeliveredAt   *time.Time `db:"delivered_at"`
	CreatedAt     time.Time  `db:"created_at"`
}

// JSONMap maps a JSONB column to a Go map.
type JSONMap map[string]interface{}

// Value implements driver.Valuer
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONMap source type %T", src)
	}
	return json.Unmarshal(raw, m)
}
