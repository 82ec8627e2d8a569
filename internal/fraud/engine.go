// Package fraud evaluates the order fraud rules.
//
// Rules are stateless functions over the order ledger. The engine never writes;
// the caller persists the returned flags in the same transaction as the order
// so both become visible together.
package fraud

import (
	"context"
	"fmt"
	"time"

	"storefront-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Fixed thresholds. They are not configurable per user or tier.
const (
	VelocityWindow   = time.Hour
	VelocityMaxPrior = 3
	DailyWindow      = 24 * time.Hour
	HighValueLimit   = 500
	DailySpendLimit  = 1000
)

var (
	highValueLimit  = decimal.NewFromInt(HighValueLimit)
	dailySpendLimit = decimal.NewFromInt(DailySpendLimit)
)

// History is the read view of the ledger the rules need. Both queries
// exclude the order being evaluated.
type History interface {
	CountOrdersSince(ctx context.Context, userID uuid.UUID, excludeOrderID int64, since time.Time) (int, error)
	SumOrdersSince(ctx context.Context, userID uuid.UUID, excludeOrderID int64, since time.Time) (decimal.Decimal, error)
}

// Rule inspects one order and returns a flag, or nil when it does not match.
type Rule func(ctx context.Context, h History, order *models.Order) (*models.FraudFlag, error)

// Engine runs every rule against a new order.
type Engine struct {
	rules []Rule
}

// NewEngine returns an engine with the velocity, high value and daily limit rules.
func NewEngine() *Engine {
	return &Engine{
		rules: []Rule{
			CheckVelocity,
			CheckHighValue,
			CheckDailyLimit,
		},
	}
}

// Evaluate runs all rules independently; one order can yield zero to three flags.
func (e *Engine) Evaluate(ctx context.Context, h History, order *models.Order) ([]models.FraudFlag, error) {
	flags := make([]models.FraudFlag, 0, len(e.rules))
	for _, rule := range e.rules {
		flag, err := rule(ctx, h, order)
		if err != nil {
			return nil, err
		}
		if flag != nil {
			flags = append(flags, *flag)
		}
	}
	return flags, nil
}

// CheckVelocity flags the 4th and later order placed within an hour.
func CheckVelocity(ctx context.Context, h History, order *models.Order) (*models.FraudFlag, error) {
	prior, err := h.CountOrdersSince(ctx, order.UserID, order.ID, order.CreatedAt.Add(-VelocityWindow))
	if err != nil {
		return nil, fmt.Errorf("velocity check: %w", err)
	}
	if prior < VelocityMaxPrior {
		return nil, nil
	}

	count := prior + 1
	return newFlag(order, models.FlagTypeVelocity, models.SeverityHigh,
		fmt.Sprintf("User placed %d orders within 1 hour", count),
		models.JSONMap{"order_count": count}), nil
}

// CheckHighValue flags any order above the single-order limit.
func CheckHighValue(_ context.Context, _ History, order *models.Order) (*models.FraudFlag, error) {
	if !order.TotalAmount.GreaterThan(highValueLimit) {
		return nil, nil
	}
	return newFlag(order, models.FlagTypeHighValue, models.SeverityMedium,
		fmt.Sprintf("High value order: $%s", order.TotalAmount.StringFixed(2)),
		models.JSONMap{"amount": order.TotalAmount.InexactFloat64()}), nil
}

// CheckDailyLimit flags a user whose trailing 24h spend, including this order, exceeds the limit.
func CheckDailyLimit(ctx context.Context, h History, order *models.Order) (*models.FraudFlag, error) {
	prior, err := h.SumOrdersSince(ctx, order.UserID, order.ID, order.CreatedAt.Add(-DailyWindow))
	if err != nil {
		return nil, fmt.Errorf("daily limit check: %w", err)
	}

	total := prior.Add(order.TotalAmount)
	if !total.GreaterThan(dailySpendLimit) {
		return nil, nil
	}
	return newFlag(order, models.FlagTypeDailyLimit, models.SeverityHigh,
		fmt.Sprintf("Daily spending limit exceeded: $%s in 24 hours", total.StringFixed(2)),
		models.JSONMap{"daily_total": total.InexactFloat64()}), nil
}

// newFlag sets requires_approval from severity so every high flag needs approval.
func newFlag(order *models.Order, flagType, severity, description string, metadata models.JSONMap) *models.FraudFlag {
	orderID := order.ID
	return &models.FraudFlag{
		UserID:           order.UserID,
		OrderID:          &orderID,
		FlagType:         flagType,
		Severity:         severity,
		Description:      description,
		RequiresApproval: severity == models.SeverityHigh,
		Metadata:         metadata,
	}
}
