package store

import (
	"context"
	"os"
	"testing"
	"time"

	"storefront-service/internal/fraud"
	"storefront-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStore connects to TEST_DATABASE_URL or skips.
func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - requires database")
	}

	store, err := NewStore(url)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func seedUser(t *testing.T, s *Store) *models.User {
	t.Helper()
	user, err := s.CreateUser(context.Background(), uuid.NewString()+"@example.com", "hash")
	require.NoError(t, err)
	return user
}

func TestOrderSnapshot(t *testing.T) {
	user := uuid.New()
	snap := orderSnapshot(&models.Order{
		ID:          7,
		UserID:      user,
		TotalAmount: decimal.RequireFromString("12.5"),
		Status:      models.OrderStatusPending,
	})

	assert.Equal(t, int64(7), snap["id"])
	assert.Equal(t, user.String(), snap["user_id"])
	assert.Equal(t, "12.50", snap["total_amount"])
	assert.Equal(t, models.OrderStatusPending, snap["status"])
}

func TestCreateOrderRaisesFlagsInSameTransaction(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	user := seedUser(t, s)

	var productID int64
	require.NoError(t, s.db.GetContext(ctx, &productID,
		"INSERT INTO products (name, price, stock) VALUES ('kettle', 600, 10) RETURNING id"))

	order := &models.Order{UserID: user.ID, TotalAmount: decimal.NewFromInt(600), Status: models.OrderStatusPending}
	items := []models.OrderItem{{ProductID: productID, Quantity: 1, UnitPrice: decimal.NewFromInt(600)}}

	flags, err := s.CreateOrder(ctx, order, items, fraud.NewEngine())
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, models.FlagTypeHighValue, flags[0].FlagType)
	assert.NotZero(t, flags[0].ID)

	stored, err := s.GetFraudFlagsByOrderID(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	trail, err := s.GetAuditTrail(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, models.AuditActionCreate, trail[0].ActionType)
}

func TestCreateOrderRollsBackOnInsufficientStock(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	user := seedUser(t, s)

	var productID int64
	require.NoError(t, s.db.GetContext(ctx, &productID,
		"INSERT INTO products (name, price, stock) VALUES ('lamp', 10, 1) RETURNING id"))

	order := &models.Order{UserID: user.ID, TotalAmount: decimal.NewFromInt(20), Status: models.OrderStatusPending}
	_, err := s.CreateOrder(ctx, order, []models.OrderItem{{ProductID: productID, Quantity: 2, UnitPrice: decimal.NewFromInt(10)}}, fraud.NewEngine())
	assert.ErrorIs(t, err, ErrInsufficientStock)

	orders, err := s.GetOrdersByUserID(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestIssueCodeSupersedesAndConsumeIsSingleUse(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	user := seedUser(t, s)
	now := time.Now()

	first := &models.OneTimeCode{UserID: user.ID, Email: user.Email, Code: "111111", CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute)}
	require.NoError(t, s.IssueCode(ctx, first))
	second := &models.OneTimeCode{UserID: user.ID, Email: user.Email, Code: "222222", CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute)}
	require.NoError(t, s.IssueCode(ctx, second))

	ok, err := s.ConsumeCode(ctx, user.ID, "111111", now)
	require.NoError(t, err)
	assert.False(t, ok, "superseded code must not verify")

	ok, err = s.ConsumeCode(ctx, user.ID, "222222", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ConsumeCode(ctx, user.ID, "222222", now)
	require.NoError(t, err)
	assert.False(t, ok, "replay must not verify")

	profile, err := s.GetProfile(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, profile.TwoFactorEnabled)
	assert.NotNil(t, profile.LastLoginAt)
}

func TestResolveFraudFlagTwice(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	user := seedUser(t, s)

	order := &models.Order{UserID: user.ID, TotalAmount: decimal.NewFromInt(900), Status: models.OrderStatusPending}
	flags, err := s.CreateOrder(ctx, order, nil, fraud.NewEngine())
	require.NoError(t, err)
	require.NotEmpty(t, flags)

	_, err = s.ResolveFraudFlag(ctx, flags[0].ID, user.ID, "checked")
	require.NoError(t, err)
	_, err = s.ResolveFraudFlag(ctx, flags[0].ID, user.ID, "again")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

const customerRole = "storefront_rls_customer"

// customerStore returns a single-connection store whose session runs as a
// non-owner role, so row-level policies are enforced on every query.
func customerStore(t *testing.T, owner *Store) *Store {
	t.Helper()
	ctx := context.Background()

	_, err := owner.db.ExecContext(ctx, `
		DO $$ BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = '`+customerRole+`') THEN
				CREATE ROLE `+customerRole+` NOLOGIN;
			END IF;
		END $$`)
	if err != nil {
		t.Skipf("cannot create role %s: %v", customerRole, err)
	}
	for _, grant := range []string{
		"GRANT SELECT, INSERT, UPDATE ON ALL TABLES IN SCHEMA public TO " + customerRole,
		"GRANT USAGE ON ALL SEQUENCES IN SCHEMA public TO " + customerRole,
		"GRANT EXECUTE ON FUNCTION app_insert_fraud_flag(UUID, BIGINT, TEXT, TEXT, TEXT, BOOLEAN, JSONB) TO " + customerRole,
		"GRANT EXECUTE ON FUNCTION app_insert_audit(UUID, BIGINT, TEXT, TEXT, TEXT, JSONB, JSONB) TO " + customerRole,
		"GRANT " + customerRole + " TO CURRENT_USER",
	} {
		if _, err := owner.db.ExecContext(ctx, grant); err != nil {
			t.Skipf("cannot grant to %s: %v", customerRole, err)
		}
	}

	scoped, err := NewStore(os.Getenv("TEST_DATABASE_URL"))
	require.NoError(t, err)
	t.Cleanup(func() { scoped.Close() })
	scoped.db.SetMaxOpenConns(1)
	scoped.db.SetMaxIdleConns(1)
	_, err = scoped.db.ExecContext(ctx, "SET ROLE "+customerRole)
	require.NoError(t, err)
	return scoped
}

func countAs(t *testing.T, s *Store, userID uuid.UUID, query string, args ...interface{}) int {
	t.Helper()
	var n int
	err := s.withTx(context.Background(), func(tx *sqlx.Tx) error {
		if err := setRequestUser(context.Background(), tx, userID.String()); err != nil {
			return err
		}
		return tx.GetContext(context.Background(), &n, query, args...)
	})
	require.NoError(t, err)
	return n
}

func TestCreateOrderUnderRowLevelSecurity(t *testing.T) {
	owner := testStore(t)
	ctx := context.Background()
	customer := seedUser(t, owner)
	other := seedUser(t, owner)

	var productID int64
	require.NoError(t, owner.db.GetContext(ctx, &productID,
		"INSERT INTO products (name, price, stock) VALUES ('stove', 600, 10) RETURNING id"))

	theirs := &models.Order{UserID: other.ID, TotalAmount: decimal.NewFromInt(10), Status: models.OrderStatusPending}
	_, err := owner.CreateOrder(ctx, theirs, nil, fraud.NewEngine())
	require.NoError(t, err)

	scoped := customerStore(t, owner)
	mine := &models.Order{UserID: customer.ID, TotalAmount: decimal.NewFromInt(600), Status: models.OrderStatusPending}
	flags, err := scoped.CreateOrder(ctx, mine,
		[]models.OrderItem{{ProductID: productID, Quantity: 1, UnitPrice: decimal.NewFromInt(600)}}, fraud.NewEngine())
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.NotZero(t, flags[0].ID)

	// the customer sees only their own order and none of the reviewer data
	assert.Equal(t, 1, countAs(t, scoped, customer.ID, "SELECT COUNT(*) FROM orders"))
	assert.Zero(t, countAs(t, scoped, customer.ID, "SELECT COUNT(*) FROM orders WHERE id = $1", theirs.ID))
	assert.Zero(t, countAs(t, scoped, customer.ID, "SELECT COUNT(*) FROM fraud_flags WHERE order_id = $1", mine.ID))
	assert.Zero(t, countAs(t, scoped, customer.ID, "SELECT COUNT(*) FROM transaction_audit WHERE order_id = $1", mine.ID))

	trail, err := owner.GetAuditTrail(ctx, mine.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 1)
	stored, err := owner.GetFraudFlagsByOrderID(ctx, mine.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestUpdateOrderStatusOnlyFromPending(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	user := seedUser(t, s)

	order := &models.Order{UserID: user.ID, TotalAmount: decimal.NewFromInt(15), Status: models.OrderStatusPending}
	_, err := s.CreateOrder(ctx, order, nil, fraud.NewEngine())
	require.NoError(t, err)

	changed, err := s.UpdateOrderStatus(ctx, order.ID, models.OrderStatusPaid)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.UpdateOrderStatus(ctx, order.ID, models.OrderStatusFailed)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, got.Status)

	trail, err := s.GetAuditTrail(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 2)
}

func TestOnePendingPaymentPerOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	user := seedUser(t, s)

	order := &models.Order{UserID: user.ID, TotalAmount: decimal.NewFromInt(15), Status: models.OrderStatusPending}
	_, err := s.CreateOrder(ctx, order, nil, fraud.NewEngine())
	require.NoError(t, err)

	newPayment := func() *models.Payment {
		return &models.Payment{
			OrderID:           order.ID,
			CheckoutRequestID: "ws_CO_" + uuid.NewString(),
			MerchantRequestID: "m-1",
			PhoneNumber:       "254708374149",
			Amount:            decimal.NewFromInt(15),
			Status:            models.PaymentStatusPending,
		}
	}

	first := newPayment()
	require.NoError(t, s.CreatePayment(ctx, first))
	assert.ErrorIs(t, s.CreatePayment(ctx, newPayment()), ErrDuplicate)

	_, err = s.SettlePayment(ctx, first.CheckoutRequestID, models.PaymentStatusFailed, nil, "cancelled")
	require.NoError(t, err)
	assert.NoError(t, s.CreatePayment(ctx, newPayment()))
}

func TestRecordUnmatchedCallbackOnce(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := "ws_CO_" + uuid.NewString()
	body := []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"` + id + `","ResultCode":0}}}`)

	require.NoError(t, s.RecordUnmatchedCallback(ctx, id, 0, body))
	require.NoError(t, s.RecordUnmatchedCallback(ctx, id, 0, body))

	var n int
	require.NoError(t, s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM unmatched_callbacks WHERE checkout_request_id = $1", id))
	assert.Equal(t, 1, n)
}
