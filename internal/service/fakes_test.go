package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"storefront-service/internal/fraud"
	"storefront-service/internal/models"
	"storefront-service/internal/mpesa"
	"storefront-service/internal/notify"
	"storefront-service/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var errFakeStorage = errors.New("fake storage error")

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// fakeUsers implements UserStore in memory
type fakeUsers struct {
	mu       sync.Mutex
	users    map[string]*models.User
	profiles map[uuid.UUID]*models.Profile
	roles    map[uuid.UUID][]string
	attempts []models.LoginAttempt
	roleErr  error
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{
		users:    map[string]*models.User{},
		profiles: map[uuid.UUID]*models.Profile{},
		roles:    map[uuid.UUID][]string{},
	}
}

// add registers a user with a real bcrypt hash
func (f *fakeUsers) add(t *testing.T, email, password, role string) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	u := &models.User{ID: uuid.New(), Email: email, PasswordHash: string(hash)}
	f.users[email] = u
	e := email
	f.profiles[u.ID] = &models.Profile{UserID: u.ID, Email: &e}
	f.roles[u.ID] = []string{role}
	return u
}

func (f *fakeUsers) profile(id uuid.UUID) models.Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.profiles[id]
}

func (f *fakeUsers) CreateUser(_ context.Context, email, passwordHash string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[email]; ok {
		return nil, fmt.Errorf("user %s: %w", email, ErrEmailTaken)
	}
	u := &models.User{ID: uuid.New(), Email: email, PasswordHash: passwordHash}
	f.users[email] = u
	e := email
	f.profiles[u.ID] = &models.Profile{UserID: u.ID, Email: &e}
	f.roles[u.ID] = []string{models.RoleCustomer}
	return u, nil
}

func (f *fakeUsers) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[email]
	if !ok {
		return nil, fmt.Errorf("user: %w", ErrNotFound)
	}
	return u, nil
}

func (f *fakeUsers) GetProfile(_ context.Context, userID uuid.UUID) (*models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("profile: %w", ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeUsers) HasRole(_ context.Context, userID uuid.UUID, roles ...string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roleErr != nil {
		return false, f.roleErr
	}
	for _, have := range f.roles[userID] {
		for _, want := range roles {
			if have == want {
				return true, nil
			}
		}
	}
	return false, nil
}

func (f *fakeUsers) UpsertRole(_ context.Context, userID uuid.UUID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[userID] = []string{role}
	return nil
}

func (f *fakeUsers) SetAccountLocked(_ context.Context, userID uuid.UUID, locked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return fmt.Errorf("profile: %w", ErrNotFound)
	}
	p.AccountLocked = locked
	if !locked {
		p.FailedLoginAttempts = 0
	}
	return nil
}

func (f *fakeUsers) RegisterFailedLogin(_ context.Context, userID uuid.UUID, maxFailures int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.profiles[userID]
	p.FailedLoginAttempts++
	if p.FailedLoginAttempts >= maxFailures {
		p.AccountLocked = true
	}
	return p.AccountLocked, nil
}

func (f *fakeUsers) ResetFailedLogins(_ context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[userID].FailedLoginAttempts = 0
	return nil
}

func (f *fakeUsers) RecordLoginAttempt(_ context.Context, attempt *models.LoginAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, *attempt)
	return nil
}

// fakeCodes implements CodeStore with the same supersede and consume rules as the table
type fakeCodes struct {
	mu     sync.Mutex
	codes  []*models.OneTimeCode
	nextID int64
}

func (f *fakeCodes) IssueCode(_ context.Context, code *models.OneTimeCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.codes {
		if c.UserID == code.UserID {
			c.Used = true
		}
	}
	f.nextID++
	code.ID = f.nextID
	cp := *code
	f.codes = append(f.codes, &cp)
	return nil
}

func (f *fakeCodes) ConsumeCode(_ context.Context, userID uuid.UUID, code string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.codes) - 1; i >= 0; i-- {
		c := f.codes[i]
		if c.UserID == userID && c.Code == code && !c.Used && c.ExpiresAt.After(now) {
			c.Used = true
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCodes) InvalidateCode(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.codes {
		if c.ID == id {
			c.Used = true
		}
	}
	return nil
}

func (f *fakeCodes) usable(userID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.codes {
		if c.UserID == userID && !c.Used {
			n++
		}
	}
	return n
}

// fakeThrottle implements Throttle and IdempotencyStore without expiry
type fakeThrottle struct {
	mu       sync.Mutex
	counters map[string]int64
	locks    map[string]bool
	keys     map[string]bool
	err      error
}

func newFakeThrottle() *fakeThrottle {
	return &fakeThrottle{counters: map[string]int64{}, locks: map[string]bool{}, keys: map[string]bool{}}
}

func (f *fakeThrottle) IncrementWindow(_ context.Context, key string, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.counters[key]++
	return f.counters[key], nil
}

func (f *fakeThrottle) ResetCounter(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counters, key)
	return nil
}

func (f *fakeThrottle) AcquireLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.locks[key] {
		return false, nil
	}
	f.locks[key] = true
	return true, nil
}

func (f *fakeThrottle) ReleaseLock(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, key)
	return nil
}

func (f *fakeThrottle) SetIdempotencyKey(_ context.Context, key string, _ interface{}, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.keys[key] {
		return false, nil
	}
	f.keys[key] = true
	return true, nil
}

func (f *fakeThrottle) DeleteIdempotencyKey(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	return nil
}

// fakeMailer records messages; err makes every send fail
type fakeMailer struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (f *fakeMailer) Send(_ context.Context, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

// fakePublisher records events
type fakePublisher struct {
	mu       sync.Mutex
	created  []*models.OrderCreatedEvent
	flags    []*models.FraudFlagRaisedEvent
	success  []*models.PaymentSuccessEvent
	failed   []*models.PaymentFailedEvent
	failWith error
}

func (f *fakePublisher) PublishOrderCreated(_ context.Context, e *models.OrderCreatedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, e)
	return f.failWith
}

func (f *fakePublisher) PublishFraudFlagRaised(_ context.Context, e *models.FraudFlagRaisedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags = append(f.flags, e)
	return f.failWith
}

func (f *fakePublisher) PublishPaymentSuccess(_ context.Context, e *models.PaymentSuccessEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.success = append(f.success, e)
	return f.failWith
}

func (f *fakePublisher) PublishPaymentFailed(_ context.Context, e *models.PaymentFailedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, e)
	return f.failWith
}

// fakeLedger implements OrderStore, SettlementStore and PaymentStore. Orders
// are evaluated against the orders already in the ledger, like the real
// transaction does.
type fakeLedger struct {
	mu        sync.Mutex
	products  map[int64]*models.Product
	orders    []*models.Order
	items     map[int64][]models.OrderItem
	flags     []models.FraudFlag
	payments  map[string]*models.Payment
	processed map[string]bool
	released  map[int64]int
	unmatched map[string][]byte
	clock     *fakeClock
	createErr error

	unmatchedErr error
}

func newFakeLedger(clock *fakeClock) *fakeLedger {
	return &fakeLedger{
		products:  map[int64]*models.Product{},
		items:     map[int64][]models.OrderItem{},
		payments:  map[string]*models.Payment{},
		processed: map[string]bool{},
		released:  map[int64]int{},
		unmatched: map[string][]byte{},
		clock:     clock,
	}
}

func (f *fakeLedger) addProduct(id int64, price string, stock int) {
	f.products[id] = &models.Product{ID: id, Name: fmt.Sprintf("product-%d", id), Price: decimal.RequireFromString(price), Stock: stock}
}

func (f *fakeLedger) addOrder(userID uuid.UUID, total string, status string) *models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := &models.Order{
		ID:          int64(len(f.orders) + 1),
		UserID:      userID,
		TotalAmount: decimal.RequireFromString(total),
		Status:      status,
		CreatedAt:   f.clock.Now(),
	}
	f.orders = append(f.orders, o)
	return o
}

func (f *fakeLedger) CountOrdersSince(_ context.Context, userID uuid.UUID, exclude int64, since time.Time) (int, error) {
	n := 0
	for _, o := range f.orders {
		if o.UserID == userID && o.ID != exclude && !o.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (f *fakeLedger) SumOrdersSince(_ context.Context, userID uuid.UUID, exclude int64, since time.Time) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, o := range f.orders {
		if o.UserID == userID && o.ID != exclude && !o.CreatedAt.Before(since) {
			sum = sum.Add(o.TotalAmount)
		}
	}
	return sum, nil
}

func (f *fakeLedger) GetProducts(context.Context) ([]models.Product, error) {
	var out []models.Product
	for id := int64(1); id <= int64(len(f.products)); id++ {
		if p, ok := f.products[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeLedger) GetProductByID(_ context.Context, id int64) (*models.Product, error) {
	p, ok := f.products[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeLedger) GetOrdersByUserID(_ context.Context, userID uuid.UUID) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for i := len(f.orders) - 1; i >= 0; i-- {
		if f.orders[i].UserID == userID {
			out = append(out, *f.orders[i])
		}
	}
	return out, nil
}

func (f *fakeLedger) GetFraudFlagsByOrderID(_ context.Context, orderID int64) ([]models.FraudFlag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.FraudFlag
	for _, fl := range f.flags {
		if fl.OrderID != nil && *fl.OrderID == orderID {
			out = append(out, fl)
		}
	}
	return out, nil
}

func (f *fakeLedger) GetPaymentByOrderID(_ context.Context, orderID int64) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.Payment
	for _, p := range f.payments {
		if p.OrderID == orderID && (latest == nil || p.ID > latest.ID) {
			latest = p
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("payment for order %d: %w", orderID, ErrNotFound)
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeLedger) GetPaymentByCheckoutID(_ context.Context, checkoutRequestID string) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[checkoutRequestID]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", checkoutRequestID, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeLedger) RecordUnmatchedCallback(_ context.Context, checkoutRequestID string, _ int, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unmatchedErr != nil {
		return f.unmatchedErr
	}
	if _, ok := f.unmatched[checkoutRequestID]; !ok {
		f.unmatched[checkoutRequestID] = payload
	}
	return nil
}

func (f *fakeLedger) GetProductsByIDs(_ context.Context, ids []int64) ([]models.Product, error) {
	var out []models.Product
	for _, id := range ids {
		if p, ok := f.products[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeLedger) CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem, engine *fraud.Engine) ([]models.FraudFlag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	for _, item := range items {
		if f.products[item.ProductID].Stock < item.Quantity {
			return nil, fmt.Errorf("product %d: %w", item.ProductID, ErrInsufficientStock)
		}
	}

	order.ID = int64(len(f.orders) + 1)
	order.CreatedAt = f.clock.Now()
	stored := *order
	f.orders = append(f.orders, &stored)

	for _, item := range items {
		f.products[item.ProductID].Stock -= item.Quantity
	}
	f.items[order.ID] = items

	flags, err := engine.Evaluate(ctx, f, order)
	if err != nil {
		return nil, err
	}
	for i := range flags {
		flags[i].ID = int64(len(f.flags) + 1)
		f.flags = append(f.flags, flags[i])
	}
	return flags, nil
}

func (f *fakeLedger) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.ID == id {
			cp := *o
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
}

func (f *fakeLedger) GetOrderItemsByOrderID(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[orderID], nil
}

func (f *fakeLedger) UpdateOrderStatus(_ context.Context, orderID int64, status string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.ID == orderID {
			if o.Status != models.OrderStatusPending {
				return false, nil
			}
			o.Status = status
			return true, nil
		}
	}
	return false, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
}

func (f *fakeLedger) ReleaseStock(_ context.Context, productID int64, quantity int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[productID] += quantity
	return nil
}

func (f *fakeLedger) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed[eventID], nil
}

func (f *fakeLedger) MarkEventProcessed(_ context.Context, eventID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[eventID] = true
	return nil
}

func (f *fakeLedger) CreatePayment(_ context.Context, p *models.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.payments[p.CheckoutRequestID]; ok {
		return fmt.Errorf("payment %s: %w", p.CheckoutRequestID, store.ErrDuplicate)
	}
	for _, other := range f.payments {
		if other.OrderID == p.OrderID && other.Status == models.PaymentStatusPending {
			return fmt.Errorf("pending payment for order %d: %w", p.OrderID, store.ErrDuplicate)
		}
	}
	p.ID = int64(len(f.payments) + 1)
	cp := *p
	f.payments[p.CheckoutRequestID] = &cp
	return nil
}

func (f *fakeLedger) SettlePayment(_ context.Context, checkoutRequestID, status string, receipt *string, resultDesc string) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[checkoutRequestID]
	if !ok || p.Status != models.PaymentStatusPending {
		return nil, fmt.Errorf("pending payment %s: %w", checkoutRequestID, ErrNotFound)
	}
	p.Status = status
	p.ReceiptNumber = receipt
	p.ResultDesc = &resultDesc
	cp := *p
	return &cp, nil
}

// fakeFlags implements FlagStore
type fakeFlags struct {
	flags     map[int64]*models.FraudFlag
	lastLimit int
}

func (f *fakeFlags) ListFraudFlags(_ context.Context, resolved *bool, limit int) ([]models.FraudFlag, error) {
	f.lastLimit = limit
	out := []models.FraudFlag{}
	for _, fl := range f.flags {
		if resolved == nil || fl.Resolved == *resolved {
			out = append(out, *fl)
		}
	}
	return out, nil
}

func (f *fakeFlags) ResolveFraudFlag(_ context.Context, flagID int64, resolverID uuid.UUID, notes string) (*models.FraudFlag, error) {
	fl, ok := f.flags[flagID]
	if !ok {
		return nil, fmt.Errorf("fraud flag %d: %w", flagID, ErrNotFound)
	}
	if fl.Resolved {
		return nil, ErrFlagAlreadyResolved
	}
	fl.Resolved = true
	fl.ResolvedBy = &resolverID
	fl.ResolutionNotes = &notes
	cp := *fl
	return &cp, nil
}

// fakeRecipients implements RecipientStore
type fakeRecipients struct {
	emails []string
	err    error
}

func (f *fakeRecipients) SecurityRecipients(context.Context) ([]string, error) {
	return f.emails, f.err
}

// fakeSTK implements STKClient
type fakeSTK struct {
	requests []mpesa.STKPushRequest
	err      error
}

func (f *fakeSTK) STKPush(_ context.Context, req mpesa.STKPushRequest) (*mpesa.STKPushResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	n := len(f.requests)
	return &mpesa.STKPushResponse{
		MerchantRequestID: fmt.Sprintf("m-%d", n),
		CheckoutRequestID: fmt.Sprintf("ws_CO_%d", n),
		ResponseCode:      "0",
	}, nil
}
