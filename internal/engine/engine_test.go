package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tableside/internal/config"
	"tableside/internal/db"
	"tableside/internal/domain"
	"tableside/internal/engine"
	"tableside/internal/migrate"
	"tableside/internal/notify"
	"tableside/internal/ordering"
	"tableside/internal/qr"
	"tableside/internal/repo"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingSink) Publish(_ context.Context, evt notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingSink) OfType(typ string) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fakeOrders struct {
	mu   sync.Mutex
	reqs []ordering.Request
	err  error
}

func (f *fakeOrders) CreateOrder(_ context.Context, req ordering.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.reqs = append(f.reqs, req)
	return "ord-" + string(rune('a'+len(f.reqs)-1)), nil
}

type testEnv struct {
	Engine engine.Engine
	Clock  *clock
	Sink   *recordingSink
	QR     qr.Store
	Ctx    context.Context
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))

	cfg := config.Default()
	for _, fn := range mutate {
		fn(cfg)
	}
	clk := &clock{t: time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)}
	sink := &recordingSink{}
	eng := engine.New(conn, db.SQLite, cfg)
	eng.Now = clk.Now
	eng.Notify = notify.Publisher{Sink: sink}
	store := qr.Store{Repo: eng.Repo, Now: clk.Now}
	eng.QR = store

	ctx := context.Background()
	_, err = store.Register(ctx, "QR-T1", "branch-1", "table-1")
	require.NoError(t, err)
	return testEnv{Engine: eng, Clock: clk, Sink: sink, QR: store, Ctx: ctx}
}

func (env testEnv) create(t *testing.T) domain.GuestSession {
	t.Helper()
	s, err := env.Engine.Create(env.Ctx, engine.CreateOptions{QRCode: "QR-T1"})
	require.NoError(t, err)
	return s
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func twoItems() []domain.CartItem {
	return []domain.CartItem{
		{ProductID: "burger", Quantity: 2, UnitPrice: money("10.50"), Modifiers: []domain.CartModifier{{ID: "cheese", Price: money("1.00")}}},
		{ProductID: "soda", Quantity: 1, UnitPrice: money("2.25")},
	}
}

func TestCreate(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t)

	assert.Equal(t, domain.StatusActive, s.Status)
	assert.Len(t, s.Token, 64)
	assert.Equal(t, "branch-1", s.BranchID)
	assert.Equal(t, "table-1", s.TableID)
	assert.Equal(t, s.FirstAccessAt.Add(4*time.Hour), s.ExpiresAt)
	assert.EqualValues(t, 1, s.AccessCount)
	require.Len(t, s.Actions, 1)
	assert.Equal(t, domain.ActionScan, s.Actions[0].Action)
	assert.Empty(t, s.OrderIDs)

	code, err := env.QR.Validate(env.Ctx, "QR-T1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, code.ScanCount)

	other := env.create(t)
	assert.NotEqual(t, s.Token, other.Token, "each scan gets its own session")
}

func TestCreateRejectsInvalidQRCode(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Create(env.Ctx, engine.CreateOptions{QRCode: "nope"})
	assert.ErrorIs(t, err, engine.ErrInvalidQRCode)

	require.NoError(t, env.QR.Disable(env.Ctx, "QR-T1"))
	_, err = env.Engine.Create(env.Ctx, engine.CreateOptions{QRCode: "QR-T1"})
	assert.ErrorIs(t, err, engine.ErrInvalidQRCode)
}

func TestCreateValidatesExtraMetadata(t *testing.T) {
	env := newTestEnv(t)
	extra := map[string]string{}
	for i := 0; i <= domain.MaxExtraKeys; i++ {
		extra[string(rune('a'+i))] = "v"
	}
	_, err := env.Engine.Create(env.Ctx, engine.CreateOptions{QRCode: "QR-T1", Extra: extra})
	assert.ErrorIs(t, err, engine.ErrInvalidArgument)

	s, err := env.Engine.Create(env.Ctx, engine.CreateOptions{
		QRCode: "QR-T1",
		Device: &domain.DeviceInfo{Platform: "ios"},
		Extra:  map[string]string{"campaign": "lunch"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ios", s.Metadata.Device.Platform)
	assert.Equal(t, "lunch", s.Metadata.Extra["campaign"])
}

func TestResolveCountsAccess(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t)
	env.Clock.Advance(time.Minute)

	got, err := env.Engine.Resolve(env.Ctx, s.Token)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.AccessCount)
	assert.Equal(t, env.Clock.Now(), got.LastAccessAt)
	assert.Greater(t, got.Version, s.Version)

	ok, err := env.Engine.Validate(env.Ctx, s.Token)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResolveUnknownToken(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Resolve(env.Ctx, "deadbeef")
	assert.ErrorIs(t, err, engine.ErrUnauthorized)
	_, err = env.Engine.Resolve(env.Ctx, "")
	assert.ErrorIs(t, err, engine.ErrUnauthorized)

	ok, err := env.Engine.Validate(env.Ctx, "deadbeef")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLazyExpiry(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t)
	env.Clock.Advance(4 * time.Hour)

	_, err := env.Engine.Resolve(env.Ctx, s.Token)
	assert.ErrorIs(t, err, engine.ErrSessionExpired)
	_, err = env.Engine.Resolve(env.Ctx, s.Token)
	assert.ErrorIs(t, err, engine.ErrSessionExpired)

	stored, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, stored.Status)
	assert.EqualValues(t, 1, stored.AccessCount, "expired reads are not counted")

	expired := env.Sink.OfType(notify.SessionExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, s.Token, expired[0].Key)

	ok, err := env.Engine.Validate(env.Ctx, s.Token)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = env.Engine.UpdateCart(env.Ctx, s.Token, twoItems())
	assert.ErrorIs(t, err, engine.ErrSessionExpired)
	_, err = env.Engine.Extend(env.Ctx, s.Token, 1)
	assert.ErrorIs(t, err, engine.ErrSessionExpired)
}

func TestLazyExpiryLosesRaceToSweep(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t)
	env.Clock.Advance(5 * time.Hour)

	n, err := env.Engine.Repo.ExpireStale(env.Ctx, env.Clock.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = env.Engine.Resolve(env.Ctx, s.Token)
	assert.ErrorIs(t, err, engine.ErrSessionExpired)
	assert.Empty(t, env.Sink.OfType(notify.SessionExpired), "the sweep already made the transition")

	stored, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Version+1, stored.Version)
}

func TestConcurrentCallServer(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.CallServer(env.Ctx, s.Token, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.EqualValues(t, n, got.Service.CallServerCount)
	assert.EqualValues(t, n+1, got.AccessCount)
	calls := 0
	for _, a := range got.Actions {
		if a.Action == domain.ActionCallServer {
			calls++
		}
	}
	assert.Equal(t, n, calls)
	alerts := env.Sink.OfType(notify.ServerCalled)
	require.Len(t, alerts, n)
	assert.Equal(t, notify.ScopeBranch, alerts[0].Scope)
	assert.Equal(t, "branch-1", alerts[0].Key)
}

func TestConcurrentCartUpdatesAllApply(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Session.UpdateRetries = 20 })
	s := env.create(t)

	const n = 5
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(qty int) {
			defer wg.Done()
			_, err := env.Engine.UpdateCart(env.Ctx, s.Token, []domain.CartItem{{ProductID: "tea", Quantity: qty, UnitPrice: money("1")}})
			errs <- err
		}(i + 1)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	got, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	require.NoError(t, err)
	adds := 0
	for _, a := range got.Actions {
		if a.Action == domain.ActionAddToCart {
			adds++
		}
	}
	assert.Equal(t, n, adds)
	assert.EqualValues(t, n+1, got.AccessCount)
}

func TestGuestScenario(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t)

	s, err := env.Engine.UpdateCart(env.Ctx, s.Token, twoItems())
	require.NoError(t, err)
	require.NotNil(t, s.Cart)
	assert.Len(t, s.Cart.Items, 2)
	assert.True(t, s.Cart.Items[0].Subtotal.Equal(money("23.00")))
	assert.True(t, s.Cart.Total.Equal(money("25.25")))

	_, err = env.Engine.AddOrder(env.Ctx, s.Token, "o1")
	require.NoError(t, err)
	s, err = env.Engine.AddOrder(env.Ctx, s.Token, "o1")
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, s.OrderIDs)
	assert.EqualValues(t, 1, s.OrderCount)

	s, err = env.Engine.RecordPayment(env.Ctx, s.Token, "CARD", money("2500"))
	require.NoError(t, err)
	assert.True(t, s.Payment.TotalSpent.Equal(money("2500")))
	assert.True(t, s.Payment.Completed)
	assert.Equal(t, "CARD", s.Payment.Method)
	require.Len(t, env.Sink.OfType(notify.PaymentConfirmed), 1)

	env.Clock.Advance(30 * time.Minute)
	s, err = env.Engine.CompleteSession(env.Ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, s.Status)
	require.NotNil(t, s.SessionDuration)
	assert.Equal(t, 30*time.Minute, *s.SessionDuration)
	require.NotNil(t, s.CompletedAt)

	var kinds []domain.ActionType
	for _, a := range s.Actions {
		kinds = append(kinds, a.Action)
	}
	assert.Equal(t, []domain.ActionType{domain.ActionScan, domain.ActionAddToCart, domain.ActionPlaceOrder, domain.ActionMakePayment}, kinds)
}

func TestTerminalSessionErrors(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t)
	_, err := env.Engine.CompleteSession(env.Ctx, s.Token)
	require.NoError(t, err)

	_, err = env.Engine.CompleteSession(env.Ctx, s.Token)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
	_, err = env.Engine.Extend(env.Ctx, s.Token, 1)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
	_, err = env.Engine.Resolve(env.Ctx, s.Token)
	assert.ErrorIs(t, err, engine.ErrSessionExpired)
	_, err = env.Engine.CallServer(env.Ctx, s.Token, "")
	assert.ErrorIs(t, err, engine.ErrSessionExpired)
	_, err = env.Engine.AddOrder(env.Ctx, s.Token, "o9")
	assert.ErrorIs(t, err, engine.ErrSessionExpired)

	stored, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status, "terminal states are sticky")
}

func TestUpdateCartValidation(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Session.MaxCartItems = 2 })
	s := env.create(t)
	cases := map[string][]domain.CartItem{
		"empty":             nil,
		"too many":          {{ProductID: "a", Quantity: 1}, {ProductID: "b", Quantity: 1}, {ProductID: "c", Quantity: 1}},
		"zero quantity":     {{ProductID: "a", Quantity: 0}},
		"negative price":    {{ProductID: "a", Quantity: 1, UnitPrice: money("-1")}},
		"missing product":   {{ProductID: " ", Quantity: 1}},
		"negative modifier": {{ProductID: "a", Quantity: 1, Modifiers: []domain.CartModifier{{ID: "m", Price: money("-0.5")}}}},
	}
	for name, items := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.UpdateCart(env.Ctx, s.Token, items)
			assert.ErrorIs(t, err, engine.ErrInvalidArgument)
		})
	}
	got, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Cart)
}

func TestCartTaxAndClear(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Session.TaxRate = "0.10" })
	s := env.create(t)

	s, err := env.Engine.UpdateCart(env.Ctx, s.Token, twoItems())
	require.NoError(t, err)
	assert.True(t, s.Cart.Subtotal.Equal(money("25.25")))
	assert.True(t, s.Cart.Tax.Equal(money("2.53")))
	assert.True(t, s.Cart.Total.Equal(money("27.78")))
	assert.Equal(t, 2, len(s.Cart.Items))
	last := s.Actions[len(s.Actions)-1]
	assert.Equal(t, domain.ActionAddToCart, last.Action)
	assert.EqualValues(t, 2, last.Details["item_count"])
	assert.EqualValues(t, 3, last.Details["quantity"])

	s, err = env.Engine.ClearCart(env.Ctx, s.Token)
	require.NoError(t, err)
	assert.Nil(t, s.Cart)
}

func TestUpdateGuestInfo(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t)
	s, err := env.Engine.UpdateGuestInfo(env.Ctx, s.Token, domain.GuestInfo{Name: " Sam ", Email: "sam@example.com", PartySize: 3})
	require.NoError(t, err)
	require.NotNil(t, s.Guest)
	assert.Equal(t, "Sam", s.Guest.Name)
	assert.Equal(t, 3, s.Guest.PartySize)

	_, err = env.Engine.UpdateGuestInfo(env.Ctx, s.Token, domain.GuestInfo{Email: "not-an-email"})
	assert.ErrorIs(t, err, engine.ErrInvalidArgument)
	assert.ErrorContains(t, err, "invalid email address")
	_, err = env.Engine.UpdateGuestInfo(env.Ctx, s.Token, domain.GuestInfo{Email: "Sam <sam@example.com>"})
	assert.ErrorIs(t, err, engine.ErrInvalidArgument, "display names are not addresses")
	_, err = env.Engine.UpdateGuestInfo(env.Ctx, s.Token, domain.GuestInfo{PartySize: -1})
	assert.ErrorIs(t, err, engine.ErrInvalidArgument)
	assert.ErrorContains(t, err, "party size")

	// Name length counts characters, not bytes.
	_, err = env.Engine.UpdateGuestInfo(env.Ctx, s.Token, domain.GuestInfo{Name: strings.Repeat("é", 100)})
	require.NoError(t, err)
	_, err = env.Engine.UpdateGuestInfo(env.Ctx, s.Token, domain.GuestInfo{Name: strings.Repeat("é", 101)})
	assert.ErrorContains(t, err, "name exceeds 100 characters")
}

func TestExtendIsCumulative(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t)
	deadline := s.ExpiresAt

	s, err := env.Engine.Extend(env.Ctx, s.Token, 1)
	require.NoError(t, err)
	s, err = env.Engine.Extend(env.Ctx, s.Token, 2)
	require.NoError(t, err)
	assert.Equal(t, deadline.Add(3*time.Hour), s.ExpiresAt)

	for _, hours := range []int{0, -1, 5} {
		_, err = env.Engine.Extend(env.Ctx, s.Token, hours)
		assert.ErrorIs(t, err, engine.ErrInvalidArgument, "hours=%d", hours)
	}

	env.Clock.Advance(6 * time.Hour)
	_, err = env.Engine.Resolve(env.Ctx, s.Token)
	require.NoError(t, err, "extended deadline is honoured")
}

func TestRequestBillKeepsFirstTimestamp(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t)
	s, err := env.Engine.RequestBill(env.Ctx, s.Token)
	require.NoError(t, err)
	require.NotNil(t, s.Service.BillRequestedAt)
	first := *s.Service.BillRequestedAt

	env.Clock.Advance(time.Minute)
	s, err = env.Engine.RequestBill(env.Ctx, s.Token)
	require.NoError(t, err)
	assert.True(t, s.Service.BillRequested)
	assert.Equal(t, first, *s.Service.BillRequestedAt)

	bills := 0
	for _, a := range s.Actions {
		if a.Action == domain.ActionRequestBill {
			bills++
		}
	}
	assert.Equal(t, 2, bills)
	assert.Len(t, env.Sink.OfType(notify.BillRequested), 2)
}

func TestRecordPaymentValidation(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t)
	_, err := env.Engine.RecordPayment(env.Ctx, s.Token, "CARD", money("-1"))
	assert.ErrorIs(t, err, engine.ErrInvalidArgument)
	_, err = env.Engine.RecordPayment(env.Ctx, s.Token, "", money("1"))
	assert.ErrorIs(t, err, engine.ErrInvalidArgument)

	_, err = env.Engine.RecordPayment(env.Ctx, s.Token, "CASH", money("10"))
	require.NoError(t, err)
	s, err = env.Engine.RecordPayment(env.Ctx, s.Token, "CARD", money("5.5"))
	require.NoError(t, err)
	assert.True(t, s.Payment.TotalSpent.Equal(money("15.50")), "payments accumulate")
	assert.Equal(t, "CARD", s.Payment.Method)
}

func TestSubmitFeedback(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t)
	_, err := env.Engine.SubmitFeedback(env.Ctx, s.Token, 6, "")
	assert.ErrorIs(t, err, engine.ErrInvalidArgument)

	s, err = env.Engine.SubmitFeedback(env.Ctx, s.Token, 5, "great pasta")
	require.NoError(t, err)
	require.NotNil(t, s.Metadata.Feedback)
	assert.Equal(t, 5, s.Metadata.Feedback.Rating)
	assert.Equal(t, domain.ActionSubmitFeedback, s.Actions[len(s.Actions)-1].Action)
}

func TestPlaceOrder(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t)

	_, _, err := env.Engine.PlaceOrder(env.Ctx, s.Token, "")
	assert.ErrorIs(t, err, engine.ErrUnavailable, "no order service configured")

	orders := &fakeOrders{}
	env.Engine.Orders = orders
	_, _, err = env.Engine.PlaceOrder(env.Ctx, s.Token, "")
	assert.ErrorIs(t, err, engine.ErrInvalidArgument, "empty cart")

	_, err = env.Engine.UpdateCart(env.Ctx, s.Token, twoItems())
	require.NoError(t, err)
	s, orderID, err := env.Engine.PlaceOrder(env.Ctx, s.Token, "window seat")
	require.NoError(t, err)
	assert.Equal(t, "ord-a", orderID)
	assert.Nil(t, s.Cart)
	assert.Equal(t, []string{"ord-a"}, s.OrderIDs)
	require.Len(t, orders.reqs, 1)
	assert.Equal(t, "table-1", orders.reqs[0].TableID)
	assert.Equal(t, "window seat", orders.reqs[0].Notes)
	assert.True(t, orders.reqs[0].Cart.Total.Equal(money("25.25")))

	_, err = env.Engine.UpdateCart(env.Ctx, s.Token, twoItems())
	require.NoError(t, err)
	orders.err = errors.Join(ordering.ErrRejected, errors.New("kitchen closed"))
	_, _, err = env.Engine.PlaceOrder(env.Ctx, s.Token, "")
	assert.ErrorIs(t, err, engine.ErrInvalidArgument)
	orders.err = errors.New("connection refused")
	_, _, err = env.Engine.PlaceOrder(env.Ctx, s.Token, "")
	assert.ErrorIs(t, err, engine.ErrUnavailable)
}

func TestStaffGetSessionAppliesLazyExpiry(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t)

	got, err := env.Engine.GetSession(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.AccessCount, "staff reads are not guest accesses")

	env.Clock.Advance(4*time.Hour + time.Second)
	got, err = env.Engine.GetSession(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Status)

	_, err = env.Engine.GetSession(env.Ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestStaffEndSessionAndList(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t)
	env.Clock.Advance(time.Second)
	b := env.create(t)

	ended, err := env.Engine.EndSession(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, ended.Status)
	assert.EqualValues(t, 1, ended.AccessCount)
	_, err = env.Engine.EndSession(env.Ctx, a.ID)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	active, err := env.Engine.ListSessions(env.Ctx, repo.SessionFilters{Status: domain.StatusActive, TableID: "table-1"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, b.ID, active[0].ID)

	_, err = env.Engine.ListSessions(env.Ctx, repo.SessionFilters{Status: "OPEN"})
	assert.ErrorIs(t, err, engine.ErrInvalidArgument)
}

func TestStaffNotifications(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t)

	require.NoError(t, env.Engine.RespondToServerCall(env.Ctx, s.ID, "staff-7", "on my way"))
	require.NoError(t, env.Engine.MarkBillReady(env.Ctx, s.ID, nil))
	require.NoError(t, env.Engine.NotifyGuest(env.Ctx, s.ID, engine.Message{Title: "Kitchen", Message: "Dessert menu is out"}))
	assert.ErrorIs(t, env.Engine.NotifyGuest(env.Ctx, s.ID, engine.Message{}), engine.ErrInvalidArgument)

	for _, typ := range []string{notify.ServerCallResponse, notify.BillReady, notify.Notification} {
		evts := env.Sink.OfType(typ)
		require.Len(t, evts, 1, typ)
		assert.Equal(t, notify.ScopeSession, evts[0].Scope)
		assert.Equal(t, s.Token, evts[0].Key)
	}
	assert.Equal(t, "staff-7", env.Sink.OfType(notify.ServerCallResponse)[0].Data["staff_id"])
}

func TestUpdateOrderStatus(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t)
	_, err := env.Engine.AddOrder(env.Ctx, s.Token, "o1")
	require.NoError(t, err)

	require.NoError(t, env.Engine.UpdateOrderStatus(env.Ctx, "o1", "Ready"))
	updates := env.Sink.OfType(notify.OrderStatusUpdated)
	require.Len(t, updates, 2)
	assert.Equal(t, notify.ScopeOrder, updates[0].Scope)
	assert.Equal(t, "o1", updates[0].Key)
	assert.Equal(t, notify.ScopeSession, updates[1].Scope)
	require.Len(t, env.Sink.OfType(notify.OrderReady), 1)

	assert.ErrorIs(t, env.Engine.UpdateOrderStatus(env.Ctx, "o1", "burnt"), engine.ErrInvalidArgument)
	assert.ErrorIs(t, env.Engine.UpdateOrderStatus(env.Ctx, "o404", "ready"), engine.ErrNotFound)
}
