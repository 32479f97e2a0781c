package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tableside/internal/config"
	"tableside/internal/db"
	"tableside/internal/domain"
	"tableside/internal/engine"
	"tableside/internal/engine/auth"
	"tableside/internal/metrics"
	"tableside/internal/migrate"
	"tableside/internal/notify"
	"tableside/internal/qr"
	"tableside/internal/repo"
	"tableside/internal/scheduler"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	Engine engine.Engine
	Hub    *notify.Hub
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn, db.SQLite))

	cfg := config.Default()
	cfg.Server.JWTSecret = testSecret
	for _, fn := range mutate {
		fn(cfg)
	}
	hub := notify.NewHub(nil)
	m := metrics.New()
	e := engine.New(conn, db.SQLite, cfg)
	e.Notify = notify.Publisher{Sink: hub}
	e.Metrics = m
	_, err = qr.Store{Repo: e.Repo}.Register(context.Background(), "QR-T1", "branch-1", "table-1")
	require.NoError(t, err)

	policy := auth.NewPolicy(cfg.Staff.Roles)
	sched := &scheduler.Scheduler{
		Sweeper: scheduler.Sweeper{Repo: e.Repo, Config: cfg, Notify: e.Notify},
		Locker:  scheduler.StoreLocker{Repo: e.Repo, Owner: "test"},
		Config:  cfg.Scheduler,
	}
	handler, err := New(Config{
		Engine:         e,
		Scheduler:      sched,
		Hub:            hub,
		Metrics:        m,
		BasePath:       "/v0",
		RequestTimeout: 5 * time.Second,
		Auth:           AuthConfig{JWTSecret: testSecret, DevLogin: cfg.Server.DevLogin, Policy: policy},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		conn.Close()
	})
	return &testServer{Server: srv, Engine: e, Hub: hub}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func (s *testServer) createSession(t *testing.T) CreateSessionResponse {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/sessions", map[string]any{"qr_code": "QR-T1"}, map[string]string{
		"User-Agent":      "test-agent",
		"Accept-Language": "fr-FR,fr;q=0.9",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	return decode[CreateSessionResponse](t, data)
}

func guest(tok string) map[string]string {
	return map[string]string{SessionTokenHeader: tok}
}

func staffToken(t *testing.T, roles ...string) map[string]string {
	t.Helper()
	tok, err := SignStaffToken(testSecret, "staff-1", roles, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

func TestGuestFlow(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	created := srv.createSession(t)
	assert.Len(t, created.Token, 64)
	assert.Equal(t, "ACTIVE", created.Session.Status)
	require.NotNil(t, created.Session.Device)
	assert.Equal(t, "test-agent", created.Session.Device.UserAgent)
	assert.Equal(t, "fr-FR", created.Session.Device.Language)
	h := guest(created.Token)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/session", nil, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	got := decode[SessionResponse](t, data)
	assert.EqualValues(t, 2, got.AccessCount)
	assert.NotContains(t, string(data), created.Token)

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/session/cart", map[string]any{
		"items": []map[string]any{
			{"product_id": "burger", "quantity": 2, "unit_price": 10.5, "modifiers": []map[string]any{{"id": "cheese", "price": 1}}},
			{"product_id": "soda", "quantity": 1, "unit_price": 2.25},
		},
	}, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	got = decode[SessionResponse](t, data)
	require.NotNil(t, got.Cart)
	assert.Equal(t, "25.25", got.Cart.Total)
	assert.Equal(t, "23.00", got.Cart.Items[0].Subtotal)
	assert.Equal(t, 3, got.Cart.ItemCount)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/session/call-server", map[string]any{"notes": "water"}, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.EqualValues(t, 1, decode[SessionResponse](t, data).Service.CallServerCount)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/session/bill", nil, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.True(t, decode[SessionResponse](t, data).Service.BillRequested)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/session/payment", map[string]any{"method": "card", "amount": 25.25}, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "25.25", decode[SessionResponse](t, data).Payment.TotalSpent)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/session/feedback", map[string]any{"rating": 5, "comment": "great"}, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/session/complete", nil, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "COMPLETED", decode[SessionResponse](t, data).Status)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/session", nil, h)
	assert.Equal(t, http.StatusGone, res.StatusCode)
	assert.Equal(t, "session_expired", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/session/validate", nil, h)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.False(t, decode[ValidateResponse](t, data).Valid)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/session/extend", map[string]any{"hours": 1}, h)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "invalid_transition", errorCode(t, data))
}

func TestGuestErrors(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", map[string]any{"qr_code": "nope"}, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "invalid_qr_code", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/session", nil, guest(strings.Repeat("0", 64)))
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/session", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	created := srv.createSession(t)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/session/extend", map[string]any{"hours": 0}, guest(created.Token))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "invalid_argument", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/session/orders", nil, guest(created.Token))
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode, string(data))
}

func TestStaffAuthentication(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	url := srv.URL + "/v0/staff/sessions"

	res, data := doJSON(t, client, http.MethodGet, url, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodGet, url, nil, map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodGet, url, nil, staffToken(t, "kitchen"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodGet, url, nil, staffToken(t, "server"))
	assert.Equal(t, http.StatusOK, res.StatusCode, string(data))

	ctx := context.Background()
	require.NoError(t, srv.Engine.Repo.InsertAPIKey(ctx, domain.APIKey{
		ID:        "kds-1",
		Name:      "kitchen display",
		Roles:     []string{"manager"},
		KeyHash:   repo.HashAPIKey("secret-key"),
		CreatedAt: time.Now().UTC(),
	}))
	res, data = doJSON(t, client, http.MethodGet, url, nil, map[string]string{"X-Api-Key": "secret-key"})
	assert.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, _ = doJSON(t, client, http.MethodGet, url, nil, map[string]string{"X-Api-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestStaffSessionOperations(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	created := srv.createSession(t)
	manager := staffToken(t, "manager")
	base := srv.URL + "/v0/staff/sessions/"

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/staff/sessions?status=ACTIVE&branch_id=branch-1&limit=10", nil, manager)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	list := decode[SessionListResponse](t, data)
	require.Len(t, list.Items, 1)
	assert.Equal(t, created.Session.ID, list.Items[0].ID)

	res, data = doJSON(t, client, http.MethodGet, base+created.Session.ID, nil, manager)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.NotEmpty(t, decode[SessionResponse](t, data).Actions)

	res, data = doJSON(t, client, http.MethodGet, base+"missing", nil, manager)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, base+created.Session.ID+"/notify", map[string]any{"message": "Kitchen closes soon"}, manager)
	assert.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, base+created.Session.ID+"/end", nil, staffToken(t, "server"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, base+created.Session.ID+"/end", nil, manager)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "COMPLETED", decode[SessionResponse](t, data).Status)

	res, data = doJSON(t, client, http.MethodPost, base+created.Session.ID+"/end", nil, manager)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "invalid_transition", errorCode(t, data))
}

func TestOrderStatusAndSweeps(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	created := srv.createSession(t)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/session/orders/link", map[string]any{"order_id": "ord-9"}, guest(created.Token))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, []string{"ord-9"}, decode[SessionResponse](t, data).OrderIDs)

	kitchen := staffToken(t, "kitchen")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/staff/orders/ord-9/status", map[string]any{"status": "ready"}, kitchen)
	assert.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/staff/orders/ord-404/status", map[string]any{"status": "ready"}, kitchen)
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/staff/sweeps/expire/run", nil, kitchen)
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/staff/sweeps/expire/run", nil, staffToken(t, "manager"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	sweep := decode[SweepResponse](t, data)
	assert.Equal(t, "expire", sweep.Sweep)
	assert.False(t, sweep.Skipped)
}

func TestDevLogin(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"staff_id": "a", "roles": []string{"server"}}, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	srv = newTestServer(t, func(c *config.Config) { c.Server.DevLogin = true })
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"staff_id": "a", "roles": []string{"owner"}}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"staff_id": "a", "roles": []string{"server"}}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	tok := decode[DevLoginResponse](t, data).Token
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/staff/sessions", nil, map[string]string{"Authorization": "Bearer " + tok})
	assert.Equal(t, http.StatusOK, res.StatusCode, string(data))
}

func TestGuestWebSocketReceivesStaffResponse(t *testing.T) {
	srv := newTestServer(t)
	created := srv.createSession(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/session/ws?token=" + created.Token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		return srv.Hub.Subscribers(notify.ScopeSession, created.Token) == 1
	}, 2*time.Second, 10*time.Millisecond)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/staff/sessions/"+created.Session.ID+"/server-call-response",
		map[string]any{"message": "on my way"}, staffToken(t, "server"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg notify.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, notify.ServerCallResponse, msg.Event)
	assert.Equal(t, "on my way", msg.Data["message"])
	assert.Equal(t, "staff-1", msg.Data["staff_id"])
}

func TestGuestWebSocketRejectsUnknownToken(t *testing.T) {
	srv := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/session/ws?token=nope"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv := newTestServer(t)
	srv.createSession(t)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "tableside_http_requests_total")
	assert.Contains(t, string(data), `op="create"`)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "/v0/session/cart")
	assert.Contains(t, string(data), "sessionToken")
}
