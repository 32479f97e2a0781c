package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tableside/internal/config"
)

type failingSink struct{ err error }

func (f failingSink) Publish(context.Context, Event) error { return f.err }

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	rec := &recordingSink{}
	errA := errors.New("a down")
	errB := errors.New("b down")
	err := Multi{failingSink{errA}, rec, nil, failingSink{errB}}.Publish(context.Background(), Event{Type: BillReady})
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Len(t, rec.events, 1)
}

func TestLogSinkOmitsSessionToken(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.JSONFormatter{})

	err := LogSink{Log: log}.Publish(context.Background(), Event{
		Type: SessionExpiring, Scope: ScopeSession, Key: "secret-token",
		Data: map[string]any{"session_id": "s1"},
	})
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "secret-token")
	assert.Contains(t, buf.String(), `"session_id":"s1"`)
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "order.o-1", RoutingKey(Event{Scope: ScopeOrder, Key: "o-1"}))
	assert.Equal(t, "branch._", RoutingKey(Event{Scope: ScopeBranch}))
}

func TestWebhookSinkDeliversFilteredEvents(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		headers  []http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		_ = json.Unmarshal(body, &evt)
		mu.Lock()
		received = append(received, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	disabled := false
	sink := NewWebhookSink([]config.WebhookConfig{
		{URL: srv.URL, Secret: "s3cret", Events: []string{ServerCalled}},
		{URL: srv.URL, Enabled: &disabled},
	})
	require.Equal(t, 1, sink.Len())

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Publish(context.Background(), Event{ID: "d1", Type: ServerCalled, Scope: ScopeBranch, Key: "b1", At: at, Data: map[string]any{"table_id": "t4"}}))
	require.NoError(t, sink.Publish(context.Background(), Event{ID: "d2", Type: BillReady, Scope: ScopeSession, Key: "tok"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "b1", received[0].Key)
	assert.Equal(t, "t4", received[0].Data["table_id"])
	assert.Equal(t, ServerCalled, headers[0].Get("X-Tableside-Event"))
	assert.Equal(t, "d1", headers[0].Get("X-Tableside-Delivery"))
	assert.Equal(t, "s3cret", headers[0].Get("X-Tableside-Secret"))
}

func TestWebhookSinkReportsFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	sink := NewWebhookSink([]config.WebhookConfig{{URL: srv.URL}})
	err := sink.Publish(context.Background(), Event{ID: "d1", Type: BillReady, Scope: ScopeSession, Key: "tok"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestHubDeliversToRoom(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.ServeWS(w, r, ScopeSession, r.URL.Query().Get("key"))
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	mine, _, err := websocket.DefaultDialer.Dial(wsURL+"?key=tok-a", nil)
	require.NoError(t, err)
	defer mine.Close()
	other, _, err := websocket.DefaultDialer.Dial(wsURL+"?key=tok-b", nil)
	require.NoError(t, err)
	defer other.Close()

	require.Eventually(t, func() bool {
		return hub.Subscribers(ScopeSession, "tok-a") == 1 && hub.Subscribers(ScopeSession, "tok-b") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(context.Background(), Event{Type: BillReady, Scope: ScopeSession, Key: "tok-a", Data: map[string]any{"session_id": "s1"}}))

	_ = mine.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := mine.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, BillReady, msg.Event)
	assert.Equal(t, "s1", msg.Data["session_id"])

	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = other.ReadMessage()
	assert.Error(t, err, "other room must not receive the event")
}

func TestHubUnregistersOnDisconnect(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.ServeWS(w, r, ScopeOrder, "o1")
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Subscribers(ScopeOrder, "o1") == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Subscribers(ScopeOrder, "o1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPublisherSwallowsSinkErrors(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := &recordingSink{}

	p := Publisher{Sink: Multi{rec, failingSink{errors.New("broker down")}}, Log: log, Now: func() time.Time { return at }}
	p.Publish(context.Background(), PaymentConfirmed, ScopeSession, "tok", map[string]any{"session_id": "s1"})

	require.Len(t, rec.events, 1)
	evt := rec.events[0]
	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, at, evt.At)
	assert.Equal(t, "tok", evt.Key)
	assert.Contains(t, buf.String(), "broker down")
}
