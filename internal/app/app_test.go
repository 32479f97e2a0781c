package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tableside/internal/config"
	"tableside/internal/engine"
	"tableside/internal/notify"
	"tableside/internal/ordering"
	"tableside/internal/qr"
	"tableside/internal/scheduler"
)

func TestOpenWiresDefaults(t *testing.T) {
	var logs bytes.Buffer
	ctx := context.Background()
	a, err := Open(ctx, Options{Workspace: t.TempDir(), LogOutput: &logs})
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Hub)
	assert.IsType(t, notify.Multi{}, a.Engine.Notify.Sink)
	assert.Len(t, a.Engine.Notify.Sink.(notify.Multi), 2)
	assert.Nil(t, a.Engine.Orders)
	assert.IsType(t, scheduler.StoreLocker{}, a.Scheduler.Locker)
	assert.True(t, a.Policy.KnownRole("manager"))

	_, err = qr.Store{Repo: a.Repo}.Register(ctx, "QR-1", "b1", "t1")
	require.NoError(t, err)
	s, err := a.Engine.Create(ctx, engine.CreateOptions{QRCode: "QR-1"})
	require.NoError(t, err)
	_, err = a.Engine.CallServer(ctx, s.Token, "")
	require.NoError(t, err)
	assert.Contains(t, logs.String(), notify.ServerCalled)
	assert.NotContains(t, logs.String(), s.Token)

	res, err := a.Scheduler.Run(ctx, scheduler.SweepExpire)
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	h, err := a.Handler()
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v0/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOpenSelectsOrderCreator(t *testing.T) {
	cfg := config.Default()
	cfg.Orders.Driver = "http"
	cfg.Orders.URL = "http://orders.local"
	cfg.Notify.Log = false
	cfg.Notify.WebSocket = false
	a, err := Open(context.Background(), Options{Workspace: t.TempDir(), Config: cfg, LogOutput: &bytes.Buffer{}})
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, ordering.HTTPCreator{}, a.Engine.Orders)
	assert.Nil(t, a.Hub)
	assert.IsType(t, notify.Nop{}, a.Engine.Notify.Sink)
}

func TestOpenRejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "chatty"
	_, err := Open(context.Background(), Options{Workspace: t.TempDir(), Config: cfg})
	assert.Error(t, err)
}
