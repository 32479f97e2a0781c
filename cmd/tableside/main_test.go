package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigEnvOverrides(t *testing.T) {
	initConfig()
	t.Setenv("TABLESIDE_SESSION_TTL", "6h")
	t.Setenv("TABLESIDE_LOCKS_REDIS_ADDR", "localhost:6379")
	t.Setenv("TABLESIDE_LOCKS_BACKEND", "redis")

	cfg, err := loadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, cfg.Session.TTL)
	assert.Equal(t, "redis", cfg.Locks.Backend)
	assert.Equal(t, "localhost:6379", cfg.Locks.Redis.Addr)

	t.Setenv("TABLESIDE_SESSION_TTL", "soon")
	_, err = loadConfig(t.TempDir())
	assert.ErrorContains(t, err, "TABLESIDE_SESSION_TTL")
}

func TestSetEnvValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("A=1\nTABLESIDE_SERVER_JWT_SECRET=old"), 0o600))

	require.NoError(t, setEnvValue(path, "TABLESIDE_SERVER_JWT_SECRET", "new"))
	require.NoError(t, setEnvValue(path, "B", "2"))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "A=1\nTABLESIDE_SERVER_JWT_SECRET=new\nB=2\n", string(b))
}

func TestCheckRoles(t *testing.T) {
	cfg, err := loadConfig(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, checkRoles(cfg, []string{"server", "kitchen"}))
	assert.Error(t, checkRoles(cfg, nil))
	assert.ErrorContains(t, checkRoles(cfg, []string{"owner"}), "unknown role")
}
