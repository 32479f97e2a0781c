package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 2*time.Hour, cfg.Session.AbandonAfter)
	assert.Equal(t, 4, cfg.Session.MaxExtendHours)
	assert.Equal(t, []time.Duration{15 * time.Minute, 5 * time.Minute}, cfg.Scheduler.WarningThresholds)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.Jobs.Expire.Every)
	assert.Equal(t, "0 3 * * *", cfg.Scheduler.Jobs.Purge.Cron)
	assert.Contains(t, cfg.Staff.Roles["manager"], "sweeps.run")
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
session:
  ttl: 2h
  tax_rate: "0.11"
scheduler:
  jobs:
    expire:
      every: 5m
`))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.Session.TTL)
	assert.True(t, cfg.Session.TaxRateDecimal().Equal(decimal.RequireFromString("0.11")))
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Jobs.Expire.Every)
	assert.Equal(t, time.Hour, cfg.Scheduler.Jobs.Abandon.Every, "untouched jobs keep defaults")
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"negative ttl":         "session:\n  ttl: -1h\n",
		"threshold over ttl":   "session:\n  ttl: 10m\nscheduler:\n  warning_thresholds: [15m]\n",
		"both every and cron":  "scheduler:\n  jobs:\n    expire:\n      every: 1m\n      cron: \"* * * * *\"\n",
		"bad tax rate":         "session:\n  tax_rate: abc\n",
		"postgres without dsn": "store:\n  driver: postgres\n",
		"redis without addr":   "locks:\n  backend: redis\n",
		"unknown orders":       "orders:\n  driver: grpc\n",
		"bad log format":       "log:\n  format: xml\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tableside.yml"), []byte("server:\n  addr: :9000\n"), 0o644))
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
}

func TestSortedThresholds(t *testing.T) {
	s := SchedulerConfig{WarningThresholds: []time.Duration{5 * time.Minute, 30 * time.Minute, 15 * time.Minute}}
	assert.Equal(t, []time.Duration{30 * time.Minute, 15 * time.Minute, 5 * time.Minute}, s.SortedThresholds())
}
