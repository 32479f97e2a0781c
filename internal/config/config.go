package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config models tableside.yml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Session   SessionConfig   `yaml:"session"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Locks     LocksConfig     `yaml:"locks"`
	Notify    NotifyConfig    `yaml:"notify"`
	Orders    OrdersConfig    `yaml:"orders"`
	Staff     StaffConfig     `yaml:"staff"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	BasePath       string        `yaml:"base_path"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	JWTSecret      string        `yaml:"jwt_secret"`
	DevLogin       bool          `yaml:"dev_login"`
}

type StoreConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type SessionConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	AbandonAfter   time.Duration `yaml:"abandon_after"`
	Retention      time.Duration `yaml:"retention"`
	MaxExtendHours int           `yaml:"max_extend_hours"`
	MaxCartItems   int           `yaml:"max_cart_items"`
	TaxRate        string        `yaml:"tax_rate"`
	UpdateRetries  int           `yaml:"update_retries"`
}

// TaxRateDecimal returns the configured tax rate; Validate guarantees it parses.
func (s SessionConfig) TaxRateDecimal() decimal.Decimal {
	if strings.TrimSpace(s.TaxRate) == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s.TaxRate)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// JobConfig schedules one sweep either on a fixed interval or a cron expression.
type JobConfig struct {
	Every time.Duration `yaml:"every,omitempty"`
	Cron  string        `yaml:"cron,omitempty"`
}

type SchedulerConfig struct {
	Enabled           bool            `yaml:"enabled"`
	Timezone          string          `yaml:"timezone"`
	LeaseTTL          time.Duration   `yaml:"lease_ttl"`
	BatchSize         int             `yaml:"batch_size"`
	WarningThresholds []time.Duration `yaml:"warning_thresholds"`
	Jobs              struct {
		Expire   JobConfig `yaml:"expire"`
		Abandon  JobConfig `yaml:"abandon"`
		Warnings JobConfig `yaml:"warnings"`
		Purge    JobConfig `yaml:"purge"`
	} `yaml:"jobs"`
}

// JobByName returns the schedule of the named sweep.
func (s SchedulerConfig) JobByName(name string) (JobConfig, bool) {
	switch name {
	case "expire":
		return s.Jobs.Expire, true
	case "abandon":
		return s.Jobs.Abandon, true
	case "warnings":
		return s.Jobs.Warnings, true
	case "purge":
		return s.Jobs.Purge, true
	}
	return JobConfig{}, false
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type LocksConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

type NotifyConfig struct {
	Log       bool            `yaml:"log"`
	WebSocket bool            `yaml:"websocket"`
	AMQP      AMQPConfig      `yaml:"amqp"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
}

type OrdersConfig struct {
	Driver  string        `yaml:"driver"`
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
	AMQP    AMQPConfig    `yaml:"amqp"`
}

type StaffConfig struct {
	Roles map[string][]string `yaml:"roles"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and validates tableside.yml from the workspace, falling back to defaults.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML overlays raw YAML on the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tableside.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Store.Driver) {
	case "sqlite", "":
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("config.store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.store.driver must be sqlite or postgres")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("config.session.ttl must be positive")
	}
	if c.Session.AbandonAfter <= 0 {
		return fmt.Errorf("config.session.abandon_after must be positive")
	}
	if c.Session.Retention <= 0 {
		return fmt.Errorf("config.session.retention must be positive")
	}
	if c.Session.MaxExtendHours <= 0 {
		return fmt.Errorf("config.session.max_extend_hours must be positive")
	}
	if c.Session.MaxCartItems <= 0 {
		return fmt.Errorf("config.session.max_cart_items must be positive")
	}
	if c.Session.UpdateRetries <= 0 {
		return fmt.Errorf("config.session.update_retries must be positive")
	}
	if strings.TrimSpace(c.Session.TaxRate) != "" {
		rate, err := decimal.NewFromString(c.Session.TaxRate)
		if err != nil {
			return fmt.Errorf("config.session.tax_rate: %w", err)
		}
		if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("config.session.tax_rate must be in [0,1)")
		}
	}
	if c.Scheduler.LeaseTTL <= 0 {
		return fmt.Errorf("config.scheduler.lease_ttl must be positive")
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("config.scheduler.batch_size must be positive")
	}
	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			return fmt.Errorf("config.scheduler.timezone: %w", err)
		}
	}
	if len(c.Scheduler.WarningThresholds) == 0 {
		return fmt.Errorf("config.scheduler.warning_thresholds is required")
	}
	for _, th := range c.Scheduler.WarningThresholds {
		if th < time.Minute {
			return fmt.Errorf("warning threshold %s must be at least 1m", th)
		}
		if th >= c.Session.TTL {
			return fmt.Errorf("warning threshold %s must be shorter than session ttl", th)
		}
	}
	for _, name := range []string{"expire", "abandon", "warnings", "purge"} {
		job, _ := c.Scheduler.JobByName(name)
		hasEvery := job.Every > 0
		hasCron := strings.TrimSpace(job.Cron) != ""
		if hasEvery == hasCron {
			return fmt.Errorf("config.scheduler.jobs.%s needs exactly one of every or cron", name)
		}
	}
	switch c.Locks.Backend {
	case "", "store":
	case "redis":
		if strings.TrimSpace(c.Locks.Redis.Addr) == "" {
			return fmt.Errorf("config.locks.redis.addr is required for redis locks")
		}
	default:
		return fmt.Errorf("config.locks.backend must be store or redis")
	}
	if c.Notify.AMQP.URL != "" && c.Notify.AMQP.Exchange == "" {
		return fmt.Errorf("config.notify.amqp.exchange is required with amqp url")
	}
	for i, hook := range c.Notify.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
	}
	switch c.Orders.Driver {
	case "":
	case "http":
		if strings.TrimSpace(c.Orders.URL) == "" {
			return fmt.Errorf("config.orders.url is required for http orders")
		}
	case "amqp":
		if strings.TrimSpace(c.Orders.AMQP.URL) == "" {
			return fmt.Errorf("config.orders.amqp.url is required for amqp orders")
		}
	default:
		return fmt.Errorf("config.orders.driver must be http or amqp")
	}
	for role, perms := range c.Staff.Roles {
		if role == "" {
			return fmt.Errorf("config.staff.roles contains empty role id")
		}
		for _, perm := range perms {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", role)
			}
		}
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// SortedThresholds returns warning thresholds largest first.
func (s SchedulerConfig) SortedThresholds() []time.Duration {
	out := append([]time.Duration(nil), s.WarningThresholds...)
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  request_timeout: 10s
  jwt_secret: ""
  dev_login: false

store:
  driver: sqlite
  dsn: ""
  max_open_conns: 25

session:
  ttl: 4h
  abandon_after: 2h
  retention: 720h
  max_extend_hours: 4
  max_cart_items: 100
  tax_rate: "0"
  update_retries: 8

scheduler:
  enabled: true
  timezone: UTC
  lease_ttl: 10m
  batch_size: 500
  warning_thresholds: [15m, 5m]
  jobs:
    expire:
      every: 30m
    abandon:
      every: 1h
    warnings:
      every: 10m
    purge:
      cron: "0 3 * * *"

locks:
  backend: store
  redis:
    addr: ""
    prefix: "tableside:lock:"

notify:
  log: true
  websocket: true
  amqp:
    url: ""
    exchange: guest.notifications
  webhooks: []

orders:
  driver: ""
  url: ""
  timeout: 5s
  amqp:
    url: ""
    exchange: orders_topic

staff:
  roles:
    server:
      - sessions.read
      - sessions.notify
      - orders.update
    kitchen:
      - orders.update
    manager:
      - sessions.read
      - sessions.manage
      - sessions.notify
      - orders.update
      - sweeps.run

log:
  level: info
  format: text
`
