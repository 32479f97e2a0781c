package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"tableside/internal/config"
	"tableside/internal/db"
	"tableside/internal/engine"
	"tableside/internal/engine/auth"
	"tableside/internal/logging"
	"tableside/internal/metrics"
	"tableside/internal/migrate"
	"tableside/internal/notify"
	"tableside/internal/ordering"
	"tableside/internal/repo"
	"tableside/internal/scheduler"
	"tableside/internal/server"
)

// Options select the workspace and configuration of an App.
type Options struct {
	Workspace string
	// Config overrides the workspace tableside.yml.
	Config *config.Config
	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

// App holds the wired components of one tableside instance.
type App struct {
	Config    *config.Config
	Log       *logrus.Logger
	DB        *sql.DB
	Dialect   db.Dialect
	Repo      repo.Repo
	Metrics   *metrics.Metrics
	Hub       *notify.Hub
	Engine    engine.Engine
	Scheduler *scheduler.Scheduler
	Policy    auth.Policy

	closers []func() error
}

// Open loads configuration, opens and migrates the store, and wires every component.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(opts.Workspace); err != nil {
			return nil, err
		}
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, out)
	if err != nil {
		return nil, err
	}
	dbCfg := db.Config{
		Driver:       cfg.Store.Driver,
		DSN:          cfg.Store.DSN,
		Workspace:    opts.Workspace,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	}
	if dbCfg.Dialect() == db.SQLite && dbCfg.DSN == "" {
		if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &App{Config: cfg, Log: log, DB: conn, Dialect: dbCfg.Dialect()}
	a.closers = append(a.closers, conn.Close)
	if err := conn.PingContext(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	if err := migrate.Migrate(conn, a.Dialect); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a.Repo = repo.Repo{DB: conn, Dialect: a.Dialect}
	a.Metrics = metrics.New()
	a.Policy = auth.NewPolicy(cfg.Staff.Roles)
	if cfg.Notify.WebSocket {
		a.Hub = notify.NewHub(log.WithField("component", "hub"))
		a.closers = append(a.closers, func() error { a.Hub.Close(); return nil })
	}
	publisher := notify.Publisher{
		Sink:    a.buildSink(),
		Metrics: a.Metrics,
		Log:     log.WithField("component", "notify"),
	}

	a.Engine = engine.New(conn, a.Dialect, cfg)
	a.Engine.Repo = a.Repo
	a.Engine.Notify = publisher
	a.Engine.Metrics = a.Metrics
	a.Engine.Log = log.WithField("component", "engine")
	a.Engine.Orders = a.buildOrders()

	locker, err := a.buildLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Scheduler = &scheduler.Scheduler{
		Sweeper: scheduler.Sweeper{
			Repo:   a.Repo,
			Config: cfg,
			Notify: publisher,
			Log:    log.WithField("component", "sweeper"),
		},
		Locker:  locker,
		Config:  cfg.Scheduler,
		Metrics: a.Metrics,
		Log:     log.WithField("component", "scheduler"),
	}
	return a, nil
}

func (a *App) buildSink() notify.Sink {
	var sinks notify.Multi
	cfg := a.Config.Notify
	if cfg.Log {
		sinks = append(sinks, notify.LogSink{Log: a.Log.WithField("component", "events")})
	}
	if a.Hub != nil {
		sinks = append(sinks, a.Hub)
	}
	if cfg.AMQP.URL != "" {
		s := notify.NewAMQPSink(cfg.AMQP.URL, cfg.AMQP.Exchange)
		a.closers = append(a.closers, s.Close)
		sinks = append(sinks, s)
	}
	if hooks := notify.NewWebhookSink(cfg.Webhooks); hooks.Len() > 0 {
		sinks = append(sinks, hooks)
	}
	if len(sinks) == 0 {
		return notify.Nop{}
	}
	return sinks
}

func (a *App) buildOrders() ordering.Creator {
	cfg := a.Config.Orders
	switch cfg.Driver {
	case "http":
		return ordering.HTTPCreator{BaseURL: cfg.URL, Token: cfg.Token, Timeout: cfg.Timeout}
	case "amqp":
		c := ordering.NewAMQPCreator(cfg.AMQP.URL, cfg.AMQP.Exchange)
		a.closers = append(a.closers, c.Close)
		return c
	}
	return nil
}

func (a *App) buildLocker(ctx context.Context) (scheduler.Locker, error) {
	owner := scheduler.NewOwnerID()
	cfg := a.Config.Locks
	if cfg.Backend != "redis" {
		return scheduler.StoreLocker{Repo: a.Repo, Owner: owner}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	return scheduler.RedisLocker{Client: client, Prefix: cfg.Redis.Prefix, Owner: owner}, nil
}

// Handler builds the HTTP API for this instance.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:         a.Engine,
		Scheduler:      a.Scheduler,
		Hub:            a.Hub,
		Metrics:        a.Metrics,
		BasePath:       a.Config.Server.BasePath,
		RequestTimeout: a.Config.Server.RequestTimeout,
		Auth: server.AuthConfig{
			JWTSecret: a.Config.Server.JWTSecret,
			DevLogin:  a.Config.Server.DevLogin,
			Policy:    a.Policy,
			Log:       a.Log.WithField("component", "auth"),
		},
		Log: a.Log.WithField("component", "http"),
	})
}

// Close releases every resource in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
