package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"

	"tableside/internal/config"
	"tableside/internal/db"
	"tableside/internal/domain"
	"tableside/internal/events"
	"tableside/internal/logging"
	"tableside/internal/metrics"
	"tableside/internal/notify"
	"tableside/internal/ordering"
	"tableside/internal/qr"
	"tableside/internal/repo"
	"tableside/internal/token"
)

const recordScanTimeout = 2 * time.Second

// Engine owns every state change of a guest session.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	QR      qr.Validator
	Tokens  token.Issuer
	Notify  notify.Publisher
	Orders  ordering.Creator
	Metrics *metrics.Metrics
	Log     logrus.FieldLogger
	Now     func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) Engine {
	r := repo.Repo{DB: conn, Dialect: dialect}
	return Engine{
		DB:     conn,
		Repo:   r,
		Events: events.Writer{Dialect: dialect},
		Config: cfg,
		QR:     qr.Store{Repo: r},
		Tokens: token.Random{},
		Notify: notify.Publisher{Sink: notify.Nop{}},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logging.Discard()
}

func (e Engine) publish(ctx context.Context, typ string, scope notify.Scope, key string, data map[string]any) {
	p := e.Notify
	if p.Now == nil {
		p.Now = e.now
	}
	if p.Metrics == nil {
		p.Metrics = e.Metrics
	}
	if p.Log == nil {
		p.Log = e.Log
	}
	p.Publish(ctx, typ, scope, key, data)
}

func (e Engine) appendAction(ctx context.Context, tx *sql.Tx, sessionID string, action domain.ActionType, details events.Details) error {
	w := e.Events
	w.Now = e.now
	_, err := w.Append(ctx, tx, sessionID, action, details)
	return err
}

func (e Engine) observe(op string, err *error) {
	e.Metrics.Operation(op, *err)
}

// checkLive applies lazy expiry. strict reports COMPLETED and ABANDONED sessions as an
// invalid transition instead of expired.
func (e Engine) checkLive(ctx context.Context, s domain.GuestSession, strict bool) error {
	switch s.Status {
	case domain.StatusActive:
		if !s.Expired(e.now()) {
			return nil
		}
		e.expire(ctx, s)
		return newError(KindSessionExpired, "session expired", nil)
	case domain.StatusExpired:
		return newError(KindSessionExpired, "session expired", nil)
	default:
		if strict {
			return newError(KindInvalidTransition, fmt.Sprintf("session is %s", s.Status), nil)
		}
		return newError(KindSessionExpired, fmt.Sprintf("session is %s", s.Status), nil)
	}
}

// expire moves a stale session to EXPIRED. Losing the race to a sweep or another
// request is a no-op.
func (e Engine) expire(ctx context.Context, s domain.GuestSession) {
	ok, err := e.Repo.ExpireSession(ctx, nil, s.ID, e.now())
	if err != nil {
		e.log().WithField("session_id", s.ID).WithError(err).Warn("lazy expiry failed")
		return
	}
	if !ok {
		return
	}
	e.Metrics.Transition(string(domain.StatusExpired))
	e.publish(ctx, notify.SessionExpired, notify.ScopeSession, s.Token, map[string]any{
		"session_id": s.ID,
		"expired_at": s.ExpiresAt,
	})
}

func (e Engine) loadByToken(ctx context.Context, tok string, strict bool) (domain.GuestSession, error) {
	if tok == "" {
		return domain.GuestSession{}, newError(KindUnauthorized, "session token required", nil)
	}
	s, err := e.Repo.GetSessionByToken(ctx, tok)
	if errors.Is(err, repo.ErrNotFound) {
		return s, newError(KindUnauthorized, "unknown session token", nil)
	}
	if err != nil {
		return s, classify(err)
	}
	return s, e.checkLive(ctx, s, strict)
}

func (e Engine) loadByID(ctx context.Context, id string, strict bool) (domain.GuestSession, error) {
	s, err := e.Repo.GetSession(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return s, newError(KindNotFound, fmt.Sprintf("session %s not found", id), nil)
	}
	if err != nil {
		return s, classify(err)
	}
	return s, e.checkLive(ctx, s, strict)
}

// change edits a loaded session and names the action to log for it.
type change func(s *domain.GuestSession, now time.Time) (domain.ActionType, events.Details, error)

type mutateOptions struct {
	load  func(ctx context.Context) (domain.GuestSession, error)
	touch bool
}

// mutate runs a versioned read-modify-write, retrying on concurrent writers.
func (e Engine) mutate(ctx context.Context, opts mutateOptions, fn change) (domain.GuestSession, error) {
	retries := 8
	if e.Config != nil && e.Config.Session.UpdateRetries > 0 {
		retries = e.Config.Session.UpdateRetries
	}
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			if err := backoff(ctx, attempt); err != nil {
				return domain.GuestSession{}, classify(err)
			}
		}
		s, err := opts.load(ctx)
		if err != nil {
			return s, err
		}
		now := e.now()
		action, details, err := fn(&s, now)
		if err != nil {
			return s, err
		}
		err = e.write(ctx, s, now, opts.touch, action, details)
		if errors.Is(err, repo.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return s, classify(err)
		}
		s, err = e.Repo.GetSession(ctx, s.ID)
		return s, classify(err)
	}
	return domain.GuestSession{}, newError(KindConflict, "too many concurrent updates", nil)
}

func (e Engine) write(ctx context.Context, s domain.GuestSession, now time.Time, touch bool, action domain.ActionType, details events.Details) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSession(ctx, tx, s, repo.UpdateOptions{Now: now, Touch: touch}); err != nil {
		return err
	}
	if action != "" {
		if err := e.appendAction(ctx, tx, s.ID, action, details); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func backoff(ctx context.Context, attempt int) error {
	base := 5 * time.Millisecond << min(attempt, 5)
	d := base/2 + rand.N(base)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// touchFunc atomically records one access on a live session inside tx.
type touchFunc func(ctx context.Context, tx *sql.Tx, tok string, now time.Time) (domain.GuestSession, error)

// atomic records an access through touch and runs fn in the same transaction. fn must
// only use tx. When the session is not live the reason is reported after rollback.
func (e Engine) atomic(ctx context.Context, tok string, touch touchFunc, fn func(tx *sql.Tx, s *domain.GuestSession, now time.Time) error) (domain.GuestSession, error) {
	if tok == "" {
		return domain.GuestSession{}, newError(KindUnauthorized, "session token required", nil)
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.GuestSession{}, classify(err)
	}
	defer tx.Rollback()
	s, err := touch(ctx, tx, tok, now)
	if errors.Is(err, repo.ErrNotFound) {
		_ = tx.Rollback()
		s, err = e.loadByToken(ctx, tok, false)
		if err == nil {
			err = newError(KindConflict, "session changed concurrently", nil)
		}
		return s, err
	}
	if err != nil {
		return s, classify(err)
	}
	if fn != nil {
		if err := fn(tx, &s, now); err != nil {
			return s, classify(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s, classify(err)
	}
	s, err = e.Repo.GetSession(ctx, s.ID)
	return s, classify(err)
}
