package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"tableside/internal/config"
	"tableside/internal/domain"
	"tableside/internal/logging"
	"tableside/internal/notify"
	"tableside/internal/repo"
)

// Sweep names.
const (
	SweepExpire   = "expire"
	SweepAbandon  = "abandon"
	SweepWarnings = "warnings"
	SweepPurge    = "purge"
)

// Names lists every sweep in the order they are scheduled.
var Names = []string{SweepExpire, SweepAbandon, SweepWarnings, SweepPurge}

var ErrUnknownSweep = errors.New("unknown sweep")

const markerRetries = 3

// Sweeper applies the maintenance rules to the session store. Every sweep is
// idempotent and safe to run next to live traffic.
type Sweeper struct {
	Repo   repo.Repo
	Config *config.Config
	Notify notify.Publisher
	Log    logrus.FieldLogger
	Now    func() time.Time
}

func (s Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s Sweeper) log() logrus.FieldLogger {
	if s.Log != nil {
		return s.Log
	}
	return logging.Discard()
}

func (s Sweeper) batchSize() int {
	if s.Config.Scheduler.BatchSize > 0 {
		return s.Config.Scheduler.BatchSize
	}
	return 500
}

// Run executes the named sweep and returns the number of sessions it changed.
func (s Sweeper) Run(ctx context.Context, name string) (int64, error) {
	switch name {
	case SweepExpire:
		return s.Expire(ctx)
	case SweepAbandon:
		return s.Abandon(ctx)
	case SweepWarnings:
		return s.Warnings(ctx)
	case SweepPurge:
		return s.Purge(ctx)
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownSweep, name)
}

// Expire moves every ACTIVE session past its deadline to EXPIRED.
func (s Sweeper) Expire(ctx context.Context) (int64, error) {
	return s.Repo.ExpireStale(ctx, s.now())
}

// Abandon moves sessions idle for longer than session.abandon_after to ABANDONED.
func (s Sweeper) Abandon(ctx context.Context) (int64, error) {
	now := s.now()
	return s.Repo.AbandonIdle(ctx, now.Add(-s.Config.Session.AbandonAfter), now)
}

// Warnings sends one sessionExpiring notification per threshold and session.
func (s Sweeper) Warnings(ctx context.Context) (int64, error) {
	thresholds := s.Config.Scheduler.SortedThresholds()
	if len(thresholds) == 0 {
		return 0, nil
	}
	now := s.now()
	sessions, err := s.Repo.ListExpiring(ctx, now, now.Add(thresholds[0]), 0)
	if err != nil {
		return 0, err
	}
	var sent int64
	for _, sess := range sessions {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		ok, err := s.warn(ctx, sess, thresholds, now)
		if err != nil {
			s.log().WithField("session_id", sess.ID).WithError(err).Warn("expiration warning failed")
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

// Marker names a warning threshold in Metadata.ExpirationWarnings.
func Marker(threshold time.Duration) string {
	return fmt.Sprintf("%dmin", int(threshold.Minutes()))
}

// dueWarnings returns the unsent markers whose threshold has been reached and the
// smallest such threshold.
func dueWarnings(sess domain.GuestSession, thresholds []time.Duration, now time.Time) ([]string, time.Duration) {
	remaining := sess.ExpiresAt.Sub(now)
	var due []string
	var smallest time.Duration
	for _, th := range thresholds {
		m := Marker(th)
		if remaining > th || sess.Metadata.HasWarning(m) {
			continue
		}
		due = append(due, m)
		smallest = th
	}
	return due, smallest
}

// warn records the due markers with a version-conditioned write and publishes only
// when this call wrote them.
func (s Sweeper) warn(ctx context.Context, sess domain.GuestSession, thresholds []time.Duration, now time.Time) (bool, error) {
	for attempt := 0; attempt < markerRetries; attempt++ {
		due, smallest := dueWarnings(sess, thresholds, now)
		if len(due) == 0 {
			return false, nil
		}
		sess.Metadata.ExpirationWarnings = append(append([]string(nil), sess.Metadata.ExpirationWarnings...), due...)
		err := s.Repo.UpdateSession(ctx, nil, sess, repo.UpdateOptions{Now: now})
		if errors.Is(err, repo.ErrVersionConflict) {
			sess, err = s.Repo.GetSession(ctx, sess.ID)
			if err != nil {
				return false, err
			}
			if sess.Status != domain.StatusActive || sess.Expired(now) {
				return false, nil
			}
			continue
		}
		if err != nil {
			return false, err
		}
		s.Notify.Publish(ctx, notify.SessionExpiring, notify.ScopeSession, sess.Token, map[string]any{
			"session_id":       sess.ID,
			"minutesRemaining": int(smallest.Minutes()),
			"expires_at":       sess.ExpiresAt,
		})
		return true, nil
	}
	return false, repo.ErrVersionConflict
}

// Purge deletes terminal sessions past the retention window, then fills in missing
// durations of completed sessions.
func (s Sweeper) Purge(ctx context.Context) (int64, error) {
	now := s.now()
	batch := s.batchSize()
	cutoff := now.Add(-s.Config.Session.Retention)
	var purged int64
	for {
		n, err := s.Repo.PurgeTerminal(ctx, cutoff, batch)
		if err != nil {
			return purged, err
		}
		purged += n
		if n < int64(batch) {
			break
		}
	}
	filled, err := s.backfillDurations(ctx, batch)
	s.log().WithFields(logrus.Fields{"sweep": SweepPurge, "purged": purged, "backfilled": filled}).Debug("purge finished")
	return purged + filled, err
}

func (s Sweeper) backfillDurations(ctx context.Context, batch int) (int64, error) {
	var filled int64
	after := ""
	for {
		page, err := s.Repo.ListCompletedWithoutDuration(ctx, after, batch)
		if err != nil {
			return filled, err
		}
		for _, sess := range page {
			end := sess.UpdatedAt
			if sess.CompletedAt != nil {
				end = *sess.CompletedAt
			}
			ok, err := s.Repo.SetSessionDuration(ctx, sess.ID, max(end.Sub(sess.FirstAccessAt), 0))
			if err != nil {
				s.log().WithField("session_id", sess.ID).WithError(err).Warn("duration backfill failed")
				continue
			}
			if ok {
				filled++
			}
		}
		if len(page) < batch {
			return filled, nil
		}
		after = page[len(page)-1].ID
	}
}
