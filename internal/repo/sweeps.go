package repo

import (
	"context"
	"time"

	"tableside/internal/domain"
)

// ExpireStale moves every ACTIVE session past its deadline to EXPIRED.
func (r Repo) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	ts := FormatTime(now)
	res, err := r.exec(ctx, nil, `UPDATE guest_sessions SET status='EXPIRED', updated_at=?, version=version+1
WHERE status='ACTIVE' AND expires_at<=?`, ts, ts)
	if err != nil {
		return 0, err
	}
	return affected(res)
}

// AbandonIdle moves ACTIVE sessions not accessed since cutoff to ABANDONED.
func (r Repo) AbandonIdle(ctx context.Context, cutoff, now time.Time) (int64, error) {
	ts := FormatTime(now)
	res, err := r.exec(ctx, nil, `UPDATE guest_sessions SET status='ABANDONED', abandoned_at=?, updated_at=?, version=version+1
WHERE status='ACTIVE' AND last_access_at<?`, ts, ts, FormatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return affected(res)
}

// ListExpiring returns ACTIVE sessions whose deadline falls in (now, until].
func (r Repo) ListExpiring(ctx context.Context, now, until time.Time, limit int) ([]domain.GuestSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM guest_sessions
WHERE status='ACTIVE' AND expires_at>? AND expires_at<=? ORDER BY expires_at ASC, id ASC`
	args := []any{FormatTime(now), FormatTime(until)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.listSessions(ctx, query, args...)
}

// PurgeTerminal deletes up to limit non-ACTIVE sessions last updated before cutoff.
// Actions and order links go with them.
func (r Repo) PurgeTerminal(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := r.exec(ctx, nil, `DELETE FROM guest_sessions WHERE id IN (
  SELECT id FROM guest_sessions WHERE status<>'ACTIVE' AND updated_at<? ORDER BY updated_at ASC LIMIT ?
)`, FormatTime(cutoff), limit)
	if err != nil {
		return 0, err
	}
	return affected(res)
}

// ListCompletedWithoutDuration pages through COMPLETED sessions lacking a duration, by id.
func (r Repo) ListCompletedWithoutDuration(ctx context.Context, afterID string, limit int) ([]domain.GuestSession, error) {
	return r.listSessions(ctx, `SELECT `+sessionColumns+` FROM guest_sessions
WHERE status='COMPLETED' AND session_duration_ms IS NULL AND id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
}

// SetSessionDuration fills a missing duration. It reports false when one is already set.
func (r Repo) SetSessionDuration(ctx context.Context, id string, d time.Duration) (bool, error) {
	res, err := r.exec(ctx, nil, `UPDATE guest_sessions SET session_duration_ms=? WHERE id=? AND session_duration_ms IS NULL`, d.Milliseconds(), id)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// CountByStatus returns the number of sessions per status.
func (r Repo) CountByStatus(ctx context.Context) (map[domain.SessionStatus]int64, error) {
	rows, err := r.query(ctx, nil, `SELECT status, COUNT(*) FROM guest_sessions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.SessionStatus]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[domain.SessionStatus(status)] = n
	}
	return res, rows.Err()
}
