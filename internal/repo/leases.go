package repo

import (
	"context"
	"database/sql"
	"time"

	"tableside/internal/domain"
)

// AcquireLease takes the named lease for owner. It reports false while any
// unexpired lease exists, including one held by the same owner.
func (r Repo) AcquireLease(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := r.exec(ctx, nil, `INSERT INTO sweep_leases(name,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(name) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE sweep_leases.expires_at<=excluded.acquired_at`,
		name, owner, FormatTime(now), FormatTime(now.Add(ttl)))
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// ReleaseLease drops the lease if owner still holds it.
func (r Repo) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := r.exec(ctx, nil, `DELETE FROM sweep_leases WHERE name=? AND owner_id=?`, name, owner)
	return err
}

func (r Repo) GetLease(ctx context.Context, name string) (domain.Lease, error) {
	var l domain.Lease
	var acquired, expires string
	err := r.queryRow(ctx, nil, `SELECT name,owner_id,acquired_at,expires_at FROM sweep_leases WHERE name=?`, name).
		Scan(&l.Name, &l.OwnerID, &acquired, &expires)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if l.AcquiredAt, err = ParseTime(acquired); err != nil {
		return l, err
	}
	l.ExpiresAt, err = ParseTime(expires)
	return l, err
}
