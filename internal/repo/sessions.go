package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tableside/internal/domain"
)

const sessionColumns = `id,token,branch_id,table_id,qr_code_id,status,expires_at,first_access_at,last_access_at,access_count,` +
	`cart_json,guest_json,metadata_json,order_count,call_server_count,last_call_server_at,bill_requested,bill_requested_at,` +
	`payment_completed,payment_completed_at,payment_method,total_spent,session_duration_ms,abandoned_at,completed_at,` +
	`created_at,updated_at,version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.GuestSession, error) {
	var s domain.GuestSession
	var status, expiresAt, firstAccess, lastAccess, createdAt, updatedAt, totalSpent, metadata string
	var cartJSON, guestJSON, lastCall, billAt, paidAt, method, abandonedAt, completedAt sql.NullString
	var durMS sql.NullInt64
	err := row.Scan(&s.ID, &s.Token, &s.BranchID, &s.TableID, &s.QRCodeID, &status, &expiresAt, &firstAccess, &lastAccess, &s.AccessCount,
		&cartJSON, &guestJSON, &metadata, &s.OrderCount, &s.Service.CallServerCount, &lastCall, &s.Service.BillRequested, &billAt,
		&s.Payment.Completed, &paidAt, &method, &totalSpent, &durMS, &abandonedAt, &completedAt,
		&createdAt, &updatedAt, &s.Version)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Status = domain.SessionStatus(status)
	for _, f := range []struct {
		src string
		dst *time.Time
	}{{expiresAt, &s.ExpiresAt}, {firstAccess, &s.FirstAccessAt}, {lastAccess, &s.LastAccessAt}, {createdAt, &s.CreatedAt}, {updatedAt, &s.UpdatedAt}} {
		if *f.dst, err = ParseTime(f.src); err != nil {
			return s, fmt.Errorf("session %s: %w", s.ID, err)
		}
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{{lastCall, &s.Service.LastCallServerAt}, {billAt, &s.Service.BillRequestedAt}, {paidAt, &s.Payment.CompletedAt}, {abandonedAt, &s.AbandonedAt}, {completedAt, &s.CompletedAt}} {
		if *f.dst, err = parseNullTime(f.src); err != nil {
			return s, fmt.Errorf("session %s: %w", s.ID, err)
		}
	}
	if cartJSON.Valid && cartJSON.String != "" {
		var cart domain.Cart
		if err := json.Unmarshal([]byte(cartJSON.String), &cart); err != nil {
			return s, fmt.Errorf("session %s cart: %w", s.ID, err)
		}
		s.Cart = &cart
	}
	if guestJSON.Valid && guestJSON.String != "" {
		var g domain.GuestInfo
		if err := json.Unmarshal([]byte(guestJSON.String), &g); err != nil {
			return s, fmt.Errorf("session %s guest: %w", s.ID, err)
		}
		s.Guest = &g
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &s.Metadata); err != nil {
			return s, fmt.Errorf("session %s metadata: %w", s.ID, err)
		}
	}
	if method.Valid {
		s.Payment.Method = method.String
	}
	if s.Payment.TotalSpent, err = decimal.NewFromString(totalSpent); err != nil {
		return s, fmt.Errorf("session %s total_spent: %w", s.ID, err)
	}
	if durMS.Valid {
		d := time.Duration(durMS.Int64) * time.Millisecond
		s.SessionDuration = &d
	}
	return s, nil
}

func marshalOptional(v any, isNil bool) (any, error) {
	if isNil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func durationMS(d *time.Duration) any {
	if d == nil {
		return nil
	}
	return d.Milliseconds()
}

// InsertSession stores a freshly created session.
func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.GuestSession) error {
	cart, err := marshalOptional(s.Cart, s.Cart == nil)
	if err != nil {
		return err
	}
	guest, err := marshalOptional(s.Guest, s.Guest == nil)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, tx, `INSERT INTO guest_sessions(`+sessionColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Token, s.BranchID, s.TableID, s.QRCodeID, string(s.Status), FormatTime(s.ExpiresAt), FormatTime(s.FirstAccessAt), FormatTime(s.LastAccessAt), s.AccessCount,
		cart, guest, string(metadata), s.OrderCount, s.Service.CallServerCount, nullableTime(s.Service.LastCallServerAt), s.Service.BillRequested, nullableTime(s.Service.BillRequestedAt),
		s.Payment.Completed, nullableTime(s.Payment.CompletedAt), nullable(s.Payment.Method), s.Payment.TotalSpent.String(), durationMS(s.SessionDuration), nullableTime(s.AbandonedAt), nullableTime(s.CompletedAt),
		FormatTime(s.CreatedAt), FormatTime(s.UpdatedAt), s.Version)
	return err
}

// GetSessionByToken returns the session with its action log and linked orders.
func (r Repo) GetSessionByToken(ctx context.Context, token string) (domain.GuestSession, error) {
	s, err := scanSession(r.queryRow(ctx, nil, `SELECT `+sessionColumns+` FROM guest_sessions WHERE token=?`, token))
	if err != nil {
		return s, err
	}
	return r.WithHistory(ctx, s)
}

// GetSession returns the session by id with its action log and linked orders.
func (r Repo) GetSession(ctx context.Context, id string) (domain.GuestSession, error) {
	s, err := scanSession(r.queryRow(ctx, nil, `SELECT `+sessionColumns+` FROM guest_sessions WHERE id=?`, id))
	if err != nil {
		return s, err
	}
	return r.WithHistory(ctx, s)
}

// GetSessionByOrderID returns the session an order was linked to.
func (r Repo) GetSessionByOrderID(ctx context.Context, orderID string) (domain.GuestSession, error) {
	return scanSession(r.queryRow(ctx, nil, `SELECT `+prefixed("s", sessionColumns)+` FROM guest_sessions s
JOIN session_orders o ON o.session_id=s.id WHERE o.order_id=? ORDER BY o.linked_at ASC LIMIT 1`, orderID))
}

func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ",")
}

// WithHistory fills the action log and linked orders of s.
func (r Repo) WithHistory(ctx context.Context, s domain.GuestSession) (domain.GuestSession, error) {
	actions, err := r.ListActions(ctx, s.ID)
	if err != nil {
		return s, err
	}
	orders, err := r.ListOrderIDs(ctx, s.ID)
	if err != nil {
		return s, err
	}
	s.Actions = actions
	s.OrderIDs = orders
	return s, nil
}

// ListActions returns the append-only action log in insertion order.
func (r Repo) ListActions(ctx context.Context, sessionID string) ([]domain.Action, error) {
	rows, err := r.query(ctx, nil, `SELECT id,action,ts,details_json FROM session_actions WHERE session_id=? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Action{}
	for rows.Next() {
		var (
			a       domain.Action
			action  string
			ts      string
			details sql.NullString
		)
		if err := rows.Scan(&a.ID, &action, &ts, &details); err != nil {
			return nil, err
		}
		a.Action = domain.ActionType(action)
		if a.Timestamp, err = ParseTime(ts); err != nil {
			return nil, err
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &a.Details); err != nil {
				return nil, err
			}
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListOrderIDs returns linked order ids in link order.
func (r Repo) ListOrderIDs(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := r.query(ctx, nil, `SELECT order_id FROM session_orders WHERE session_id=? ORDER BY linked_at ASC, order_id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

// TouchSession records one access on a live session and returns the updated row.
// It returns ErrNotFound when the token is unknown, no longer ACTIVE, or past its deadline.
func (r Repo) TouchSession(ctx context.Context, tx *sql.Tx, token string, now time.Time) (domain.GuestSession, error) {
	ts := FormatTime(now)
	return scanSession(r.queryRow(ctx, tx, `UPDATE guest_sessions
SET access_count=access_count+1, last_access_at=?, updated_at=?, version=version+1
WHERE token=? AND status='ACTIVE' AND expires_at>?
RETURNING `+sessionColumns, ts, ts, token, ts))
}

// IncrementCallServer atomically bumps the server-call counter and records an access.
func (r Repo) IncrementCallServer(ctx context.Context, tx *sql.Tx, token string, now time.Time) (domain.GuestSession, error) {
	ts := FormatTime(now)
	return scanSession(r.queryRow(ctx, tx, `UPDATE guest_sessions
SET call_server_count=call_server_count+1, last_call_server_at=?, access_count=access_count+1, last_access_at=?, updated_at=?, version=version+1
WHERE token=? AND status='ACTIVE' AND expires_at>?
RETURNING `+sessionColumns, ts, ts, ts, token, ts))
}

// LinkOrder adds orderID to the session's order set. It reports false when already linked.
func (r Repo) LinkOrder(ctx context.Context, tx *sql.Tx, sessionID, orderID string, now time.Time) (bool, error) {
	res, err := r.exec(ctx, tx, `INSERT INTO session_orders(session_id,order_id,linked_at) VALUES (?,?,?)
ON CONFLICT(session_id,order_id) DO NOTHING`, sessionID, orderID, FormatTime(now))
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	if err != nil || n == 0 {
		return false, err
	}
	if _, err := r.exec(ctx, tx, `UPDATE guest_sessions SET order_count=order_count+1, updated_at=?, version=version+1 WHERE id=?`, FormatTime(now), sessionID); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateOptions conditions a versioned session write.
type UpdateOptions struct {
	Now time.Time
	// Touch also records an access.
	Touch bool
}

// UpdateSession writes the replaceable fields of s if the stored version still equals s.Version
// and the session is still live. On success s.Version+1 is stored.
func (r Repo) UpdateSession(ctx context.Context, tx *sql.Tx, s domain.GuestSession, opts UpdateOptions) error {
	cart, err := marshalOptional(s.Cart, s.Cart == nil)
	if err != nil {
		return err
	}
	guest, err := marshalOptional(s.Guest, s.Guest == nil)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		return err
	}
	now := FormatTime(opts.Now)
	touch := ""
	args := []any{
		string(s.Status), FormatTime(s.ExpiresAt), cart, guest, string(metadata),
		s.Service.BillRequested, nullableTime(s.Service.BillRequestedAt),
		s.Payment.Completed, nullableTime(s.Payment.CompletedAt), nullable(s.Payment.Method), s.Payment.TotalSpent.String(),
		durationMS(s.SessionDuration), nullableTime(s.CompletedAt), now,
	}
	if opts.Touch {
		touch = ", access_count=access_count+1, last_access_at=?"
		args = append(args, now)
	}
	args = append(args, s.ID, s.Version, now)
	res, err := r.exec(ctx, tx, `UPDATE guest_sessions
SET status=?, expires_at=?, cart_json=?, guest_json=?, metadata_json=?,
    bill_requested=?, bill_requested_at=?,
    payment_completed=?, payment_completed_at=?, payment_method=?, total_spent=?,
    session_duration_ms=?, completed_at=?, updated_at=?, version=version+1`+touch+`
WHERE id=? AND version=? AND status='ACTIVE' AND expires_at>?`, args...)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ExpireSession moves a stale ACTIVE session to EXPIRED. It reports false when another
// writer already changed the status or the deadline has not passed.
func (r Repo) ExpireSession(ctx context.Context, tx *sql.Tx, id string, now time.Time) (bool, error) {
	ts := FormatTime(now)
	res, err := r.exec(ctx, tx, `UPDATE guest_sessions SET status='EXPIRED', updated_at=?, version=version+1
WHERE id=? AND status='ACTIVE' AND expires_at<=?`, ts, id, ts)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

// SessionFilters narrows ListSessions.
type SessionFilters struct {
	Status          domain.SessionStatus
	BranchID        string
	TableID         string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListSessions returns sessions newest first without their history.
func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.GuestSession, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.BranchID != "" {
		clauses = append(clauses, "branch_id=?")
		args = append(args, f.BranchID)
	}
	if f.TableID != "" {
		clauses = append(clauses, "table_id=?")
		args = append(args, f.TableID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + sessionColumns + ` FROM guest_sessions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.listSessions(ctx, query, args...)
}

func (r Repo) listSessions(ctx context.Context, query string, args ...any) ([]domain.GuestSession, error) {
	rows, err := r.query(ctx, nil, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GuestSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
