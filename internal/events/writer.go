package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tableside/internal/db"
	"tableside/internal/domain"
	"tableside/internal/repo"
)

// Writer appends to a session's action log inside the caller's transaction.
type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type Details map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, sessionID string, action domain.ActionType, details Details) (domain.Action, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC()
	var payload any
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err != nil {
			return domain.Action{}, fmt.Errorf("marshal action details: %w", err)
		}
		payload = string(data)
	}
	a := domain.Action{Action: action, Timestamp: ts, Details: details}
	err := tx.QueryRowContext(ctx, db.Rebind(w.Dialect, `INSERT INTO session_actions(session_id,action,ts,details_json) VALUES (?,?,?,?) RETURNING id`),
		sessionID, string(action), repo.FormatTime(ts), payload).Scan(&a.ID)
	if err != nil {
		return domain.Action{}, fmt.Errorf("append %s action: %w", action, err)
	}
	return a, nil
}
