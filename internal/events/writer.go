// Package events writes session event rows inside a caller-owned transaction.
package events

import (
	"context"
	"database/sql"
	"time"

	"skirmish/internal/domain"
)

type Writer struct {
	Now func() time.Time
}

// Append inserts evs as versions after+1 .. after+len(evs) and returns the stored rows.
// The caller owns tx and the version check that precedes it.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, sessionID string, after int, evs []domain.Event) ([]domain.PersistedEvent, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO session_events(session_id,version,event_type,event_payload,created_at) VALUES (?,?,?,?,?)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	out := make([]domain.PersistedEvent, 0, len(evs))
	for i, ev := range evs {
		row, err := domain.NewPersistedEvent(sessionID, after+i+1, ev, ts)
		if err != nil {
			return nil, err
		}
		if _, err := stmt.ExecContext(ctx, row.SessionID, row.Version, string(row.EventType), string(row.EventPayload), row.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}
