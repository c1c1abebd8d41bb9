package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"skirmish/internal/domain"
	"skirmish/internal/events"
)

// Repo is the SQLite Store.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var _ Store = Repo{}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Repo) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(sqlTx{tx: tx, now: r.now}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if isConstraintError(err) || isBusyError(err) {
			return domain.Wrap(domain.CodeConflict, "version conflict", err)
		}
		return err
	}
	return nil
}

func (r Repo) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT s.session_id,s.ruleset,s.created_at,COALESCE(MAX(e.version),0)
		FROM sessions s LEFT JOIN session_events e ON e.session_id=s.session_id
		GROUP BY s.session_id ORDER BY s.created_at, s.session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []SessionInfo
	for rows.Next() {
		var s SessionInfo
		if err := rows.Scan(&s.SessionID, &s.Ruleset, &s.CreatedAt, &s.Version); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// EventsSince returns events with sequence numbers greater than seq in ascending order.
func (r Repo) EventsSince(ctx context.Context, seq int64, limit int) ([]StreamEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,session_id,version,event_type,event_payload,created_at
		FROM session_events WHERE seq>? ORDER BY seq ASC LIMIT ?`, seq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []StreamEvent
	for rows.Next() {
		var e StreamEvent
		var payload string
		if err := rows.Scan(&e.Seq, &e.SessionID, &e.Version, &e.EventType, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventPayload = []byte(payload)
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM session_events`).Scan(&seq)
	return seq, err
}

type sqlTx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t sqlTx) InsertSessionIfMissing(ctx context.Context, sessionID, ruleset string) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO sessions(session_id,ruleset,created_at) VALUES (?,?,?) ON CONFLICT(session_id) DO NOTHING`,
		sessionID, ruleset, t.now().UTC().Format(time.RFC3339))
	return err
}

func (t sqlTx) GetSessionRuleset(ctx context.Context, sessionID string) (string, error) {
	var ruleset string
	err := t.tx.QueryRowContext(ctx, `SELECT ruleset FROM sessions WHERE session_id=?`, sessionID).Scan(&ruleset)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return ruleset, err
}

func (t sqlTx) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(1) FROM sessions WHERE session_id=?) +
		(SELECT COUNT(1) FROM session_events WHERE session_id=?)`, sessionID, sessionID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t sqlTx) currentVersion(ctx context.Context, sessionID string) (int, error) {
	var v int
	err := t.tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM session_events WHERE session_id=?`, sessionID).Scan(&v)
	return v, err
}

func (t sqlTx) AppendEvents(ctx context.Context, sessionID string, expected int, evs []domain.Event) ([]domain.PersistedEvent, error) {
	current, err := t.currentVersion(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if current != expected {
		return nil, versionConflict(expected, current)
	}
	if len(evs) == 0 {
		return nil, nil
	}
	rows, err := events.Writer{Now: t.now}.Append(ctx, t.tx, sessionID, expected, evs)
	if err != nil {
		if isConstraintError(err) {
			latest, _ := t.currentVersion(ctx, sessionID)
			return nil, versionConflict(expected, latest)
		}
		if isBusyError(err) {
			// Another writer committed after this transaction read the version.
			return nil, domain.Wrap(domain.CodeConflict, fmt.Sprintf("version conflict: expected=%d", expected), err)
		}
		return nil, fmt.Errorf("append events: %w", err)
	}
	return rows, nil
}

func (t sqlTx) GetEventsAfter(ctx context.Context, sessionID string, after int) ([]domain.PersistedEvent, error) {
	return t.queryEvents(ctx, `WHERE session_id=? AND version>?`, sessionID, after)
}

func (t sqlTx) GetEventsInRange(ctx context.Context, sessionID string, from, to int) ([]domain.PersistedEvent, error) {
	clauses := []string{"session_id=?"}
	args := []any{sessionID}
	if from > 0 {
		clauses = append(clauses, "version>=?")
		args = append(args, from)
	}
	if to > 0 {
		clauses = append(clauses, "version<=?")
		args = append(args, to)
	}
	return t.queryEvents(ctx, "WHERE "+strings.Join(clauses, " AND "), args...)
}

func (t sqlTx) queryEvents(ctx context.Context, where string, args ...any) ([]domain.PersistedEvent, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT session_id,version,event_type,event_payload,created_at FROM session_events `+where+` ORDER BY version ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PersistedEvent
	for rows.Next() {
		var e domain.PersistedEvent
		var payload string
		if err := rows.Scan(&e.SessionID, &e.Version, &e.EventType, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventPayload = []byte(payload)
		res = append(res, e)
	}
	return res, rows.Err()
}

func (t sqlTx) SaveSnapshot(ctx context.Context, s domain.Snapshot) error {
	blob, err := encodeSnapshot(s)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO session_snapshots(session_id,version,snapshot,created_at) VALUES (?,?,?,?)
		ON CONFLICT(session_id,version) DO UPDATE SET snapshot=excluded.snapshot, created_at=excluded.created_at`,
		s.Meta.SessionID, s.Meta.Version, blob, t.now().UTC().Format(time.RFC3339))
	return err
}

func (t sqlTx) GetLatestSnapshot(ctx context.Context, sessionID string) (*domain.Snapshot, error) {
	var blob []byte
	err := t.tx.QueryRowContext(ctx, `SELECT snapshot FROM session_snapshots WHERE session_id=? ORDER BY version DESC LIMIT 1`, sessionID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s, err := decodeSnapshot(blob)
	if err != nil {
		return nil, fmt.Errorf("snapshot of %s: %w", sessionID, err)
	}
	return &s, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// isBusyError matches SQLITE_BUSY and its extended codes such as SQLITE_BUSY_SNAPSHOT.
// Inside an append it means a deferred transaction lost the race to upgrade its read.
func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code&0xff == sqlite3.SQLITE_BUSY
}
