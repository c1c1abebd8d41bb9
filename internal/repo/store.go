package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"skirmish/internal/domain"
)

// Store is the persistence boundary of the session engine.
type Store interface {
	// WithTx runs fn as one unit of work. Nothing fn wrote is visible if it returns an error.
	WithTx(ctx context.Context, fn func(Tx) error) error
	ListSessions(ctx context.Context) ([]SessionInfo, error)
	// EventsSince returns up to limit committed events of every session with a
	// store sequence greater than seq, oldest first.
	EventsSince(ctx context.Context, seq int64, limit int) ([]StreamEvent, error)
	// LatestSeq is the highest committed store sequence, 0 when empty.
	LatestSeq(ctx context.Context) (int64, error)
}

// Tx is the set of operations available inside WithTx.
type Tx interface {
	InsertSessionIfMissing(ctx context.Context, sessionID, ruleset string) error
	// GetSessionRuleset reports "" when the session row is missing.
	GetSessionRuleset(ctx context.Context, sessionID string) (string, error)
	SessionExists(ctx context.Context, sessionID string) (bool, error)
	// AppendEvents stores evs as versions expected+1 .. expected+len(evs). It fails with a
	// conflict when the stream is not at expected.
	AppendEvents(ctx context.Context, sessionID string, expected int, evs []domain.Event) ([]domain.PersistedEvent, error)
	GetEventsAfter(ctx context.Context, sessionID string, after int) ([]domain.PersistedEvent, error)
	// GetEventsInRange treats a zero bound as open.
	GetEventsInRange(ctx context.Context, sessionID string, from, to int) ([]domain.PersistedEvent, error)
	SaveSnapshot(ctx context.Context, s domain.Snapshot) error
	// GetLatestSnapshot returns nil when the session has no cached snapshot.
	GetLatestSnapshot(ctx context.Context, sessionID string) (*domain.Snapshot, error)
}

type SessionInfo struct {
	SessionID string `json:"session_id"`
	Ruleset   string `json:"ruleset"`
	Version   int    `json:"version"`
	CreatedAt string `json:"created_at"`
}

// StreamEvent is a committed event with its store-wide sequence number.
type StreamEvent struct {
	Seq int64 `json:"seq"`
	domain.PersistedEvent
}

func versionConflict(expected, current int) error {
	return domain.Conflictf("version conflict: expected=%d current=%d", expected, current)
}

func inRange(version, from, to int) bool {
	if from > 0 && version < from {
		return false
	}
	if to > 0 && version > to {
		return false
	}
	return true
}

var (
	snapshotEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	snapshotDecoder, _ = zstd.NewReader(nil)
)

// encodeSnapshot stores snapshots as zstd-compressed JSON.
func encodeSnapshot(s domain.Snapshot) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return snapshotEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func decodeSnapshot(blob []byte) (domain.Snapshot, error) {
	raw, err := snapshotDecoder.DecodeAll(blob, nil)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("decompress snapshot: %w", err)
	}
	var s domain.Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return domain.Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return s, nil
}
