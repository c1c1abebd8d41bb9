package repo

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"skirmish/internal/domain"
)

// Memory is an in-process Store. Writes are staged per transaction and published at
// commit, which re-checks every stream version it appended to.
type Memory struct {
	Now func() time.Time

	mu        sync.Mutex
	seq       int64
	sessions  map[string]SessionInfo
	events    map[string][]StreamEvent
	snapshots map[string]map[int][]byte
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		sessions:  map[string]SessionInfo{},
		events:    map[string][]StreamEvent{},
		snapshots: map[string]map[int][]byte{},
	}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Memory) WithTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		m:         m,
		sessions:  map[string]SessionInfo{},
		appends:   map[string]memAppend{},
		snapshots: map[string]map[int][]byte{},
	}
	if err := fn(tx); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *Memory) commit(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, a := range tx.appends {
		if current := m.versionLocked(id); current != a.expected {
			return versionConflict(a.expected, current)
		}
	}
	for id, s := range tx.sessions {
		if _, ok := m.sessions[id]; !ok {
			m.sessions[id] = s
		}
	}
	ids := make([]string, 0, len(tx.appends))
	for id := range tx.appends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, row := range tx.appends[id].rows {
			m.seq++
			m.events[id] = append(m.events[id], StreamEvent{Seq: m.seq, PersistedEvent: row})
		}
	}
	for id, byVersion := range tx.snapshots {
		if m.snapshots[id] == nil {
			m.snapshots[id] = map[int][]byte{}
		}
		for v, blob := range byVersion {
			m.snapshots[id][v] = blob
		}
	}
	return nil
}

func (m *Memory) versionLocked(sessionID string) int {
	evs := m.events[sessionID]
	if len(evs) == 0 {
		return 0
	}
	return evs[len(evs)-1].Version
}

func (m *Memory) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]SessionInfo, 0, len(m.sessions))
	for id, s := range m.sessions {
		s.Version = m.versionLocked(id)
		res = append(res, s)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt != res[j].CreatedAt {
			return res[i].CreatedAt < res[j].CreatedAt
		}
		return res[i].SessionID < res[j].SessionID
	})
	return res, nil
}

func (m *Memory) EventsSince(ctx context.Context, seq int64, limit int) ([]StreamEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []StreamEvent
	for _, evs := range m.events {
		for _, e := range evs {
			if e.Seq > seq {
				res = append(res, e)
			}
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Seq < res[j].Seq })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *Memory) LatestSeq(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq, nil
}

type memAppend struct {
	expected int
	rows     []domain.PersistedEvent
}

// memTx reads committed state overlaid with its own staged writes.
type memTx struct {
	m         *Memory
	sessions  map[string]SessionInfo
	appends   map[string]memAppend
	snapshots map[string]map[int][]byte
}

func (t *memTx) InsertSessionIfMissing(ctx context.Context, sessionID, ruleset string) error {
	if _, ok := t.sessions[sessionID]; ok {
		return nil
	}
	t.m.mu.Lock()
	_, ok := t.m.sessions[sessionID]
	t.m.mu.Unlock()
	if ok {
		return nil
	}
	t.sessions[sessionID] = SessionInfo{
		SessionID: sessionID,
		Ruleset:   ruleset,
		CreatedAt: t.m.now().UTC().Format(time.RFC3339),
	}
	return nil
}

func (t *memTx) GetSessionRuleset(ctx context.Context, sessionID string) (string, error) {
	if s, ok := t.sessions[sessionID]; ok {
		return s.Ruleset, nil
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.m.sessions[sessionID].Ruleset, nil
}

func (t *memTx) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	if _, ok := t.sessions[sessionID]; ok {
		return true, nil
	}
	if len(t.appends[sessionID].rows) > 0 {
		return true, nil
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	_, ok := t.m.sessions[sessionID]
	return ok || len(t.m.events[sessionID]) > 0, nil
}

// stream returns committed rows followed by rows staged in this transaction.
func (t *memTx) stream(sessionID string) []domain.PersistedEvent {
	t.m.mu.Lock()
	committed := t.m.events[sessionID]
	out := make([]domain.PersistedEvent, 0, len(committed)+len(t.appends[sessionID].rows))
	for _, e := range committed {
		out = append(out, e.PersistedEvent)
	}
	t.m.mu.Unlock()
	return append(out, t.appends[sessionID].rows...)
}

func (t *memTx) AppendEvents(ctx context.Context, sessionID string, expected int, evs []domain.Event) ([]domain.PersistedEvent, error) {
	stream := t.stream(sessionID)
	current := 0
	if len(stream) > 0 {
		current = stream[len(stream)-1].Version
	}
	if current != expected {
		return nil, versionConflict(expected, current)
	}
	if len(evs) == 0 {
		return nil, nil
	}
	ts := t.m.now().UTC().Format(time.RFC3339)
	rows := make([]domain.PersistedEvent, 0, len(evs))
	for i, ev := range evs {
		row, err := domain.NewPersistedEvent(sessionID, expected+i+1, ev, ts)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	a, staged := t.appends[sessionID]
	if !staged {
		a.expected = expected
	}
	a.rows = append(a.rows, rows...)
	t.appends[sessionID] = a
	return slices.Clone(rows), nil
}

func (t *memTx) GetEventsAfter(ctx context.Context, sessionID string, after int) ([]domain.PersistedEvent, error) {
	var res []domain.PersistedEvent
	for _, e := range t.stream(sessionID) {
		if e.Version > after {
			res = append(res, e)
		}
	}
	return res, nil
}

func (t *memTx) GetEventsInRange(ctx context.Context, sessionID string, from, to int) ([]domain.PersistedEvent, error) {
	var res []domain.PersistedEvent
	for _, e := range t.stream(sessionID) {
		if inRange(e.Version, from, to) {
			res = append(res, e)
		}
	}
	return res, nil
}

func (t *memTx) SaveSnapshot(ctx context.Context, s domain.Snapshot) error {
	blob, err := encodeSnapshot(s)
	if err != nil {
		return err
	}
	id := s.Meta.SessionID
	if t.snapshots[id] == nil {
		t.snapshots[id] = map[int][]byte{}
	}
	t.snapshots[id][s.Meta.Version] = blob
	return nil
}

func (t *memTx) GetLatestSnapshot(ctx context.Context, sessionID string) (*domain.Snapshot, error) {
	best, blob := -1, []byte(nil)
	t.m.mu.Lock()
	for v, b := range t.m.snapshots[sessionID] {
		if v > best {
			best, blob = v, b
		}
	}
	t.m.mu.Unlock()
	for v, b := range t.snapshots[sessionID] {
		if v > best {
			best, blob = v, b
		}
	}
	if blob == nil {
		return nil, nil
	}
	s, err := decodeSnapshot(blob)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
