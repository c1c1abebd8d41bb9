package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"skirmish/internal/config"
	"skirmish/internal/domain"
	"skirmish/internal/logging"
	"skirmish/internal/reducer"
	"skirmish/internal/repo"
	"skirmish/internal/rules"
)

const (
	DefaultRuleset    = "5e"
	DefaultAIEntityID = "ai"
)

// Publisher receives the events of a write after its transaction committed.
type Publisher interface {
	Publish(sessionID string, evs []domain.PersistedEvent)
}

type Engine struct {
	Repo  repo.Store
	Rules rules.Evaluator
	// SnapshotEvery caches a snapshot on every version divisible by it. Zero disables
	// the periodic snapshots; key events still trigger one.
	SnapshotEvery int
	KeyEvents     []domain.EventType
	// AIEntityID is the entity whose INITIATIVE_SET entry is checked against its last roll.
	AIEntityID string
	Log        *zap.Logger
	Now        func() time.Time
	Publisher  Publisher
	NewID      func() string
}

func New(store repo.Store, cfg *config.Config, log *zap.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	keys := make([]domain.EventType, 0, len(cfg.Snapshots.KeyEvents))
	for _, k := range cfg.Snapshots.KeyEvents {
		keys = append(keys, domain.EventType(k))
	}
	return Engine{
		Repo:          store,
		Rules:         Evaluator(cfg),
		SnapshotEvery: cfg.Snapshots.Every,
		KeyEvents:     keys,
		AIEntityID:    DefaultAIEntityID,
		Log:           logging.OrNop(log),
		Now:           time.Now,
		NewID:         uuid.NewString,
	}
}

// Evaluator builds the rule gateway named by the config.
func Evaluator(cfg *config.Config) rules.Evaluator {
	if cfg.Rules.Engine == config.RulesAllowAll {
		return rules.AllowAll{}
	}
	return rules.NewGateway(rules.Local{}, cfg.Rules.AIWhitelist...)
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger { return logging.OrNop(e.Log) }

func (e Engine) rules() rules.Evaluator {
	if e.Rules == nil {
		return rules.AllowAll{}
	}
	return e.Rules
}

func (e Engine) aiEntityID() string {
	if e.AIEntityID == "" {
		return DefaultAIEntityID
	}
	return e.AIEntityID
}

func (e Engine) publish(sessionID string, rows []domain.PersistedEvent) {
	if e.Publisher != nil && len(rows) > 0 {
		e.Publisher.Publish(sessionID, rows)
	}
}

type AppendRequest struct {
	ExpectedVersion int            `json:"expected_version"`
	Events          []domain.Event `json:"events"`
}

// AppendEvents runs the write pipeline for one batch of client events. Either the whole
// batch and everything it derives is persisted, or nothing is.
func (e Engine) AppendEvents(ctx context.Context, sessionID string, req AppendRequest) (domain.Snapshot, error) {
	var (
		state domain.Snapshot
		rows  []domain.PersistedEvent
	)
	err := e.Repo.WithTx(ctx, func(tx repo.Tx) error {
		var err error
		state, rows, err = e.appendInTx(ctx, tx, sessionID, req, false)
		return err
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	e.publish(sessionID, rows)
	return state, nil
}

func (e Engine) appendInTx(ctx context.Context, tx repo.Tx, sessionID string, req AppendRequest, forceSnapshot bool) (domain.Snapshot, []domain.PersistedEvent, error) {
	base, err := e.appendBase(ctx, tx, sessionID, req)
	if err != nil {
		return domain.Snapshot{}, nil, err
	}
	past, err := tx.GetEventsAfter(ctx, sessionID, base.Meta.Version)
	if err != nil {
		return domain.Snapshot{}, nil, err
	}
	tail, err := domain.DecodePersisted(past)
	if err != nil {
		return domain.Snapshot{}, nil, err
	}
	current, err := reducer.Reduce(base, tail)
	if err != nil {
		return domain.Snapshot{}, nil, err
	}
	if req.ExpectedVersion != current.Meta.Version {
		return domain.Snapshot{}, nil, domain.Validationf("version mismatch: expected %d, current %d", req.ExpectedVersion, current.Meta.Version)
	}

	p := newPipeline(current, e.aiEntityID())
	p.lastAIRoll = lastAIRoll(tail, p.aiID)
	if p.lastAIRoll == nil && setsInitiative(req.Events) && base.Meta.Version > 0 {
		// The roll may predate the cached snapshot.
		older, err := tx.GetEventsInRange(ctx, sessionID, 1, base.Meta.Version)
		if err != nil {
			return domain.Snapshot{}, nil, err
		}
		evs, err := domain.DecodePersisted(older)
		if err != nil {
			return domain.Snapshot{}, nil, err
		}
		p.lastAIRoll = lastAIRoll(evs, p.aiID)
	}

	for i, in := range req.Events {
		if in.Payload == nil {
			return domain.Snapshot{}, nil, domain.Validationf("events[%d]: type and payload are required", i)
		}
		in.Version = 0
		ev := domain.NormalizeForSnapshot(in, p.snap)
		if d := e.rules().Evaluate(p.snap, ev); !d.Allowed {
			e.log().Info("rule denied",
				zap.String("session_id", sessionID),
				zap.String("type", string(ev.Type())),
				zap.String("reason", string(d.Code)),
			)
			return domain.Snapshot{}, nil, d.Err()
		}
		if err := p.accept(ev); err != nil {
			return domain.Snapshot{}, nil, err
		}
	}

	rows, err := tx.AppendEvents(ctx, sessionID, req.ExpectedVersion, p.pending)
	if err != nil {
		return domain.Snapshot{}, nil, err
	}
	state := p.snap
	if n := len(rows); n > 0 {
		state.Meta.Version = rows[n-1].Version
	}
	var lastType domain.EventType
	if n := len(p.pending); n > 0 {
		lastType = p.pending[n-1].Type()
	}
	if forceSnapshot || domain.ShouldTakeSnapshot(state.Meta.Version, e.SnapshotEvery, lastType, e.KeyEvents...) {
		if err := tx.SaveSnapshot(ctx, state); err != nil {
			return domain.Snapshot{}, nil, err
		}
	}
	if len(rows) > 0 {
		e.log().Debug("events appended",
			zap.String("session_id", sessionID),
			zap.Int("incoming", len(req.Events)),
			zap.Int("derived", len(rows)-len(req.Events)),
			zap.Int("version", state.Meta.Version),
		)
	}
	return state, rows, nil
}

// appendBase returns the cached state a write starts from. A brand new session is
// bootstrapped from the SESSION_CREATED event in the batch.
func (e Engine) appendBase(ctx context.Context, tx repo.Tx, sessionID string, req AppendRequest) (domain.Snapshot, error) {
	snap, err := tx.GetLatestSnapshot(ctx, sessionID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if snap != nil {
		return *snap, nil
	}
	exists, err := tx.SessionExists(ctx, sessionID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if exists {
		return e.initialState(ctx, tx, sessionID)
	}
	if req.ExpectedVersion != 0 {
		return domain.Snapshot{}, domain.NotFoundf("session not found: %s", sessionID)
	}
	ruleset := ""
	found := false
	for _, ev := range req.Events {
		if created, ok := ev.Payload.(domain.SessionCreated); ok {
			ruleset, found = created.Ruleset, true
			break
		}
	}
	if !found {
		return domain.Snapshot{}, domain.Validationf("first append must include SESSION_CREATED")
	}
	if ruleset == "" {
		ruleset = "unknown"
	}
	if err := tx.InsertSessionIfMissing(ctx, sessionID, ruleset); err != nil {
		return domain.Snapshot{}, err
	}
	initial := domain.MakeInitialSnapshot(sessionID, ruleset, e.now())
	if err := tx.SaveSnapshot(ctx, initial); err != nil {
		return domain.Snapshot{}, err
	}
	return initial, nil
}

// initialState rebuilds the version 0 state of a session whose snapshots are gone, from
// the stored ruleset or else from its SESSION_CREATED event.
func (e Engine) initialState(ctx context.Context, tx repo.Tx, sessionID string) (domain.Snapshot, error) {
	ruleset, err := tx.GetSessionRuleset(ctx, sessionID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if ruleset == "" {
		first, err := tx.GetEventsInRange(ctx, sessionID, 0, 0)
		if err != nil {
			return domain.Snapshot{}, err
		}
		for _, row := range first {
			if row.EventType != domain.EventSessionCreated {
				continue
			}
			ev, err := row.Event()
			if err != nil {
				return domain.Snapshot{}, err
			}
			ruleset = ev.Payload.(domain.SessionCreated).Ruleset
			break
		}
	}
	if ruleset == "" {
		return domain.Snapshot{}, domain.SnapshotMissingf("snapshot missing and ruleset unavailable for session: %s", sessionID)
	}
	return domain.MakeInitialSnapshot(sessionID, ruleset, e.now()), nil
}

// GetState returns the current state: the latest cached snapshot with later events replayed.
func (e Engine) GetState(ctx context.Context, sessionID string) (domain.Snapshot, error) {
	var out domain.Snapshot
	err := e.Repo.WithTx(ctx, func(tx repo.Tx) error {
		var err error
		out, err = e.stateInTx(ctx, tx, sessionID)
		return err
	})
	return out, err
}

func (e Engine) stateInTx(ctx context.Context, tx repo.Tx, sessionID string) (domain.Snapshot, error) {
	if err := requireSession(ctx, tx, sessionID); err != nil {
		return domain.Snapshot{}, err
	}
	snap, err := tx.GetLatestSnapshot(ctx, sessionID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	var base domain.Snapshot
	if snap != nil {
		base = *snap
	} else if base, err = e.initialState(ctx, tx, sessionID); err != nil {
		return domain.Snapshot{}, err
	}
	rows, err := tx.GetEventsAfter(ctx, sessionID, base.Meta.Version)
	if err != nil {
		return domain.Snapshot{}, err
	}
	evs, err := domain.DecodePersisted(rows)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return reducer.Reduce(base, evs)
}

func requireSession(ctx context.Context, tx repo.Tx, sessionID string) error {
	exists, err := tx.SessionExists(ctx, sessionID)
	if err != nil {
		return err
	}
	if !exists {
		return domain.NotFoundf("session not found: %s", sessionID)
	}
	return nil
}

type CreateSessionResult struct {
	SessionID string `json:"session_id"`
	Version   int    `json:"version"`
}

// CreateSession starts a new session with a generated id and caches its first snapshot.
func (e Engine) CreateSession(ctx context.Context, ruleset string) (CreateSessionResult, error) {
	ruleset = strings.TrimSpace(ruleset)
	if ruleset == "" {
		ruleset = DefaultRuleset
	}
	newID := e.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	id := newID()
	var rows []domain.PersistedEvent
	err := e.Repo.WithTx(ctx, func(tx repo.Tx) error {
		if err := tx.InsertSessionIfMissing(ctx, id, ruleset); err != nil {
			return err
		}
		var err error
		rows, err = tx.AppendEvents(ctx, id, 0, []domain.Event{{Payload: domain.SessionCreated{Ruleset: ruleset}}})
		if err != nil {
			return err
		}
		evs, err := domain.DecodePersisted(rows)
		if err != nil {
			return err
		}
		state, err := reducer.Reduce(domain.MakeInitialSnapshot(id, ruleset, e.now()), evs)
		if err != nil {
			return err
		}
		return tx.SaveSnapshot(ctx, state)
	})
	if err != nil {
		return CreateSessionResult{}, err
	}
	e.log().Info("session created", zap.String("session_id", id), zap.String("ruleset", ruleset))
	e.publish(id, rows)
	return CreateSessionResult{SessionID: id, Version: rows[len(rows)-1].Version}, nil
}

// GetEvents lists persisted events with from <= version <= to. Zero leaves a bound open.
func (e Engine) GetEvents(ctx context.Context, sessionID string, from, to int) ([]domain.PersistedEvent, error) {
	if err := checkRange(from, to); err != nil {
		return nil, err
	}
	var rows []domain.PersistedEvent
	err := e.Repo.WithTx(ctx, func(tx repo.Tx) error {
		if err := requireSession(ctx, tx, sessionID); err != nil {
			return err
		}
		var err error
		rows, err = tx.GetEventsInRange(ctx, sessionID, from, to)
		return err
	})
	if rows == nil {
		rows = []domain.PersistedEvent{}
	}
	return rows, err
}

func checkRange(from, to int) error {
	if from < 0 || to < 0 {
		return domain.Validationf("invalid range: bounds must be non-negative")
	}
	if from > 0 && to > 0 && from > to {
		return domain.Validationf("invalid range")
	}
	return nil
}

type ReplayResult struct {
	From        *int            `json:"from"`
	To          *int            `json:"to"`
	Count       int             `json:"count"`
	BaseVersion int             `json:"base_version"`
	State       domain.Snapshot `json:"state"`
}

// Replay rebuilds state from version 0 without touching snapshots: events before from
// form the base, then the range from..to is replayed on top of it.
func (e Engine) Replay(ctx context.Context, sessionID string, from, to int) (ReplayResult, error) {
	if err := checkRange(from, to); err != nil {
		return ReplayResult{}, err
	}
	var out ReplayResult
	err := e.Repo.WithTx(ctx, func(tx repo.Tx) error {
		if err := requireSession(ctx, tx, sessionID); err != nil {
			return err
		}
		start := max(from, 1)
		var before []domain.PersistedEvent
		if start > 1 {
			var err error
			if before, err = tx.GetEventsInRange(ctx, sessionID, 1, start-1); err != nil {
				return err
			}
		}
		window, err := tx.GetEventsInRange(ctx, sessionID, start, to)
		if err != nil {
			return err
		}
		ruleset, err := tx.GetSessionRuleset(ctx, sessionID)
		if err != nil {
			return err
		}
		if ruleset == "" {
			ruleset = "unknown"
		}
		baseEvents, err := domain.DecodePersisted(before)
		if err != nil {
			return err
		}
		windowEvents, err := domain.DecodePersisted(window)
		if err != nil {
			return err
		}
		base, err := reducer.Reduce(domain.MakeInitialSnapshot(sessionID, ruleset, e.now()), baseEvents)
		if err != nil {
			return err
		}
		state, err := reducer.Reduce(base, windowEvents)
		if err != nil {
			return err
		}
		out = ReplayResult{
			From:        optionalInt(from),
			To:          optionalInt(to),
			Count:       len(window),
			BaseVersion: base.Meta.Version,
			State:       state,
		}
		return nil
	})
	return out, err
}

func optionalInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

type VerifyResult struct {
	SessionID       string   `json:"session_id"`
	Version         int      `json:"version"`
	SnapshotVersion int      `json:"snapshot_version"`
	OK              bool     `json:"ok"`
	Mismatches      []string `json:"mismatches,omitempty"`
}

// Verify checks that the cached read path agrees with a full rebuild from version 0.
func (e Engine) Verify(ctx context.Context, sessionID string) (VerifyResult, error) {
	res := VerifyResult{SessionID: sessionID}
	err := e.Repo.WithTx(ctx, func(tx repo.Tx) error {
		cached, err := e.stateInTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if snap, err := tx.GetLatestSnapshot(ctx, sessionID); err != nil {
			return err
		} else if snap != nil {
			res.SnapshotVersion = snap.Meta.Version
		}
		base, err := e.initialState(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		rows, err := tx.GetEventsInRange(ctx, sessionID, 0, 0)
		if err != nil {
			return err
		}
		evs, err := domain.DecodePersisted(rows)
		if err != nil {
			return err
		}
		full, err := reducer.Reduce(base, evs)
		if err != nil {
			return err
		}
		res.Version = full.Meta.Version
		res.Mismatches, err = diffSnapshots(cached, full)
		return err
	})
	if err != nil {
		return VerifyResult{}, err
	}
	res.OK = len(res.Mismatches) == 0
	if !res.OK {
		e.log().Warn("snapshot drift", zap.String("session_id", sessionID), zap.Strings("sections", res.Mismatches))
	}
	return res, nil
}

// diffSnapshots names the top-level sections in which a and b differ. Creation time is
// not compared since a rebuilt base carries the time of the rebuild.
func diffSnapshots(a, b domain.Snapshot) ([]string, error) {
	a.Meta.CreatedAt, b.Meta.CreatedAt = "", ""
	sections := []struct {
		name string
		x, y any
	}{
		{"meta", a.Meta, b.Meta},
		{"mode", a.Mode, b.Mode},
		{"combat", a.Combat, b.Combat},
		{"map", a.Map, b.Map},
		{"entities", a.Entities, b.Entities},
		{"rng", a.Rng, b.Rng},
	}
	var out []string
	for _, s := range sections {
		x, err := json.Marshal(s.x)
		if err != nil {
			return nil, err
		}
		y, err := json.Marshal(s.y)
		if err != nil {
			return nil, err
		}
		if string(x) != string(y) {
			out = append(out, s.name)
		}
	}
	return out, nil
}

func (e Engine) ListSessions(ctx context.Context) ([]repo.SessionInfo, error) {
	return e.Repo.ListSessions(ctx)
}
