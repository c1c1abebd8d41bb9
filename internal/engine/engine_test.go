package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"skirmish/internal/config"
	"skirmish/internal/db"
	"skirmish/internal/domain"
	"skirmish/internal/engine"
	"skirmish/internal/migrate"
	"skirmish/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func fixedNow() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("sess-%d", n)
	}
}

func openRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn, Now: fixedNow}
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newEnvWithStore(openRepo(t))
}

func newEnvWithStore(store repo.Store) testEnv {
	eng := engine.New(store, config.Default(), nil)
	eng.Now = fixedNow
	eng.NewID = sequentialIDs()
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) create(t *testing.T) string {
	t.Helper()
	res, err := env.Engine.CreateSession(env.Ctx, "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return res.SessionID
}

func (env testEnv) append(t *testing.T, id string, expected int, payloads ...domain.Payload) domain.Snapshot {
	t.Helper()
	s, err := env.Engine.AppendEvents(env.Ctx, id, request(expected, payloads...))
	if err != nil {
		t.Fatalf("append at %d: %v", expected, err)
	}
	return s
}

func (env testEnv) eventTypes(t *testing.T, id string, from int) []domain.EventType {
	t.Helper()
	rows, err := env.Engine.GetEvents(env.Ctx, id, from, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	out := make([]domain.EventType, len(rows))
	for i, r := range rows {
		out[i] = r.EventType
	}
	return out
}

func request(expected int, payloads ...domain.Payload) engine.AppendRequest {
	req := engine.AppendRequest{ExpectedVersion: expected}
	for _, p := range payloads {
		req.Events = append(req.Events, domain.Event{Payload: p})
	}
	return req
}

func seed(v int64) *int64 { return &v }

func sameTypes(got []domain.EventType, want ...domain.EventType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestCreateSessionAndGetState(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.CreateSession(env.Ctx, "  pf2  ")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.SessionID != "sess-1" || res.Version != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	s, err := env.Engine.GetState(env.Ctx, res.SessionID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if s.Meta.Version != 1 || s.Meta.Ruleset != "pf2" || s.Mode != domain.ModeExploration {
		t.Fatalf("unexpected state: %+v", s.Meta)
	}

	res, err = env.Engine.CreateSession(env.Ctx, "")
	if err != nil {
		t.Fatalf("create default: %v", err)
	}
	if s, _ := env.Engine.GetState(env.Ctx, res.SessionID); s.Meta.Ruleset != engine.DefaultRuleset {
		t.Fatalf("expected default ruleset, got %q", s.Meta.Ruleset)
	}
}

func TestUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.GetState(env.Ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.GetEvents(env.Ctx, "nope", 0, 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err := env.Engine.AppendEvents(env.Ctx, "nope", request(3, domain.ZoneAdded{ZoneID: "z", Name: "z"}))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFirstAppendBootstrapsSession(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AppendEvents(env.Ctx, "fresh", request(0, domain.ZoneAdded{ZoneID: "z", Name: "z"}))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error without SESSION_CREATED, got %v", err)
	}
	s := env.append(t, "fresh", 0, domain.SessionCreated{Ruleset: "5e"}, domain.ZoneAdded{ZoneID: "z", Name: "Hall"})
	if s.Meta.Version != 2 || s.Map.Zones["z"].Name != "Hall" {
		t.Fatalf("unexpected state: %+v", s)
	}
}

func TestVersionMismatchIsValidationError(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t)
	_, err := env.Engine.AppendEvents(env.Ctx, id, request(0, domain.ZoneAdded{ZoneID: "z", Name: "z"}))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err.Error() != "version mismatch: expected 0, current 1" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestInvalidEventWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t)
	_, err := env.Engine.AppendEvents(env.Ctx, id, request(1,
		domain.ZoneAdded{ZoneID: "z", Name: "z"},
		domain.DamageApplied{EntityID: "ghost", Amount: 1},
	))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := env.eventTypes(t, id, 0); len(got) != 1 {
		t.Fatalf("expected only SESSION_CREATED, got %v", got)
	}
}

func TestDevSeedCombat(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t)
	res, err := env.Engine.DevSeedCombat(env.Ctx, id, engine.DevSeedOptions{})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if res.Version != 8 || res.ActiveEntity != "e1" || res.Phase != domain.PhaseActionWindow {
		t.Fatalf("unexpected seed result: %+v", res)
	}
	got := env.eventTypes(t, id, 2)
	if !sameTypes(got,
		domain.EventRngSeeded, domain.EventEntityAdded, domain.EventEntityAdded, domain.EventModeSet,
		domain.EventCombatStarted, domain.EventInitiativeSet, domain.EventTurnStarted) {
		t.Fatalf("unexpected seed events: %v", got)
	}

	again, err := env.Engine.DevSeedCombat(env.Ctx, id, engine.DevSeedOptions{})
	if err != nil || again.Version != 8 {
		t.Fatalf("expected idempotent seed at 8, got %+v %v", again, err)
	}
	if _, err := env.Engine.DevSeedCombat(env.Ctx, id, engine.DevSeedOptions{ActorID: "x", EnemyID: "x"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for identical ids, got %v", err)
	}

	v, err := env.Engine.Verify(env.Ctx, id)
	if err != nil || v.SnapshotVersion != 8 || !v.OK {
		t.Fatalf("expected forced snapshot at 8, got %+v %v", v, err)
	}
}

func seededFight(t *testing.T, env testEnv) string {
	t.Helper()
	id := env.create(t)
	if _, err := env.Engine.DevSeedCombat(env.Ctx, id, engine.DevSeedOptions{Seed: seed(12345)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return id
}

func TestAttackResolvesWithSeededDice(t *testing.T) {
	env := newTestEnv(t)
	id := seededFight(t, env)

	s := env.append(t, id, 8, domain.ActionProposed{ActorEntityID: "e1", ActionType: domain.ActionAttack, TargetEntityID: "m1"})
	if s.Meta.Version != 13 {
		t.Fatalf("expected version 13, got %d", s.Meta.Version)
	}
	if hp := s.Entities["m1"].HP; hp != 18 {
		t.Fatalf("expected m1 at 18 hp, got %d", hp)
	}
	if s.Rng.Cursor != 2 || !s.Combat.ActionUsed {
		t.Fatalf("unexpected combat after attack: rng=%+v combat=%+v", s.Rng, s.Combat)
	}

	rows, err := env.Engine.GetEvents(env.Ctx, id, 9, 13)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var resolved domain.ActionResolved
	if err := json.Unmarshal(rows[4].EventPayload, &resolved); err != nil {
		t.Fatalf("decode ACTION_RESOLVED: %v", err)
	}
	if resolved.ProposedEventVersion == nil || *resolved.ProposedEventVersion != 9 {
		t.Fatalf("expected proposal version 9, got %v", resolved.ProposedEventVersion)
	}
	if resolved.Summary == nil || !resolved.Summary.Hit || resolved.Summary.DamageTotal != 2 {
		t.Fatalf("unexpected summary: %+v", resolved.Summary)
	}

	// Advancing without an actor falls back to the active entity.
	s = env.append(t, id, 13, domain.AdvanceTurn{})
	if s.Combat.ActiveEntity != "m1" || s.Meta.Version != 16 {
		t.Fatalf("expected m1 active at 16, got %q at %d", s.Combat.ActiveEntity, s.Meta.Version)
	}
}

func TestRuleDenialWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	id := seededFight(t, env)
	_, err := env.Engine.AppendEvents(env.Ctx, id, request(8,
		domain.ZoneAdded{ZoneID: "z", Name: "z"},
		domain.TurnEnded{EntityID: "m1"},
	))
	var de *domain.Error
	if !errors.As(err, &de) || de.Code != domain.CodeValidation || de.Reason != "NOT_YOUR_TURN" {
		t.Fatalf("expected NOT_YOUR_TURN denial, got %v", err)
	}
	if s, _ := env.Engine.GetState(env.Ctx, id); s.Meta.Version != 8 {
		t.Fatalf("expected version 8 after denial, got %d", s.Meta.Version)
	}

	_, err = env.Engine.AppendEvents(env.Ctx, id, request(8, domain.AdvanceTurn{ActorEntityID: "e1"}))
	if !errors.As(err, &de) || de.Reason != "WRONG_PHASE" {
		t.Fatalf("expected WRONG_PHASE before acting, got %v", err)
	}
}

func TestKillingTheLastEnemyEndsCombat(t *testing.T) {
	env := newTestEnv(t)
	id := seededFight(t, env)
	s := env.append(t, id, 8,
		domain.DamageApplied{EntityID: "m1", Amount: 18},
		domain.ActionProposed{ActorEntityID: "e1", ActionType: domain.ActionAttack, TargetEntityID: "m1"},
	)
	if s.Combat.Active || s.Entities["m1"].HP != 0 {
		t.Fatalf("expected combat over with m1 down, got %+v", s.Combat)
	}
	rows, err := env.Engine.GetEvents(env.Ctx, id, 15, 15)
	if err != nil || len(rows) != 1 || rows[0].EventType != domain.EventCombatEnded {
		t.Fatalf("expected COMBAT_ENDED at 15, got %+v %v", rows, err)
	}
	var ended domain.CombatEnded
	if err := json.Unmarshal(rows[0].EventPayload, &ended); err != nil || ended.WinningFactionID != "e1" {
		t.Fatalf("expected e1 to win, got %+v %v", ended, err)
	}

	v, err := env.Engine.Verify(env.Ctx, id)
	if err != nil || v.SnapshotVersion != 15 || !v.OK {
		t.Fatalf("expected key-event snapshot at 15, got %+v %v", v, err)
	}
}

func TestDeadActiveEntityIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t)
	env.append(t, id, 1,
		domain.EntityAdded{EntityID: "e1", Name: "e1", HP: 10, FactionID: "heroes"},
		domain.EntityAdded{EntityID: "e2", Name: "e2", HP: 10, FactionID: "heroes"},
		domain.EntityAdded{EntityID: "m1", Name: "m1", HP: 10, FactionID: "monsters"},
		domain.ModeSet{Mode: domain.ModeCombat},
		domain.CombatStarted{ParticipantIDs: []string{"e1", "e2", "m1"}},
		domain.InitiativeSet{Entries: []domain.InitiativeEntry{
			{EntityID: "e1", Total: 15, Source: domain.SourceHumanDeclared},
			{EntityID: "m1", Total: 10, Source: domain.SourceHumanDeclared},
			{EntityID: "e2", Total: 5, Source: domain.SourceHumanDeclared},
		}},
	)
	s := env.append(t, id, 8, domain.DamageApplied{EntityID: "e1", Amount: 10})
	if s.Combat.ActiveEntity != "m1" || !s.Combat.Active {
		t.Fatalf("expected m1 to take over, got %+v", s.Combat)
	}
	got := env.eventTypes(t, id, 9)
	if !sameTypes(got, domain.EventDamageApplied, domain.EventTurnEnded, domain.EventTurnStarted) {
		t.Fatalf("unexpected events: %v", got)
	}
	rows, _ := env.Engine.GetEvents(env.Ctx, id, 10, 10)
	var ended domain.TurnEnded
	if err := json.Unmarshal(rows[0].EventPayload, &ended); err != nil || ended.Reason != "SKIP_DEAD" {
		t.Fatalf("expected SKIP_DEAD, got %+v %v", ended, err)
	}
}

func TestDeathAfterPassHandsTurnOn(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t)
	env.append(t, id, 1,
		domain.EntityAdded{EntityID: "e1", Name: "e1", HP: 10, FactionID: "heroes"},
		domain.EntityAdded{EntityID: "e2", Name: "e2", HP: 10, FactionID: "heroes"},
		domain.EntityAdded{EntityID: "m1", Name: "m1", HP: 10, FactionID: "monsters"},
		domain.ModeSet{Mode: domain.ModeCombat},
		domain.CombatStarted{ParticipantIDs: []string{"e1", "e2", "m1"}},
		domain.InitiativeSet{Entries: []domain.InitiativeEntry{
			{EntityID: "e1", Total: 15, Source: domain.SourceHumanDeclared},
			{EntityID: "m1", Total: 10, Source: domain.SourceHumanDeclared},
			{EntityID: "e2", Total: 5, Source: domain.SourceHumanDeclared},
		}},
	)
	s := env.append(t, id, 8, domain.ActionProposed{ActorEntityID: "e1", ActionType: domain.ActionPass})
	if s.Meta.Version != 10 || s.Combat.Phase.Normalize() != domain.PhaseEnd || s.Combat.ActiveEntity != "e1" {
		t.Fatalf("expected e1 to sit in END at v10, got v%d %+v", s.Meta.Version, s.Combat)
	}

	s = env.append(t, id, 10, domain.DamageApplied{EntityID: "e1", Amount: 50})
	if s.Combat.ActiveEntity != "m1" || !s.Combat.Active {
		t.Fatalf("expected m1 to take over, got %+v", s.Combat)
	}
	if got := env.eventTypes(t, id, 11); !sameTypes(got, domain.EventDamageApplied, domain.EventTurnStarted) {
		t.Fatalf("unexpected events: %v", got)
	}
}

func aiFight(t *testing.T, env testEnv) string {
	t.Helper()
	id := env.create(t)
	env.append(t, id, 1,
		domain.RngSeeded{Seed: 12345},
		domain.EntityAdded{EntityID: "e1", Name: "Hero", HP: 10},
		domain.EntityAdded{EntityID: "ai", Name: "Goblin", HP: 7},
		domain.ModeSet{Mode: domain.ModeCombat},
		domain.CombatStarted{ParticipantIDs: []string{"e1", "ai"}},
		domain.ActionProposed{ActorEntityID: "ai", ActionType: domain.ActionRollInitiative},
	)
	return id
}

func TestAIInitiativeMustMatchItsRoll(t *testing.T) {
	env := newTestEnv(t)
	id := aiFight(t, env)
	if got := env.eventTypes(t, id, 7); !sameTypes(got, domain.EventActionProposed, domain.EventInitiativeRolled) {
		t.Fatalf("unexpected roll events: %v", got)
	}

	set := func(aiTotal int) domain.InitiativeSet {
		return domain.InitiativeSet{Entries: []domain.InitiativeEntry{
			{EntityID: "ai", Total: aiTotal, Source: domain.SourceAIRoll},
			{EntityID: "e1", Total: 12, Source: domain.SourceHumanDeclared},
		}}
	}
	_, err := env.Engine.AppendEvents(env.Ctx, id, request(8, set(19)))
	if !errors.Is(err, domain.ErrValidation) || err.Error() != "AI initiative total mismatch" {
		t.Fatalf("expected total mismatch, got %v", err)
	}

	var smuggled engine.AppendRequest
	doc := `{"expected_version":8,"events":[{"type":"INITIATIVE_SET","payload":{"entries":[
		{"entityId":"ai","total":20,"source":"AI_ROLL","rng_cursor_after":1},
		{"entityId":"e1","total":12,"source":"HUMAN_DECLARED"}]}}]}`
	if err := json.Unmarshal([]byte(doc), &smuggled); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if _, err := env.Engine.AppendEvents(env.Ctx, id, smuggled); err == nil || err.Error() != "initiative entry must not include rng fields" {
		t.Fatalf("expected rng field rejection, got %v", err)
	}

	s := env.append(t, id, 8, set(20))
	if s.Combat.ActiveEntity != "ai" || s.Combat.Phase != domain.PhaseActionWindow {
		t.Fatalf("expected ai to open the round, got %+v", s.Combat)
	}
}

func TestSnapshotPolicy(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.SnapshotEvery = 3
	id := env.create(t)
	env.append(t, id, 1, domain.ZoneAdded{ZoneID: "a", Name: "a"}, domain.ZoneAdded{ZoneID: "b", Name: "b"})
	env.append(t, id, 3, domain.ZoneAdded{ZoneID: "c", Name: "c"})

	v, err := env.Engine.Verify(env.Ctx, id)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if v.SnapshotVersion != 3 || v.Version != 4 || !v.OK {
		t.Fatalf("expected snapshot at 3 and state at 4, got %+v", v)
	}
}

func TestReplayMatchesState(t *testing.T) {
	env := newTestEnv(t)
	id := seededFight(t, env)
	env.append(t, id, 8, domain.ActionProposed{ActorEntityID: "e1", ActionType: domain.ActionAttack, TargetEntityID: "m1"})

	state, err := env.Engine.GetState(env.Ctx, id)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	full, err := env.Engine.Replay(env.Ctx, id, 0, 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	a, _ := json.Marshal(state)
	b, _ := json.Marshal(full.State)
	if string(a) != string(b) {
		t.Fatalf("replay diverged from state:\n%s\n%s", a, b)
	}
	if full.From != nil || full.Count != 13 || full.BaseVersion != 0 {
		t.Fatalf("unexpected replay envelope: %+v", full)
	}

	part, err := env.Engine.Replay(env.Ctx, id, 9, 10)
	if err != nil {
		t.Fatalf("partial replay: %v", err)
	}
	if part.BaseVersion != 8 || part.Count != 2 || part.State.Meta.Version != 10 {
		t.Fatalf("unexpected partial replay: base=%d count=%d version=%d", part.BaseVersion, part.Count, part.State.Meta.Version)
	}
	if _, err := env.Engine.Replay(env.Ctx, id, 5, 2); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected invalid range, got %v", err)
	}
}

type recordingPublisher struct {
	mu   sync.Mutex
	seen []domain.PersistedEvent
}

func (p *recordingPublisher) Publish(_ string, evs []domain.PersistedEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, evs...)
}

func TestPublisherSeesCommittedEventsOnly(t *testing.T) {
	env := newTestEnv(t)
	pub := &recordingPublisher{}
	env.Engine.Publisher = pub
	id := env.create(t)
	env.append(t, id, 1, domain.ZoneAdded{ZoneID: "a", Name: "a"})
	_, _ = env.Engine.AppendEvents(env.Ctx, id, request(2, domain.DamageApplied{EntityID: "ghost", Amount: 1}))

	if len(pub.seen) != 2 || pub.seen[1].Version != 2 {
		t.Fatalf("unexpected published events: %+v", pub.seen)
	}
}

// barrierStore holds every AppendEvents call until n callers have reached it.
type barrierStore struct {
	repo.Store
	arrive sync.WaitGroup
}

func (b *barrierStore) WithTx(ctx context.Context, fn func(repo.Tx) error) error {
	return b.Store.WithTx(ctx, func(tx repo.Tx) error {
		return fn(barrierTx{Tx: tx, b: b})
	})
}

type barrierTx struct {
	repo.Tx
	b *barrierStore
}

func (t barrierTx) AppendEvents(ctx context.Context, id string, expected int, evs []domain.Event) ([]domain.PersistedEvent, error) {
	rows, err := t.Tx.AppendEvents(ctx, id, expected, evs)
	t.b.arrive.Done()
	t.b.arrive.Wait()
	return rows, err
}

func TestConcurrentWritersOneWins(t *testing.T) {
	mem := repo.NewMemory()
	mem.Now = fixedNow
	raceAppends(t, mem)
}

func TestConcurrentSQLiteWritersOneWins(t *testing.T) {
	raceAppends(t, openRepo(t))
}

// raceAppends lets two appends read version 1 before either commits and checks that
// exactly one of them lands while the other reports a conflict.
func raceAppends(t *testing.T, base repo.Store) {
	t.Helper()
	setup := newEnvWithStore(base)
	id := setup.create(t)

	store := &barrierStore{Store: base}
	store.arrive.Add(2)
	env := newEnvWithStore(store)

	errs := make(chan error, 2)
	for _, zone := range []string{"a", "b"} {
		go func(zone string) {
			_, err := env.Engine.AppendEvents(env.Ctx, id, request(1, domain.ZoneAdded{ZoneID: zone, Name: zone}))
			errs <- err
		}(zone)
	}
	var failures []error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) != 1 || !errors.Is(failures[0], domain.ErrConflict) {
		t.Fatalf("expected exactly one conflict, got %v", failures)
	}
	s, err := setup.Engine.GetState(setup.Ctx, id)
	if err != nil || s.Meta.Version != 2 || len(s.Map.Zones) != 1 {
		t.Fatalf("expected a single winning zone at version 2, got %+v %v", s.Map.Zones, err)
	}
}
