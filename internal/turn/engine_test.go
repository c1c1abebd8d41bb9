package turn

import (
	"testing"
	"time"

	"skirmish/internal/domain"
	"skirmish/internal/reducer"
)

type memRecorder struct {
	s        domain.Snapshot
	recorded []domain.Event
}

func (m *memRecorder) Snapshot() domain.Snapshot { return m.s }

func (m *memRecorder) Record(ev domain.Event) error {
	if err := reducer.Validate(m.s, ev); err != nil {
		return err
	}
	ev.Version = m.s.Meta.Version + 1
	m.s = reducer.Apply(m.s, ev)
	m.recorded = append(m.recorded, ev)
	return nil
}

func (m *memRecorder) types() []domain.EventType {
	out := make([]domain.EventType, len(m.recorded))
	for i, ev := range m.recorded {
		out[i] = ev.Type()
	}
	return out
}

func fight(t *testing.T) domain.Snapshot {
	t.Helper()
	s := domain.MakeInitialSnapshot("s1", "5e", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	evs := []domain.Event{{Payload: domain.SessionCreated{Ruleset: "5e"}}}
	for _, e := range []struct{ id, faction string }{{"A", "red"}, {"B", "blue"}, {"C", "blue"}} {
		evs = append(evs, domain.Event{Payload: domain.EntityAdded{EntityID: e.id, Name: e.id, HP: 8, FactionID: e.faction}})
	}
	evs = append(evs,
		domain.Event{Payload: domain.ModeSet{Mode: domain.ModeCombat}},
		domain.Event{Payload: domain.CombatStarted{ParticipantIDs: []string{"A", "B", "C"}}},
		domain.Event{Payload: domain.InitiativeSet{Entries: []domain.InitiativeEntry{
			{EntityID: "A", Total: 20, Source: domain.SourceHumanDeclared},
			{EntityID: "B", Total: 15, Source: domain.SourceHumanDeclared},
			{EntityID: "C", Total: 10, Source: domain.SourceHumanDeclared},
		}}},
		domain.Event{Payload: domain.TurnStarted{EntityID: "A", Round: ptr(1)}},
	)
	s, err := reducer.Reduce(s, evs)
	if err != nil {
		t.Fatalf("build fight: %v", err)
	}
	return s
}

func ptr[T any](v T) *T { return &v }

func kill(t *testing.T, s domain.Snapshot, id string) domain.Snapshot {
	t.Helper()
	s, err := reducer.Reduce(s, []domain.Event{{Payload: domain.DamageApplied{EntityID: id, Amount: 100}}})
	if err != nil {
		t.Fatalf("kill %s: %v", id, err)
	}
	return s
}

func turnStarted(t *testing.T, ev domain.Event) domain.TurnStarted {
	t.Helper()
	p, ok := ev.Payload.(domain.TurnStarted)
	if !ok {
		t.Fatalf("expected TURN_STARTED, got %s", ev.Type())
	}
	return p
}

func TestAdvanceTurnMovesToNextEntrant(t *testing.T) {
	s := fight(t)
	evs, err := AdvanceTurn(s, domain.AdvanceTurn{ActorEntityID: "A"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if len(evs) != 2 || evs[0].Type() != domain.EventTurnEnded {
		t.Fatalf("expected TURN_ENDED then TURN_STARTED, got %d events", len(evs))
	}
	ended := evs[0].Payload.(domain.TurnEnded)
	if ended.EntityID != "A" || *ended.Round != 1 || *ended.Cursor != 0 {
		t.Fatalf("unexpected TURN_ENDED: %+v", ended)
	}
	next := turnStarted(t, evs[1])
	if next.EntityID != "B" || *next.Round != 1 {
		t.Fatalf("expected B in round 1, got %s round %d", next.EntityID, *next.Round)
	}
}

func TestAdvanceTurnWrapsRoundAndSkipsDead(t *testing.T) {
	s := fight(t)
	s.Combat.Cursor = 1
	s.Combat.ActiveEntity = "B"
	s = kill(t, s, "C")

	evs, err := AdvanceTurn(s, domain.AdvanceTurn{ActorEntityID: "B"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	next := turnStarted(t, evs[len(evs)-1])
	if next.EntityID != "A" || *next.Round != 2 {
		t.Fatalf("expected A in round 2, got %s round %d", next.EntityID, *next.Round)
	}
}

func TestAdvanceTurnOmitsTurnEndedAfterEnd(t *testing.T) {
	s := fight(t)
	s.Combat.Phase = domain.PhaseEnd
	evs, err := AdvanceTurn(s, domain.AdvanceTurn{ActorEntityID: "A"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if len(evs) != 1 || evs[0].Type() != domain.EventTurnStarted {
		t.Fatalf("expected a lone TURN_STARTED, got %d events", len(evs))
	}
}

func TestAdvanceTurnEndsCombatWhenOneFactionLeft(t *testing.T) {
	s := fight(t)
	s = kill(t, s, "B")
	s = kill(t, s, "C")
	evs, err := AdvanceTurn(s, domain.AdvanceTurn{ActorEntityID: "A"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	last, ok := evs[len(evs)-1].Payload.(domain.CombatEnded)
	if !ok || last.WinningFactionID != "red" {
		t.Fatalf("expected COMBAT_ENDED for red, got %+v", evs[len(evs)-1])
	}
}

func TestAdvanceTurnRequiresActiveCombat(t *testing.T) {
	s := fight(t)
	s.Combat.Active = false
	if _, err := AdvanceTurn(s, domain.AdvanceTurn{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestAutoSkipDeadPassesTurn(t *testing.T) {
	s := kill(t, fight(t), "A")
	s.Entities["C"] = withFaction(s.Entities["C"], "green")
	rec := &memRecorder{s: s}
	if err := AutoSkipDead(rec); err != nil {
		t.Fatalf("auto skip: %v", err)
	}
	got := rec.types()
	if len(got) != 2 || got[0] != domain.EventTurnEnded || got[1] != domain.EventTurnStarted {
		t.Fatalf("unexpected events: %v", got)
	}
	if reason := rec.recorded[0].Payload.(domain.TurnEnded).Reason; reason != ReasonSkipDead {
		t.Fatalf("expected SKIP_DEAD, got %q", reason)
	}
	if rec.s.Combat.ActiveEntity != "B" {
		t.Fatalf("expected B active, got %q", rec.s.Combat.ActiveEntity)
	}
}

func TestAutoSkipDeadEndsCombatWithOneFactionLeft(t *testing.T) {
	s := kill(t, kill(t, fight(t), "A"), "B")
	rec := &memRecorder{s: s}
	if err := AutoSkipDead(rec); err != nil {
		t.Fatalf("auto skip: %v", err)
	}
	got := rec.types()
	if got[len(got)-1] != domain.EventCombatEnded {
		t.Fatalf("expected combat to end with one faction left, got %v", got)
	}
	if rec.s.Combat.Active {
		t.Fatalf("expected combat inactive")
	}
}

func withFaction(e domain.EntityState, faction string) domain.EntityState {
	e.FactionID = faction
	return e
}

func TestAutoSkipDeadNoopWhenActiveAlive(t *testing.T) {
	rec := &memRecorder{s: fight(t)}
	if err := AutoSkipDead(rec); err != nil {
		t.Fatalf("auto skip: %v", err)
	}
	if len(rec.recorded) != 0 {
		t.Fatalf("expected no events, got %v", rec.types())
	}
}

func TestAutoEndCombat(t *testing.T) {
	rec := &memRecorder{s: fight(t)}
	if err := AutoEndCombat(rec); err != nil {
		t.Fatalf("auto end: %v", err)
	}
	if len(rec.recorded) != 0 {
		t.Fatalf("expected fight to continue, got %v", rec.types())
	}

	rec.s = kill(t, kill(t, rec.s, "B"), "C")
	if err := AutoEndCombat(rec); err != nil {
		t.Fatalf("auto end: %v", err)
	}
	if len(rec.recorded) != 1 || rec.recorded[0].Payload.(domain.CombatEnded).WinningFactionID != "red" {
		t.Fatalf("expected COMBAT_ENDED for red, got %v", rec.types())
	}
	if rec.s.Combat.Phase != domain.PhaseEnd || rec.s.Combat.ActiveEntity != "" {
		t.Fatalf("unexpected combat after end: %+v", rec.s.Combat)
	}
}

func TestAutoSkipDeadSkipsTurnEndedInEndPhase(t *testing.T) {
	s := fight(t)
	s.Combat.Phase = domain.PhaseEnd
	s = kill(t, s, "A")
	s.Entities["C"] = withFaction(s.Entities["C"], "green")
	rec := &memRecorder{s: s}
	if err := AutoSkipDead(rec); err != nil {
		t.Fatalf("auto skip: %v", err)
	}
	got := rec.types()
	if len(got) != 1 || got[0] != domain.EventTurnStarted {
		t.Fatalf("expected a lone TURN_STARTED, got %v", got)
	}
	if rec.s.Combat.ActiveEntity != "B" {
		t.Fatalf("expected B active, got %q", rec.s.Combat.ActiveEntity)
	}
}

// stuckRecorder accepts every event but never changes state, so the active entity
// stays dead forever.
type stuckRecorder struct {
	s        domain.Snapshot
	recorded int
}

func (r *stuckRecorder) Snapshot() domain.Snapshot { return r.s }

func (r *stuckRecorder) Record(domain.Event) error {
	r.recorded++
	return nil
}

func TestAutoSkipDeadIsBoundedByInitiative(t *testing.T) {
	s := kill(t, fight(t), "A")
	s.Entities["C"] = withFaction(s.Entities["C"], "green")
	rec := &stuckRecorder{s: s}
	if err := AutoSkipDead(rec); err != nil {
		t.Fatalf("auto skip: %v", err)
	}
	perPass := len(SkipDeadEvents(s))
	passes := len(s.Combat.Initiative) + 1
	if rec.recorded != passes*perPass {
		t.Fatalf("expected %d passes of %d events, got %d events", passes, perPass, rec.recorded)
	}
}
