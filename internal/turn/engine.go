// Package turn derives the events that move a combat from one turn to the next.
package turn

import (
	"skirmish/internal/domain"
	"skirmish/internal/reducer"
)

// ReasonSkipDead marks a TURN_ENDED synthesized because the active entity was already dead.
const ReasonSkipDead = "SKIP_DEAD"

// Recorder is the slice of the append pipeline the turn engine writes through.
// Record validates ev against Snapshot, assigns its version, applies it and queues it
// for persistence. It does not run any cascade of its own.
type Recorder interface {
	Snapshot() domain.Snapshot
	Record(ev domain.Event) error
}

// AdvanceTurn returns the events that follow an accepted ADVANCE_TURN: the closing
// TURN_ENDED (skipped when the turn already ended), then either the next TURN_STARTED or
// COMBAT_ENDED.
func AdvanceTurn(s domain.Snapshot, advance domain.AdvanceTurn) ([]domain.Event, error) {
	c := s.Combat
	if !c.Active {
		return nil, domain.Validationf("ADVANCE_TURN requires active combat")
	}
	if len(c.Initiative) == 0 {
		return nil, domain.Validationf("ADVANCE_TURN requires initiative order")
	}
	if c.ActiveEntity == "" {
		return nil, domain.Validationf("ADVANCE_TURN requires active_entity")
	}

	var out []domain.Event
	if c.Phase.Normalize() != domain.PhaseEnd {
		out = append(out, turnEnded(c, advance.Reason))
	}
	if over, winner := reducer.IsCombatOver(s); over {
		return append(out, combatEnded(winner)), nil
	}
	next, ok := nextLiving(s)
	if !ok {
		return append(out, combatEnded("")), nil
	}
	return append(out, next), nil
}

// SkipDeadEvents returns the events that pass the turn on from a dead active entity.
// The SKIP_DEAD TURN_ENDED is left out when the turn already reached END.
func SkipDeadEvents(s domain.Snapshot) []domain.Event {
	c := s.Combat
	if !c.Active || c.ActiveEntity == "" {
		return nil
	}
	var out []domain.Event
	if c.Phase.Normalize() != domain.PhaseEnd {
		out = append(out, turnEnded(c, ReasonSkipDead))
	}
	over, winner := reducer.IsCombatOver(s)
	if len(c.Initiative) == 0 || over {
		return append(out, combatEnded(winner))
	}
	next, ok := nextLiving(s)
	if !ok {
		return append(out, combatEnded(winner))
	}
	return append(out, next)
}

// AutoSkipDead keeps ending turns while the active entity is dead. It makes at most
// len(initiative)+1 passes so a ring of corpses cannot spin forever.
func AutoSkipDead(rec Recorder) error {
	limit := len(rec.Snapshot().Combat.Initiative) + 1
	for pass := 0; pass < limit; pass++ {
		s := rec.Snapshot()
		if s.Mode != domain.ModeCombat || !s.Combat.Active || s.Combat.ActiveEntity == "" {
			return nil
		}
		active, ok := s.Entity(s.Combat.ActiveEntity)
		if !ok || active.Alive() {
			return nil
		}
		derived := SkipDeadEvents(s)
		if len(derived) == 0 {
			return nil
		}
		for _, ev := range derived {
			if err := rec.Record(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// AutoEndCombat records COMBAT_ENDED once at most one faction is still standing.
// It leaves a dead active entity to AutoSkipDead.
func AutoEndCombat(rec Recorder) error {
	s := rec.Snapshot()
	if s.Mode != domain.ModeCombat || !s.Combat.Active || len(s.Combat.Initiative) == 0 {
		return nil
	}
	if active, ok := s.Entity(s.Combat.ActiveEntity); ok && !active.Alive() {
		return nil
	}
	over, winner := reducer.IsCombatOver(s)
	if !over {
		return nil
	}
	return rec.Record(combatEnded(winner))
}

// nextLiving walks the initiative ring once from cursor+1 and returns the TURN_STARTED
// for the first living entrant. Landing before the cursor starts a new round.
func nextLiving(s domain.Snapshot) (domain.Event, bool) {
	c := s.Combat
	n := len(c.Initiative)
	for step := 1; step <= n; step++ {
		i := (c.Cursor + step) % n
		e, ok := s.Entities[c.Initiative[i]]
		if !ok || !e.Alive() {
			continue
		}
		round := c.Round
		if i < c.Cursor {
			round++
		}
		return domain.Event{Payload: domain.TurnStarted{EntityID: e.ID, Round: &round}}, true
	}
	return domain.Event{}, false
}

func turnEnded(c domain.CombatState, reason string) domain.Event {
	round, cursor := c.Round, c.Cursor
	return domain.Event{Payload: domain.TurnEnded{
		EntityID: c.ActiveEntity,
		Reason:   reason,
		Round:    &round,
		Cursor:   &cursor,
	}}
}

func combatEnded(winner string) domain.Event {
	return domain.Event{Payload: domain.CombatEnded{WinningFactionID: winner}}
}
