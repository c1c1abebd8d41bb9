package engine

import (
	"skirmish/internal/action"
	"skirmish/internal/domain"
	"skirmish/internal/reducer"
	"skirmish/internal/turn"
)

// pipeline accumulates the events of one append. Every event it records is validated
// against the running state, stamped with the version the store will assign and applied.
type pipeline struct {
	snap       domain.Snapshot
	base       int
	pending    []domain.Event
	aiID       string
	lastAIRoll *domain.InitiativeRolled
}

var _ turn.Recorder = (*pipeline)(nil)

func newPipeline(s domain.Snapshot, aiID string) *pipeline {
	return &pipeline{snap: s, base: s.Meta.Version, aiID: aiID}
}

func (p *pipeline) Snapshot() domain.Snapshot { return p.snap }

func (p *pipeline) Record(ev domain.Event) error {
	ev.Version = 0
	if err := reducer.Validate(p.snap, ev); err != nil {
		return err
	}
	ev.Version = p.base + len(p.pending) + 1
	p.snap = reducer.Apply(p.snap, ev)
	p.pending = append(p.pending, ev)
	if r, ok := ev.Payload.(domain.InitiativeRolled); ok && r.EntityID == p.aiID {
		p.lastAIRoll = &r
	}
	return nil
}

// record is Record followed by the turn cascades that every TURN_STARTED triggers.
func (p *pipeline) record(evs ...domain.Event) error {
	for _, ev := range evs {
		if err := p.Record(ev); err != nil {
			return err
		}
		if ev.Type() == domain.EventTurnStarted {
			if err := p.settle(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *pipeline) settle() error {
	if err := turn.AutoSkipDead(p); err != nil {
		return err
	}
	return turn.AutoEndCombat(p)
}

func (p *pipeline) last() domain.Event { return p.pending[len(p.pending)-1] }

// accept records one incoming event along with everything it derives.
func (p *pipeline) accept(ev domain.Event) error {
	if set, ok := ev.Payload.(domain.InitiativeSet); ok {
		if err := p.checkInitiativeSet(set); err != nil {
			return err
		}
	}
	if err := p.record(ev); err != nil {
		return err
	}
	recorded := p.last()

	switch payload := recorded.Payload.(type) {
	case domain.AdvanceTurn:
		derived, err := turn.AdvanceTurn(p.snap, payload)
		if err != nil {
			return err
		}
		if err := p.record(derived...); err != nil {
			return err
		}
	case domain.ActionProposed:
		derived, err := action.Resolve(p.snap, recorded)
		if err != nil {
			return err
		}
		if err := p.record(derived...); err != nil {
			return err
		}
	case domain.InitiativeSet:
		if active := p.snap.Combat.ActiveEntity; active != "" {
			round := p.snap.Combat.Round
			if err := p.record(domain.Event{Payload: domain.TurnStarted{EntityID: active, Round: &round}}); err != nil {
				return err
			}
		}
	}
	return p.settle()
}

// checkInitiativeSet keeps clients from declaring an AI initiative other than the one it
// rolled, and from passing roll data through the entries.
func (p *pipeline) checkInitiativeSet(set domain.InitiativeSet) error {
	_, aiPresent := p.snap.Entity(p.aiID)
	if !aiPresent && p.lastAIRoll == nil {
		return nil
	}
	if p.lastAIRoll == nil {
		return domain.Validationf("missing AI initiative roll")
	}
	hasAI := false
	for _, e := range set.Entries {
		if len(e.RngFields) > 0 {
			return domain.Validationf("initiative entry must not include rng fields")
		}
		if e.EntityID != p.aiID {
			if e.Source != domain.SourceHumanDeclared {
				return domain.Validationf("human initiative entry must have source HUMAN_DECLARED")
			}
			continue
		}
		hasAI = true
		if e.Source != domain.SourceAIRoll {
			return domain.Validationf("AI initiative entry must have source AI_ROLL")
		}
		if e.Total != p.lastAIRoll.Roll.Total {
			return domain.Validationf("AI initiative total mismatch")
		}
	}
	if !hasAI {
		return domain.Validationf("AI initiative entry missing")
	}
	return nil
}

func lastAIRoll(evs []domain.Event, aiID string) *domain.InitiativeRolled {
	for i := len(evs) - 1; i >= 0; i-- {
		if r, ok := evs[i].Payload.(domain.InitiativeRolled); ok && r.EntityID == aiID {
			return &r
		}
	}
	return nil
}

func setsInitiative(evs []domain.Event) bool {
	for _, ev := range evs {
		if ev.Type() == domain.EventInitiativeSet {
			return true
		}
	}
	return false
}
