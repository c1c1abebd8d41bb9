// Package action turns an ACTION_PROPOSED into the events that resolve it.
package action

import (
	"skirmish/internal/dice"
	"skirmish/internal/domain"
)

const (
	ContextToHit  = "ATTACK_TO_HIT"
	ContextDamage = "DAMAGE"
)

// Resolve returns the events produced by the proposal in ev, rolled against the
// session's seeded generator at its current cursor. s must already include ev.
func Resolve(s domain.Snapshot, ev domain.Event) ([]domain.Event, error) {
	p, ok := ev.Payload.(domain.ActionProposed)
	if !ok {
		return nil, domain.DomainErrorf("expected ACTION_PROPOSED, got %s", ev.Type())
	}
	actor, ok := s.Entity(p.ActorEntityID)
	if !ok {
		return nil, domain.DomainErrorf("actor not found: %s", p.ActorEntityID)
	}
	var proposed *int
	if ev.Versioned() {
		v := ev.Version
		proposed = &v
	}
	resolved := domain.ActionResolved{
		ProposedEventVersion: proposed,
		ActorEntityID:        actor.ID,
		ActionType:           p.ActionType,
		Outcomes:             []domain.ActionOutcome{},
	}

	switch p.ActionType {
	case domain.ActionMove:
		if p.Destination == nil {
			return nil, domain.DomainErrorf("destination is required for MOVE")
		}
		to := *p.Destination
		resolved.Outcomes = []domain.ActionOutcome{{Type: domain.OutcomeMoveApplied, EntityID: actor.ID, To: &to}}
		return []domain.Event{{Payload: resolved}}, nil

	case domain.ActionAttack:
		if p.TargetEntityID == "" {
			return nil, domain.DomainErrorf("targetEntityId is required for ATTACK")
		}
		target, ok := s.Entity(p.TargetEntityID)
		if !ok {
			return nil, domain.DomainErrorf("target not found: %s", p.TargetEntityID)
		}
		out, summary := attack(s.Rng, actor, target)
		resolved.Summary = &summary
		return append(out, domain.Event{Payload: resolved}), nil

	case domain.ActionPass:
		return []domain.Event{{Payload: resolved}}, nil

	case domain.ActionRollInitiative:
		return []domain.Event{{Payload: rollInitiative(s.Rng, actor)}}, nil

	default:
		return nil, domain.DomainErrorf("unknown action type: %s", p.ActionType)
	}
}

func attack(rng domain.RngState, attacker, target domain.EntityState) ([]domain.Event, domain.ActionSummary) {
	mod := dice.AbilityMod(attackScore(attacker))
	pb := 0
	if attacker.Proficient {
		pb = dice.ProficiencyBonus(attacker.Level)
	}
	toHit := dice.Do(dice.RollParams{
		Seed:      rng.Seed,
		Cursor:    rng.Cursor,
		Sides:     20,
		Count:     1,
		Modifiers: []int{mod, pb},
		Context:   ContextToHit,
		ActorID:   attacker.ID,
		TargetID:  target.ID,
	})
	out := []domain.Event{{Payload: rollResolved(toHit)}}
	summary := domain.ActionSummary{TargetEntityID: target.ID}
	if toHit.Total < target.ArmorClass() {
		return out, summary
	}

	damageMods := []int{}
	if mod != 0 {
		damageMods = []int{mod}
	}
	weapon := attacker.WeaponDamage
	if weapon.Count <= 0 || weapon.Sides < 2 {
		weapon = domain.WeaponDamage{Count: 1, Sides: 4}
	}
	damage := dice.Do(dice.RollParams{
		Seed:      rng.Seed,
		Cursor:    toHit.RngCursorAfter,
		Sides:     weapon.Sides,
		Count:     weapon.Count,
		Modifiers: damageMods,
		Context:   ContextDamage,
		ActorID:   attacker.ID,
		TargetID:  target.ID,
	})
	out = append(out, domain.Event{Payload: rollResolved(damage)})
	summary.Hit = true
	// A penalty can cancel the dice entirely; a hit never heals.
	if damage.Total > 0 {
		out = append(out, domain.Event{Payload: domain.DamageApplied{EntityID: target.ID, Amount: damage.Total}})
		summary.DamageTotal = damage.Total
	}
	return out, summary
}

func attackScore(e domain.EntityState) int {
	if e.AttackAbility == domain.AbilityDex {
		return e.Dex
	}
	return e.Str
}

func rollInitiative(rng domain.RngState, actor domain.EntityState) domain.InitiativeRolled {
	r := dice.Do(dice.RollParams{
		Seed:      rng.Seed,
		Cursor:    rng.Cursor,
		Sides:     20,
		Count:     1,
		Modifiers: []int{dice.AbilityMod(actor.Dex)},
		Context:   domain.ContextInitiative,
		ActorID:   actor.ID,
	})
	return domain.InitiativeRolled{
		EntityID: actor.ID,
		Roll: domain.InitiativeRoll{
			Sides:     r.Sides,
			Count:     r.Count,
			Dice:      r.Dice,
			Modifiers: r.Modifiers,
			Total:     r.Total,
		},
		RngCursorBefore: r.RngCursorBefore,
		RngCursorAfter:  r.RngCursorAfter,
		Context:         domain.ContextInitiative,
	}
}

func rollResolved(r dice.Roll) domain.RollResolved {
	return domain.RollResolved{
		RollID:          r.RollID,
		Context:         r.Context,
		ActorID:         r.ActorID,
		TargetID:        r.TargetID,
		Sides:           r.Sides,
		Count:           r.Count,
		Dice:            r.Dice,
		Modifiers:       r.Modifiers,
		Total:           r.Total,
		RngCursorBefore: r.RngCursorBefore,
		RngCursorAfter:  r.RngCursorAfter,
	}
}
