package reducer

import (
	"skirmish/internal/domain"
)

// Validate checks the pre-conditions of ev against s. It never mutates s.
// Unversioned events are fresh client input and get the strict rules; versioned
// events come from the store and are allowed their legacy shapes.
func Validate(s domain.Snapshot, ev domain.Event) error {
	if ev.Payload == nil {
		return domain.Validationf("event payload is required")
	}
	return ev.Payload.Accept(validator{s: s, versioned: ev.Versioned()})
}

type validator struct {
	s         domain.Snapshot
	versioned bool
}

func (v validator) hasEntity(id string) bool {
	_, ok := v.s.Entity(id)
	return ok
}

func (v validator) hasZone(id string) bool {
	_, ok := v.s.Map.Zones[id]
	return ok
}

func (v validator) SessionCreated(p domain.SessionCreated) error {
	if v.s.Meta.Version != 0 {
		return domain.Validationf("SESSION_CREATED only allowed on version 0")
	}
	if p.Ruleset == "" {
		return domain.Validationf("ruleset is required")
	}
	return nil
}

func (v validator) RngSeeded(domain.RngSeeded) error {
	return nil
}

func (v validator) RollResolved(p domain.RollResolved) error {
	if p.RollID == "" {
		return domain.Validationf("roll_id is required")
	}
	if p.Context == "" {
		return domain.Validationf("context is required")
	}
	if p.ActorID != "" && !v.hasEntity(p.ActorID) {
		return domain.Validationf("actor not found: %s", p.ActorID)
	}
	if p.TargetID != "" && !v.hasEntity(p.TargetID) {
		return domain.Validationf("target not found: %s", p.TargetID)
	}
	if p.Sides < 2 {
		return domain.Validationf("sides must be >= 2")
	}
	if p.Count <= 0 {
		return domain.Validationf("count must be > 0")
	}
	return v.checkRoll("", p.Sides, p.Count, p.Dice, p.Modifiers, p.Total, p.RngCursorBefore, p.RngCursorAfter)
}

// checkRoll enforces the dice, total and rng cursor invariants shared by every roll event.
func (v validator) checkRoll(prefix string, sides, count int, dice, mods []int, total, before, after int) error {
	if len(dice) != count {
		return domain.Validationf("%sdice must be an array with length equal to count", prefix)
	}
	sum := 0
	for _, d := range dice {
		if d < 1 || d > sides {
			return domain.Validationf("%sdice values must be within 1..sides", prefix)
		}
		sum += d
	}
	for _, m := range mods {
		sum += m
	}
	if total != sum {
		return domain.Validationf("%stotal must equal sum(dice) + sum(modifiers)", prefix)
	}
	if before < 0 {
		return domain.Validationf("rng_cursor_before must be >= 0")
	}
	if after < 0 {
		return domain.Validationf("rng_cursor_after must be >= 0")
	}
	if v.s.Rng.Cursor != before {
		return domain.Validationf("rng_cursor_before must match snapshot rng.cursor")
	}
	if after != before+count {
		return domain.Validationf("rng_cursor_after must equal rng_cursor_before + count")
	}
	return nil
}

func (v validator) ModeSet(p domain.ModeSet) error {
	switch p.Mode {
	case domain.ModeCombat, domain.ModeExploration:
		return nil
	case "":
		return domain.Validationf("mode is required")
	default:
		return domain.Validationf("unknown mode: %s", p.Mode)
	}
}

func (v validator) ZoneAdded(p domain.ZoneAdded) error {
	if p.ZoneID == "" {
		return domain.Validationf("zone_id is required")
	}
	if p.Name == "" {
		return domain.Validationf("name is required")
	}
	if v.hasZone(p.ZoneID) {
		return domain.Validationf("zone already exists: %s", p.ZoneID)
	}
	return nil
}

func (v validator) ZoneLinked(p domain.ZoneLinked) error {
	if !v.hasZone(p.A) {
		return domain.Validationf("zone not found: %s", p.A)
	}
	if !v.hasZone(p.B) {
		return domain.Validationf("zone not found: %s", p.B)
	}
	if p.A == p.B {
		return domain.Validationf("cannot link zone to itself")
	}
	return nil
}

func (v validator) EntityAdded(p domain.EntityAdded) error {
	if p.EntityID == "" {
		return domain.Validationf("entity_id is required")
	}
	if p.Name == "" {
		return domain.Validationf("name is required")
	}
	if p.HP <= 0 {
		return domain.Validationf("hp must be > 0")
	}
	if v.hasEntity(p.EntityID) {
		return domain.Validationf("entity already exists: %s", p.EntityID)
	}
	if p.Zone != nil && !v.hasZone(*p.Zone) {
		return domain.Validationf("zone not found: %s", *p.Zone)
	}
	if p.AttackAbility != "" && p.AttackAbility != domain.AbilityStr && p.AttackAbility != domain.AbilityDex {
		return domain.Validationf("attack_ability must be STR or DEX")
	}
	if p.WeaponDamage != nil && (p.WeaponDamage.Count <= 0 || p.WeaponDamage.Sides < 2) {
		return domain.Validationf("weapon_damage must have count > 0 and sides >= 2")
	}
	return nil
}

func (v validator) EntityMovedZone(p domain.EntityMovedZone) error {
	if !v.hasEntity(p.EntityID) {
		return domain.Validationf("entity not found: %s", p.EntityID)
	}
	if !v.hasZone(p.ToZone) {
		return domain.Validationf("zone not found: %s", p.ToZone)
	}
	return nil
}

func (v validator) ApplyDamage(p domain.ApplyDamage) error {
	ent, ok := v.s.Entity(p.EntityID)
	if !ok {
		return domain.Validationf("entity not found: %s", p.EntityID)
	}
	if p.Amount <= 0 {
		return domain.Validationf("amount must be > 0")
	}
	if ent.HP-p.Amount < 0 {
		return domain.Validationf("damage would make hp negative (use DAMAGE_APPLIED to clamp)")
	}
	return nil
}

func (v validator) DamageApplied(p domain.DamageApplied) error {
	if !v.hasEntity(p.EntityID) {
		return domain.Validationf("entity not found: %s", p.EntityID)
	}
	if p.Amount <= 0 {
		return domain.Validationf("amount must be > 0")
	}
	return nil
}

func (v validator) TurnStarted(p domain.TurnStarted) error {
	if !v.s.Combat.Active {
		return domain.Validationf("TURN_STARTED only allowed when combat is active")
	}
	if !v.versioned && p.EntityID == "" {
		return domain.Validationf("entityId is required")
	}
	if p.EntityID != "" && !v.hasEntity(p.EntityID) {
		return domain.Validationf("entity not found: %s", p.EntityID)
	}
	return nil
}

func (v validator) TurnEnded(p domain.TurnEnded) error {
	c := v.s.Combat
	if v.s.Mode != domain.ModeCombat {
		return domain.Validationf("TURN_ENDED only allowed in COMBAT")
	}
	if !c.Active {
		return domain.Validationf("TURN_ENDED only allowed when combat is active")
	}
	if c.Phase.Normalize() == domain.PhaseEnd {
		return domain.Validationf("TURN_ENDED not allowed when phase is END")
	}
	if c.ActiveEntity != p.EntityID {
		return domain.Validationf("only active_entity can end turn")
	}
	return nil
}

func (v validator) AdvanceTurn(p domain.AdvanceTurn) error {
	c := v.s.Combat
	if v.s.Mode != domain.ModeCombat {
		return domain.Validationf("ADVANCE_TURN only allowed in COMBAT")
	}
	if !c.Active {
		return domain.Validationf("ADVANCE_TURN only allowed when combat is active")
	}
	if len(c.Initiative) == 0 {
		return domain.Validationf("initiative is empty")
	}
	if !v.versioned {
		phase := c.Phase.Normalize()
		if !(phase == domain.PhaseEnd || (phase == domain.PhaseActionWindow && c.HasUsedAction())) {
			return domain.Validationf("ADVANCE_TURN denied: must be END or action_used=true")
		}
		if p.ActorEntityID == "" {
			return domain.Validationf("actorEntityId is required")
		}
	}
	if p.ActorEntityID != "" && !v.hasEntity(p.ActorEntityID) {
		return domain.Validationf("actor not found: %s", p.ActorEntityID)
	}
	return nil
}

func (v validator) CombatStarted(p domain.CombatStarted) error {
	if v.s.Combat.Active {
		return domain.Validationf("combat already active")
	}
	if len(p.ParticipantIDs) == 0 {
		return domain.Validationf("participant_ids must be a non-empty array")
	}
	for _, id := range p.ParticipantIDs {
		if !v.hasEntity(id) {
			return domain.Validationf("participant entity not found: %s", id)
		}
	}
	return nil
}

func (v validator) InitiativeRolled(p domain.InitiativeRolled) error {
	if !v.hasEntity(p.EntityID) {
		return domain.Validationf("entity not found: %s", p.EntityID)
	}
	if p.Roll.Sides != 20 {
		return domain.Validationf("roll.sides must be 20")
	}
	if p.Roll.Count != 1 {
		return domain.Validationf("roll.count must be 1")
	}
	if err := v.checkRoll("roll.", p.Roll.Sides, p.Roll.Count, p.Roll.Dice, p.Roll.Modifiers, p.Roll.Total, p.RngCursorBefore, p.RngCursorAfter); err != nil {
		return err
	}
	if p.Context != domain.ContextInitiative {
		return domain.Validationf("context must be INITIATIVE")
	}
	return nil
}

func (v validator) InitiativeSet(p domain.InitiativeSet) error {
	if !v.s.Combat.Active {
		return domain.Validationf("combat not active")
	}
	hasEntries := len(p.Entries) > 0
	if !v.versioned && !hasEntries {
		return domain.Validationf("entries must be a non-empty array")
	}
	if !hasEntries {
		if len(p.Order) == 0 {
			return domain.Validationf("order must be a non-empty array")
		}
		seen := make(map[string]struct{}, len(p.Order))
		for _, id := range p.Order {
			if _, dup := seen[id]; dup {
				return domain.Validationf("order contains duplicates")
			}
			seen[id] = struct{}{}
			if !v.hasEntity(id) {
				return domain.Validationf("entity not found in order: %s", id)
			}
		}
	}
	for _, e := range p.Entries {
		if e.EntityID == "" {
			return domain.Validationf("entry.entityId is required")
		}
		switch e.Tiebreak {
		case "", domain.TiebreakTotal, domain.TiebreakDex, domain.TiebreakEntityID:
		default:
			return domain.Validationf("entry.tiebreak invalid")
		}
		switch e.Source {
		case domain.SourceAIRoll, domain.SourceHumanDeclared:
		default:
			return domain.Validationf("entry.source invalid")
		}
	}
	return nil
}

func (v validator) CombatEnded(domain.CombatEnded) error {
	if !v.s.Combat.Active {
		return domain.Validationf("combat not active")
	}
	return nil
}

func (v validator) ActionProposed(p domain.ActionProposed) error {
	if p.ActorEntityID == "" {
		return domain.Validationf("actorEntityId is required")
	}
	if !v.hasEntity(p.ActorEntityID) {
		return domain.Validationf("actor not found: %s", p.ActorEntityID)
	}
	if !p.ActionType.Valid() {
		return domain.Validationf("actionType must be MOVE, ATTACK, PASS, or ROLL_INITIATIVE")
	}
	switch p.ActionType {
	case domain.ActionMove:
		if p.Destination == nil {
			return domain.Validationf("destination is required for MOVE")
		}
	case domain.ActionAttack:
		if p.TargetEntityID == "" {
			return domain.Validationf("targetEntityId is required for ATTACK")
		}
		if !v.hasEntity(p.TargetEntityID) {
			return domain.Validationf("target not found: %s", p.TargetEntityID)
		}
	}
	return nil
}

func (v validator) ActionResolved(p domain.ActionResolved) error {
	if p.ActorEntityID == "" {
		return domain.Validationf("actorEntityId is required")
	}
	if !v.hasEntity(p.ActorEntityID) {
		return domain.Validationf("actor not found: %s", p.ActorEntityID)
	}
	if !p.ActionType.Valid() {
		return domain.Validationf("actionType must be MOVE, ATTACK, PASS, or ROLL_INITIATIVE")
	}
	if len(p.Outcomes) == 0 && p.ActionType != domain.ActionAttack && p.ActionType != domain.ActionPass {
		return domain.Validationf("outcomes must be a non-empty array")
	}
	for _, o := range p.Outcomes {
		switch o.Type {
		case domain.OutcomeMoveApplied:
			if !v.hasEntity(o.EntityID) {
				return domain.Validationf("entity not found: %s", o.EntityID)
			}
			if o.To == nil {
				return domain.Validationf("MOVE_APPLIED.to is required")
			}
		case domain.OutcomeDamageApplied:
			if !v.hasEntity(o.EntityID) {
				return domain.Validationf("entity not found: %s", o.EntityID)
			}
			if o.Amount <= 0 {
				return domain.Validationf("DAMAGE_APPLIED.amount must be > 0")
			}
		default:
			return domain.Validationf("unknown outcome type: %s", o.Type)
		}
	}
	return nil
}
