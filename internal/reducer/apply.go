package reducer

import (
	"maps"
	"slices"
	"sort"

	"skirmish/internal/dice"
	"skirmish/internal/domain"
)

// Apply returns the state after ev. The input snapshot is never modified: maps and
// slices are cloned the first time an event writes to them.
// ev must already have passed Validate against s.
func Apply(s domain.Snapshot, ev domain.Event) domain.Snapshot {
	if ev.Payload == nil {
		return s
	}
	a := &applier{next: s}
	_ = ev.Payload.Accept(a)
	if ev.Versioned() {
		a.next.Meta.Version = ev.Version
	}
	return a.next
}

type applier struct {
	next domain.Snapshot

	entitiesOwned  bool
	zonesOwned     bool
	adjacencyOwned bool
}

func (a *applier) entity(id string) (domain.EntityState, bool) {
	e, ok := a.next.Entities[id]
	return e, ok
}

func (a *applier) putEntity(e domain.EntityState) {
	if !a.entitiesOwned {
		a.next.Entities = cloneMap(a.next.Entities)
		a.entitiesOwned = true
	}
	a.next.Entities[e.ID] = e
}

func (a *applier) putZone(z domain.Zone) {
	if !a.zonesOwned {
		a.next.Map.Zones = cloneMap(a.next.Map.Zones)
		a.zonesOwned = true
	}
	a.next.Map.Zones[z.ID] = z
}

func (a *applier) putAdjacency(zone string, links []string) {
	if !a.adjacencyOwned {
		a.next.Map.Adjacency = cloneMap(a.next.Map.Adjacency)
		a.adjacencyOwned = true
	}
	a.next.Map.Adjacency[zone] = links
}

func cloneMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return maps.Clone(m)
}

// withUnique returns a fresh slice holding list plus id, unless id is already present.
func withUnique(list []string, id string) []string {
	out := slices.Clone(list)
	if out == nil {
		out = []string{}
	}
	if slices.Contains(out, id) {
		return out
	}
	return append(out, id)
}

// resetTurn clears the per-turn economy.
func (a *applier) resetTurn() {
	a.next.Combat.ActionUsed = false
	a.next.Combat.TurnActionsUsed = 0
	a.next.Combat.MovementRemaining = domain.DefaultMovement
}

func (a *applier) SessionCreated(p domain.SessionCreated) error {
	a.next.Meta.Ruleset = p.Ruleset
	return nil
}

func (a *applier) RngSeeded(p domain.RngSeeded) error {
	a.next.Rng = domain.RngState{Seed: p.Seed, Cursor: 0}
	return nil
}

func (a *applier) RollResolved(p domain.RollResolved) error {
	a.next.Rng.Cursor = p.RngCursorAfter
	return nil
}

func (a *applier) ModeSet(p domain.ModeSet) error {
	a.next.Mode = p.Mode
	return nil
}

func (a *applier) ZoneAdded(p domain.ZoneAdded) error {
	a.putZone(domain.Zone{ID: p.ZoneID, Name: p.Name})
	if _, ok := a.next.Map.Adjacency[p.ZoneID]; !ok {
		a.putAdjacency(p.ZoneID, []string{})
	}
	return nil
}

func (a *applier) ZoneLinked(p domain.ZoneLinked) error {
	a.putAdjacency(p.A, withUnique(a.next.Map.Adjacency[p.A], p.B))
	a.putAdjacency(p.B, withUnique(a.next.Map.Adjacency[p.B], p.A))
	return nil
}

func (a *applier) EntityAdded(p domain.EntityAdded) error {
	e := domain.EntityState{
		ID:               p.EntityID,
		Name:             p.Name,
		HP:               p.HP,
		Zone:             p.Zone,
		FactionID:        p.FactionID,
		Position:         p.Position,
		AC:               p.AC,
		Level:            intOr(p.Level, domain.DefaultLevel),
		Str:              intOr(p.Str, domain.DefaultAbilityScore),
		Dex:              intOr(p.Dex, domain.DefaultAbilityScore),
		Con:              intOr(p.Con, domain.DefaultAbilityScore),
		Int:              intOr(p.Int, domain.DefaultAbilityScore),
		Wis:              intOr(p.Wis, domain.DefaultAbilityScore),
		Cha:              intOr(p.Cha, domain.DefaultAbilityScore),
		AttackAbility:    p.AttackAbility,
		WeaponDamage:     domain.WeaponDamage{Count: 1, Sides: 4},
		WeaponDamageType: p.WeaponDamageType,
	}
	if p.Proficient != nil {
		e.Proficient = *p.Proficient
	}
	if e.AttackAbility == "" {
		e.AttackAbility = domain.AbilityStr
	}
	if p.WeaponDamage != nil {
		e.WeaponDamage = *p.WeaponDamage
	}
	if e.WeaponDamageType == "" {
		e.WeaponDamageType = domain.DefaultDamageType
	}
	a.putEntity(e)

	// Entities added mid-fight join the initiative at the back.
	if a.next.Mode == domain.ModeCombat {
		a.next.Combat.Initiative = withUnique(a.next.Combat.Initiative, e.ID)
		if a.next.Combat.ActiveEntity == "" {
			a.next.Combat.Cursor = 0
			a.next.Combat.ActiveEntity = a.next.Combat.Initiative[0]
		}
	}
	return nil
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func (a *applier) EntityMovedZone(p domain.EntityMovedZone) error {
	e, ok := a.entity(p.EntityID)
	if !ok {
		return nil
	}
	zone := p.ToZone
	e.Zone = &zone
	a.putEntity(e)
	return nil
}

func (a *applier) ApplyDamage(p domain.ApplyDamage) error {
	e, ok := a.entity(p.EntityID)
	if !ok {
		return nil
	}
	e.HP -= p.Amount
	a.putEntity(e)
	return nil
}

func (a *applier) DamageApplied(p domain.DamageApplied) error {
	a.damage(p.EntityID, p.Amount)
	return nil
}

func (a *applier) damage(id string, amount int) {
	e, ok := a.entity(id)
	if !ok {
		return
	}
	e.HP = max(0, e.HP-amount)
	a.putEntity(e)
}

func (a *applier) TurnStarted(p domain.TurnStarted) error {
	c := &a.next.Combat
	c.ActiveEntity = p.EntityID
	if idx := slices.Index(c.Initiative, p.EntityID); p.EntityID != "" && idx >= 0 {
		c.Cursor = idx
	}
	if p.Round != nil {
		c.Round = *p.Round
	}
	c.Phase = domain.PhaseActionWindow
	a.resetTurn()
	return nil
}

func (a *applier) TurnEnded(domain.TurnEnded) error {
	a.next.Combat.Phase = domain.PhaseEnd
	return nil
}

func (a *applier) AdvanceTurn(domain.AdvanceTurn) error {
	return nil
}

func (a *applier) CombatStarted(domain.CombatStarted) error {
	a.next.Combat = domain.CombatState{
		Active:            true,
		Round:             1,
		Initiative:        []string{},
		InitiativeEntries: []domain.InitiativeEntry{},
		Phase:             domain.PhaseStart,
		MovementRemaining: domain.DefaultMovement,
	}
	return nil
}

func (a *applier) InitiativeRolled(p domain.InitiativeRolled) error {
	a.next.Rng.Cursor = p.RngCursorAfter
	return nil
}

func (a *applier) InitiativeSet(p domain.InitiativeSet) error {
	c := &a.next.Combat
	if len(p.Entries) == 0 {
		c.Initiative = slices.Clone(p.Order)
	} else {
		entries := a.rankEntries(p.Entries)
		order := make([]string, len(entries))
		for i, e := range entries {
			order[i] = e.EntityID
		}
		c.Initiative = order
		c.InitiativeEntries = entries
	}
	if c.Initiative == nil {
		c.Initiative = []string{}
	}
	c.Cursor = 0
	c.ActiveEntity = ""
	if len(c.Initiative) > 0 {
		c.ActiveEntity = c.Initiative[0]
	}
	c.Phase = domain.PhaseStart
	c.Active = true
	a.resetTurn()
	return nil
}

// rankEntries drops unknown and dead entrants, then orders by total, dex modifier and
// entity id, recording which key separated each entry from the one before it.
func (a *applier) rankEntries(in []domain.InitiativeEntry) []domain.InitiativeEntry {
	out := make([]domain.InitiativeEntry, 0, len(in))
	for _, e := range in {
		ent, ok := a.entity(e.EntityID)
		if !ok || !ent.Alive() {
			continue
		}
		dexMod := dice.AbilityMod(ent.Dex)
		if e.DexMod != nil {
			dexMod = *e.DexMod
		}
		e.DexMod = &dexMod
		e.RngFields = nil
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		x, y := out[i], out[j]
		if x.Total != y.Total {
			return x.Total > y.Total
		}
		if *x.DexMod != *y.DexMod {
			return *x.DexMod > *y.DexMod
		}
		return x.EntityID < y.EntityID
	})
	for i := range out {
		switch {
		case i == 0 || out[i].Total != out[i-1].Total:
			out[i].Tiebreak = domain.TiebreakTotal
		case *out[i].DexMod != *out[i-1].DexMod:
			out[i].Tiebreak = domain.TiebreakDex
		default:
			out[i].Tiebreak = domain.TiebreakEntityID
		}
	}
	return out
}

func (a *applier) CombatEnded(domain.CombatEnded) error {
	c := &a.next.Combat
	c.Active = false
	c.Initiative = []string{}
	c.Cursor = 0
	c.ActiveEntity = ""
	c.Phase = domain.PhaseEnd
	c.ActionUsed = false
	c.TurnActionsUsed = 0
	c.MovementRemaining = 0
	return nil
}

func (a *applier) ActionProposed(domain.ActionProposed) error {
	return nil
}

func (a *applier) ActionResolved(p domain.ActionResolved) error {
	c := &a.next.Combat
	c.Phase = c.Phase.Normalize()

	var actorFrom *domain.Point
	if actor, ok := a.entity(p.ActorEntityID); ok {
		actorFrom = actor.Position
	}
	for _, o := range p.Outcomes {
		switch o.Type {
		case domain.OutcomeMoveApplied:
			e, ok := a.entity(o.EntityID)
			if !ok || o.To == nil {
				continue
			}
			from := e.Position
			if o.EntityID == p.ActorEntityID {
				from = actorFrom
			}
			if from != nil {
				if cost := domain.Manhattan(*from, *o.To); cost > 0 {
					c.MovementRemaining = max(0, c.MovementRemaining-cost)
				}
			}
			to := *o.To
			e.Position = &to
			a.putEntity(e)
		case domain.OutcomeDamageApplied:
			a.damage(o.EntityID, o.Amount)
		}
	}

	if a.next.Mode != domain.ModeCombat || !c.Active {
		return nil
	}
	switch p.ActionType {
	case domain.ActionAttack:
		c.ActionUsed = true
		c.TurnActionsUsed = 1
		c.Phase = domain.PhaseActionWindow
	case domain.ActionPass:
		c.ActionUsed = true
		c.TurnActionsUsed = 1
		c.Phase = domain.PhaseEnd
	case domain.ActionMove:
		c.Phase = domain.PhaseActionWindow
	}
	return nil
}
