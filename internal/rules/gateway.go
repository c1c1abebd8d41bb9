package rules

import (
	"slices"

	"skirmish/internal/domain"
)

// CodeDenyInitiative is reported by the gateway itself for initiative events.
const CodeDenyInitiative ReasonCode = "DENY_INITIATIVE"

// Evaluator decides whether a session event may be appended.
type Evaluator interface {
	Evaluate(s domain.Snapshot, ev domain.Event) Decision
}

// AllowAll admits every event.
type AllowAll struct{}

func (AllowAll) Evaluate(domain.Snapshot, domain.Event) Decision { return Allow() }

// Gateway maps the gated subset of session events onto the contract and asks Engine.
// Events outside that subset are allowed without consulting the engine. A gated event
// that cannot be mapped is denied.
type Gateway struct {
	Engine Engine
	// AIWhitelist names the entities allowed to roll their own initiative. When it is
	// nil every ROLL_INITIATIVE is denied and INITIATIVE_SET has no entries to require.
	AIWhitelist []string
}

func NewGateway(engine Engine, aiWhitelist ...string) Gateway {
	return Gateway{Engine: engine, AIWhitelist: aiWhitelist}
}

func (g Gateway) Evaluate(s domain.Snapshot, ev domain.Event) Decision {
	switch p := ev.Payload.(type) {
	case domain.ActionProposed:
		if p.ActionType == domain.ActionRollInitiative {
			return g.rollInitiative(s, p)
		}
	case domain.InitiativeSet:
		return g.initiativeSet(s, p)
	case domain.TurnEnded, domain.AdvanceTurn:
	default:
		return Allow()
	}

	re, ok := MapEvent(ev)
	if !ok {
		return Deny(CodeUnknownEvent, map[string]any{
			"message": "gated event " + string(ev.Type()) + " could not be mapped",
		})
	}
	if g.Engine == nil {
		return Allow()
	}
	return g.Engine.Evaluate(MapSnapshot(s), re)
}

func (g Gateway) rollInitiative(s domain.Snapshot, p domain.ActionProposed) Decision {
	switch {
	case p.ActorEntityID == "",
		s.Mode != domain.ModeCombat,
		!s.Combat.Active,
		len(s.Combat.Initiative) > 0,
		!slices.Contains(g.AIWhitelist, p.ActorEntityID):
		return Deny(CodeDenyInitiative, nil)
	}
	return Allow()
}

// initiativeSet requires every whitelisted AI entity present in the session to appear
// in the submitted entries.
func (g Gateway) initiativeSet(s domain.Snapshot, p domain.InitiativeSet) Decision {
	if s.Mode != domain.ModeCombat || !s.Combat.Active {
		return Deny(CodeDenyInitiative, nil)
	}
	for _, id := range g.AIWhitelist {
		if _, ok := s.Entity(id); !ok {
			continue
		}
		found := slices.ContainsFunc(p.Entries, func(e domain.InitiativeEntry) bool { return e.EntityID == id })
		if !found {
			return Deny(CodeDenyInitiative, map[string]any{"missing": id})
		}
	}
	return Allow()
}

// MapSnapshot projects session state onto the contract snapshot.
func MapSnapshot(s domain.Snapshot) ReSnapshot {
	c := s.Combat
	initiativeSet := len(c.Initiative) > 0
	mode := ReModeScene
	if s.Mode == domain.ModeCombat {
		mode = ReModeCombat
	}
	entities := make(map[string]ReEntity, len(s.Entities))
	for id, e := range s.Entities {
		re := ReEntity{ID: id, Alive: e.Alive()}
		if e.Position != nil {
			re.Position = &RePoint{X: e.Position.X, Y: e.Position.Y}
		}
		entities[id] = re
	}
	return ReSnapshot{
		Mode: mode,
		Combat: &ReCombat{
			Active:            c.Active,
			Phase:             mapPhase(c.Phase, initiativeSet),
			ActiveEntityID:    c.ActiveEntity,
			InitiativeSet:     initiativeSet,
			TurnActionsUsed:   c.TurnActionsUsed,
			ActionUsed:        c.HasUsedAction(),
			MovementRemaining: c.MovementRemaining,
		},
		Entities: entities,
	}
}

func mapPhase(p domain.Phase, initiativeSet bool) RePhase {
	switch p.Normalize() {
	case domain.PhaseStart:
		if initiativeSet {
			return RePhaseActionWindow
		}
		return RePhaseInit
	case domain.PhaseActionWindow:
		return RePhaseActionWindow
	default:
		return RePhaseEnd
	}
}

// MapEvent projects a gated session event onto the contract. It reports false for
// events outside the gated set and for gated events without an actor.
func MapEvent(ev domain.Event) (ReEvent, bool) {
	switch p := ev.Payload.(type) {
	case domain.TurnEnded:
		if p.EntityID == "" {
			return ReEvent{}, false
		}
		return ReEvent{Type: ReTurnEnded, ActorEntityID: p.EntityID}, true
	case domain.AdvanceTurn:
		if p.ActorEntityID == "" {
			return ReEvent{}, false
		}
		return ReEvent{Type: ReAdvanceTurn, ActorEntityID: p.ActorEntityID}, true
	case domain.ActionProposed:
		if p.ActorEntityID == "" {
			return ReEvent{}, false
		}
		payload := &ReActionPayload{
			ActionType:     ReActionType(p.ActionType),
			TargetEntityID: p.TargetEntityID,
		}
		if p.Destination != nil {
			payload.Destination = &RePoint{X: p.Destination.X, Y: p.Destination.Y}
		}
		return ReEvent{Type: ReActionProposed, ActorEntityID: p.ActorEntityID, Payload: payload}, true
	default:
		return ReEvent{}, false
	}
}

// Err converts a denial into the error reported to clients.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return domain.RuleDenied(string(d.Code), d.Details)
}
