package rules

// Local is the reference combat policy.
type Local struct{}

var _ Engine = Local{}

func (Local) Evaluate(s ReSnapshot, ev ReEvent) Decision {
	switch ev.Type {
	case ReTurnEnded, ReAdvanceTurn, ReActionProposed:
	default:
		return Deny(CodeUnknownEvent, nil)
	}

	if s.Mode != ReModeCombat {
		return Allow()
	}
	c := s.Combat
	if c == nil || !c.Active {
		return Deny(CodeCombatNotActive, nil)
	}
	if !c.InitiativeSet {
		return Deny(CodeInitiativeNotSet, nil)
	}
	actor, ok := s.Entity(ev.ActorEntityID)
	if !ok || !actor.Alive {
		return Deny(CodeActorDead, nil)
	}
	if c.ActiveEntityID != "" && c.ActiveEntityID != ev.ActorEntityID {
		return Deny(CodeNotYourTurn, nil)
	}

	if ev.Type != ReActionProposed {
		if c.Phase == RePhaseEnd || (c.Phase == RePhaseActionWindow && c.ActionUsed) {
			return Allow()
		}
		return Deny(CodeWrongPhase, map[string]any{
			"expected":    "END or ACTION_WINDOW with actionUsed=true",
			"actualPhase": c.Phase,
			"actionUsed":  c.ActionUsed,
		})
	}

	if c.Phase != RePhaseActionWindow {
		return Deny(CodeWrongPhase, map[string]any{
			"expectedPhase": RePhaseActionWindow,
			"actualPhase":   c.Phase,
		})
	}
	if ev.Payload == nil {
		return Deny(CodeUnknownEvent, nil)
	}

	switch p := ev.Payload; p.ActionType {
	case ReActionPass:
		if c.ActionUsed {
			return Deny(CodeActionsExhausted, nil)
		}
		return Allow()

	case ReActionMove:
		if actor.Position == nil || p.Destination == nil {
			return Deny(CodeInvalidMove, nil)
		}
		cost := manhattan(*actor.Position, *p.Destination)
		if cost < 1 {
			return Deny(CodeInvalidMove, nil)
		}
		if cost > c.MovementRemaining {
			return Deny(CodeInvalidMove, map[string]any{
				"cost":              cost,
				"movementRemaining": c.MovementRemaining,
			})
		}
		return Allow()

	case ReActionAttack:
		if c.ActionUsed {
			return Deny(CodeActionsExhausted, nil)
		}
		if p.TargetEntityID == "" {
			return Deny(CodeInvalidMove, nil)
		}
		target, ok := s.Entity(p.TargetEntityID)
		if !ok || !target.Alive || actor.Position == nil || target.Position == nil {
			return Deny(CodeInvalidMove, nil)
		}
		if !Adjacent(*actor.Position, *target.Position) {
			return Deny(CodeTargetNotAdjacent, map[string]any{
				"actorEntityId":  ev.ActorEntityID,
				"targetEntityId": p.TargetEntityID,
			})
		}
		return Allow()

	default:
		return Deny(CodeUnknownEvent, nil)
	}
}
