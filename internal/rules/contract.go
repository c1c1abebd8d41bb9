// Package rules holds the rule engine contract, its reference evaluator and the
// gateway that maps session state onto the contract.
package rules

// The contract is frozen: adding optional fields is compatible, renaming or removing
// a field is not.

// Engine is a pure policy evaluator. Implementations must not keep mutable state.
type Engine interface {
	Evaluate(s ReSnapshot, ev ReEvent) Decision
}

type ReasonCode string

const (
	CodeCombatNotActive   ReasonCode = "COMBAT_NOT_ACTIVE"
	CodeInitiativeNotSet  ReasonCode = "INITIATIVE_NOT_SET"
	CodeWrongPhase        ReasonCode = "WRONG_PHASE"
	CodeNotYourTurn       ReasonCode = "NOT_YOUR_TURN"
	CodeActionsExhausted  ReasonCode = "ACTIONS_EXHAUSTED"
	CodeActorDead         ReasonCode = "ACTOR_DEAD"
	CodeInvalidMove       ReasonCode = "INVALID_MOVE"
	CodeTargetNotAdjacent ReasonCode = "TARGET_NOT_ADJACENT"
	CodeUnknownEvent      ReasonCode = "UNKNOWN_EVENT"
)

type Decision struct {
	Allowed bool           `json:"allowed"`
	Code    ReasonCode     `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func Allow() Decision { return Decision{Allowed: true} }

func Deny(code ReasonCode, details map[string]any) Decision {
	return Decision{Code: code, Details: details}
}

type ReMode string

const (
	ReModeCombat ReMode = "COMBAT"
	ReModeScene  ReMode = "SCENE"
)

type RePhase string

const (
	RePhaseInit         RePhase = "INIT"
	RePhaseActionWindow RePhase = "ACTION_WINDOW"
	RePhaseEnd          RePhase = "END"
)

type RePoint struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type ReEntity struct {
	ID       string   `json:"id"`
	Alive    bool     `json:"alive"`
	Position *RePoint `json:"position,omitempty"`
}

type ReCombat struct {
	Active            bool    `json:"active"`
	Phase             RePhase `json:"phase"`
	ActiveEntityID    string  `json:"activeEntityId,omitempty"`
	InitiativeSet     bool    `json:"initiativeSet"`
	TurnActionsUsed   int     `json:"turnActionsUsed"`
	ActionUsed        bool    `json:"actionUsed"`
	MovementRemaining int     `json:"movementRemaining"`
}

// ReSnapshot is the minimal view of a session the rule engine decides on.
// It is not a character sheet.
type ReSnapshot struct {
	Mode     ReMode              `json:"mode"`
	Combat   *ReCombat           `json:"combat,omitempty"`
	Entities map[string]ReEntity `json:"entities"`
}

func (s ReSnapshot) Entity(id string) (ReEntity, bool) {
	e, ok := s.Entities[id]
	return e, ok
}

type ReEventType string

const (
	ReTurnEnded      ReEventType = "TURN_ENDED"
	ReAdvanceTurn    ReEventType = "ADVANCE_TURN"
	ReActionProposed ReEventType = "ACTION_PROPOSED"
)

type ReActionType string

const (
	ReActionMove   ReActionType = "MOVE"
	ReActionAttack ReActionType = "ATTACK"
	ReActionPass   ReActionType = "PASS"
)

type ReActionPayload struct {
	ActionType     ReActionType `json:"actionType"`
	Destination    *RePoint     `json:"destination,omitempty"`
	TargetEntityID string       `json:"targetEntityId,omitempty"`
}

// ReEvent is a candidate intention. Payload is set only for ACTION_PROPOSED.
type ReEvent struct {
	Type          ReEventType      `json:"type"`
	ActorEntityID string           `json:"actorEntityId"`
	Payload       *ReActionPayload `json:"payload,omitempty"`
}

// Adjacent reports 4-directional adjacency.
func Adjacent(a, b RePoint) bool {
	return manhattan(a, b) == 1
}

func manhattan(a, b RePoint) int {
	dx, dy := a.X-b.X, a.Y-b.Y
	if dx < 0 {
		dx = -dx
	}
	if dy < 0 {
		dy = -dy
	}
	return dx + dy
}
