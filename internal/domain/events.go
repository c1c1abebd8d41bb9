package domain

import (
	"encoding/json"
	"fmt"
	"slices"
)

type EventType string

const (
	EventSessionCreated   EventType = "SESSION_CREATED"
	EventRngSeeded        EventType = "RNG_SEEDED"
	EventRollResolved     EventType = "ROLL_RESOLVED"
	EventModeSet          EventType = "MODE_SET"
	EventZoneAdded        EventType = "ZONE_ADDED"
	EventZoneLinked       EventType = "ZONE_LINKED"
	EventEntityAdded      EventType = "ENTITY_ADDED"
	EventEntityMovedZone  EventType = "ENTITY_MOVED_ZONE"
	EventApplyDamage      EventType = "APPLY_DAMAGE"
	EventDamageApplied    EventType = "DAMAGE_APPLIED"
	EventTurnStarted      EventType = "TURN_STARTED"
	EventTurnEnded        EventType = "TURN_ENDED"
	EventAdvanceTurn      EventType = "ADVANCE_TURN"
	EventCombatStarted    EventType = "COMBAT_STARTED"
	EventInitiativeRolled EventType = "INITIATIVE_ROLLED"
	EventInitiativeSet    EventType = "INITIATIVE_SET"
	EventCombatEnded      EventType = "COMBAT_ENDED"
	EventActionProposed   EventType = "ACTION_PROPOSED"
	EventActionResolved   EventType = "ACTION_RESOLVED"
)

var eventTypes = []EventType{
	EventSessionCreated, EventRngSeeded, EventRollResolved, EventModeSet,
	EventZoneAdded, EventZoneLinked, EventEntityAdded, EventEntityMovedZone,
	EventApplyDamage, EventDamageApplied, EventTurnStarted, EventTurnEnded,
	EventAdvanceTurn, EventCombatStarted, EventInitiativeRolled, EventInitiativeSet,
	EventCombatEnded, EventActionProposed, EventActionResolved,
}

// EventTypes lists every event type the codec decodes.
func EventTypes() []EventType {
	return slices.Clone(eventTypes)
}

func (t EventType) Known() bool {
	return slices.Contains(eventTypes, t)
}

// Event is one fact of a session stream. Version is zero until the store assigns one.
type Event struct {
	Version int
	Payload Payload
}

func (e Event) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// Versioned reports whether the event came from the store.
func (e Event) Versioned() bool { return e.Version > 0 }

// Payload is the closed set of event bodies. Only types in this package implement it.
type Payload interface {
	EventType() EventType
	Accept(v Visitor) error
	sealed()
}

// Visitor has one method per event variant.
type Visitor interface {
	SessionCreated(SessionCreated) error
	RngSeeded(RngSeeded) error
	RollResolved(RollResolved) error
	ModeSet(ModeSet) error
	ZoneAdded(ZoneAdded) error
	ZoneLinked(ZoneLinked) error
	EntityAdded(EntityAdded) error
	EntityMovedZone(EntityMovedZone) error
	ApplyDamage(ApplyDamage) error
	DamageApplied(DamageApplied) error
	TurnStarted(TurnStarted) error
	TurnEnded(TurnEnded) error
	AdvanceTurn(AdvanceTurn) error
	CombatStarted(CombatStarted) error
	InitiativeRolled(InitiativeRolled) error
	InitiativeSet(InitiativeSet) error
	CombatEnded(CombatEnded) error
	ActionProposed(ActionProposed) error
	ActionResolved(ActionResolved) error
}

type SessionCreated struct {
	Ruleset string `json:"ruleset"`
}

type RngSeeded struct {
	Seed int64 `json:"seed"`
}

type RollResolved struct {
	RollID          string `json:"roll_id"`
	Context         string `json:"context"`
	ActorID         string `json:"actor_id,omitempty"`
	TargetID        string `json:"target_id,omitempty"`
	Sides           int    `json:"sides"`
	Count           int    `json:"count"`
	Dice            []int  `json:"dice"`
	Modifiers       []int  `json:"modifiers"`
	Total           int    `json:"total"`
	RngCursorBefore int    `json:"rng_cursor_before"`
	RngCursorAfter  int    `json:"rng_cursor_after"`
}

type ModeSet struct {
	Mode Mode `json:"mode"`
}

type ZoneAdded struct {
	ZoneID string `json:"zone_id"`
	Name   string `json:"name"`
}

type ZoneLinked struct {
	A string `json:"a"`
	B string `json:"b"`
}

type EntityAdded struct {
	EntityID         string        `json:"entity_id"`
	Name             string        `json:"name"`
	HP               int           `json:"hp"`
	Zone             *string       `json:"zone"`
	FactionID        string        `json:"factionId,omitempty"`
	Position         *Point        `json:"position,omitempty"`
	AC               *int          `json:"ac,omitempty"`
	Level            *int          `json:"level,omitempty"`
	Str              *int          `json:"str,omitempty"`
	Dex              *int          `json:"dex,omitempty"`
	Con              *int          `json:"con,omitempty"`
	Int              *int          `json:"int,omitempty"`
	Wis              *int          `json:"wis,omitempty"`
	Cha              *int          `json:"cha,omitempty"`
	Proficient       *bool         `json:"proficient,omitempty"`
	AttackAbility    string        `json:"attack_ability,omitempty"`
	WeaponDamage     *WeaponDamage `json:"weapon_damage,omitempty"`
	WeaponDamageType string        `json:"weapon_damage_type,omitempty"`
}

type EntityMovedZone struct {
	EntityID string `json:"entity_id"`
	ToZone   string `json:"to_zone"`
}

// ApplyDamage is the legacy damage event; it refuses to drive hp below zero.
type ApplyDamage struct {
	EntityID string `json:"entity_id"`
	Amount   int    `json:"amount"`
}

// DamageApplied clamps hp at zero.
type DamageApplied struct {
	EntityID string `json:"entity_id"`
	Amount   int    `json:"amount"`
}

type TurnStarted struct {
	EntityID string `json:"entityId"`
	Round    *int   `json:"round,omitempty"`
}

type TurnEnded struct {
	EntityID string `json:"entity_id"`
	Reason   string `json:"reason,omitempty"`
	Round    *int   `json:"round,omitempty"`
	Cursor   *int   `json:"cursor,omitempty"`
}

type AdvanceTurn struct {
	ActorEntityID string `json:"actorEntityId"`
	Reason        string `json:"reason,omitempty"`
}

type CombatStarted struct {
	ParticipantIDs []string `json:"participant_ids"`
}

type InitiativeRoll struct {
	Sides     int   `json:"sides"`
	Count     int   `json:"count"`
	Dice      []int `json:"dice"`
	Modifiers []int `json:"modifiers"`
	Total     int   `json:"total"`
}

const ContextInitiative = "INITIATIVE"

type InitiativeRolled struct {
	EntityID        string         `json:"entityId"`
	Roll            InitiativeRoll `json:"roll"`
	RngCursorBefore int            `json:"rng_cursor_before"`
	RngCursorAfter  int            `json:"rng_cursor_after"`
	Context         string         `json:"context"`
}

type InitiativeSet struct {
	Entries []InitiativeEntry `json:"entries"`
	Order   []string          `json:"order"`
}

type CombatEnded struct {
	WinningFactionID string `json:"winningFactionId,omitempty"`
}

type ActionType string

const (
	ActionMove           ActionType = "MOVE"
	ActionAttack         ActionType = "ATTACK"
	ActionPass           ActionType = "PASS"
	ActionRollInitiative ActionType = "ROLL_INITIATIVE"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionMove, ActionAttack, ActionPass, ActionRollInitiative:
		return true
	}
	return false
}

type ActionProposed struct {
	ActorEntityID  string     `json:"actorEntityId"`
	ActionType     ActionType `json:"actionType"`
	Destination    *Point     `json:"destination,omitempty"`
	TargetEntityID string     `json:"targetEntityId,omitempty"`
}

type OutcomeType string

const (
	OutcomeMoveApplied   OutcomeType = "MOVE_APPLIED"
	OutcomeDamageApplied OutcomeType = "DAMAGE_APPLIED"
)

// ActionOutcome is either a MOVE_APPLIED (To set) or a DAMAGE_APPLIED (Amount set).
type ActionOutcome struct {
	Type     OutcomeType `json:"type"`
	EntityID string      `json:"entityId"`
	To       *Point      `json:"to,omitempty"`
	Amount   int         `json:"amount,omitempty"`
}

func (o *ActionOutcome) UnmarshalJSON(b []byte) error {
	type plain ActionOutcome
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	switch p.Type {
	case OutcomeMoveApplied, OutcomeDamageApplied:
	default:
		return fmt.Errorf("unknown outcome type %q", p.Type)
	}
	*o = ActionOutcome(p)
	return nil
}

type ActionSummary struct {
	Hit            bool   `json:"hit"`
	DamageTotal    int    `json:"damage_total"`
	TargetEntityID string `json:"targetEntityId,omitempty"`
}

type ActionResolved struct {
	ProposedEventVersion *int            `json:"proposedEventVersion,omitempty"`
	ActorEntityID        string          `json:"actorEntityId"`
	ActionType           ActionType      `json:"actionType"`
	Outcomes             []ActionOutcome `json:"outcomes"`
	Summary              *ActionSummary  `json:"summary,omitempty"`
}

func (SessionCreated) EventType() EventType   { return EventSessionCreated }
func (RngSeeded) EventType() EventType        { return EventRngSeeded }
func (RollResolved) EventType() EventType     { return EventRollResolved }
func (ModeSet) EventType() EventType          { return EventModeSet }
func (ZoneAdded) EventType() EventType        { return EventZoneAdded }
func (ZoneLinked) EventType() EventType       { return EventZoneLinked }
func (EntityAdded) EventType() EventType      { return EventEntityAdded }
func (EntityMovedZone) EventType() EventType  { return EventEntityMovedZone }
func (ApplyDamage) EventType() EventType      { return EventApplyDamage }
func (DamageApplied) EventType() EventType    { return EventDamageApplied }
func (TurnStarted) EventType() EventType      { return EventTurnStarted }
func (TurnEnded) EventType() EventType        { return EventTurnEnded }
func (AdvanceTurn) EventType() EventType      { return EventAdvanceTurn }
func (CombatStarted) EventType() EventType    { return EventCombatStarted }
func (InitiativeRolled) EventType() EventType { return EventInitiativeRolled }
func (InitiativeSet) EventType() EventType    { return EventInitiativeSet }
func (CombatEnded) EventType() EventType      { return EventCombatEnded }
func (ActionProposed) EventType() EventType   { return EventActionProposed }
func (ActionResolved) EventType() EventType   { return EventActionResolved }

func (p SessionCreated) Accept(v Visitor) error   { return v.SessionCreated(p) }
func (p RngSeeded) Accept(v Visitor) error        { return v.RngSeeded(p) }
func (p RollResolved) Accept(v Visitor) error     { return v.RollResolved(p) }
func (p ModeSet) Accept(v Visitor) error          { return v.ModeSet(p) }
func (p ZoneAdded) Accept(v Visitor) error        { return v.ZoneAdded(p) }
func (p ZoneLinked) Accept(v Visitor) error       { return v.ZoneLinked(p) }
func (p EntityAdded) Accept(v Visitor) error      { return v.EntityAdded(p) }
func (p EntityMovedZone) Accept(v Visitor) error  { return v.EntityMovedZone(p) }
func (p ApplyDamage) Accept(v Visitor) error      { return v.ApplyDamage(p) }
func (p DamageApplied) Accept(v Visitor) error    { return v.DamageApplied(p) }
func (p TurnStarted) Accept(v Visitor) error      { return v.TurnStarted(p) }
func (p TurnEnded) Accept(v Visitor) error        { return v.TurnEnded(p) }
func (p AdvanceTurn) Accept(v Visitor) error      { return v.AdvanceTurn(p) }
func (p CombatStarted) Accept(v Visitor) error    { return v.CombatStarted(p) }
func (p InitiativeRolled) Accept(v Visitor) error { return v.InitiativeRolled(p) }
func (p InitiativeSet) Accept(v Visitor) error    { return v.InitiativeSet(p) }
func (p CombatEnded) Accept(v Visitor) error      { return v.CombatEnded(p) }
func (p ActionProposed) Accept(v Visitor) error   { return v.ActionProposed(p) }
func (p ActionResolved) Accept(v Visitor) error   { return v.ActionResolved(p) }

func (SessionCreated) sealed()   {}
func (RngSeeded) sealed()        {}
func (RollResolved) sealed()     {}
func (ModeSet) sealed()          {}
func (ZoneAdded) sealed()        {}
func (ZoneLinked) sealed()       {}
func (EntityAdded) sealed()      {}
func (EntityMovedZone) sealed()  {}
func (ApplyDamage) sealed()      {}
func (DamageApplied) sealed()    {}
func (TurnStarted) sealed()      {}
func (TurnEnded) sealed()        {}
func (AdvanceTurn) sealed()      {}
func (CombatStarted) sealed()    {}
func (InitiativeRolled) sealed() {}
func (InitiativeSet) sealed()    {}
func (CombatEnded) sealed()      {}
func (ActionProposed) sealed()   {}
func (ActionResolved) sealed()   {}
