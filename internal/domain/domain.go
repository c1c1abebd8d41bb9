package domain

import "encoding/json"

type Mode string

const (
	ModeCombat      Mode = "COMBAT"
	ModeExploration Mode = "EXPLORATION"
)

type Phase string

const (
	PhaseStart        Phase = "START"
	PhaseActionWindow Phase = "ACTION_WINDOW"
	PhaseEnd          Phase = "END"

	phaseActionLegacy Phase = "ACTION"
)

// Normalize folds the legacy ACTION alias into ACTION_WINDOW.
func (p Phase) Normalize() Phase {
	if p == phaseActionLegacy {
		return PhaseActionWindow
	}
	return p
}

func (p *Phase) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*p = Phase(s).Normalize()
	return nil
}

const (
	DefaultFaction      = "neutral"
	DefaultMovement     = 6
	DefaultArmorClass   = 10
	DefaultAbilityScore = 10
	DefaultLevel        = 1
	DefaultDamageType   = "physical"
	AbilityStr          = "STR"
	AbilityDex          = "DEX"
)

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Manhattan returns the grid distance between two points.
func Manhattan(a, b Point) int {
	return abs(a.X-b.X) + abs(a.Y-b.Y)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

type WeaponDamage struct {
	Count int `json:"count"`
	Sides int `json:"sides"`
}

type Zone struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type EntityState struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	HP               int          `json:"hp"`
	Zone             *string      `json:"zone"`
	FactionID        string       `json:"factionId,omitempty"`
	Position         *Point       `json:"position,omitempty"`
	AC               *int         `json:"ac,omitempty"`
	Level            int          `json:"level"`
	Str              int          `json:"str"`
	Dex              int          `json:"dex"`
	Con              int          `json:"con"`
	Int              int          `json:"int"`
	Wis              int          `json:"wis"`
	Cha              int          `json:"cha"`
	Proficient       bool         `json:"proficient"`
	AttackAbility    string       `json:"attack_ability"`
	WeaponDamage     WeaponDamage `json:"weapon_damage"`
	WeaponDamageType string       `json:"weapon_damage_type"`
}

func (e EntityState) Alive() bool { return e.HP > 0 }

// ArmorClass returns the entity's AC, defaulting to 10.
func (e EntityState) ArmorClass() int {
	if e.AC != nil {
		return *e.AC
	}
	return DefaultArmorClass
}

type InitiativeSource string

const (
	SourceAIRoll        InitiativeSource = "AI_ROLL"
	SourceHumanDeclared InitiativeSource = "HUMAN_DECLARED"
)

type Tiebreak string

const (
	TiebreakTotal    Tiebreak = "TOTAL"
	TiebreakDex      Tiebreak = "DEX"
	TiebreakEntityID Tiebreak = "ENTITY_ID"
)

type InitiativeEntry struct {
	EntityID string           `json:"entityId"`
	Total    int              `json:"total"`
	DexMod   *int             `json:"dex_mod,omitempty"`
	Tiebreak Tiebreak         `json:"tiebreak,omitempty"`
	Source   InitiativeSource `json:"source"`

	// RngFields lists roll fields a client tried to smuggle into the entry.
	RngFields []string `json:"-"`
}

var rngEntryFields = []string{"rng_cursor_before", "rng_cursor_after", "roll", "context"}

func (e *InitiativeEntry) UnmarshalJSON(b []byte) error {
	type plain InitiativeEntry
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for _, f := range rngEntryFields {
		if _, ok := raw[f]; ok {
			p.RngFields = append(p.RngFields, f)
		}
	}
	*e = InitiativeEntry(p)
	return nil
}

type CombatState struct {
	Active            bool              `json:"active"`
	Round             int               `json:"round"`
	Initiative        []string          `json:"initiative"`
	InitiativeEntries []InitiativeEntry `json:"initiative_entries"`
	Cursor            int               `json:"cursor"`
	// ActiveEntity is empty when no entity holds the turn.
	ActiveEntity      string            `json:"active_entity"`
	Phase             Phase             `json:"phase"`
	ActionUsed        bool              `json:"action_used"`
	TurnActionsUsed   int               `json:"turn_actions_used"`
	MovementRemaining int               `json:"movement_remaining"`
}

// HasUsedAction reports whether the active entity spent its action this turn.
func (c CombatState) HasUsedAction() bool {
	return c.ActionUsed || c.TurnActionsUsed >= 1
}

type MapState struct {
	Zones     map[string]Zone     `json:"zones"`
	Adjacency map[string][]string `json:"adjacency"`
}

type RngState struct {
	Seed   int64 `json:"seed"`
	Cursor int   `json:"cursor"`
}

type Meta struct {
	SessionID string `json:"session_id"`
	Version   int    `json:"version"`
	Ruleset   string `json:"ruleset"`
	CreatedAt string `json:"created_at"`
}

// Snapshot is the materialized state of one session at Meta.Version.
type Snapshot struct {
	Meta     Meta                   `json:"meta"`
	Mode     Mode                   `json:"mode"`
	Combat   CombatState            `json:"combat"`
	Map      MapState               `json:"map"`
	Entities map[string]EntityState `json:"entities"`
	Rng      RngState               `json:"rng"`
}

func (s Snapshot) Entity(id string) (EntityState, bool) {
	if id == "" {
		return EntityState{}, false
	}
	e, ok := s.Entities[id]
	return e, ok
}

// ActiveAlive reports whether the active entity exists and has hp left.
func (s Snapshot) ActiveAlive() bool {
	e, ok := s.Entity(s.Combat.ActiveEntity)
	return ok && e.Alive()
}
