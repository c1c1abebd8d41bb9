package domain

import "time"

// DefaultSnapshotKeyEvents are event types that always trigger a cache snapshot.
var DefaultSnapshotKeyEvents = []EventType{EventCombatEnded}

// MakeInitialSnapshot returns the version 0 state of a session.
func MakeInitialSnapshot(sessionID, ruleset string, createdAt time.Time) Snapshot {
	if ruleset == "" {
		ruleset = "default"
	}
	return Snapshot{
		Meta: Meta{
			SessionID: sessionID,
			Version:   0,
			Ruleset:   ruleset,
			CreatedAt: createdAt.UTC().Format(time.RFC3339),
		},
		Mode: ModeExploration,
		Combat: CombatState{
			Initiative:        []string{},
			InitiativeEntries: []InitiativeEntry{},
			Phase:             PhaseStart,
			MovementRemaining: DefaultMovement,
		},
		Map: MapState{
			Zones:     map[string]Zone{},
			Adjacency: map[string][]string{},
		},
		Entities: map[string]EntityState{},
	}
}

// ShouldTakeSnapshot decides whether the state at version is worth caching.
// With no keyEvents given, DefaultSnapshotKeyEvents applies.
func ShouldTakeSnapshot(version, every int, lastType EventType, keyEvents ...EventType) bool {
	if version <= 0 {
		return false
	}
	if every > 0 && version%every == 0 {
		return true
	}
	if keyEvents == nil {
		keyEvents = DefaultSnapshotKeyEvents
	}
	if lastType == "" {
		return false
	}
	for _, t := range keyEvents {
		if t == lastType {
			return true
		}
	}
	return false
}
