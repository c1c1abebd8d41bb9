package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type wireEvent struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Version int             `json:"version,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event has no payload")
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Type: e.Type(), Payload: payload, Version: e.Version})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return Wrap(CodeValidation, "invalid event", err)
	}
	p, err := DecodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}
	e.Version = w.Version
	e.Payload = p
	return nil
}

// DecodePayload builds the typed payload for an event type, folding legacy field aliases first.
func DecodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = json.RawMessage("{}")
	}
	raw, err := normalizeRaw(t, raw)
	if err != nil {
		return nil, Wrap(CodeValidation, fmt.Sprintf("invalid %s payload", t), err)
	}
	switch t {
	case EventSessionCreated:
		return decode[SessionCreated](t, raw)
	case EventRngSeeded:
		return decode[RngSeeded](t, raw)
	case EventRollResolved:
		return decode[RollResolved](t, raw)
	case EventModeSet:
		return decode[ModeSet](t, raw)
	case EventZoneAdded:
		return decode[ZoneAdded](t, raw)
	case EventZoneLinked:
		return decode[ZoneLinked](t, raw)
	case EventEntityAdded:
		return decode[EntityAdded](t, raw)
	case EventEntityMovedZone:
		return decode[EntityMovedZone](t, raw)
	case EventApplyDamage:
		return decode[ApplyDamage](t, raw)
	case EventDamageApplied:
		return decode[DamageApplied](t, raw)
	case EventTurnStarted:
		return decode[TurnStarted](t, raw)
	case EventTurnEnded:
		return decode[TurnEnded](t, raw)
	case EventAdvanceTurn:
		return decode[AdvanceTurn](t, raw)
	case EventCombatStarted:
		return decode[CombatStarted](t, raw)
	case EventInitiativeRolled:
		return decode[InitiativeRolled](t, raw)
	case EventInitiativeSet:
		return decode[InitiativeSet](t, raw)
	case EventCombatEnded:
		return decode[CombatEnded](t, raw)
	case EventActionProposed:
		return decode[ActionProposed](t, raw)
	case EventActionResolved:
		return decode[ActionResolved](t, raw)
	default:
		return nil, Validationf("unknown event type: %q", t)
	}
}

func decode[T Payload](t EventType, raw json.RawMessage) (Payload, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, Wrap(CodeValidation, fmt.Sprintf("invalid %s payload", t), err)
	}
	return p, nil
}

// PersistedEvent is the storage and wire form of a versioned event.
type PersistedEvent struct {
	SessionID    string          `json:"session_id"`
	Version      int             `json:"version"`
	EventType    EventType       `json:"event_type"`
	EventPayload json.RawMessage `json:"event_payload"`
	CreatedAt    string          `json:"created_at"`
}

// NewPersistedEvent encodes ev for storage at the given version.
func NewPersistedEvent(sessionID string, version int, ev Event, createdAt string) (PersistedEvent, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return PersistedEvent{}, fmt.Errorf("marshal %s payload: %w", ev.Type(), err)
	}
	return PersistedEvent{
		SessionID:    sessionID,
		Version:      version,
		EventType:    ev.Type(),
		EventPayload: payload,
		CreatedAt:    createdAt,
	}, nil
}

// Event decodes the stored row back into a versioned domain event.
func (p PersistedEvent) Event() (Event, error) {
	payload, err := DecodePayload(p.EventType, p.EventPayload)
	if err != nil {
		return Event{}, err
	}
	return Event{Version: p.Version, Payload: payload}, nil
}

// DecodePersisted converts a slice of stored rows into domain events.
func DecodePersisted(rows []PersistedEvent) ([]Event, error) {
	out := make([]Event, 0, len(rows))
	for _, row := range rows {
		ev, err := row.Event()
		if err != nil {
			return nil, fmt.Errorf("decode event v%d: %w", row.Version, err)
		}
		out = append(out, ev)
	}
	return out, nil
}
