package domain

import "encoding/json"

// normalizeRaw rewrites legacy payload shapes into the canonical one before typed decoding.
// It is the only place that knows about field aliases.
func normalizeRaw(t EventType, raw json.RawMessage) (json.RawMessage, error) {
	switch t {
	case EventActionProposed, EventAdvanceTurn, EventTurnStarted:
	default:
		return raw, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	var out map[string]any
	switch t {
	case EventActionProposed:
		out = normalizeActionProposed(m)
	case EventAdvanceTurn:
		out = normalizeAdvanceTurn(m)
	case EventTurnStarted:
		out = normalizeTurnStarted(m)
	}
	if out == nil {
		return raw, nil
	}
	return json.Marshal(out)
}

func normalizeActionProposed(m map[string]any) map[string]any {
	action, _ := m["action"].(map[string]any)
	actorObj, _ := m["actor"].(map[string]any)
	actor := firstString(m, "actorEntityId", "actor_entity_id", "actor_entity", "actorId")
	if actor == "" && actorObj != nil {
		actor = firstString(actorObj, "entityId")
	}
	actionType := firstString(m, "actionType")
	if actionType == "" && action != nil {
		actionType = firstString(action, "type")
	}
	destination := m["destination"]
	if destination == nil && action != nil {
		destination = action["destination"]
	}
	target := firstString(m, "targetEntityId")
	if target == "" && action != nil {
		target = firstString(action, "targetEntityId")
	}
	if actor == "" && actionType == "" && destination == nil && target == "" {
		return nil
	}
	out := map[string]any{
		"actorEntityId": actor,
		"actionType":    actionType,
	}
	if destination != nil {
		out["destination"] = destination
	}
	if target != "" {
		out["targetEntityId"] = target
	}
	return out
}

func normalizeAdvanceTurn(m map[string]any) map[string]any {
	actor := firstString(m, "actorEntityId", "entityId", "entity_id", "actor_entity", "actorEntity")
	if actor == "" {
		return nil
	}
	out := map[string]any{"actorEntityId": actor}
	if reason, ok := m["reason"]; ok {
		out["reason"] = reason
	}
	return out
}

func normalizeTurnStarted(m map[string]any) map[string]any {
	if _, ok := m["entityId"]; ok {
		return nil
	}
	id := firstString(m, "entity_id")
	if id == "" {
		return nil
	}
	out := map[string]any{"entityId": id}
	if round, ok := m["round"]; ok {
		out["round"] = round
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// NormalizeForSnapshot fills fields that legacy clients leave to the server.
// An ADVANCE_TURN without an actor is attributed to the entity holding the turn.
func NormalizeForSnapshot(ev Event, s Snapshot) Event {
	if p, ok := ev.Payload.(AdvanceTurn); ok && p.ActorEntityID == "" && s.Combat.ActiveEntity != "" {
		p.ActorEntityID = s.Combat.ActiveEntity
		ev.Payload = p
	}
	return ev
}
