package reducer

import "skirmish/internal/domain"

// AliveFactions lists the factions with at least one living entrant, in initiative order.
// When no living entrant declares a faction, each one counts as a faction of its own
// and is reported under its entity id.
func AliveFactions(s domain.Snapshot) []string {
	var alive []domain.EntityState
	explicit := false
	for _, id := range s.Combat.Initiative {
		e, ok := s.Entities[id]
		if !ok || !e.Alive() {
			continue
		}
		alive = append(alive, e)
		if e.FactionID != "" {
			explicit = true
		}
	}

	out := make([]string, 0, len(alive))
	seen := make(map[string]struct{}, len(alive))
	for _, e := range alive {
		key := e.ID
		if explicit {
			key = e.FactionID
			if key == "" {
				key = domain.DefaultFaction
			}
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

// IsCombatOver reports whether at most one faction is left standing, and which one.
func IsCombatOver(s domain.Snapshot) (bool, string) {
	factions := AliveFactions(s)
	switch len(factions) {
	case 0:
		return true, ""
	case 1:
		return true, factions[0]
	default:
		return false, ""
	}
}
