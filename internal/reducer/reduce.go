package reducer

import (
	"fmt"

	"skirmish/internal/domain"
)

// Reduce folds evs over s, validating each event before applying it.
// It stops at the first invalid event and returns the state reached so far.
func Reduce(s domain.Snapshot, evs []domain.Event) (domain.Snapshot, error) {
	for _, ev := range evs {
		if err := Validate(s, ev); err != nil {
			if ev.Versioned() {
				return s, fmt.Errorf("replay %s v%d: %w", ev.Type(), ev.Version, err)
			}
			return s, err
		}
		s = Apply(s, ev)
	}
	return s, nil
}
