package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"skirmish/internal/domain"
	"skirmish/internal/repo"
)

// DevSeedOptions shape the two-entity fight DevSeedCombat sets up. Zero values select
// actor "e1" at (0,0), enemy "m1" at (1,0) and seed 1.
type DevSeedOptions struct {
	ActorID   string         `json:"actorId,omitempty"`
	EnemyID   string         `json:"enemyId,omitempty"`
	Seed      *int64         `json:"seed,omitempty"`
	Positions *SeedPositions `json:"positions,omitempty"`
}

type SeedPositions struct {
	Actor *domain.Point `json:"actor,omitempty"`
	Enemy *domain.Point `json:"enemy,omitempty"`
}

type DevSeedResult struct {
	SessionID    string       `json:"session_id"`
	Version      int          `json:"version"`
	Mode         domain.Mode  `json:"mode"`
	Phase        domain.Phase `json:"phase"`
	ActiveEntity string       `json:"active_entity"`
}

const (
	seedHP         = 20
	seedActorTotal = 15
	seedEnemyTotal = 10
)

// DevSeedCombat drives a session into a fresh combat where the actor holds the first
// ACTION_WINDOW. It does nothing when the session is already in that state.
func (e Engine) DevSeedCombat(ctx context.Context, sessionID string, opts DevSeedOptions) (DevSeedResult, error) {
	actorID := strings.TrimSpace(opts.ActorID)
	if actorID == "" {
		actorID = "e1"
	}
	enemyID := strings.TrimSpace(opts.EnemyID)
	if enemyID == "" {
		enemyID = "m1"
	}
	if actorID == enemyID {
		return DevSeedResult{}, domain.Validationf("actorId and enemyId must be different")
	}
	result := DevSeedResult{
		SessionID:    sessionID,
		Mode:         domain.ModeCombat,
		Phase:        domain.PhaseActionWindow,
		ActiveEntity: actorID,
	}

	var rows []domain.PersistedEvent
	err := e.Repo.WithTx(ctx, func(tx repo.Tx) error {
		current, err := e.stateInTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if combatReady(current, actorID) {
			result.Version = current.Meta.Version
			return nil
		}
		next, inserted, err := e.appendInTx(ctx, tx, sessionID, AppendRequest{
			ExpectedVersion: current.Meta.Version,
			Events:          seedEvents(current, actorID, enemyID, opts),
		}, true)
		if err != nil {
			return err
		}
		if !combatReady(next, actorID) {
			return domain.Validationf("dev seed failed to reach COMBAT/ACTION_WINDOW with active actor")
		}
		result.Version = next.Meta.Version
		rows = inserted
		return nil
	})
	if err != nil {
		return DevSeedResult{}, err
	}
	if len(rows) > 0 {
		e.log().Info("dev combat seeded",
			zap.String("session_id", sessionID),
			zap.Int("version", result.Version),
			zap.String("active", actorID),
		)
	}
	e.publish(sessionID, rows)
	return result, nil
}

func seedEvents(current domain.Snapshot, actorID, enemyID string, opts DevSeedOptions) []domain.Event {
	seed := int64(1)
	if opts.Seed != nil {
		seed = *opts.Seed
	}
	actorAt, enemyAt := domain.Point{X: 0, Y: 0}, domain.Point{X: 1, Y: 0}
	if opts.Positions != nil {
		if opts.Positions.Actor != nil {
			actorAt = *opts.Positions.Actor
		}
		if opts.Positions.Enemy != nil {
			enemyAt = *opts.Positions.Enemy
		}
	}

	evs := []domain.Event{{Payload: domain.RngSeeded{Seed: seed}}}
	for _, ent := range []struct {
		id string
		at domain.Point
	}{{actorID, actorAt}, {enemyID, enemyAt}} {
		if _, ok := current.Entity(ent.id); ok {
			continue
		}
		at := ent.at
		evs = append(evs, domain.Event{Payload: domain.EntityAdded{
			EntityID: ent.id,
			Name:     ent.id,
			HP:       seedHP,
			Position: &at,
		}})
	}
	return append(evs,
		domain.Event{Payload: domain.ModeSet{Mode: domain.ModeCombat}},
		domain.Event{Payload: domain.CombatStarted{ParticipantIDs: []string{actorID, enemyID}}},
		domain.Event{Payload: domain.InitiativeSet{
			Entries: []domain.InitiativeEntry{
				{EntityID: actorID, Total: seedActorTotal, Source: domain.SourceHumanDeclared, Tiebreak: domain.TiebreakTotal},
				{EntityID: enemyID, Total: seedEnemyTotal, Source: domain.SourceHumanDeclared, Tiebreak: domain.TiebreakTotal},
			},
			Order: []string{actorID, enemyID},
		}},
	)
}

// combatReady reports whether actorID holds an untouched ACTION_WINDOW in active combat.
func combatReady(s domain.Snapshot, actorID string) bool {
	c := s.Combat
	return s.Mode == domain.ModeCombat &&
		c.Active &&
		c.Phase.Normalize() == domain.PhaseActionWindow &&
		c.ActiveEntity == actorID &&
		len(c.Initiative) >= 2 &&
		len(c.InitiativeEntries) >= 2 &&
		!c.HasUsedAction() &&
		c.MovementRemaining == domain.DefaultMovement
}
