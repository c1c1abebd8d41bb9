package server

import (
	"skirmish/internal/domain"
	"skirmish/internal/engine"
)

// Request payloads

type CreateSessionRequest struct {
	Ruleset string `json:"ruleset,omitempty" example:"5e"`
}

// Responses

type HealthResponse struct {
	OK bool `json:"ok"`
}

type CreateSessionResponse struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id"`
	Version   int    `json:"version"`
}

type StateResponse struct {
	OK    bool            `json:"ok"`
	State domain.Snapshot `json:"state"`
}

type EventsResponse struct {
	OK        bool                    `json:"ok"`
	SessionID string                  `json:"session_id"`
	From      *int                    `json:"from"`
	To        *int                    `json:"to"`
	Count     int                     `json:"count"`
	Events    []domain.PersistedEvent `json:"events"`
}

type ReplayResponse struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id"`
	engine.ReplayResult
}

type DevSeedResponse struct {
	OK bool `json:"ok"`
	engine.DevSeedResult
}

func optionalBound(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}
