package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"skirmish/internal/domain"
	"skirmish/internal/engine"
)

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{OK: true}}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-session",
		Method:      http.MethodPost,
		Path:        "/sessions",
		Summary:     "Create a session",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body *CreateSessionRequest `json:"body" required:"false"`
	}) (*struct {
		Body CreateSessionResponse `json:"body"`
	}, error) {
		ruleset := ""
		if input.Body != nil {
			ruleset = input.Body.Ruleset
		}
		res, err := e.CreateSession(ctx, ruleset)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateSessionResponse `json:"body"`
		}{Body: CreateSessionResponse{OK: true, SessionID: res.SessionID, Version: res.Version}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-state",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/state",
		Summary:     "Current session state",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body StateResponse `json:"body"`
	}, error) {
		s, err := e.GetState(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StateResponse `json:"body"`
		}{Body: StateResponse{OK: true, State: s}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replay-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/replay",
		Summary:     "Rebuild state from the event log without snapshots",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		From int    `query:"from" doc:"first replayed version; earlier events form the base"`
		To   int    `query:"to" doc:"last replayed version; 0 means latest"`
	}) (*struct {
		Body ReplayResponse `json:"body"`
	}, error) {
		res, err := e.Replay(ctx, input.ID, input.From, input.To)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReplayResponse `json:"body"`
		}{Body: ReplayResponse{OK: true, SessionID: input.ID, ReplayResult: res}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/events",
		Summary:     "List persisted events",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		From int    `query:"from"`
		To   int    `query:"to"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		rows, err := e.GetEvents(ctx, input.ID, input.From, input.To)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: EventsResponse{
			OK:        true,
			SessionID: input.ID,
			From:      optionalBound(input.From),
			To:        optionalBound(input.To),
			Count:     len(rows),
			Events:    rows,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "append-events",
		Method:        http.MethodPost,
		Path:          "/sessions/{id}/events",
		Summary:       "Append events at an expected version",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		RawBody []byte `contentType:"application/json"`
	}) (*struct {
		Body StateResponse `json:"body"`
	}, error) {
		req, err := decodeAppend(input.RawBody)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := e.AppendEvents(ctx, input.ID, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StateResponse `json:"body"`
		}{Body: StateResponse{OK: true, State: s}}, nil
	})
}

// decodeAppend parses the append body by hand since event payloads are typed by their
// sibling "type" field.
func decodeAppend(body []byte) (engine.AppendRequest, error) {
	var envelope struct {
		ExpectedVersion *int              `json:"expected_version"`
		Events          []json.RawMessage `json:"events"`
	}
	if len(body) == 0 {
		return engine.AppendRequest{}, domain.Validationf("body required")
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return engine.AppendRequest{}, domain.Wrap(domain.CodeValidation, "invalid request body", err)
	}
	if envelope.ExpectedVersion == nil || *envelope.ExpectedVersion < 0 {
		return engine.AppendRequest{}, domain.Validationf("expected_version must be a non-negative integer")
	}
	if len(envelope.Events) == 0 {
		return engine.AppendRequest{}, domain.Validationf("events must be a non-empty array")
	}
	req := engine.AppendRequest{ExpectedVersion: *envelope.ExpectedVersion, Events: make([]domain.Event, len(envelope.Events))}
	for i, raw := range envelope.Events {
		if err := json.Unmarshal(raw, &req.Events[i]); err != nil {
			var de *domain.Error
			if errors.As(err, &de) {
				return engine.AppendRequest{}, &domain.Error{Code: domain.CodeValidation, Message: "events[" + strconv.Itoa(i) + "]: " + de.Message, Cause: err}
			}
			return engine.AppendRequest{}, domain.Wrap(domain.CodeValidation, "events["+strconv.Itoa(i)+"]: invalid event", err)
		}
	}
	return req, nil
}

func registerDev(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-seed-combat",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/dev/seed-combat",
		Summary:     "DEV ONLY: put the session into a ready two-entity combat",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body *engine.DevSeedOptions `json:"body" required:"false"`
	}) (*struct {
		Body DevSeedResponse `json:"body"`
	}, error) {
		var opts engine.DevSeedOptions
		if input.Body != nil {
			opts = *input.Body
		}
		res, err := e.DevSeedCombat(ctx, input.ID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DevSeedResponse `json:"body"`
		}{Body: DevSeedResponse{OK: true, DevSeedResult: res}}, nil
	})
}
