package routes

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/wardenhq/warden/pkg/orchestrator"
	"github.com/wardenhq/warden/pkg/session"
	"github.com/wardenhq/warden/pkg/wapi/schemas"
	"github.com/wardenhq/warden/pkg/wapi/services"
)

type OpenSessionInput struct {
	Body schemas.OpenSessionRequest
}

type OpenSessionOutput struct {
	Body schemas.SessionResponse
}

type TurnInput struct {
	SessionID string `path:"sessionId" doc:"Session ID"`
	Body      schemas.TurnRequest
}

type TurnOutput struct {
	Body schemas.TurnResponse
}

type CloseSessionInput struct {
	SessionID string `path:"sessionId" doc:"Session ID"`
}

func RegisterSessions(api huma.API, svcs *services.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "open-session",
		Method:      http.MethodPost,
		Path:        "/api/sessions",
		Summary:     "Open a keep-alive session",
		Description: "Provision a sandbox that stays up across turns until closed or expired",
		Tags:        []string{TagSessions.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *OpenSessionInput) (*OpenSessionOutput, error) {
		principal := services.PrincipalFrom(ctx)
		if principal == nil {
			return nil, huma.Error401Unauthorized("authentication required")
		}

		info, err := svcs.Sessions.Open(ctx, principal, session.OpenOptions{
			ThreadID: input.Body.ThreadID,
			Model:    input.Body.Model,
			Backend:  input.Body.Backend,
			Image:    input.Body.Image,
			Env:      input.Body.Env,
		})
		if err != nil {
			return nil, toHumaError(err)
		}

		resp := &OpenSessionOutput{}
		resp.Body = schemas.SessionResponse{
			ID:        info.ID,
			RunID:     info.RunID,
			ExpiresAt: info.ExpiresAt.Format(time.RFC3339),
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-turn",
		Method:      http.MethodPost,
		Path:        "/api/sessions/{sessionId}/turns",
		Summary:     "Send a turn into a session",
		Tags:        []string{TagSessions.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *TurnInput) (*TurnOutput, error) {
		principal := services.PrincipalFrom(ctx)
		if principal == nil {
			return nil, huma.Error401Unauthorized("authentication required")
		}

		res, err := svcs.Sessions.Turn(ctx, input.SessionID, input.Body.Prompt, principal, orchestrator.Callbacks{})
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				return nil, huma.Error404NotFound("session not found")
			}
			// A failed turn still reports what the agent produced.
			if res != nil {
				return &TurnOutput{Body: turnResponse(res)}, nil
			}
			return nil, toHumaError(err)
		}
		return &TurnOutput{Body: turnResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-session",
		Method:      http.MethodDelete,
		Path:        "/api/sessions/{sessionId}",
		Summary:     "Close a session",
		Description: "Finish the session's run and tear down its sandbox",
		Tags:        []string{TagSessions.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *CloseSessionInput) (*struct{}, error) {
		principal := services.PrincipalFrom(ctx)
		if principal == nil {
			return nil, huma.Error401Unauthorized("authentication required")
		}

		if err := svcs.Sessions.Close(ctx, input.SessionID, principal); err != nil {
			if errors.Is(err, session.ErrNotFound) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, toHumaError(err)
		}
		return &struct{}{}, nil
	})
}

func turnResponse(res *session.TurnResult) schemas.TurnResponse {
	return schemas.TurnResponse{
		Result: res.Result,
		Cost:   res.Cost,
		Stats:  schemas.RunStats{ToolCalls: res.Stats.ToolCalls, Turns: res.Stats.Turns},
	}
}
