package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/wardenhq/warden/pkg/artifact"
	"github.com/wardenhq/warden/pkg/orchestrator"
	"github.com/wardenhq/warden/pkg/runstore"
	"github.com/wardenhq/warden/pkg/stream"
	"github.com/wardenhq/warden/pkg/wapi/schemas"
	"github.com/wardenhq/warden/pkg/wapi/services"
	"github.com/wardenhq/warden/pkg/wauth"
	"github.com/wardenhq/warden/pkg/werr"
)

const presignExpiry = time.Hour

type ExecuteRunInput struct {
	Body schemas.ExecuteRequest
}

type ExecuteRunOutput struct {
	Body schemas.RunResponse
}

type GetRunInput struct {
	RunID string `path:"runId" doc:"Run ID"`
}

type GetRunOutput struct {
	Body schemas.RunResponse
}

type ListRunsInput struct {
	ThreadID string `query:"thread_id" doc:"List runs in this thread instead of the caller's own" required:"false"`
	Limit    int    `query:"limit" doc:"Maximum number of runs" required:"false" minimum:"1" maximum:"200"`
}

type ListRunsOutput struct {
	Body struct {
		Runs []schemas.RunResponse `json:"runs" doc:"Runs, newest first"`
	}
}

type CancelRunInput struct {
	RunID string `path:"runId" doc:"Run ID"`
}

type ListRunArtifactsInput struct {
	RunID string `path:"runId" doc:"Run ID"`
}

type ListRunArtifactsOutput struct {
	Body struct {
		Artifacts []schemas.RunArtifact `json:"artifacts" doc:"Captured artifacts"`
	}
}

type GetArtifactURLInput struct {
	RunID string `path:"runId" doc:"Run ID"`
	Name  string `path:"name" doc:"Artifact filename"`
}

type GetArtifactURLOutput struct {
	Body struct {
		URL string `json:"url" doc:"Presigned download URL"`
	}
}

func RegisterRuns(api huma.API, svcs *services.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "execute-run",
		Method:      http.MethodPost,
		Path:        "/api/runs",
		Summary:     "Execute a prompt",
		Description: "Run the prompt in a fresh sandbox and wait for the terminal result",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *ExecuteRunInput) (*ExecuteRunOutput, error) {
		principal := services.PrincipalFrom(ctx)
		if principal == nil {
			return nil, huma.Error401Unauthorized("authentication required")
		}

		outcome, err := svcs.Orch.Execute(ctx, executeRequest(input.Body, principal))
		if outcome == nil {
			return nil, toHumaError(err)
		}

		// A failed run is still a completed request; the status and
		// error fields carry the verdict.
		resp := &ExecuteRunOutput{Body: outcomeResponse(ctx, svcs, outcome)}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-run-stream",
		Method:      http.MethodPost,
		Path:        "/api/runs/stream",
		Summary:     "Execute a prompt, streaming events",
		Description: "Run the prompt and stream agent events as NDJSON, ending with an outcome line",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *ExecuteRunInput) (*huma.StreamResponse, error) {
		principal := services.PrincipalFrom(ctx)
		if principal == nil {
			return nil, huma.Error401Unauthorized("authentication required")
		}
		req := executeRequest(input.Body, principal)

		return &huma.StreamResponse{
			Body: func(hctx huma.Context) {
				hctx.SetHeader("Content-Type", "application/x-ndjson")
				w := hctx.BodyWriter()
				flush := func() {
					if f, ok := w.(http.Flusher); ok {
						f.Flush()
					}
				}

				req.Callbacks = orchestrator.Callbacks{
					OnEvent: func(ev stream.Event) {
						if line := encodeEvent(ev); line != nil {
							w.Write(line)
							w.Write([]byte("\n"))
							flush()
						}
					},
				}

				writeLine := func(v map[string]any) {
					if line, err := json.Marshal(v); err == nil {
						w.Write(line)
						w.Write([]byte("\n"))
						flush()
					}
				}

				outcome, err := svcs.Orch.Execute(hctx.Context(), req)
				if outcome == nil {
					// No run was created (admission rejection, bad
					// backend). A terminal error line keeps this
					// distinguishable from a dropped connection.
					if err != nil {
						writeLine(map[string]any{
							"type": "error",
							"data": map[string]string{
								"kind":    string(werr.CodeOf(err)),
								"message": err.Error(),
							},
						})
					}
					return
				}
				writeLine(map[string]any{
					"type": "outcome",
					"data": outcomeResponse(hctx.Context(), svcs, outcome),
				})
			},
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/api/runs/{runId}",
		Summary:     "Get run details",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *GetRunInput) (*GetRunOutput, error) {
		run, err := authorizedRun(ctx, svcs, input.RunID)
		if err != nil {
			return nil, err
		}
		return &GetRunOutput{Body: toRunResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/api/runs",
		Summary:     "List runs",
		Description: "List the caller's runs, or a thread's runs, newest first",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *ListRunsInput) (*ListRunsOutput, error) {
		principal := services.PrincipalFrom(ctx)
		if principal == nil {
			return nil, huma.Error401Unauthorized("authentication required")
		}

		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}

		var runs []*runstore.Run
		var err error
		if input.ThreadID != "" {
			// Visibility is pushed into the store query: elevated
			// principals see the whole thread within their tenant,
			// everyone else only their own runs.
			createdBy := principal.Subject
			if principal.Elevated() {
				createdBy = ""
			}
			runs, err = svcs.Store.ListByThread(ctx, input.ThreadID, principal.Tenant, createdBy, limit)
		} else {
			runs, err = svcs.Store.ListByPrincipal(ctx, principal.Subject, limit)
		}
		if err != nil {
			return nil, huma.Error500InternalServerError(err.Error())
		}

		resp := &ListRunsOutput{}
		resp.Body.Runs = make([]schemas.RunResponse, 0, len(runs))
		for _, run := range runs {
			resp.Body.Runs = append(resp.Body.Runs, toRunResponse(run))
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-run",
		Method:      http.MethodDelete,
		Path:        "/api/runs/{runId}",
		Summary:     "Cancel a run",
		Description: "Cancel an active run and kill its sandbox. Canceling a finished run is a no-op",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *CancelRunInput) (*struct{}, error) {
		principal := services.PrincipalFrom(ctx)
		if principal == nil {
			return nil, huma.Error401Unauthorized("authentication required")
		}
		if err := svcs.Orch.Cancel(ctx, input.RunID, principal); err != nil {
			return nil, toHumaError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-artifacts",
		Method:      http.MethodGet,
		Path:        "/api/runs/{runId}/artifacts",
		Summary:     "List run artifacts",
		Tags:        []string{TagArtifacts.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *ListRunArtifactsInput) (*ListRunArtifactsOutput, error) {
		if _, err := authorizedRun(ctx, svcs, input.RunID); err != nil {
			return nil, err
		}
		if svcs.Artifacts == nil {
			return nil, huma.Error501NotImplemented("artifact storage not configured")
		}

		objects, err := svcs.Artifacts.List(ctx, artifact.RunPrefix(input.RunID))
		if err != nil {
			return nil, huma.Error500InternalServerError(err.Error())
		}

		resp := &ListRunArtifactsOutput{}
		resp.Body.Artifacts = make([]schemas.RunArtifact, 0, len(objects))
		for _, obj := range objects {
			resp.Body.Artifacts = append(resp.Body.Artifacts, toArtifact(obj))
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-artifact-url",
		Method:      http.MethodGet,
		Path:        "/api/runs/{runId}/artifacts/{name}/url",
		Summary:     "Get artifact download URL",
		Tags:        []string{TagArtifacts.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *GetArtifactURLInput) (*GetArtifactURLOutput, error) {
		if _, err := authorizedRun(ctx, svcs, input.RunID); err != nil {
			return nil, err
		}
		if svcs.Artifacts == nil {
			return nil, huma.Error501NotImplemented("artifact storage not configured")
		}

		url, err := svcs.Artifacts.PresignedURL(ctx, artifact.RunKey(input.RunID, input.Name), presignExpiry)
		if err != nil {
			return nil, huma.Error500InternalServerError(err.Error())
		}
		resp := &GetArtifactURLOutput{}
		resp.Body.URL = url
		return resp, nil
	})
}

// authorizedRun loads the run and checks that the caller may see it.
func authorizedRun(ctx context.Context, svcs *services.Services, runID string) (*runstore.Run, error) {
	principal := services.PrincipalFrom(ctx)
	if principal == nil {
		return nil, huma.Error401Unauthorized("authentication required")
	}
	run, err := svcs.Store.Get(ctx, runID)
	if err != nil {
		if err == runstore.ErrNotFound {
			return nil, huma.Error404NotFound("run not found")
		}
		return nil, huma.Error500InternalServerError(err.Error())
	}
	if !principal.CanCancel(run.CreatedBy, run.TenantID) {
		return nil, huma.Error403Forbidden("not your run")
	}
	return run, nil
}

func executeRequest(body schemas.ExecuteRequest, principal *wauth.Principal) orchestrator.Request {
	return orchestrator.Request{
		Prompt:        body.Prompt,
		Principal:     principal,
		ThreadID:      body.ThreadID,
		Model:         body.Model,
		Backend:       body.Backend,
		Image:         body.Image,
		TimeoutSec:    body.TimeoutSec,
		AllowedTools:  body.AllowedTools,
		WorkDir:       body.WorkDir,
		Env:           body.Env,
		ArtifactPaths: body.ArtifactPaths,
	}
}

// outcomeResponse renders the stored record enriched with what the
// outcome carries that the record does not (captured artifacts).
func outcomeResponse(ctx context.Context, svcs *services.Services, outcome *orchestrator.Outcome) schemas.RunResponse {
	resp := schemas.RunResponse{
		ID:     outcome.RunID,
		Status: string(outcome.Status),
		Result: outcome.Result,
		Cost:   &outcome.Cost,
		Stats:  schemas.RunStats{ToolCalls: outcome.Stats.ToolCalls, Turns: outcome.Stats.Turns},
	}
	if outcome.Error != nil {
		resp.Error = &schemas.RunError{Kind: outcome.Error.Kind, Message: outcome.Error.Message}
	}
	for _, a := range outcome.Artifacts {
		resp.Artifacts = append(resp.Artifacts, toArtifact(a))
	}
	if run, err := svcs.Store.Get(ctx, outcome.RunID); err == nil {
		resp.ThreadID = run.ThreadID
		resp.Model = run.Model
		resp.StartedAt = run.StartedAt.Format(time.RFC3339)
		if run.FinishedAt != nil {
			finished := run.FinishedAt.Format(time.RFC3339)
			resp.FinishedAt = &finished
		}
	}
	return resp
}

func toRunResponse(run *runstore.Run) schemas.RunResponse {
	resp := schemas.RunResponse{
		ID:        run.ID,
		ThreadID:  run.ThreadID,
		Status:    string(run.Status),
		Model:     run.Model,
		Result:    run.Result,
		Cost:      run.Cost,
		Stats:     schemas.RunStats{ToolCalls: run.Stats.ToolCalls, Turns: run.Stats.Turns},
		StartedAt: run.StartedAt.Format(time.RFC3339),
	}
	if run.Error != nil {
		resp.Error = &schemas.RunError{Kind: run.Error.Kind, Message: run.Error.Message}
	}
	if run.FinishedAt != nil {
		finished := run.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &finished
	}
	return resp
}

func toArtifact(a *artifact.Artifact) schemas.RunArtifact {
	return schemas.RunArtifact{
		Key:         a.Key,
		Name:        a.Name,
		Size:        a.Size,
		ContentType: a.ContentType,
		URL:         a.URL,
	}
}

// encodeEvent re-frames one decoded event as a wire line. Raw lines
// pass through verbatim.
func encodeEvent(ev stream.Event) []byte {
	if ev.Type == stream.TypeRaw {
		return []byte(ev.Raw)
	}
	var data any
	switch {
	case ev.Start != nil:
		data = ev.Start
	case ev.Text != nil:
		data = ev.Text
	case ev.Thinking != nil:
		data = ev.Thinking
	case ev.ToolUse != nil:
		data = ev.ToolUse
	case ev.ToolResult != nil:
		data = ev.ToolResult
	case ev.Error != nil:
		data = ev.Error
	case ev.Result != nil:
		data = ev.Result
	default:
		data = struct{}{}
	}
	line, err := json.Marshal(map[string]any{"type": string(ev.Type), "data": data})
	if err != nil {
		return nil
	}
	return line
}

// toHumaError maps error codes onto HTTP statuses.
func toHumaError(err error) error {
	if err == nil {
		return nil
	}
	switch werr.CodeOf(err) {
	case werr.CodeRateLimit:
		return huma.Error429TooManyRequests(err.Error())
	case werr.CodeUnauthorized:
		return huma.Error403Forbidden(err.Error())
	case werr.CodeTimeout:
		return huma.Error504GatewayTimeout(err.Error())
	case werr.CodeSandbox:
		return huma.Error502BadGateway(err.Error())
	default:
		return huma.Error500InternalServerError(err.Error())
	}
}
