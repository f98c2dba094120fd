package routes

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/wardenhq/warden/pkg/wapi/services"
)

// HealthOutput reports the controller's configured state.
type HealthOutput struct {
	Body struct {
		Status   string   `json:"status" doc:"Always ok when the controller is serving"`
		Backends []string `json:"backends" doc:"Registered sandbox backends"`
	}
}

func RegisterAPI(api huma.API, svcs *services.Services) {
	if svcs.Auth != nil {
		api.UseMiddleware(svcs.Auth.Middleware())
	}
	RegisterHealth(api, svcs)
	RegisterRuns(api, svcs)
	RegisterSessions(api, svcs)
}

func RegisterHealth(api huma.API, svcs *services.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health check",
		Tags:        []string{TagHealth.String()},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		resp := &HealthOutput{}
		resp.Body.Status = "ok"
		if svcs.Backends != nil {
			resp.Body.Backends = svcs.Backends.Names()
		}
		return resp, nil
	})
}
