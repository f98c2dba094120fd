package services

import (
	"github.com/wardenhq/warden/pkg/artifact"
	"github.com/wardenhq/warden/pkg/orchestrator"
	"github.com/wardenhq/warden/pkg/runstore"
	"github.com/wardenhq/warden/pkg/sandbox"
	"github.com/wardenhq/warden/pkg/session"
)

// Services bundles everything the routes need.
type Services struct {
	Auth      *AuthService
	Orch      *orchestrator.Orchestrator
	Sessions  *session.Manager
	Store     runstore.Store
	Artifacts artifact.Store
	Backends  *sandbox.Registry
}
