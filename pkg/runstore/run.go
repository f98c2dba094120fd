// Package runstore is the authoritative record keeper for sandbox runs.
// It owns the run state machine and the compare-and-set transition guard;
// storage mechanics live behind the Store interface.
package runstore

import (
	"time"

	"github.com/wardenhq/warden/pkg/cost"
)

// RunError captures why a run ended badly. Kind is a werr.Code string.
type RunError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Stats holds execution counters reported by the event stream.
type Stats struct {
	ToolCalls int `json:"tool_calls"`
	Turns     int `json:"turns"`
}

// Run is the authoritative record of one sandbox execution.
//
// SandboxHandle is set at most once and never cleared while the run is
// active; LastActivityAt never decreases. Once Status is terminal the
// record is immutable except for a single cost backfill.
type Run struct {
	ID        string `json:"id"`
	ThreadID  string `json:"thread_id,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
	CreatedBy string `json:"created_by"`

	Status        Status `json:"status"`
	SandboxHandle string `json:"sandbox_handle,omitempty"`

	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`

	Model  string          `json:"model,omitempty"`
	Result string          `json:"result,omitempty"`
	Error  *RunError       `json:"error,omitempty"`
	Cost   *cost.Breakdown `json:"cost,omitempty"`
	Stats  Stats           `json:"stats"`
}
