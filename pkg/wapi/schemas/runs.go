package schemas

import (
	"github.com/wardenhq/warden/pkg/cost"
)

// ExecuteRequest submits one prompt for execution in a fresh sandbox.
type ExecuteRequest struct {
	Prompt   string `json:"prompt" doc:"Prompt for the agent" minLength:"1"`
	ThreadID string `json:"thread_id,omitempty" doc:"Conversation thread to attach the run to"`

	Model        string            `json:"model,omitempty" doc:"Model identifier"`
	Backend      string            `json:"backend,omitempty" doc:"Sandbox backend. Defaults to the configured default"`
	Image        string            `json:"image,omitempty" doc:"Sandbox image or template"`
	TimeoutSec   int               `json:"timeout_sec,omitempty" doc:"Agent wall-clock timeout in seconds"`
	AllowedTools []string          `json:"allowed_tools,omitempty" doc:"Tools the agent may use"`
	WorkDir      string            `json:"work_dir,omitempty" doc:"Working directory inside the sandbox"`
	Env          map[string]string `json:"env,omitempty" doc:"Extra environment for the sandbox"`

	ArtifactPaths []string `json:"artifact_paths,omitempty" doc:"Sandbox files to capture after completion"`
}

// RunError mirrors the error recorded on a failed run.
type RunError struct {
	Kind    string `json:"kind" doc:"Error category"`
	Message string `json:"message" doc:"Human-readable detail"`
}

// RunStats are the per-run counters.
type RunStats struct {
	ToolCalls int `json:"tool_calls" doc:"Number of tool invocations"`
	Turns     int `json:"turns" doc:"Number of agent turns"`
}

// RunResponse is the API view of a run record.
type RunResponse struct {
	ID       string `json:"id" doc:"Run ID"`
	ThreadID string `json:"thread_id,omitempty" doc:"Thread the run belongs to"`
	Status   string `json:"status" doc:"Run status"`
	Model    string `json:"model,omitempty" doc:"Model used"`

	Result string          `json:"result,omitempty" doc:"Final agent result"`
	Error  *RunError       `json:"error,omitempty" doc:"Recorded failure, if any"`
	Cost   *cost.Breakdown `json:"cost,omitempty" doc:"Priced usage in USD"`
	Stats  RunStats        `json:"stats" doc:"Run counters"`

	StartedAt  string  `json:"started_at" doc:"Creation timestamp"`
	FinishedAt *string `json:"finished_at,omitempty" doc:"Terminal timestamp"`

	Artifacts []RunArtifact `json:"artifacts,omitempty" doc:"Captured artifacts"`
}

// RunArtifact describes one stored artifact.
type RunArtifact struct {
	Key         string `json:"key" doc:"Storage key"`
	Name        string `json:"name" doc:"Filename"`
	Size        int64  `json:"size" doc:"Size in bytes"`
	ContentType string `json:"content_type" doc:"MIME type"`
	URL         string `json:"url,omitempty" doc:"Presigned download URL"`
}
