package schemas

import "github.com/wardenhq/warden/pkg/cost"

// OpenSessionRequest starts a keep-alive session with a dedicated sandbox.
type OpenSessionRequest struct {
	ThreadID string            `json:"thread_id,omitempty" doc:"Conversation thread"`
	Model    string            `json:"model,omitempty" doc:"Model identifier"`
	Backend  string            `json:"backend,omitempty" doc:"Sandbox backend"`
	Image    string            `json:"image,omitempty" doc:"Sandbox image or template"`
	Env      map[string]string `json:"env,omitempty" doc:"Extra environment for the sandbox"`
}

// SessionResponse describes an open session.
type SessionResponse struct {
	ID        string `json:"id" doc:"Session ID"`
	RunID     string `json:"run_id" doc:"Run backing this session"`
	ExpiresAt string `json:"expires_at" doc:"When the session will be swept if idle"`
}

// TurnRequest sends one prompt into an open session.
type TurnRequest struct {
	Prompt string `json:"prompt" doc:"Prompt for this turn" minLength:"1"`
}

// TurnResponse is the outcome of one turn.
type TurnResponse struct {
	Result string         `json:"result,omitempty" doc:"Agent result for this turn"`
	Cost   cost.Breakdown `json:"cost" doc:"Priced usage for this turn"`
	Stats  RunStats       `json:"stats" doc:"Turn counters"`
}
