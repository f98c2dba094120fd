// Package stream turns the agent's append-only byte stream into typed
// events. The decoder is a pure function of bytes in to events out; it
// holds no run identity and can be restarted per run.
package stream

import "encoding/json"

type Type string

const (
	TypeStart      Type = "start"
	TypeText       Type = "text"
	TypeThinking   Type = "thinking"
	TypeToolUse    Type = "tool_use"
	TypeToolResult Type = "tool_result"
	TypeError      Type = "error"
	TypeResult     Type = "result"
	TypeComplete   Type = "complete"

	// TypeRaw carries a line that did not decode as an event envelope.
	// Raw lines are passed through verbatim, never dropped.
	TypeRaw Type = "raw"
)

// Event is a tagged union. Exactly the field matching Type is set;
// TypeRaw events carry the original line in Raw.
type Event struct {
	Type Type

	Start      *StartData
	Text       *TextData
	Thinking   *ThinkingData
	ToolUse    *ToolUseData
	ToolResult *ToolResultData
	Error      *ErrorData
	Result     *ResultData

	Raw string
}

type StartData struct {
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
}

type TextData struct {
	Text string `json:"text"`
}

type ThinkingData struct {
	Text string `json:"text"`
}

type ToolUseData struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

type ToolResultData struct {
	ID      string `json:"id"`
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// ResultData is the agent's own summary of the finished run. Token
// counts feed the cost table; NumTurns and the tool_use tally feed the
// run's stats.
type ResultData struct {
	Result   string `json:"result"`
	IsError  bool   `json:"is_error,omitempty"`
	NumTurns int    `json:"num_turns,omitempty"`
	Usage    Usage  `json:"usage"`
}

type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	CachedTokens int64 `json:"cached_tokens"`
}

type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// decodeLine maps one complete line to an event. Anything that is not a
// well-formed envelope of a known type comes back as TypeRaw.
func decodeLine(line string) Event {
	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return Event{Type: TypeRaw, Raw: line}
	}

	switch env.Type {
	case TypeStart:
		var d StartData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Event{Type: TypeRaw, Raw: line}
		}
		return Event{Type: TypeStart, Start: &d}
	case TypeText:
		var d TextData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Event{Type: TypeRaw, Raw: line}
		}
		return Event{Type: TypeText, Text: &d}
	case TypeThinking:
		var d ThinkingData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Event{Type: TypeRaw, Raw: line}
		}
		return Event{Type: TypeThinking, Thinking: &d}
	case TypeToolUse:
		var d ToolUseData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Event{Type: TypeRaw, Raw: line}
		}
		return Event{Type: TypeToolUse, ToolUse: &d}
	case TypeToolResult:
		var d ToolResultData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Event{Type: TypeRaw, Raw: line}
		}
		return Event{Type: TypeToolResult, ToolResult: &d}
	case TypeError:
		var d ErrorData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Event{Type: TypeRaw, Raw: line}
		}
		return Event{Type: TypeError, Error: &d}
	case TypeResult:
		var d ResultData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Event{Type: TypeRaw, Raw: line}
		}
		return Event{Type: TypeResult, Result: &d}
	case TypeComplete:
		return Event{Type: TypeComplete}
	default:
		return Event{Type: TypeRaw, Raw: line}
	}
}
