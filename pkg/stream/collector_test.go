package stream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/wardenhq/warden/pkg/wlog"
)

func feedLines(t *testing.T, c *Collector, lines ...string) {
	t.Helper()
	d := NewDecoder()
	for _, l := range lines {
		for _, ev := range d.Feed([]byte(l + "\n")) {
			c.Observe(ev)
		}
	}
}

func TestCollectorToolCorrelation(t *testing.T) {
	c := NewCollector(wlog.Nop())

	clock := time.Unix(0, 0)
	c.now = func() time.Time {
		clock = clock.Add(100 * time.Millisecond)
		return clock
	}

	feedLines(t, c,
		`{"type":"tool_use","data":{"id":"t1","name":"bash","input":{"cmd":"ls"}}}`,
		`{"type":"tool_use","data":{"id":"t2","name":"read"}}`,
		`{"type":"tool_result","data":{"id":"t1","output":"files"}}`,
		`{"type":"tool_result","data":{"id":"t2","output":"text"}}`,
		`{"type":"result","data":{"result":"done","num_turns":3,"usage":{"input_tokens":100,"output_tokens":50,"cached_tokens":25}}}`,
		`{"type":"complete","data":{}}`,
	)

	sum := c.Summary()
	if len(sum.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(sum.ToolCalls))
	}
	if sum.ToolCalls[0].ID != "t1" || sum.ToolCalls[0].Name != "bash" {
		t.Errorf("first tool call wrong: %+v", sum.ToolCalls[0])
	}
	if sum.ToolCalls[0].Duration <= 0 {
		t.Errorf("expected positive duration, got %v", sum.ToolCalls[0].Duration)
	}
	if sum.Turns != 3 {
		t.Errorf("expected 3 turns, got %d", sum.Turns)
	}
	if sum.Usage.InputTokens != 100 || sum.Usage.CachedTokens != 25 {
		t.Errorf("usage wrong: %+v", sum.Usage)
	}
	if sum.Result != "done" || sum.IsError || !sum.Completed {
		t.Errorf("summary wrong: %+v", sum)
	}
}

func TestCollectorUnmatchedToolResultTolerated(t *testing.T) {
	c := NewCollector(wlog.Nop())

	feedLines(t, c,
		`{"type":"tool_result","data":{"id":"ghost","output":"??"}}`,
		`{"type":"result","data":{"result":"ok","usage":{"input_tokens":1,"output_tokens":1,"cached_tokens":0}}}`,
	)

	sum := c.Summary()
	if len(sum.ToolCalls) != 0 {
		t.Errorf("unmatched tool_result must not count, got %+v", sum.ToolCalls)
	}
	if sum.Result != "ok" {
		t.Errorf("collector should keep going after unmatched result, got %+v", sum)
	}
}

func TestCollectorErrorEvents(t *testing.T) {
	c := NewCollector(wlog.Nop())

	feedLines(t, c,
		`{"type":"text","data":{"text":"partial answer"}}`,
		`{"type":"error","data":{"message":"model refused"}}`,
	)

	sum := c.Summary()
	if !sum.IsError || sum.ErrMessage != "model refused" {
		t.Errorf("error not captured: %+v", sum)
	}
}

func TestCollectorResultIsError(t *testing.T) {
	c := NewCollector(wlog.Nop())

	feedLines(t, c,
		`{"type":"result","data":{"result":"boom","is_error":true,"usage":{"input_tokens":1,"output_tokens":0,"cached_tokens":0}}}`,
	)

	sum := c.Summary()
	if !sum.IsError || sum.ErrMessage != "boom" {
		t.Errorf("result is_error not folded: %+v", sum)
	}
}

func TestToolUseInputRoundTrips(t *testing.T) {
	d := NewDecoder()
	events := d.Feed([]byte(`{"type":"tool_use","data":{"id":"t1","name":"bash","input":{"cmd":"echo hi"}}}` + "\n"))
	if len(events) != 1 || events[0].Type != TypeToolUse {
		t.Fatalf("unexpected events: %+v", events)
	}
	var input struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(events[0].ToolUse.Input, &input); err != nil {
		t.Fatalf("input not preserved: %v", err)
	}
	if input.Cmd != "echo hi" {
		t.Errorf("expected cmd %q, got %q", "echo hi", input.Cmd)
	}
}
