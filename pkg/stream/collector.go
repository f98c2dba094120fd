package stream

import (
	"time"

	"github.com/wardenhq/warden/pkg/wlog"
)

// ToolCall is one correlated tool_use/tool_result pair.
type ToolCall struct {
	ID       string
	Name     string
	Duration time.Duration
}

// Summary is everything the run record needs from a drained stream.
type Summary struct {
	Result     string
	IsError    bool
	ErrMessage string
	Turns      int
	ToolCalls  []ToolCall
	Usage      Usage
	Completed  bool
}

// Collector folds a stream of events into a Summary. tool_use and
// tool_result are matched on their shared id; a tool_result with no
// prior tool_use is logged and ignored, never fatal.
type Collector struct {
	log     *wlog.Logger
	now     func() time.Time
	pending map[string]pendingTool
	sum     Summary
}

type pendingTool struct {
	name    string
	started time.Time
}

func NewCollector(log *wlog.Logger) *Collector {
	return &Collector{
		log:     log,
		now:     time.Now,
		pending: make(map[string]pendingTool),
	}
}

func (c *Collector) Observe(ev Event) {
	switch ev.Type {
	case TypeToolUse:
		c.pending[ev.ToolUse.ID] = pendingTool{name: ev.ToolUse.Name, started: c.now()}
	case TypeToolResult:
		p, ok := c.pending[ev.ToolResult.ID]
		if !ok {
			c.log.Warn("tool_result without matching tool_use", "tool_id", ev.ToolResult.ID)
			return
		}
		delete(c.pending, ev.ToolResult.ID)
		c.sum.ToolCalls = append(c.sum.ToolCalls, ToolCall{
			ID:       ev.ToolResult.ID,
			Name:     p.name,
			Duration: c.now().Sub(p.started),
		})
	case TypeError:
		c.sum.IsError = true
		c.sum.ErrMessage = ev.Error.Message
	case TypeResult:
		c.sum.Result = ev.Result.Result
		c.sum.Turns = ev.Result.NumTurns
		c.sum.Usage = ev.Result.Usage
		if ev.Result.IsError {
			c.sum.IsError = true
			if c.sum.ErrMessage == "" {
				c.sum.ErrMessage = ev.Result.Result
			}
		}
	case TypeComplete:
		c.sum.Completed = true
	}
}

// Summary returns the fold so far. Tool calls still waiting for a
// result are not counted.
func (c *Collector) Summary() Summary {
	return c.sum
}
