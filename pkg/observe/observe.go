// Package observe is the fire-and-forget observability sink. Emitting
// never fails, never panics, and never blocks a run; a broken sink
// costs telemetry, not outcomes.
package observe

import (
	"sync"
	"time"

	"github.com/wardenhq/warden/pkg/wlog"
)

// Record is one observability event.
type Record struct {
	Event string
	RunID string
	At    time.Time
	Attrs map[string]any
}

// Sink receives records. Implementations must be safe for concurrent
// use; they should drop rather than block.
type Sink interface {
	Emit(Record)
}

var (
	mu   sync.Mutex
	sink Sink
)

// Init installs the process sink. Later calls replace it; tests use
// this to capture emissions.
func Init(s Sink) {
	mu.Lock()
	defer mu.Unlock()
	sink = s
}

// Get returns the installed sink, initializing a logging sink on first
// use so importing the package has no side effects.
func Get() Sink {
	mu.Lock()
	defer mu.Unlock()
	if sink == nil {
		sink = NewLogSink(wlog.NewDefault())
	}
	return sink
}

// Emit sends a record through the installed sink, swallowing panics.
func Emit(rec Record) {
	defer func() {
		_ = recover()
	}()
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	Get().Emit(rec)
}

// LogSink writes records as structured log lines.
type LogSink struct {
	log *wlog.Logger
}

func NewLogSink(log *wlog.Logger) *LogSink {
	return &LogSink{log: log.Component("observe")}
}

func (s *LogSink) Emit(rec Record) {
	args := []any{"event", rec.Event, "run_id", rec.RunID}
	for k, v := range rec.Attrs {
		args = append(args, k, v)
	}
	s.log.Info("observe", args...)
}

var _ Sink = (*LogSink)(nil)
