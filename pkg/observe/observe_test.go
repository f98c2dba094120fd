package observe

import (
	"sync"
	"testing"
)

type captureSink struct {
	mu      sync.Mutex
	records []Record
}

func (c *captureSink) Emit(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

type panicSink struct{}

func (panicSink) Emit(Record) { panic("sink broke") }

func TestEmitReachesInstalledSink(t *testing.T) {
	capture := &captureSink{}
	Init(capture)
	t.Cleanup(func() { Init(nil) })

	Emit(Record{Event: "run.started", RunID: "r1"})

	capture.mu.Lock()
	defer capture.mu.Unlock()
	if len(capture.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(capture.records))
	}
	if capture.records[0].Event != "run.started" || capture.records[0].At.IsZero() {
		t.Errorf("unexpected record: %+v", capture.records[0])
	}
}

func TestEmitSwallowsSinkPanics(t *testing.T) {
	Init(panicSink{})
	t.Cleanup(func() { Init(nil) })

	// Must not panic.
	Emit(Record{Event: "run.finished", RunID: "r2"})
}
