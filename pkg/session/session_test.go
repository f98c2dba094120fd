package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wardenhq/warden/pkg/cost"
	"github.com/wardenhq/warden/pkg/orchestrator"
	"github.com/wardenhq/warden/pkg/runstore"
	"github.com/wardenhq/warden/pkg/sandbox"
	"github.com/wardenhq/warden/pkg/wauth"
	"github.com/wardenhq/warden/pkg/werr"
	"github.com/wardenhq/warden/pkg/wlog"
)

const turnStream = `{"type":"start","data":{"session_id":"s1","model":"fast-1"}}
{"type":"text","data":{"text":"working"}}
{"type":"result","data":{"result":"turn done","is_error":false,"num_turns":1,"usage":{"input_tokens":100,"output_tokens":50}}}
{"type":"complete","data":{}}
`

type fakeProcess struct {
	output   string
	exitCode int
	reader   io.Reader
}

func (p *fakeProcess) Output() io.Reader {
	if p.reader != nil {
		return p.reader
	}
	return strings.NewReader(p.output)
}

func (p *fakeProcess) Wait(context.Context) (int, error) { return p.exitCode, nil }

type fakeProvisioner struct {
	mu       sync.Mutex
	created  int
	kills    []string
	launches int
	next     *fakeProcess

	createErr     error
	createStarted chan struct{}
	createRelease chan struct{}
}

func (f *fakeProvisioner) Name() string { return "fake" }

func (f *fakeProvisioner) Create(context.Context, sandbox.Spec) (*sandbox.Sandbox, error) {
	if f.createStarted != nil {
		f.createStarted <- struct{}{}
		<-f.createRelease
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	return &sandbox.Sandbox{Handle: fmt.Sprintf("sb-%d", f.created), Backend: "fake"}, nil
}

func (f *fakeProvisioner) Connect(_ context.Context, handle string) (*sandbox.Sandbox, error) {
	return &sandbox.Sandbox{Handle: handle, Backend: "fake"}, nil
}

func (f *fakeProvisioner) Kill(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, handle)
	return nil
}

func (f *fakeProvisioner) Launch(context.Context, string, sandbox.LaunchSpec) (sandbox.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches++
	if f.next != nil {
		return f.next, nil
	}
	return &fakeProcess{output: turnStream}, nil
}

func (f *fakeProvisioner) ReadFile(context.Context, string, string, int64) ([]byte, error) {
	return nil, nil
}

func alice() *wauth.Principal {
	return &wauth.Principal{Subject: "alice", Tenant: "t1", Role: wauth.RoleUser}
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, runstore.Store, *fakeProvisioner) {
	t.Helper()
	store := runstore.NewMemory()
	prov := &fakeProvisioner{}
	reg := sandbox.NewRegistry()
	reg.Register(prov)
	m := NewManager(wlog.Nop(), store, reg, cost.DefaultTable(), opts...)
	return m, store, prov
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	m, store, prov := newTestManager(t)

	info, err := m.Open(ctx, alice(), OpenOptions{Model: "fast-1"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	run, err := store.Get(ctx, info.RunID)
	if err != nil {
		t.Fatalf("Get run: %v", err)
	}
	if run.Status != runstore.StatusRunning {
		t.Fatalf("open session run should be running, got %s", run.Status)
	}
	if run.SandboxHandle != "fake://sb-1" {
		t.Errorf("handle = %q, want fake://sb-1", run.SandboxHandle)
	}

	var texts []string
	for i := 0; i < 2; i++ {
		res, err := m.Turn(ctx, info.ID, "do it", alice(), orchestrator.Callbacks{
			OnText: func(s string) { texts = append(texts, s) },
		})
		if err != nil {
			t.Fatalf("Turn %d: %v", i, err)
		}
		if res.Result != "turn done" {
			t.Errorf("turn result = %q", res.Result)
		}
		if res.Cost.Total <= 0 {
			t.Errorf("turn cost not computed: %+v", res.Cost)
		}
	}
	if len(texts) != 2 {
		t.Errorf("expected 2 text callbacks, got %d", len(texts))
	}

	// The run stays running between turns; only Close finishes it.
	run, _ = store.Get(ctx, info.RunID)
	if run.Status != runstore.StatusRunning {
		t.Fatalf("run should still be running after turns, got %s", run.Status)
	}

	if err := m.Close(ctx, info.ID, alice()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	run, _ = store.Get(ctx, info.RunID)
	if run.Status != runstore.StatusSucceeded {
		t.Errorf("closed session run = %s, want succeeded", run.Status)
	}
	if run.FinishedAt == nil {
		t.Error("finished_at not set on close")
	}
	if run.Stats.Turns != 2 {
		t.Errorf("accumulated stats = %+v, want 2 turns", run.Stats)
	}
	if run.Cost == nil || run.Cost.Total <= 0 {
		t.Errorf("accumulated cost missing: %+v", run.Cost)
	}
	if len(prov.kills) != 1 || prov.kills[0] != "sb-1" {
		t.Errorf("expected one kill of sb-1, got %v", prov.kills)
	}
	if m.Len() != 0 {
		t.Errorf("session still tracked after close")
	}

	// Closing again reports not found and causes no second kill.
	if err := m.Close(ctx, info.ID, alice()); err != ErrNotFound {
		t.Errorf("second close = %v, want ErrNotFound", err)
	}
	if len(prov.kills) != 1 {
		t.Errorf("second close must not kill again, got %v", prov.kills)
	}
}

func TestTurnFailureClosesSession(t *testing.T) {
	ctx := context.Background()
	m, store, prov := newTestManager(t)

	info, err := m.Open(ctx, alice(), OpenOptions{Model: "fast-1"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	prov.next = &fakeProcess{
		output:   `{"type":"error","data":{"message":"disk full"}}` + "\n",
		exitCode: 1,
	}
	_, err = m.Turn(ctx, info.ID, "do it", alice(), orchestrator.Callbacks{})
	if err == nil {
		t.Fatal("failed turn should error")
	}
	if werr.CodeOf(err) != werr.CodeToolError {
		t.Errorf("code = %s, want tool_error", werr.CodeOf(err))
	}

	run, _ := store.Get(ctx, info.RunID)
	if run.Status != runstore.StatusFailed {
		t.Errorf("run = %s, want failed", run.Status)
	}
	if run.Error == nil || run.Error.Message != "disk full" {
		t.Errorf("run error = %+v, want message from stream", run.Error)
	}
	if len(prov.kills) != 1 {
		t.Errorf("failed session must kill its sandbox, got %v", prov.kills)
	}
	if m.Len() != 0 {
		t.Error("failed session still tracked")
	}
}

type brokenReader struct {
	data string
	err  error
	read bool
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if !r.read {
		r.read = true
		return copy(p, r.data), nil
	}
	return 0, r.err
}

func TestTurnBrokenStreamFailsSession(t *testing.T) {
	ctx := context.Background()
	m, store, prov := newTestManager(t)

	info, _ := m.Open(ctx, alice(), OpenOptions{})
	prov.next = &fakeProcess{reader: &brokenReader{
		data: `{"type":"text","data":{"text":"partial"}}` + "\n",
		err:  errors.New("connection reset"),
	}}

	_, err := m.Turn(ctx, info.ID, "go", alice(), orchestrator.Callbacks{})
	if werr.CodeOf(err) != werr.CodeSandbox {
		t.Fatalf("code = %s, want sandbox_error", werr.CodeOf(err))
	}

	run, _ := store.Get(ctx, info.RunID)
	if run.Status != runstore.StatusFailed {
		t.Errorf("run = %s, want failed", run.Status)
	}
	if run.Error == nil || !strings.Contains(run.Error.Message, "connection reset") {
		t.Errorf("run error = %+v, want the read failure recorded", run.Error)
	}
	if m.Len() != 0 {
		t.Error("broken-stream session still tracked")
	}
}

func TestTurnTimeoutExitCode(t *testing.T) {
	ctx := context.Background()
	m, store, prov := newTestManager(t)

	info, _ := m.Open(ctx, alice(), OpenOptions{})
	prov.next = &fakeProcess{exitCode: 124}

	_, err := m.Turn(ctx, info.ID, "slow", alice(), orchestrator.Callbacks{})
	if werr.CodeOf(err) != werr.CodeTimeout {
		t.Fatalf("code = %s, want timeout", werr.CodeOf(err))
	}
	run, _ := store.Get(ctx, info.RunID)
	if run.Error == nil || run.Error.Kind != string(werr.CodeTimeout) {
		t.Errorf("run error = %+v", run.Error)
	}
}

func TestOpenRespectsSessionBound(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, WithMaxSessions(2))

	for i := 0; i < 2; i++ {
		if _, err := m.Open(ctx, alice(), OpenOptions{}); err != nil {
			t.Fatalf("Open %d: %v", i, err)
		}
	}
	_, err := m.Open(ctx, alice(), OpenOptions{})
	if werr.CodeOf(err) != werr.CodeRateLimit {
		t.Fatalf("over-bound open = %v, want rate_limit", err)
	}
}

func TestOpenBoundCountsInFlightOpens(t *testing.T) {
	ctx := context.Background()
	m, _, prov := newTestManager(t, WithMaxSessions(1))
	prov.createStarted = make(chan struct{})
	prov.createRelease = make(chan struct{})

	errc := make(chan error, 1)
	go func() {
		_, err := m.Open(ctx, alice(), OpenOptions{})
		errc <- err
	}()
	<-prov.createStarted

	// The only slot is held while the first open is still provisioning.
	if _, err := m.Open(ctx, alice(), OpenOptions{}); werr.CodeOf(err) != werr.CodeRateLimit {
		t.Fatalf("concurrent open = %v, want rate_limit", err)
	}

	close(prov.createRelease)
	if err := <-errc; err != nil {
		t.Fatalf("first open: %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("Len = %d, want 1", m.Len())
	}
}

func TestOpenReleasesSlotOnFailure(t *testing.T) {
	ctx := context.Background()
	m, _, prov := newTestManager(t, WithMaxSessions(1))

	prov.createErr = errors.New("no capacity")
	if _, err := m.Open(ctx, alice(), OpenOptions{}); err == nil {
		t.Fatal("open should surface the provision failure")
	}

	prov.createErr = nil
	if _, err := m.Open(ctx, alice(), OpenOptions{}); err != nil {
		t.Fatalf("failed open must release its slot: %v", err)
	}
}

func TestTurnRequiresAuthorizedPrincipal(t *testing.T) {
	ctx := context.Background()
	m, store, prov := newTestManager(t)

	info, _ := m.Open(ctx, alice(), OpenOptions{})
	mallory := &wauth.Principal{Subject: "mallory", Tenant: "t1", Role: wauth.RoleUser}

	if _, err := m.Turn(ctx, info.ID, "steal", mallory, orchestrator.Callbacks{}); werr.CodeOf(err) != werr.CodeUnauthorized {
		t.Fatalf("foreign turn = %v, want unauthorized", err)
	}
	if err := m.Close(ctx, info.ID, mallory); werr.CodeOf(err) != werr.CodeUnauthorized {
		t.Fatalf("foreign close = %v, want unauthorized", err)
	}
	run, _ := store.Get(ctx, info.RunID)
	if run.Status != runstore.StatusRunning {
		t.Errorf("run must be untouched, got %s", run.Status)
	}
	if len(prov.kills) != 0 {
		t.Errorf("no kill expected, got %v", prov.kills)
	}
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	ctx := context.Background()
	m, store, prov := newTestManager(t, WithTTL(time.Minute))

	info, _ := m.Open(ctx, alice(), OpenOptions{})

	m.mu.Lock()
	m.sessions[info.ID].deadline = time.Now().Add(-time.Second)
	m.mu.Unlock()

	if n := m.Sweep(ctx); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	run, _ := store.Get(ctx, info.RunID)
	if run.Status != runstore.StatusSucceeded {
		t.Errorf("expired session run = %s, want succeeded", run.Status)
	}
	if len(prov.kills) != 1 {
		t.Errorf("expired session must kill sandbox, got %v", prov.kills)
	}
	if m.Sweep(ctx) != 0 {
		t.Error("second sweep should find nothing")
	}
}
