package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/wardenhq/warden/pkg/cost"
	"github.com/wardenhq/warden/pkg/ratelimit"
	"github.com/wardenhq/warden/pkg/runstore"
	"github.com/wardenhq/warden/pkg/sandbox"
	"github.com/wardenhq/warden/pkg/stream"
	"github.com/wardenhq/warden/pkg/wauth"
	"github.com/wardenhq/warden/pkg/werr"
	"github.com/wardenhq/warden/pkg/wlog"
)

type fakeProcess struct {
	output   string
	exitCode int
}

func (p *fakeProcess) Output() io.Reader { return strings.NewReader(p.output) }

func (p *fakeProcess) Wait(context.Context) (int, error) { return p.exitCode, nil }

type fakeProvisioner struct {
	mu        sync.Mutex
	createErr error
	launchErr error
	process   *fakeProcess
	created   int
	kills     []string
}

func (f *fakeProvisioner) Name() string { return "fake" }

func (f *fakeProvisioner) Create(context.Context, sandbox.Spec) (*sandbox.Sandbox, error) {
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
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	return f.process, nil
}

func (f *fakeProvisioner) ReadFile(context.Context, string, string, int64) ([]byte, error) {
	return nil, fmt.Errorf("no files")
}

func (f *fakeProvisioner) killCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.kills)
}

func testPrincipal() *wauth.Principal {
	return &wauth.Principal{Subject: "alice", Tenant: "acme", Role: wauth.RoleUser}
}

func newTestOrchestrator(prov *fakeProvisioner, store runstore.Store) *Orchestrator {
	reg := sandbox.NewRegistry()
	reg.Register(prov)
	limiter := ratelimit.New(store, time.Minute, 10)
	return New(wlog.Nop(), store, limiter, reg, cost.DefaultTable())
}

const successStream = `{"type":"start","data":{"model":"claude-sonnet-4-5"}}
{"type":"text","data":{"text":"working on it"}}
{"type":"tool_use","data":{"id":"t1","name":"bash"}}
{"type":"tool_result","data":{"id":"t1","output":"ok"}}
{"type":"result","data":{"result":"all done","num_turns":2,"usage":{"input_tokens":1000,"output_tokens":500,"cached_tokens":0}}}
{"type":"complete","data":{}}
`

func TestExecuteSuccess(t *testing.T) {
	prov := &fakeProvisioner{process: &fakeProcess{output: successStream}}
	store := runstore.NewMemory()
	o := newTestOrchestrator(prov, store)

	var texts []string
	outcome, err := o.Execute(context.Background(), Request{
		Prompt:    "do the thing",
		Principal: testPrincipal(),
		Model:     "claude-sonnet-4-5",
		Callbacks: Callbacks{OnText: func(s string) { texts = append(texts, s) }},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.Status != runstore.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%+v)", outcome.Status, outcome.Error)
	}
	if outcome.Result != "all done" {
		t.Errorf("unexpected result: %q", outcome.Result)
	}
	if outcome.Stats.ToolCalls != 1 || outcome.Stats.Turns != 2 {
		t.Errorf("unexpected stats: %+v", outcome.Stats)
	}
	if outcome.Cost.Total <= 0 {
		t.Errorf("expected positive cost, got %+v", outcome.Cost)
	}
	if len(texts) != 1 || texts[0] != "working on it" {
		t.Errorf("text callback missed: %v", texts)
	}

	run, err := store.Get(context.Background(), outcome.RunID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if run.Status != runstore.StatusSucceeded {
		t.Errorf("stored status %s", run.Status)
	}
	if run.SandboxHandle != "fake://sb-1" {
		t.Errorf("handle not persisted: %q", run.SandboxHandle)
	}
	if run.FinishedAt == nil {
		t.Error("finished_at not set")
	}
	if run.Cost == nil || run.Cost.Total != outcome.Cost.Total {
		t.Errorf("cost not persisted: %+v", run.Cost)
	}
	if prov.killCount() != 1 {
		t.Errorf("expected exactly one kill, got %d", prov.killCount())
	}
}

func TestExecuteAdmitsWithEmptyHistory(t *testing.T) {
	prov := &fakeProvisioner{process: &fakeProcess{output: successStream}}
	store := runstore.NewMemory()
	o := newTestOrchestrator(prov, store)

	outcome, err := o.Execute(context.Background(), Request{Prompt: "p", Principal: testPrincipal()})
	if err != nil {
		t.Fatalf("fresh principal must be admitted: %v", err)
	}
	if outcome.RunID == "" {
		t.Error("expected a run id")
	}
}

func TestExecuteRateLimited(t *testing.T) {
	prov := &fakeProvisioner{process: &fakeProcess{output: successStream}}
	store := runstore.NewMemory()
	o := newTestOrchestrator(prov, store)

	now := time.Now()
	for i := 0; i < 10; i++ {
		run := &runstore.Run{
			ID:             fmt.Sprintf("old-%d", i),
			CreatedBy:      "alice",
			Status:         runstore.StatusSucceeded,
			StartedAt:      now.Add(-time.Duration(i) * time.Second),
			LastActivityAt: now,
		}
		if err := store.Insert(context.Background(), run); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	_, err := o.Execute(context.Background(), Request{Prompt: "p", Principal: testPrincipal()})
	if !werr.IsCode(err, werr.CodeRateLimit) {
		t.Fatalf("expected rate_limit, got %v", err)
	}
	// No run record is created for a rejected request.
	runs, _ := store.ListByPrincipal(context.Background(), "alice", 0)
	if len(runs) != 10 {
		t.Errorf("expected 10 runs, got %d", len(runs))
	}
	if prov.created != 0 {
		t.Errorf("no sandbox should be provisioned, got %d", prov.created)
	}
}

func TestExecuteProvisionFailure(t *testing.T) {
	prov := &fakeProvisioner{createErr: fmt.Errorf("quota exhausted")}
	store := runstore.NewMemory()
	o := newTestOrchestrator(prov, store)

	outcome, err := o.Execute(context.Background(), Request{Prompt: "p", Principal: testPrincipal()})
	if !werr.IsCode(err, werr.CodeSandbox) {
		t.Fatalf("expected sandbox_error, got %v", err)
	}
	if outcome.Status != runstore.StatusFailed {
		t.Fatalf("expected failed, got %s", outcome.Status)
	}

	run, getErr := store.Get(context.Background(), outcome.RunID)
	if getErr != nil {
		t.Fatalf("Get: %v", getErr)
	}
	if run.Status != runstore.StatusFailed {
		t.Errorf("stored status %s", run.Status)
	}
	if run.Error == nil || run.Error.Kind != string(werr.CodeSandbox) {
		t.Errorf("stored error %+v", run.Error)
	}
	if run.SandboxHandle != "" {
		t.Errorf("no handle should be persisted, got %q", run.SandboxHandle)
	}
}

func TestExecuteTimeoutExitCode(t *testing.T) {
	prov := &fakeProvisioner{process: &fakeProcess{
		output:   `{"type":"text","data":{"text":"partial"}}` + "\n",
		exitCode: 124,
	}}
	store := runstore.NewMemory()
	o := newTestOrchestrator(prov, store)

	outcome, err := o.Execute(context.Background(), Request{Prompt: "p", Principal: testPrincipal()})
	if !werr.IsCode(err, werr.CodeTimeout) {
		t.Fatalf("exit 124 must classify as timeout, got %v", err)
	}
	if outcome.Status != runstore.StatusFailed {
		t.Errorf("expected failed, got %s", outcome.Status)
	}
}

func TestExecuteToolErrorExit(t *testing.T) {
	prov := &fakeProvisioner{process: &fakeProcess{
		output:   `{"type":"error","data":{"message":"tool blew up"}}` + "\n",
		exitCode: 1,
	}}
	store := runstore.NewMemory()
	o := newTestOrchestrator(prov, store)

	outcome, err := o.Execute(context.Background(), Request{Prompt: "p", Principal: testPrincipal()})
	if !werr.IsCode(err, werr.CodeToolError) {
		t.Fatalf("expected tool_error, got %v", err)
	}
	run, _ := store.Get(context.Background(), outcome.RunID)
	if run.Error == nil || run.Error.Message != "tool blew up" {
		t.Errorf("agent error message not preserved: %+v", run.Error)
	}
}

func TestExecutePreservesPartialResultOnFailure(t *testing.T) {
	prov := &fakeProvisioner{process: &fakeProcess{
		output: `{"type":"result","data":{"result":"half an answer","is_error":true,"usage":{"input_tokens":10,"output_tokens":5,"cached_tokens":0}}}` + "\n",
	}}
	store := runstore.NewMemory()
	o := newTestOrchestrator(prov, store)

	outcome, err := o.Execute(context.Background(), Request{Prompt: "p", Principal: testPrincipal()})
	if err == nil {
		t.Fatal("expected error for is_error result")
	}
	if outcome.Result != "half an answer" {
		t.Errorf("partial result discarded: %q", outcome.Result)
	}
}

func TestCancelIdempotent(t *testing.T) {
	prov := &fakeProvisioner{}
	store := runstore.NewMemory()
	o := newTestOrchestrator(prov, store)
	ctx := context.Background()

	run := &runstore.Run{
		ID:             "run-1",
		CreatedBy:      "alice",
		TenantID:       "acme",
		Status:         runstore.StatusRunning,
		SandboxHandle:  "fake://sb-9",
		StartedAt:      time.Now(),
		LastActivityAt: time.Now(),
	}
	if err := store.Insert(ctx, run); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := o.Cancel(ctx, "run-1", testPrincipal()); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if err := o.Cancel(ctx, "run-1", testPrincipal()); err != nil {
		t.Fatalf("second cancel must be a no-op, got %v", err)
	}

	got, _ := store.Get(ctx, "run-1")
	if got.Status != runstore.StatusCanceled {
		t.Errorf("expected canceled, got %s", got.Status)
	}
	if prov.killCount() != 1 {
		t.Errorf("expected exactly one kill across both cancels, got %d", prov.killCount())
	}
}

func TestCancelUnauthorized(t *testing.T) {
	prov := &fakeProvisioner{}
	store := runstore.NewMemory()
	o := newTestOrchestrator(prov, store)
	ctx := context.Background()

	run := &runstore.Run{
		ID:             "run-2",
		CreatedBy:      "alice",
		TenantID:       "acme",
		Status:         runstore.StatusRunning,
		StartedAt:      time.Now(),
		LastActivityAt: time.Now(),
	}
	if err := store.Insert(ctx, run); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	mallory := &wauth.Principal{Subject: "mallory", Tenant: "acme", Role: wauth.RoleUser}
	err := o.Cancel(ctx, "run-2", mallory)
	if !werr.IsCode(err, werr.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	got, _ := store.Get(ctx, "run-2")
	if got.Status != runstore.StatusRunning {
		t.Errorf("run must be untouched, got %s", got.Status)
	}
}

func TestStreamingCallbacksSeeRawLines(t *testing.T) {
	prov := &fakeProvisioner{process: &fakeProcess{
		output: "plain log line\n" + successStream,
	}}
	store := runstore.NewMemory()
	o := newTestOrchestrator(prov, store)

	var raws []string
	var events []stream.Type
	_, err := o.Execute(context.Background(), Request{
		Prompt:    "p",
		Principal: testPrincipal(),
		Callbacks: Callbacks{
			OnRaw:   func(line string) { raws = append(raws, line) },
			OnEvent: func(ev stream.Event) { events = append(events, ev.Type) },
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(raws) != 1 || raws[0] != "plain log line" {
		t.Errorf("raw passthrough missed: %v", raws)
	}
	if events[0] != stream.TypeRaw || events[len(events)-1] != stream.TypeComplete {
		t.Errorf("event order wrong: %v", events)
	}
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	// "héllo" is 6 bytes; cutting at 2 lands inside the é sequence.
	s := "héllo"
	got := truncate(s, 2)
	if got != "h" {
		t.Errorf("truncate = %q, want %q", got, "h")
	}
	if !utf8.ValidString(got) {
		t.Errorf("truncate produced invalid UTF-8: %q", got)
	}
	if truncate(s, len(s)) != s {
		t.Error("truncate must not touch strings within the limit")
	}
	if got := truncate("世界", 4); got != "世" {
		t.Errorf("truncate = %q, want one full rune", got)
	}
}
