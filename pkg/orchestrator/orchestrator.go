// Package orchestrator drives a run end to end: admission, the run
// record, sandbox provisioning, agent launch, event streaming, cost
// accounting, and the terminal transition. One Execute call owns one
// run; concurrent runs only meet each other through the store's
// compare-and-set.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/wardenhq/warden/pkg/artifact"
	"github.com/wardenhq/warden/pkg/cost"
	"github.com/wardenhq/warden/pkg/observe"
	"github.com/wardenhq/warden/pkg/ratelimit"
	"github.com/wardenhq/warden/pkg/runstore"
	"github.com/wardenhq/warden/pkg/sandbox"
	"github.com/wardenhq/warden/pkg/stream"
	"github.com/wardenhq/warden/pkg/wauth"
	"github.com/wardenhq/warden/pkg/werr"
	"github.com/wardenhq/warden/pkg/wlog"
)

const (
	// timeoutExitCode is the conventional exit status of a command
	// killed by its deadline; it reclassifies tool_error to timeout.
	timeoutExitCode = 124

	defaultHeartbeatEvery = 5 * time.Second
	defaultResultMaxBytes = 64 << 10
	killTimeout           = 30 * time.Second
)

type Orchestrator struct {
	log      *wlog.Logger
	store    runstore.Store
	limiter  *ratelimit.Limiter
	backends *sandbox.Registry
	costs    cost.Table
	capturer *artifact.Capturer

	heartbeatEvery time.Duration
	resultMaxBytes int
}

type Option func(*Orchestrator)

// WithCapturer enables artifact capture for requests that ask for it.
func WithCapturer(c *artifact.Capturer) Option {
	return func(o *Orchestrator) { o.capturer = c }
}

func WithHeartbeatEvery(d time.Duration) Option {
	return func(o *Orchestrator) { o.heartbeatEvery = d }
}

func WithResultMaxBytes(n int) Option {
	return func(o *Orchestrator) { o.resultMaxBytes = n }
}

func New(log *wlog.Logger, store runstore.Store, limiter *ratelimit.Limiter, backends *sandbox.Registry, costs cost.Table, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		log:            log.Component("orchestrator"),
		store:          store,
		limiter:        limiter,
		backends:       backends,
		costs:          costs,
		heartbeatEvery: defaultHeartbeatEvery,
		resultMaxBytes: defaultResultMaxBytes,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Request is one execution ask.
type Request struct {
	Prompt    string
	Principal *wauth.Principal
	ThreadID  string

	Model        string
	Backend      string
	Image        string
	TimeoutSec   int
	AllowedTools []string
	WorkDir      string
	Env          map[string]string

	// ArtifactPaths are sandbox files to capture after completion.
	ArtifactPaths []string

	Callbacks Callbacks
}

// Callbacks receive typed events as they arrive. All fields are
// optional; nil callbacks are skipped.
type Callbacks struct {
	OnText       func(text string)
	OnThinking   func(text string)
	OnToolUse    func(data stream.ToolUseData)
	OnToolResult func(data stream.ToolResultData)
	OnRaw        func(line string)
	OnEvent      func(ev stream.Event)
}

// Dispatch routes one event to whichever callbacks are set.
func (c Callbacks) Dispatch(ev stream.Event) {
	if c.OnEvent != nil {
		c.OnEvent(ev)
	}
	switch ev.Type {
	case stream.TypeText:
		if c.OnText != nil {
			c.OnText(ev.Text.Text)
		}
	case stream.TypeThinking:
		if c.OnThinking != nil {
			c.OnThinking(ev.Thinking.Text)
		}
	case stream.TypeToolUse:
		if c.OnToolUse != nil {
			c.OnToolUse(*ev.ToolUse)
		}
	case stream.TypeToolResult:
		if c.OnToolResult != nil {
			c.OnToolResult(*ev.ToolResult)
		}
	case stream.TypeRaw:
		if c.OnRaw != nil {
			c.OnRaw(ev.Raw)
		}
	}
}

// Outcome is what the caller gets back. Partial results obtained
// before a failure are preserved here rather than discarded.
type Outcome struct {
	RunID     string
	Status    runstore.Status
	Result    string
	Cost      cost.Breakdown
	Stats     runstore.Stats
	Error     *runstore.RunError
	Artifacts []*artifact.Artifact
}

// Execute runs the prompt in a fresh sandbox and drives the run record
// to a terminal state. The returned error carries a werr code matching
// the run's recorded error kind.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Outcome, error) {
	if req.Principal == nil {
		return nil, werr.Newf(werr.CodeUnauthorized, "no principal")
	}

	// Admission. Rejection happens before any record exists.
	if err := o.limiter.Allow(ctx, req.Principal.Subject); err != nil {
		return nil, err
	}

	now := time.Now()
	run := &runstore.Run{
		ID:             newRunID(),
		ThreadID:       req.ThreadID,
		TenantID:       req.Principal.Tenant,
		CreatedBy:      req.Principal.Subject,
		Status:         runstore.StatusBooting,
		StartedAt:      now,
		LastActivityAt: now,
		Model:          req.Model,
	}
	if err := o.store.Insert(ctx, run); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	outcome := &Outcome{RunID: run.ID, Status: runstore.StatusBooting}
	observe.Emit(observe.Record{Event: "run.created", RunID: run.ID, Attrs: map[string]any{
		"created_by": run.CreatedBy,
		"thread_id":  run.ThreadID,
	}})

	prov, err := o.backends.Get(req.Backend)
	if err != nil {
		return o.fail(ctx, outcome, runstore.StatusBooting, werr.New(werr.CodeSandbox, err))
	}

	sb, err := prov.Create(ctx, sandbox.Spec{
		Image:      req.Image,
		TimeoutSec: req.TimeoutSec,
		Env:        req.Env,
		Labels:     map[string]string{"warden.run-id": run.ID},
	})
	if err != nil {
		return o.fail(ctx, outcome, runstore.StatusBooting, classifyProvision(err))
	}

	// Persist the handle before leaving booting. After a crash the
	// reaper can find and kill the sandbox from this row alone.
	if err := o.store.SetHandle(ctx, run.ID, sandbox.QualifiedHandle(sb.Backend, sb.Handle)); err != nil {
		o.kill(prov, sb.Handle, run.ID)
		return o.fail(ctx, outcome, runstore.StatusBooting, werr.New(werr.CodeSandbox, fmt.Errorf("persist handle: %w", err)))
	}
	defer o.kill(prov, sb.Handle, run.ID)

	res, err := o.store.CompareAndSet(ctx, run.ID, []runstore.Status{runstore.StatusBooting}, runstore.Patch{
		Status: runstore.StatusRunning,
	})
	if err != nil {
		return o.fail(ctx, outcome, runstore.StatusBooting, werr.New(werr.CodeSandbox, fmt.Errorf("transition to running: %w", err)))
	}
	if res == runstore.Skipped {
		// Canceled while booting. The record is already terminal.
		return o.settled(ctx, outcome)
	}
	outcome.Status = runstore.StatusRunning

	launchedAt := time.Now()
	proc, err := prov.Launch(ctx, sb.Handle, sandbox.LaunchSpec{
		Prompt:       req.Prompt,
		Model:        req.Model,
		AllowedTools: req.AllowedTools,
		WorkDir:      req.WorkDir,
		Env:          req.Env,
		TimeoutSec:   req.TimeoutSec,
	})
	if err != nil {
		return o.fail(ctx, outcome, runstore.StatusRunning, classifyProvision(err))
	}

	collector := stream.NewCollector(o.log)
	drainErr := o.drain(ctx, run.ID, proc.Output(), collector, req.Callbacks)

	exitCode, waitErr := proc.Wait(ctx)
	summary := collector.Summary()
	computeSeconds := time.Since(launchedAt).Seconds()

	breakdown := o.costs.Compute(cost.Usage{
		Model:          req.Model,
		InputTokens:    summary.Usage.InputTokens,
		OutputTokens:   summary.Usage.OutputTokens,
		CachedTokens:   summary.Usage.CachedTokens,
		ComputeSeconds: computeSeconds,
	})
	outcome.Cost = breakdown
	outcome.Result = truncate(summary.Result, o.resultMaxBytes)
	outcome.Stats = runstore.Stats{ToolCalls: len(summary.ToolCalls), Turns: summary.Turns}

	status, runErr := o.conclude(ctx, summary, exitCode, drainErr, waitErr)

	// Capture artifacts while the sandbox is still alive; the deferred
	// kill runs after this.
	if o.capturer != nil && len(req.ArtifactPaths) > 0 {
		arts, capErr := o.capturer.Capture(ctx, prov, sb.Handle, run.ID, req.ArtifactPaths)
		if capErr != nil {
			o.log.Warn("artifact capture incomplete", "run_id", run.ID, "error", capErr)
		}
		outcome.Artifacts = arts
	}

	patch := runstore.Patch{
		Status: status,
		Result: &outcome.Result,
		Cost:   &breakdown,
		Stats:  &outcome.Stats,
	}
	if runErr != nil {
		patch.Error = runErr
	}
	res, err = o.store.CompareAndSet(ctx, run.ID, []runstore.Status{runstore.StatusRunning}, patch)
	if err != nil {
		o.log.Error("terminal transition failed", "run_id", run.ID, "error", err)
	}
	if res == runstore.Skipped {
		// Someone else finished the run first; their verdict stands,
		// but the cost computed here is backfilled once.
		if err := o.store.BackfillCost(ctx, run.ID, breakdown); err != nil {
			o.log.Warn("cost backfill failed", "run_id", run.ID, "error", err)
		}
		return o.settled(ctx, outcome)
	}

	outcome.Status = status
	outcome.Error = runErr
	observe.Emit(observe.Record{Event: "run.finished", RunID: run.ID, Attrs: map[string]any{
		"status":     string(status),
		"exit_code":  exitCode,
		"tool_calls": outcome.Stats.ToolCalls,
		"total_usd":  breakdown.Total,
	}})

	if runErr != nil {
		return outcome, werr.Newf(werr.Code(runErr.Kind), "%s", runErr.Message)
	}
	return outcome, nil
}

// Cancel transitions the run to canceled and kills its sandbox. A run
// that is already terminal is left untouched and reports no error, so
// double cancel has exactly one set of side effects.
func (o *Orchestrator) Cancel(ctx context.Context, runID string, principal *wauth.Principal) error {
	run, err := o.store.Get(ctx, runID)
	if err != nil {
		return err
	}
	if principal == nil || !principal.CanCancel(run.CreatedBy, run.TenantID) {
		return werr.Newf(werr.CodeUnauthorized, "principal may not cancel run %s", runID)
	}

	res, err := o.store.CompareAndSet(ctx, runID,
		[]runstore.Status{runstore.StatusBooting, runstore.StatusRunning},
		runstore.Patch{Status: runstore.StatusCanceled})
	if err != nil {
		return fmt.Errorf("cancel run %s: %w", runID, err)
	}
	if res == runstore.Skipped {
		return nil
	}

	if run.SandboxHandle != "" {
		killCtx, cancel := context.WithTimeout(context.Background(), killTimeout)
		defer cancel()
		if killErr := o.backends.Kill(killCtx, run.SandboxHandle); killErr != nil && !errors.Is(killErr, sandbox.ErrGone) {
			o.log.Warn("sandbox kill failed", "run_id", runID, "handle", run.SandboxHandle, "error", killErr)
		}
	}
	observe.Emit(observe.Record{Event: "run.canceled", RunID: runID, Attrs: map[string]any{
		"canceled_by": principal.Subject,
	}})
	return nil
}

// drain pumps the agent output through the decoder, dispatching events
// and heartbeating at most once per interval.
func (o *Orchestrator) drain(ctx context.Context, runID string, output io.Reader, collector *stream.Collector, cb Callbacks) error {
	dec := stream.NewDecoder()
	var lastBeat time.Time

	handle := func(ev stream.Event) {
		collector.Observe(ev)
		cb.Dispatch(ev)
		if now := time.Now(); now.Sub(lastBeat) >= o.heartbeatEvery {
			lastBeat = now
			if err := o.store.Heartbeat(ctx, runID, now); err != nil {
				o.log.Warn("heartbeat failed", "run_id", runID, "error", err)
			}
		}
	}

	buf := make([]byte, 32<<10)
	for {
		n, err := output.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				handle(ev)
			}
		}
		if err != nil {
			for _, ev := range dec.Flush() {
				handle(ev)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// conclude maps the drained stream plus the process exit into the
// terminal status and recorded error.
func (o *Orchestrator) conclude(ctx context.Context, summary stream.Summary, exitCode int, drainErr, waitErr error) (runstore.Status, *runstore.RunError) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return runstore.StatusFailed, &runstore.RunError{
				Kind:    string(werr.CodeTimeout),
				Message: "run exceeded its deadline",
			}
		}
		return runstore.StatusCanceled, &runstore.RunError{
			Kind:    string(werr.CodeUnknown),
			Message: "run canceled by caller",
		}
	}

	if waitErr != nil {
		return runstore.StatusFailed, &runstore.RunError{
			Kind:    string(werr.CodeOf(waitErr)),
			Message: waitErr.Error(),
		}
	}

	switch {
	case exitCode == timeoutExitCode:
		return runstore.StatusFailed, &runstore.RunError{
			Kind:    string(werr.CodeTimeout),
			Message: fmt.Sprintf("agent timed out (exit %d)", exitCode),
		}
	case exitCode != 0:
		msg := summary.ErrMessage
		if msg == "" {
			msg = fmt.Sprintf("agent exited with status %d", exitCode)
		}
		return runstore.StatusFailed, &runstore.RunError{
			Kind:    string(werr.CodeToolError),
			Message: msg,
		}
	case summary.IsError:
		return runstore.StatusFailed, &runstore.RunError{
			Kind:    string(werr.CodeUnknown),
			Message: summary.ErrMessage,
		}
	case drainErr != nil:
		return runstore.StatusFailed, &runstore.RunError{
			Kind:    string(werr.CodeSandbox),
			Message: fmt.Sprintf("output stream broke: %v", drainErr),
		}
	}
	return runstore.StatusSucceeded, nil
}

// fail records a terminal failure with the terminal-skip guard and
// surfaces the same error to the caller.
func (o *Orchestrator) fail(ctx context.Context, outcome *Outcome, expected runstore.Status, err error) (*Outcome, error) {
	runErr := &runstore.RunError{Kind: string(werr.CodeOf(err)), Message: err.Error()}
	res, casErr := o.store.CompareAndSet(ctx, outcome.RunID, []runstore.Status{expected}, runstore.Patch{
		Status: runstore.StatusFailed,
		Error:  runErr,
	})
	if casErr != nil {
		o.log.Error("failure transition failed", "run_id", outcome.RunID, "error", casErr)
	}
	if res == runstore.Skipped {
		return o.settled(ctx, outcome)
	}
	outcome.Status = runstore.StatusFailed
	outcome.Error = runErr
	observe.Emit(observe.Record{Event: "run.finished", RunID: outcome.RunID, Attrs: map[string]any{
		"status": string(runstore.StatusFailed),
		"error":  runErr.Kind,
	}})
	return outcome, err
}

// settled reloads a run that reached terminal state through another
// path (cancel, reaper) and reports that verdict.
func (o *Orchestrator) settled(ctx context.Context, outcome *Outcome) (*Outcome, error) {
	run, err := o.store.Get(ctx, outcome.RunID)
	if err != nil {
		return outcome, err
	}
	outcome.Status = run.Status
	outcome.Error = run.Error
	if run.Result != "" {
		outcome.Result = run.Result
	}
	if run.Error != nil {
		return outcome, werr.Newf(werr.Code(run.Error.Kind), "%s", run.Error.Message)
	}
	return outcome, nil
}

// kill is the best-effort cleanup. A sandbox that is already gone is
// success; anything else is logged and left to the reaper.
func (o *Orchestrator) kill(prov sandbox.Provisioner, handle, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if err := prov.Kill(ctx, handle); err != nil && !errors.Is(err, sandbox.ErrGone) {
		o.log.Warn("sandbox kill failed", "run_id", runID, "handle", handle, "error", err)
	}
}

func classifyProvision(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return werr.New(werr.CodeTimeout, err)
	}
	if code := werr.CodeOf(err); code != werr.CodeUnknown {
		return err
	}
	return werr.New(werr.CodeSandbox, err)
}

// truncate cuts s to at most max bytes without splitting a rune, so a
// truncated result is still valid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
