// Package session binds a conversation to one long-lived run and its
// sandbox. Sessions live in a bounded process-local map with a TTL;
// expiry closes the run exactly the way an explicit Close does. The
// store-backed reaper is an independent safety net underneath this.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wardenhq/warden/pkg/cost"
	"github.com/wardenhq/warden/pkg/observe"
	"github.com/wardenhq/warden/pkg/orchestrator"
	"github.com/wardenhq/warden/pkg/runstore"
	"github.com/wardenhq/warden/pkg/sandbox"
	"github.com/wardenhq/warden/pkg/stream"
	"github.com/wardenhq/warden/pkg/wauth"
	"github.com/wardenhq/warden/pkg/werr"
	"github.com/wardenhq/warden/pkg/wlog"
)

const (
	defaultMaxSessions = 100
	defaultTTL         = 30 * time.Minute
	defaultSweepEvery  = time.Minute
	killTimeout        = 30 * time.Second
	timeoutExitCode    = 124
)

var ErrNotFound = errors.New("session not found")

type Manager struct {
	log      *wlog.Logger
	store    runstore.Store
	backends *sandbox.Registry
	costs    cost.Table

	maxSessions int
	ttl         time.Duration
	sweepEvery  time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	// reserved counts Opens that passed admission but have not yet
	// inserted their session; it keeps concurrent Opens under the bound.
	reserved int
}

type session struct {
	id        string
	runID     string
	handle    string
	backend   string
	createdBy string
	tenant    string
	model     string

	lastActivity time.Time
	deadline     time.Time

	usage          stream.Usage
	computeSeconds float64
	turns          int
	toolCalls      int
	lastResult     string
	launchedAt     time.Time
}

type Option func(*Manager)

func WithMaxSessions(n int) Option {
	return func(m *Manager) { m.maxSessions = n }
}

func WithTTL(d time.Duration) Option {
	return func(m *Manager) { m.ttl = d }
}

func WithSweepEvery(d time.Duration) Option {
	return func(m *Manager) { m.sweepEvery = d }
}

func NewManager(log *wlog.Logger, store runstore.Store, backends *sandbox.Registry, costs cost.Table, opts ...Option) *Manager {
	m := &Manager{
		log:         log.Component("session"),
		store:       store,
		backends:    backends,
		costs:       costs,
		maxSessions: defaultMaxSessions,
		ttl:         defaultTTL,
		sweepEvery:  defaultSweepEvery,
		sessions:    make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Info is the caller-visible session state.
type Info struct {
	ID        string
	RunID     string
	ExpiresAt time.Time
}

type OpenOptions struct {
	ThreadID string
	Model    string
	Backend  string
	Image    string
	Env      map[string]string
}

// Open provisions a sandbox and a run record that will stay in running
// for the session's lifetime.
func (m *Manager) Open(ctx context.Context, principal *wauth.Principal, opts OpenOptions) (*Info, error) {
	if principal == nil {
		return nil, werr.Newf(werr.CodeUnauthorized, "no principal")
	}

	m.mu.Lock()
	if len(m.sessions)+m.reserved >= m.maxSessions {
		m.mu.Unlock()
		return nil, werr.Newf(werr.CodeRateLimit, "session limit reached (%d)", m.maxSessions)
	}
	m.reserved++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.reserved--
		m.mu.Unlock()
	}()

	now := time.Now()
	runID := newID()
	run := &runstore.Run{
		ID:             runID,
		ThreadID:       opts.ThreadID,
		TenantID:       principal.Tenant,
		CreatedBy:      principal.Subject,
		Status:         runstore.StatusBooting,
		StartedAt:      now,
		LastActivityAt: now,
		Model:          opts.Model,
	}
	if err := m.store.Insert(ctx, run); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	prov, err := m.backends.Get(opts.Backend)
	if err != nil {
		return nil, m.abortBoot(ctx, runID, werr.New(werr.CodeSandbox, err))
	}
	sb, err := prov.Create(ctx, sandbox.Spec{
		Image:  opts.Image,
		Env:    opts.Env,
		Labels: map[string]string{"warden.run-id": runID},
	})
	if err != nil {
		return nil, m.abortBoot(ctx, runID, werr.New(werr.CodeSandbox, err))
	}

	qualified := sandbox.QualifiedHandle(sb.Backend, sb.Handle)
	if err := m.store.SetHandle(ctx, runID, qualified); err != nil {
		m.kill(qualified, runID)
		return nil, m.abortBoot(ctx, runID, werr.New(werr.CodeSandbox, fmt.Errorf("persist handle: %w", err)))
	}
	if _, err := m.store.CompareAndSet(ctx, runID, []runstore.Status{runstore.StatusBooting}, runstore.Patch{
		Status: runstore.StatusRunning,
	}); err != nil {
		m.kill(qualified, runID)
		return nil, m.abortBoot(ctx, runID, fmt.Errorf("transition to running: %w", err))
	}

	sess := &session{
		id:           newID(),
		runID:        runID,
		handle:       sb.Handle,
		backend:      sb.Backend,
		createdBy:    principal.Subject,
		tenant:       principal.Tenant,
		model:        opts.Model,
		lastActivity: now,
		deadline:     now.Add(m.ttl),
	}
	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	observe.Emit(observe.Record{Event: "session.opened", RunID: runID, Attrs: map[string]any{
		"session_id": sess.id,
	}})
	return &Info{ID: sess.id, RunID: runID, ExpiresAt: sess.deadline}, nil
}

// TurnResult is the outcome of one prompt within a session.
type TurnResult struct {
	Result string
	Cost   cost.Breakdown
	Stats  runstore.Stats
}

// Turn sends one prompt to the session's sandbox. A turn failure
// closes the session and fails the run.
func (m *Manager) Turn(ctx context.Context, sessionID, prompt string, principal *wauth.Principal, cb orchestrator.Callbacks) (*TurnResult, error) {
	sess, err := m.get(sessionID, principal)
	if err != nil {
		return nil, err
	}

	prov, err := m.backends.Get(sess.backend)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	proc, err := prov.Launch(ctx, sess.handle, sandbox.LaunchSpec{
		Prompt: prompt,
		Model:  sess.model,
	})
	if err != nil {
		m.closeWith(ctx, sess, runstore.StatusFailed, &runstore.RunError{
			Kind:    string(werr.CodeSandbox),
			Message: fmt.Sprintf("launch turn: %v", err),
		})
		return nil, werr.New(werr.CodeSandbox, err)
	}

	collector := stream.NewCollector(m.log)
	dec := stream.NewDecoder()
	buf := make([]byte, 32<<10)
	output := proc.Output()
	var lastBeat time.Time
	var drainErr error
	for {
		n, readErr := output.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				collector.Observe(ev)
				cb.Dispatch(ev)
				if now := time.Now(); now.Sub(lastBeat) >= 5*time.Second {
					lastBeat = now
					if hbErr := m.store.Heartbeat(ctx, sess.runID, now); hbErr != nil {
						m.log.Warn("heartbeat failed", "run_id", sess.runID, "error", hbErr)
					}
				}
			}
		}
		if readErr != nil {
			for _, ev := range dec.Flush() {
				collector.Observe(ev)
				cb.Dispatch(ev)
			}
			if !errors.Is(readErr, io.EOF) {
				drainErr = readErr
			}
			break
		}
	}

	exitCode, waitErr := proc.Wait(ctx)
	summary := collector.Summary()
	turnSeconds := time.Since(started).Seconds()

	turnUsage := cost.Usage{
		Model:          sess.model,
		InputTokens:    summary.Usage.InputTokens,
		OutputTokens:   summary.Usage.OutputTokens,
		CachedTokens:   summary.Usage.CachedTokens,
		ComputeSeconds: turnSeconds,
	}
	turnCost := m.costs.Compute(turnUsage)

	m.mu.Lock()
	sess.usage.InputTokens += summary.Usage.InputTokens
	sess.usage.OutputTokens += summary.Usage.OutputTokens
	sess.usage.CachedTokens += summary.Usage.CachedTokens
	sess.computeSeconds += turnSeconds
	sess.turns += summary.Turns
	sess.toolCalls += len(summary.ToolCalls)
	sess.lastResult = summary.Result
	sess.lastActivity = time.Now()
	sess.deadline = sess.lastActivity.Add(m.ttl)
	m.mu.Unlock()

	if waitErr != nil || exitCode != 0 || summary.IsError || drainErr != nil {
		runErr := turnError(summary, exitCode, drainErr, waitErr)
		m.closeWith(ctx, sess, runstore.StatusFailed, runErr)
		return &TurnResult{
			Result: summary.Result,
			Cost:   turnCost,
			Stats:  runstore.Stats{ToolCalls: len(summary.ToolCalls), Turns: summary.Turns},
		}, werr.Newf(werr.Code(runErr.Kind), "%s", runErr.Message)
	}

	if err := m.store.Heartbeat(ctx, sess.runID, time.Now()); err != nil {
		m.log.Warn("heartbeat failed", "run_id", sess.runID, "error", err)
	}

	return &TurnResult{
		Result: summary.Result,
		Cost:   turnCost,
		Stats:  runstore.Stats{ToolCalls: len(summary.ToolCalls), Turns: summary.Turns},
	}, nil
}

// Close finishes the session's run as succeeded with the accumulated
// cost and stats.
func (m *Manager) Close(ctx context.Context, sessionID string, principal *wauth.Principal) error {
	sess, err := m.get(sessionID, principal)
	if err != nil {
		return err
	}
	m.closeWith(ctx, sess, runstore.StatusSucceeded, nil)
	return nil
}

// Run sweeps for expired sessions until the context is canceled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep closes every expired session and returns how many it closed.
func (m *Manager) Sweep(ctx context.Context) int {
	now := time.Now()
	m.mu.Lock()
	var expired []*session
	for _, sess := range m.sessions {
		if now.After(sess.deadline) {
			expired = append(expired, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range expired {
		m.log.Info("session expired", "session_id", sess.id, "run_id", sess.runID)
		m.closeWith(ctx, sess, runstore.StatusSucceeded, nil)
	}
	return len(expired)
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) get(sessionID string, principal *wauth.Principal) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if principal == nil || !principal.CanCancel(sess.createdBy, sess.tenant) {
		return nil, werr.Newf(werr.CodeUnauthorized, "principal may not use session %s", sessionID)
	}
	return sess, nil
}

// closeWith finishes the run with the terminal-skip guard, kills the
// sandbox, and drops the session from the map. Idempotent: a session
// already removed is a no-op.
func (m *Manager) closeWith(ctx context.Context, sess *session, status runstore.Status, runErr *runstore.RunError) {
	m.mu.Lock()
	_, live := m.sessions[sess.id]
	delete(m.sessions, sess.id)
	breakdown := m.costs.Compute(cost.Usage{
		Model:          sess.model,
		InputTokens:    sess.usage.InputTokens,
		OutputTokens:   sess.usage.OutputTokens,
		CachedTokens:   sess.usage.CachedTokens,
		ComputeSeconds: sess.computeSeconds,
	})
	result := sess.lastResult
	stats := runstore.Stats{ToolCalls: sess.toolCalls, Turns: sess.turns}
	m.mu.Unlock()
	if !live {
		return
	}

	patch := runstore.Patch{
		Status: status,
		Result: &result,
		Cost:   &breakdown,
		Stats:  &stats,
		Error:  runErr,
	}
	if _, err := m.store.CompareAndSet(ctx, sess.runID,
		[]runstore.Status{runstore.StatusBooting, runstore.StatusRunning}, patch); err != nil {
		m.log.Error("session terminal transition failed", "run_id", sess.runID, "error", err)
	}

	m.kill(sandbox.QualifiedHandle(sess.backend, sess.handle), sess.runID)
	observe.Emit(observe.Record{Event: "session.closed", RunID: sess.runID, Attrs: map[string]any{
		"session_id": sess.id,
		"status":     string(status),
	}})
}

func (m *Manager) abortBoot(ctx context.Context, runID string, cause error) error {
	_, err := m.store.CompareAndSet(ctx, runID, []runstore.Status{runstore.StatusBooting}, runstore.Patch{
		Status: runstore.StatusFailed,
		Error: &runstore.RunError{
			Kind:    string(werr.CodeOf(cause)),
			Message: cause.Error(),
		},
	})
	if err != nil {
		m.log.Error("boot failure transition failed", "run_id", runID, "error", err)
	}
	return cause
}

func (m *Manager) kill(qualified, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if err := m.backends.Kill(ctx, qualified); err != nil && !errors.Is(err, sandbox.ErrGone) {
		m.log.Warn("sandbox kill failed", "run_id", runID, "handle", qualified, "error", err)
	}
}

func turnError(summary stream.Summary, exitCode int, drainErr, waitErr error) *runstore.RunError {
	switch {
	case waitErr != nil:
		return &runstore.RunError{Kind: string(werr.CodeOf(waitErr)), Message: waitErr.Error()}
	case exitCode == timeoutExitCode:
		return &runstore.RunError{Kind: string(werr.CodeTimeout), Message: fmt.Sprintf("turn timed out (exit %d)", exitCode)}
	case exitCode != 0:
		msg := summary.ErrMessage
		if msg == "" {
			msg = fmt.Sprintf("agent exited with status %d", exitCode)
		}
		return &runstore.RunError{Kind: string(werr.CodeToolError), Message: msg}
	case summary.IsError:
		return &runstore.RunError{Kind: string(werr.CodeUnknown), Message: summary.ErrMessage}
	default:
		return &runstore.RunError{Kind: string(werr.CodeSandbox), Message: fmt.Sprintf("output stream broke: %v", drainErr)}
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
