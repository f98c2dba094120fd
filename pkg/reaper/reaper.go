// Package reaper sweeps the store for runs whose sandbox is abandoned:
// running runs with stale activity and booting runs that never made it
// out of provisioning. It shares no state with in-flight runs; the
// store's compare-and-set is the only coordination.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wardenhq/warden/pkg/observe"
	"github.com/wardenhq/warden/pkg/runstore"
	"github.com/wardenhq/warden/pkg/sandbox"
	"github.com/wardenhq/warden/pkg/werr"
	"github.com/wardenhq/warden/pkg/wlog"
)

const (
	defaultInterval    = time.Minute
	defaultIdleAfter   = 15 * time.Minute
	defaultBootTimeout = 5 * time.Minute
	defaultBatchSize   = 100
	killTimeout        = 30 * time.Second
)

type Reaper struct {
	log      *wlog.Logger
	store    runstore.Store
	backends *sandbox.Registry

	interval    time.Duration
	idleAfter   time.Duration
	bootTimeout time.Duration
	batchSize   int
}

type Option func(*Reaper)

func WithInterval(d time.Duration) Option {
	return func(r *Reaper) { r.interval = d }
}

// WithIdleAfter sets how long a running run may go without activity.
func WithIdleAfter(d time.Duration) Option {
	return func(r *Reaper) { r.idleAfter = d }
}

// WithBootTimeout sets how long a run may sit in booting.
func WithBootTimeout(d time.Duration) Option {
	return func(r *Reaper) { r.bootTimeout = d }
}

func WithBatchSize(n int) Option {
	return func(r *Reaper) { r.batchSize = n }
}

func New(log *wlog.Logger, store runstore.Store, backends *sandbox.Registry, opts ...Option) *Reaper {
	r := &Reaper{
		log:         log.Component("reaper"),
		store:       store,
		backends:    backends,
		interval:    defaultInterval,
		idleAfter:   defaultIdleAfter,
		bootTimeout: defaultBootTimeout,
		batchSize:   defaultBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps periodically until the context is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs both queries once and returns how many runs it reaped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := time.Now()
	reaped := 0

	idle, err := r.store.StaleRunning(ctx, now.Add(-r.idleAfter), r.batchSize)
	if err != nil {
		return reaped, fmt.Errorf("query idle running: %w", err)
	}
	for _, run := range idle {
		if r.reap(ctx, run, "idle") {
			reaped++
		}
	}

	stuck, err := r.store.StaleBooting(ctx, now.Add(-r.bootTimeout), r.batchSize)
	if err != nil {
		return reaped, fmt.Errorf("query stuck booting: %w", err)
	}
	for _, run := range stuck {
		if r.reap(ctx, run, "boot_timeout") {
			reaped++
		}
	}

	return reaped, nil
}

// reap kills the sandbox first, then cancels the record with the
// terminal-skip guard. A run that finished between the query and the
// CAS keeps its real outcome.
func (r *Reaper) reap(ctx context.Context, run *runstore.Run, reason string) bool {
	if run.SandboxHandle != "" {
		killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
		err := r.backends.Kill(killCtx, run.SandboxHandle)
		cancel()
		if err != nil && !errors.Is(err, sandbox.ErrGone) {
			r.log.Warn("orphan kill failed", "run_id", run.ID, "handle", run.SandboxHandle, "error", err)
		}
	}

	res, err := r.store.CompareAndSet(ctx, run.ID,
		[]runstore.Status{runstore.StatusBooting, runstore.StatusRunning},
		runstore.Patch{
			Status: runstore.StatusCanceled,
			Error: &runstore.RunError{
				Kind:    string(werr.CodeTimeout),
				Message: fmt.Sprintf("reaped: %s", reason),
			},
		})
	if err != nil {
		r.log.Error("reap transition failed", "run_id", run.ID, "error", err)
		return false
	}
	if res == runstore.Skipped {
		return false
	}

	r.log.Info("run reaped", "run_id", run.ID, "reason", reason)
	observe.Emit(observe.Record{Event: "run.reaped", RunID: run.ID, Attrs: map[string]any{
		"reason": reason,
	}})
	return true
}
