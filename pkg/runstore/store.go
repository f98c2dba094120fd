package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/wardenhq/warden/pkg/cost"
)

// ErrNotFound is returned when no run exists under the given ID.
var ErrNotFound = errors.New("run not found")

// ErrHandleSet is returned when a second, different handle write is
// attempted for the same run.
var ErrHandleSet = errors.New("sandbox handle already set")

// CASResult reports the outcome of a compare-and-set transition.
type CASResult int

const (
	// Applied means the transition was performed.
	Applied CASResult = iota
	// Skipped means the stored status was not in the expected set; for
	// terminal records this is the normal idempotence path, not an error.
	Skipped
)

// Patch describes a status transition plus the fields written with it.
// Nil pointer fields are left untouched. FinishedAt is set by the store
// itself on every transition into a terminal status.
type Patch struct {
	Status Status
	Result *string
	Error  *RunError
	Cost   *cost.Breakdown
	Stats  *Stats
}

// Store is the persistence boundary for runs. Implementations must make
// CompareAndSet atomic per row; no multi-row transactions are assumed.
// All list queries filter at the index level with a bounded limit.
type Store interface {
	// Insert writes a brand-new run record. The run must be in
	// StatusBooting with no handle.
	Insert(ctx context.Context, run *Run) error

	// Get returns the run under id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Run, error)

	// CompareAndSet transitions the run to patch.Status if and only if
	// its stored status is one of expected. A stored status outside
	// expected yields (Skipped, nil), which is how a slow sweeper loses
	// gracefully to a finished run.
	CompareAndSet(ctx context.Context, id string, expected []Status, patch Patch) (CASResult, error)

	// SetHandle records the sandbox handle. It may be called once per
	// run; a repeat with the same handle is a no-op, a different handle
	// is ErrHandleSet. A terminal run is left untouched without error,
	// so a handle write losing the race against cancel cannot mutate a
	// finished record.
	SetHandle(ctx context.Context, id, handle string) error

	// Heartbeat advances last_activity_at to at. Older timestamps and
	// terminal runs are ignored; last_activity_at never decreases.
	Heartbeat(ctx context.Context, id string, at time.Time) error

	// BackfillCost attaches a cost breakdown to a terminal run exactly
	// once. A second call is a silent no-op.
	BackfillCost(ctx context.Context, id string, c cost.Breakdown) error

	// ListByThread returns up to limit runs in a thread visible to the
	// given scope, newest first. A non-empty tenantID restricts to that
	// tenant; a non-empty createdBy restricts to that creator (elevated
	// callers pass ""). Visibility filtering happens at the store index,
	// never by post-filtering a loaded page.
	ListByThread(ctx context.Context, threadID, tenantID, createdBy string, limit int) ([]*Run, error)

	// ListByPrincipal returns up to limit runs created by a principal,
	// newest first.
	ListByPrincipal(ctx context.Context, createdBy string, limit int) ([]*Run, error)

	// CountCreatedSince counts runs created by a principal at or after
	// since, scanning at most cap records. The return value saturates
	// at cap.
	CountCreatedSince(ctx context.Context, createdBy string, since time.Time, cap int) (int, error)

	// StaleRunning returns up to limit running runs whose
	// last_activity_at is older than olderThan.
	StaleRunning(ctx context.Context, olderThan time.Time, limit int) ([]*Run, error)

	// StaleBooting returns up to limit booting runs whose started_at is
	// older than olderThan.
	StaleBooting(ctx context.Context, olderThan time.Time, limit int) ([]*Run, error)
}

// validateTransition rejects programmer errors before any storage is
// touched: every expected status must legally reach next.
func validateTransition(expected []Status, next Status) error {
	if len(expected) == 0 {
		return errors.New("compare-and-set requires expected statuses")
	}
	for _, from := range expected {
		if !CanTransition(from, next) {
			return errors.New("illegal transition " + string(from) + " -> " + string(next))
		}
	}
	return nil
}
