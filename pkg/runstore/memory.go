package runstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wardenhq/warden/pkg/cost"
)

// Memory is an in-process Store used by tests and single-node dev mode.
// It applies exactly the same guard semantics as the Postgres store.
type Memory struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{runs: make(map[string]*Run)}
}

func (m *Memory) Insert(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *Memory) CompareAndSet(_ context.Context, id string, expected []Status, patch Patch) (CASResult, error) {
	if err := validateTransition(expected, patch.Status); err != nil {
		return Skipped, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return Skipped, ErrNotFound
	}

	matched := false
	for _, s := range expected {
		if run.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return Skipped, nil
	}

	run.Status = patch.Status
	if IsTerminal(patch.Status) && run.FinishedAt == nil {
		now := time.Now()
		run.FinishedAt = &now
	}
	if patch.Result != nil {
		run.Result = *patch.Result
	}
	if patch.Error != nil {
		run.Error = patch.Error
	}
	if patch.Cost != nil {
		run.Cost = patch.Cost
	}
	if patch.Stats != nil {
		run.Stats = *patch.Stats
	}
	return Applied, nil
}

func (m *Memory) SetHandle(_ context.Context, id, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	// Terminal records are immutable; a handle write losing the race
	// against cancel or the reaper is dropped, not applied.
	if IsTerminal(run.Status) {
		return nil
	}
	if run.SandboxHandle == handle {
		return nil
	}
	if run.SandboxHandle != "" {
		return ErrHandleSet
	}
	run.SandboxHandle = handle
	return nil
}

func (m *Memory) Heartbeat(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if IsTerminal(run.Status) {
		return nil
	}
	if at.After(run.LastActivityAt) {
		run.LastActivityAt = at
	}
	return nil
}

func (m *Memory) BackfillCost(_ context.Context, id string, c cost.Breakdown) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if run.Cost != nil {
		return nil
	}
	cp := c
	run.Cost = &cp
	return nil
}

func (m *Memory) ListByThread(_ context.Context, threadID, tenantID, createdBy string, limit int) ([]*Run, error) {
	return m.filter(limit, func(r *Run) bool {
		if r.ThreadID != threadID {
			return false
		}
		if tenantID != "" && r.TenantID != tenantID {
			return false
		}
		return createdBy == "" || r.CreatedBy == createdBy
	}), nil
}

func (m *Memory) ListByPrincipal(_ context.Context, createdBy string, limit int) ([]*Run, error) {
	return m.filter(limit, func(r *Run) bool { return r.CreatedBy == createdBy }), nil
}

func (m *Memory) CountCreatedSince(_ context.Context, createdBy string, since time.Time, cap int) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.runs {
		if r.CreatedBy == createdBy && !r.StartedAt.Before(since) {
			n++
			if n >= cap {
				return cap, nil
			}
		}
	}
	return n, nil
}

func (m *Memory) StaleRunning(_ context.Context, olderThan time.Time, limit int) ([]*Run, error) {
	return m.filter(limit, func(r *Run) bool {
		return r.Status == StatusRunning && r.LastActivityAt.Before(olderThan)
	}), nil
}

func (m *Memory) StaleBooting(_ context.Context, olderThan time.Time, limit int) ([]*Run, error) {
	return m.filter(limit, func(r *Run) bool {
		return r.Status == StatusBooting && r.StartedAt.Before(olderThan)
	}), nil
}

func (m *Memory) filter(limit int, keep func(*Run) bool) []*Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Run
	for _, r := range m.runs {
		if keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

var _ Store = (*Memory)(nil)
