package runstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"github.com/wardenhq/warden/pkg/cost"
	"github.com/wardenhq/warden/pkg/db/models"
)

// Postgres implements Store over bun. Every mutation is a single-row
// statement; the database's row-level atomicity is the only
// synchronization primitive the state machine needs.
type Postgres struct {
	db *bun.DB
}

// NewPostgres wraps an initialized bun connection.
func NewPostgres(db *bun.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) Insert(ctx context.Context, run *Run) error {
	row := toModel(run)
	_, err := s.db.NewInsert().Model(row).Exec(ctx)
	return err
}

func (s *Postgres) Get(ctx context.Context, id string) (*Run, error) {
	var row models.Run
	err := s.db.NewSelect().Model(&row).Where("r.id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return fromModel(&row), nil
}

func (s *Postgres) CompareAndSet(ctx context.Context, id string, expected []Status, patch Patch) (CASResult, error) {
	if err := validateTransition(expected, patch.Status); err != nil {
		return Skipped, err
	}

	q := s.db.NewUpdate().
		Model((*models.Run)(nil)).
		Set("status = ?", string(patch.Status)).
		Where("id = ?", id).
		Where("status IN (?)", bun.In(statusStrings(expected)))

	if IsTerminal(patch.Status) {
		q = q.Set("finished_at = COALESCE(finished_at, ?)", time.Now())
	}
	if patch.Result != nil {
		q = q.Set("result = ?", *patch.Result)
	}
	if patch.Error != nil {
		q = q.Set("error_kind = ?", patch.Error.Kind).
			Set("error_message = ?", patch.Error.Message)
	}
	if patch.Cost != nil {
		q = q.Set("cost = ?", patch.Cost)
	}
	if patch.Stats != nil {
		q = q.Set("tool_calls = ?", patch.Stats.ToolCalls).
			Set("turns = ?", patch.Stats.Turns)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return Skipped, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Skipped, err
	}
	if n == 0 {
		// Either the run is gone or its status moved on. A missing row
		// is a caller bug worth surfacing; a mismatched status is the
		// idempotent skip path.
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return Skipped, getErr
		}
		return Skipped, nil
	}
	return Applied, nil
}

func (s *Postgres) SetHandle(ctx context.Context, id, handle string) error {
	res, err := s.db.NewUpdate().
		Model((*models.Run)(nil)).
		Set("sandbox_handle = ?", handle).
		Where("id = ?", id).
		Where("sandbox_handle IS NULL OR sandbox_handle = ?", handle).
		Where("status NOT IN (?)", bun.In(statusStrings(Terminal()))).
		Exec(ctx)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		run, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		// A run that finished in the race window keeps its record as is.
		if IsTerminal(run.Status) {
			return nil
		}
		return ErrHandleSet
	}
	return nil
}

func (s *Postgres) Heartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.NewUpdate().
		Model((*models.Run)(nil)).
		Set("last_activity_at = ?", at).
		Where("id = ?", id).
		Where("last_activity_at < ?", at).
		Where("status NOT IN (?)", bun.In(statusStrings(Terminal()))).
		Exec(ctx)
	return err
}

func (s *Postgres) BackfillCost(ctx context.Context, id string, c cost.Breakdown) error {
	_, err := s.db.NewUpdate().
		Model((*models.Run)(nil)).
		Set("cost = ?", &c).
		Where("id = ?", id).
		Where("cost IS NULL").
		Exec(ctx)
	return err
}

func (s *Postgres) ListByThread(ctx context.Context, threadID, tenantID, createdBy string, limit int) ([]*Run, error) {
	return s.list(ctx, limit, func(q *bun.SelectQuery) *bun.SelectQuery {
		q = q.Where("thread_id = ?", threadID)
		if tenantID != "" {
			q = q.Where("tenant_id = ?", tenantID)
		}
		if createdBy != "" {
			q = q.Where("created_by = ?", createdBy)
		}
		return q
	})
}

func (s *Postgres) ListByPrincipal(ctx context.Context, createdBy string, limit int) ([]*Run, error) {
	return s.list(ctx, limit, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("created_by = ?", createdBy)
	})
}

func (s *Postgres) CountCreatedSince(ctx context.Context, createdBy string, since time.Time, cap int) (int, error) {
	// The subquery caps the scan at cap rows so the check stays
	// O(limit) no matter how much history the principal has.
	sub := s.db.NewSelect().
		Model((*models.Run)(nil)).
		ColumnExpr("1").
		Where("created_by = ?", createdBy).
		Where("started_at >= ?", since).
		Limit(cap)

	return s.db.NewSelect().TableExpr("(?) AS capped", sub).Count(ctx)
}

func (s *Postgres) StaleRunning(ctx context.Context, olderThan time.Time, limit int) ([]*Run, error) {
	return s.list(ctx, limit, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("status = ?", string(StatusRunning)).
			Where("last_activity_at < ?", olderThan)
	})
}

func (s *Postgres) StaleBooting(ctx context.Context, olderThan time.Time, limit int) ([]*Run, error) {
	return s.list(ctx, limit, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("status = ?", string(StatusBooting)).
			Where("started_at < ?", olderThan)
	})
}

func (s *Postgres) list(ctx context.Context, limit int, where func(*bun.SelectQuery) *bun.SelectQuery) ([]*Run, error) {
	var rows []models.Run
	q := where(s.db.NewSelect().Model(&rows)).
		OrderExpr("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*Run, 0, len(rows))
	for i := range rows {
		out = append(out, fromModel(&rows[i]))
	}
	return out, nil
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func toModel(r *Run) *models.Run {
	row := &models.Run{
		ID:             r.ID,
		ThreadID:       r.ThreadID,
		TenantID:       r.TenantID,
		CreatedBy:      r.CreatedBy,
		Status:         string(r.Status),
		SandboxHandle:  r.SandboxHandle,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		LastActivityAt: r.LastActivityAt,
		Model:          r.Model,
		Result:         r.Result,
		Cost:           r.Cost,
		ToolCalls:      r.Stats.ToolCalls,
		Turns:          r.Stats.Turns,
	}
	if r.Error != nil {
		row.ErrorKind = r.Error.Kind
		row.ErrorMessage = r.Error.Message
	}
	return row
}

func fromModel(row *models.Run) *Run {
	r := &Run{
		ID:             row.ID,
		ThreadID:       row.ThreadID,
		TenantID:       row.TenantID,
		CreatedBy:      row.CreatedBy,
		Status:         Status(row.Status),
		SandboxHandle:  row.SandboxHandle,
		StartedAt:      row.StartedAt,
		FinishedAt:     row.FinishedAt,
		LastActivityAt: row.LastActivityAt,
		Model:          row.Model,
		Result:         row.Result,
		Cost:           row.Cost,
		Stats:          Stats{ToolCalls: row.ToolCalls, Turns: row.Turns},
	}
	if row.ErrorKind != "" || row.ErrorMessage != "" {
		r.Error = &RunError{Kind: row.ErrorKind, Message: row.ErrorMessage}
	}
	return r
}

var _ Store = (*Postgres)(nil)
