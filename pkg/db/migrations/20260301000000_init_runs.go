package migrations

import (
	"context"

	"github.com/uptrace/bun"
	"github.com/wardenhq/warden/pkg/db/models"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		_, err := db.NewCreateTable().
			Model((*models.Run)(nil)).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return err
		}

		// Secondary indexes backing the reaper sweeps, the rate-limit
		// admission scan, and the thread/principal list endpoints. The
		// sweep indexes are partial so terminal rows never bloat them.
		stmts := []string{
			`CREATE INDEX IF NOT EXISTS runs_running_activity_idx
				ON runs (last_activity_at) WHERE status = 'running'`,
			`CREATE INDEX IF NOT EXISTS runs_booting_started_idx
				ON runs (started_at) WHERE status = 'booting'`,
			`CREATE INDEX IF NOT EXISTS runs_creator_started_idx
				ON runs (created_by, started_at DESC)`,
			`CREATE INDEX IF NOT EXISTS runs_thread_idx
				ON runs (thread_id, tenant_id, created_by, started_at DESC)`,
		}
		for _, stmt := range stmts {
			if _, err := db.NewRaw(stmt).Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		_, err := db.NewDropTable().Model((*models.Run)(nil)).IfExists().Exec(ctx)
		return err
	})
}
