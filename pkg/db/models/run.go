package models

import (
	"time"

	"github.com/uptrace/bun"
	"github.com/wardenhq/warden/pkg/cost"
)

// Run is the persisted row behind runstore.Run. Columns mirror the domain
// type; the cost breakdown is stored as a single jsonb blob because it is
// written once and never queried by field.
type Run struct {
	bun.BaseModel `bun:"table:runs,alias:r"`

	ID        string `bun:",pk"`
	ThreadID  string `bun:",nullzero"`
	TenantID  string `bun:",nullzero"`
	CreatedBy string `bun:",notnull"`

	Status        string `bun:",notnull"`
	SandboxHandle string `bun:",nullzero"`

	StartedAt      time.Time  `bun:",notnull"`
	FinishedAt     *time.Time `bun:",nullzero"`
	LastActivityAt time.Time  `bun:",notnull"`

	Model        string `bun:",nullzero"`
	Result       string `bun:",nullzero"`
	ErrorKind    string `bun:",nullzero"`
	ErrorMessage string `bun:",nullzero"`

	Cost *cost.Breakdown `bun:"type:jsonb,nullzero"`

	ToolCalls int `bun:",notnull,default:0"`
	Turns     int `bun:",notnull,default:0"`
}
