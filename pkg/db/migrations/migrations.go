// Package migrations registers the schema migrations applied by
// cmd/migrate and the controller's startup check.
package migrations

import "github.com/uptrace/bun/migrate"

var Migrations = migrate.NewMigrations()
