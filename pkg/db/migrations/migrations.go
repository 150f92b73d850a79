// Package migrations registers the run-ledger schema migrations.
package migrations

import "github.com/uptrace/bun/migrate"

var Migrations = migrate.NewMigrations()
