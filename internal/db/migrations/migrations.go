package migrations

import (
	"database/sql"
	_ "embed"

	"github.com/cobalt-pay/ledgersync/internal/db"
	"github.com/cobalt-pay/ledgersync/internal/logger"
)

//go:embed 001_payment_records.sql
var mig001 string

//go:embed 002_sync_cursor.sql
var mig002 string

//go:embed 003_tenant_bindings.sql
var mig003 string

//go:embed 004_indexing_errors.sql
var mig004 string

func all() []db.Migration {
	return []db.Migration{
		{
			ID:  "001_payment_records.sql",
			SQL: mig001,
		},
		{
			ID:  "002_sync_cursor.sql",
			SQL: mig002,
		},
		{
			ID:  "003_tenant_bindings.sql",
			SQL: mig003,
		},
		{
			ID:  "004_indexing_errors.sql",
			SQL: mig004,
		},
	}
}

// RunMigrations runs all migrations against the database at dbPath.
func RunMigrations(dbPath string) error {
	return db.RunMigrations(dbPath, all())
}

// RunMigrationsDB runs all migrations on an open database.
func RunMigrationsDB(log *logger.Logger, database *sql.DB) error {
	return db.RunMigrationsDB(log, database, all())
}
