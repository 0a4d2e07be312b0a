package db

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/cobalt-pay/ledgersync/internal/logger"
	_ "github.com/mattn/go-sqlite3"
	migrate "github.com/rubenv/sql-migrate"
)

const (
	upDownSeparator     = "-- +migrate Up"
	downMarker          = "-- +migrate Down"
	migrationDirections = 2
)

// Migration is a single embedded SQL migration with Up and Down sections
// separated by the sql-migrate markers.
type Migration struct {
	ID  string
	SQL string
}

// RunMigrations executes all pending migrations against the database at dbPath.
func RunMigrations(dbPath string, migrations []Migration) error {
	db, err := NewSQLiteDB(dbPath)
	if err != nil {
		return fmt.Errorf("error creating DB %w", err)
	}
	defer db.Close()

	return RunMigrationsDB(logger.GetDefaultLogger(), db, migrations)
}

// RunMigrationsDB executes all pending migrations on an open database.
func RunMigrationsDB(log *logger.Logger, db *sql.DB, migrationsParam []Migration) error {
	migs := &migrate.MemoryMigrationSource{Migrations: []*migrate.Migration{}}

	for _, m := range migrationsParam {
		splitted := strings.Split(m.SQL, upDownSeparator)
		if len(splitted) < migrationDirections {
			return fmt.Errorf("migration %s missing '-- +migrate Up' separator", m.ID)
		}

		// splitted[0] = Down section (may include the Down marker)
		// splitted[1] = Up section
		downSQL := splitted[0]
		if idx := strings.Index(downSQL, downMarker); idx != -1 {
			downSQL = downSQL[idx+len(downMarker):]
		}

		migs.Migrations = append(migs.Migrations, &migrate.Migration{
			Id:   m.ID,
			Up:   []string{strings.TrimSpace(splitted[1])},
			Down: []string{strings.TrimSpace(downSQL)},
		})
	}

	var listMigrations strings.Builder
	for _, m := range migs.Migrations {
		listMigrations.WriteString(m.Id + ", ")
	}

	log.Debugf("running %d migrations: %s", len(migs.Migrations), listMigrations.String())

	nMigrations, err := migrate.Exec(db, "sqlite3", migs, migrate.Up)
	if err != nil {
		return fmt.Errorf("error executing migrations %s: %w", listMigrations.String(), err)
	}

	log.Infof("successfully ran %d migrations", nMigrations)
	return nil
}
