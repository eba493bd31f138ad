package database

import (
	"fmt"

	"shellac/internal/models"

	logger "github.com/Bparsons0904/goLogger"
	_ "github.com/lib/pq"
	migrate "github.com/rubenv/sql-migrate"
)

const migrationDialect = "postgres"

// dataTableDDL builds the per-type table migration. The schema is fixed by
// the relational projection: raw record JSON keyed by data_id, with the
// content hash alongside for hash-skip probes.
func dataTableDDL(dataType models.DataType) *migrate.Migration {
	return &migrate.Migration{
		Id: fmt.Sprintf("001_create_%s", dataType),
		Up: []string{fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (
				hash TEXT NOT NULL,
				data_id TEXT PRIMARY KEY,
				data JSONB NOT NULL
			)`, dataType)},
		Down: []string{fmt.Sprintf("DROP TABLE IF EXISTS %s", dataType)},
	}
}

// MigrateTables creates the four data tables on startup. All DDL is
// idempotent; there is no further schema evolution.
func (db *DB) MigrateTables() error {
	log := logger.New("database").Function("MigrateTables")
	log.Info("Running data table migrations")

	migrations := &migrate.MemoryMigrationSource{}
	for _, dataType := range models.AllDataTypes {
		migrations.Migrations = append(migrations.Migrations, dataTableDDL(dataType))
	}

	sqlDB, err := db.SQL.DB()
	if err != nil {
		return log.Err("failed to get database for migrations", err)
	}

	n, err := migrate.Exec(sqlDB, migrationDialect, migrations, migrate.Up)
	if err != nil {
		return log.Err("failed to run migrations", err)
	}

	if n == 0 {
		log.Info("No migrations to apply")
	} else {
		log.Info("Applied migrations", "migrationCount", n)
	}

	return nil
}
