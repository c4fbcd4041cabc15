package dupeindex

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// MigrationRunner handles dupe index migrations using goose.
type MigrationRunner struct {
	db *sql.DB
}

// NewMigrationRunner creates a new migration runner.
func NewMigrationRunner(db *sql.DB) *MigrationRunner {
	return &MigrationRunner{db: db}
}

// SetupGoose initializes goose with the embedded migrations.
func (mr *MigrationRunner) SetupGoose() error {
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return nil
}

// MigrateUp runs all pending migrations.
func (mr *MigrationRunner) MigrateUp() error {
	if err := mr.SetupGoose(); err != nil {
		return err
	}

	slog.Debug("running dupe index migrations")

	if err := goose.Up(mr.db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// MigrateDown rolls back the last migration.
func (mr *MigrationRunner) MigrateDown() error {
	if err := mr.SetupGoose(); err != nil {
		return err
	}

	if err := goose.Down(mr.db, "migrations"); err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}

	return nil
}

// GetStatus returns the current migration version.
func (mr *MigrationRunner) GetStatus() (*MigrationStatus, error) {
	if err := mr.SetupGoose(); err != nil {
		return nil, err
	}

	currentVersion, err := goose.GetDBVersion(mr.db)
	if err != nil {
		return nil, fmt.Errorf("failed to get current version: %w", err)
	}

	return &MigrationStatus{CurrentVersion: currentVersion}, nil
}

// MigrationStatus represents the current migration state.
type MigrationStatus struct {
	CurrentVersion int64 `json:"currentVersion"`
}
