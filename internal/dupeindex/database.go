// Package dupeindex is a small sqlite-backed index of historical dupe keys,
// grounded in the teacher's internal/database package: same goose-migrated
// *sql.DB wrapper, repurposed from the teacher's goqite-migration-compat
// bookkeeping to store (dupeKey, dupeScore, kind, outcome) tuples written
// through Record. No engine package calls Record when a job reaches
// history; the index holds only what a caller records.
package dupeindex

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// Kind mirrors model.HistoryKind without importing internal/model, so
// dupeindex stays a leaf package usable from both queueapi and scheduler.
type Kind int

const (
	KindUnknown Kind = iota
	KindNzb
	KindURL
)

// Outcome records how a job ended. CheckDuplicate does not read it; it
// compares dupe keys and scores only.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeGood
	OutcomeBad
)

// Database wraps the dupe index's sqlite connection.
type Database struct {
	DB   *sql.DB
	path string
}

// New opens (creating if necessary) the sqlite dupe index at path and runs
// it through EnsureMigrationCompatibility.
func New(ctx context.Context, path string) (*Database, error) {
	if path == "" {
		path = "dupeindex.db"
	}

	slog.InfoContext(ctx, fmt.Sprintf("opening dupe index at %s", path))

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000&_fk=true")
	if err != nil {
		return nil, fmt.Errorf("opening dupe index: %w", err)
	}

	// A single index file backing many article-downloader goroutines;
	// sqlite only tolerates one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &Database{DB: db, path: path}
	if err := d.EnsureMigrationCompatibility(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the underlying sqlite connection.
func (d *Database) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}

// GetMigrationRunner returns a new migration runner for this database.
func (d *Database) GetMigrationRunner() *MigrationRunner {
	return NewMigrationRunner(d.DB)
}

// EnsureMigrationCompatibility runs any pending goose migrations.
func (d *Database) EnsureMigrationCompatibility() error {
	return d.GetMigrationRunner().MigrateUp()
}

// Record inserts a dupe index entry for a job that just reached history.
func (d *Database) Record(ctx context.Context, dupeKey string, dupeScore int, kind Kind, outcome Outcome, historyID int64) error {
	_, err := d.DB.ExecContext(ctx,
		`INSERT INTO dupe_entries (dupe_key, dupe_score, kind, outcome, history_id) VALUES (?, ?, ?, ?, ?)`,
		dupeKey, dupeScore, int(kind), int(outcome), historyID,
	)
	if err != nil {
		return fmt.Errorf("recording dupe entry for key %q: %w", dupeKey, err)
	}
	return nil
}

// DupeMode mirrors model.DupeMode's three values without importing
// internal/model, for the same leaf-package reason as Kind/Outcome above.
type DupeMode int

const (
	DupeModeScore DupeMode = iota
	DupeModeAll
	DupeModeForce
)

// CheckDuplicate reports whether a new job with the given dupeKey/dupeScore
// must be rejected: mode Score rejects unless the new
// score strictly beats the best recorded score for the same key; mode All
// rejects on any exact key match; mode Force never rejects.
func (d *Database) CheckDuplicate(ctx context.Context, dupeKey string, dupeScore int, mode DupeMode) (bool, error) {
	if mode == DupeModeForce || dupeKey == "" {
		return false, nil
	}

	if mode == DupeModeAll {
		var count int
		err := d.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM dupe_entries WHERE dupe_key = ?`, dupeKey).Scan(&count)
		if err != nil {
			return false, fmt.Errorf("checking duplicate key %q: %w", dupeKey, err)
		}
		return count > 0, nil
	}

	var bestScore sql.NullInt64
	err := d.DB.QueryRowContext(ctx, `SELECT MAX(dupe_score) FROM dupe_entries WHERE dupe_key = ?`, dupeKey).Scan(&bestScore)
	if err != nil {
		return false, fmt.Errorf("checking duplicate score for key %q: %w", dupeKey, err)
	}
	if !bestScore.Valid {
		return false, nil
	}
	return dupeScore <= int(bestScore.Int64), nil
}
