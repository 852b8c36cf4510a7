package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Migration is one schema step. Down undoes Up.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "sessions, warnings and tallies",
		Up: `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    candidate   TEXT NOT NULL DEFAULT '',
    started_at  INTEGER NOT NULL,
    ended_at    INTEGER NOT NULL,
    outcome     TEXT NOT NULL CHECK (outcome IN ('terminated', 'stopped')),
    reason      TEXT NOT NULL DEFAULT '',
    digest      TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS warnings (
    session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    seq         INTEGER NOT NULL,
    type        TEXT NOT NULL,
    reason      TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT '',
    at          INTEGER NOT NULL,
    remaining   INTEGER NOT NULL,
    PRIMARY KEY (session_id, seq)
);
CREATE TABLE IF NOT EXISTS tallies (
    session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    type        TEXT NOT NULL,
    count       INTEGER NOT NULL,
    PRIMARY KEY (session_id, type)
);`,
		Down: `
DROP TABLE IF EXISTS tallies;
DROP TABLE IF EXISTS warnings;
DROP TABLE IF EXISTS sessions;`,
	},
	{
		Version:     2,
		Description: "outcome listing indexes",
		Up: `
CREATE INDEX IF NOT EXISTS idx_sessions_ended ON sessions(ended_at);
CREATE INDEX IF NOT EXISTS idx_sessions_candidate ON sessions(candidate);`,
		Down: `
DROP INDEX IF EXISTS idx_sessions_candidate;
DROP INDEX IF EXISTS idx_sessions_ended;`,
	},
}

// requiredTables must exist once every migration has run.
var requiredTables = []string{"sessions", "warnings", "tallies", "schema_migrations"}

// ErrNoMigrations is returned when rolling back an empty schema.
var ErrNoMigrations = errors.New("store: no migrations to roll back")

func withTx(db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// MigrateDB brings the schema up to the latest version. Each migration
// runs in its own transaction together with its bookkeeping row.
func MigrateDB(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		applied_at  INTEGER NOT NULL,
		description TEXT
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := schemaVersion(db)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := withTx(db, func(tx *sql.Tx) error {
			if _, err := tx.Exec(m.Up); err != nil {
				return err
			}
			_, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)`,
				m.Version, time.Now().UnixNano(), m.Description)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}

// RollbackMigration undoes the most recent migration.
func RollbackMigration(db *sql.DB) error {
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if current == 0 {
		return ErrNoMigrations
	}

	idx := -1
	for i, m := range migrations {
		if m.Version == current {
			idx = i
		}
	}
	if idx < 0 {
		return fmt.Errorf("store: schema version %d is unknown", current)
	}

	m := migrations[idx]
	err = withTx(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(m.Down); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM schema_migrations WHERE version = ?`, m.Version)
		return err
	})
	if err != nil {
		return fmt.Errorf("roll back migration %d: %w", m.Version, err)
	}
	return nil
}

// MigrationStatus describes applied and pending migrations.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
	Applied        []AppliedMigration
}

// AppliedMigration is one row of schema_migrations.
type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

// GetMigrationStatus compares schema_migrations with the known migrations.
// A database without the bookkeeping table has everything pending.
func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{LatestVersion: migrations[len(migrations)-1].Version}

	rows, err := db.Query(`SELECT version, applied_at, description FROM schema_migrations ORDER BY version`)
	if err != nil {
		status.Pending = migrations
		return status, nil
	}
	defer rows.Close()

	seen := make(map[int]bool, len(migrations))
	for rows.Next() {
		var (
			am AppliedMigration
			ns int64
		)
		if err := rows.Scan(&am.Version, &ns, &am.Description); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		am.AppliedAt = time.Unix(0, ns)
		status.Applied = append(status.Applied, am)
		seen[am.Version] = true
		status.CurrentVersion = max(status.CurrentVersion, am.Version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	for _, m := range migrations {
		if !seen[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, nil
}

// ValidateSchema checks that every required table exists.
func ValidateSchema(db *sql.DB) error {
	for _, table := range requiredTables {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if n == 0 {
			return fmt.Errorf("store: missing table %s", table)
		}
	}
	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
