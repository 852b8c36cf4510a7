package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"proctord/internal/violation"
)

// ErrNotFound is returned when no outcome exists for a session id.
var ErrNotFound = errors.New("store: session not found")

// Store represents the SQLite outcome store.
type Store struct {
	db *sql.DB
}

type options struct {
	busyTimeout time.Duration
}

// Option configures Open.
type Option func(*options)

// WithBusyTimeout sets how long SQLite waits on a locked database.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{busyTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d",
		path, o.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	// Outcomes name candidates; keep the file private.
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Schema reports the applied migrations after checking the expected
// tables exist.
func (s *Store) Schema() (*MigrationStatus, error) {
	if err := ValidateSchema(s.db); err != nil {
		return nil, err
	}
	return GetMigrationStatus(s.db)
}

// SaveOutcome writes o, replacing any earlier record for the same session.
func (s *Store) SaveOutcome(ctx context.Context, o *Outcome) error {
	if o.SessionID == "" {
		return errors.New("store: outcome has no session id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, candidate, started_at, ended_at, outcome, reason, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			candidate = excluded.candidate,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			outcome = excluded.outcome,
			reason = excluded.reason,
			digest = excluded.digest`,
		o.SessionID, o.Candidate, unixNano(o.StartedAt), unixNano(o.EndedAt), o.State, o.Reason, o.Digest,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	for _, table := range []string{"warnings", "tallies"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE session_id = ?", o.SessionID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	wstmt, err := tx.PrepareContext(ctx, `
		INSERT INTO warnings (session_id, seq, type, reason, detail, at, remaining)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer wstmt.Close()

	for _, w := range o.Warnings {
		if _, err := wstmt.ExecContext(ctx, o.SessionID, w.SequenceNumber, string(w.Type), w.Reason, w.Detail,
			unixNano(w.Timestamp), w.RemainingBeforeTermination); err != nil {
			return fmt.Errorf("insert warning %d: %w", w.SequenceNumber, err)
		}
	}

	tstmt, err := tx.PrepareContext(ctx, `INSERT INTO tallies (session_id, type, count) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer tstmt.Close()

	for t, n := range o.Tally {
		if _, err := tstmt.ExecContext(ctx, o.SessionID, string(t), n); err != nil {
			return fmt.Errorf("insert tally %s: %w", t, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Outcome retrieves the outcome of one session.
func (s *Store) Outcome(ctx context.Context, id string) (*Outcome, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, candidate, started_at, ended_at, outcome, reason, digest
		FROM sessions WHERE id = ?`, id)

	o, err := scanOutcome(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if err := s.loadDetails(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// ListOutcomes returns the most recently ended sessions first. A limit of
// zero or less returns every session.
func (s *Store) ListOutcomes(ctx context.Context, limit int) ([]*Outcome, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, candidate, started_at, ended_at, outcome, reason, digest
		FROM sessions
		ORDER BY ended_at DESC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var outcomes []*Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	rows.Close()

	for _, o := range outcomes {
		if err := s.loadDetails(ctx, o); err != nil {
			return nil, err
		}
	}
	return outcomes, nil
}

// CountByState returns the number of stored sessions per outcome state.
func (s *Store) CountByState(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM sessions GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// DeleteOutcome removes a session and its details.
func (s *Store) DeleteOutcome(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *Store) loadDetails(ctx context.Context, o *Outcome) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, reason, detail, at, remaining
		FROM warnings WHERE session_id = ? ORDER BY seq ASC`, o.SessionID)
	if err != nil {
		return fmt.Errorf("get warnings: %w", err)
	}
	for rows.Next() {
		var w violation.Warning
		var typ string
		var at int64
		if err := rows.Scan(&w.SequenceNumber, &typ, &w.Reason, &w.Detail, &at, &w.RemainingBeforeTermination); err != nil {
			rows.Close()
			return fmt.Errorf("scan warning: %w", err)
		}
		w.Type = violation.Type(typ)
		w.Timestamp = fromUnixNano(at)
		o.Warnings = append(o.Warnings, w)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate warnings: %w", err)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT type, count FROM tallies WHERE session_id = ?`, o.SessionID)
	if err != nil {
		return fmt.Errorf("get tallies: %w", err)
	}
	defer rows.Close()

	o.Tally = make(violation.Tally)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return fmt.Errorf("scan tally: %w", err)
		}
		o.Tally[violation.Type(typ)] = n
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOutcome(row scanner) (*Outcome, error) {
	var o Outcome
	var started, ended int64
	if err := row.Scan(&o.SessionID, &o.Candidate, &started, &ended, &o.State, &o.Reason, &o.Digest); err != nil {
		return nil, err
	}
	o.StartedAt = fromUnixNano(started)
	o.EndedAt = fromUnixNano(ended)
	return &o, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
