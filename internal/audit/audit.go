// Package audit records ad-hoc task executions: the task description,
// the code that ran, and what came of it. Persistence is best effort;
// a failing sink never changes an execution's outcome.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by Get for an unknown record id.
var ErrNotFound = errors.New("audit record not found")

// Record is one terminal ad-hoc execution.
type Record struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Task      string        `json:"task"`
	Source    string        `json:"source"`          // final generated code, may be empty
	Result    string        `json:"result"`          // JSON-encoded result, empty on failure
	Error     string        `json:"error,omitempty"` // empty on success
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration_ns"`
}

// Succeeded reports whether the execution produced a result.
func (r Record) Succeeded() bool { return r.Error == "" }

// Sink accepts audit records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// Store is a SQLite-backed Sink that can also list what it stored.
type Store struct {
	db *sql.DB
}

// Open creates a store at the given database path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore creates a store on an open database, creating the schema.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS adhoc_runs (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		task        TEXT NOT NULL,
		source      TEXT NOT NULL,
		result      TEXT NOT NULL,
		error       TEXT NOT NULL,
		attempts    INTEGER NOT NULL,
		duration_ns INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_adhoc_runs_timestamp ON adhoc_runs(timestamp);
	`)
	return err
}

// Write persists rec. A UUIDv7 id and the current time are filled in
// when missing.
func (s *Store) Write(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate audit record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO adhoc_runs (id, timestamp, task, source, result, error, attempts, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.Task,
		rec.Source,
		rec.Result,
		rec.Error,
		rec.Attempts,
		int64(rec.Duration),
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, task, source, result, error, attempts, duration_ns
		 FROM adhoc_runs ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, timestamp, task, source, result, error, attempts, duration_ns
		 FROM adhoc_runs WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec      Record
		ts       string
		duration int64
	)
	if err := sc.Scan(&rec.ID, &ts, &rec.Task, &rec.Source, &rec.Result, &rec.Error, &rec.Attempts, &duration); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan audit record: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return rec, fmt.Errorf("parse audit timestamp %q: %w", ts, err)
	}
	rec.Timestamp = t
	rec.Duration = time.Duration(duration)
	return rec, nil
}

// Multi fans a record out to several sinks. Each sink's failure is
// logged and the remaining sinks still run; Write always returns nil.
type Multi struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewMulti creates a fan-out over sinks, skipping nil entries.
func NewMulti(logger *slog.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Multi{logger: logger.With("component", "audit")}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len returns the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

// Write implements Sink.
func (m *Multi) Write(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		if id, err := uuid.NewV7(); err == nil {
			rec.ID = id.String()
		}
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	for _, s := range m.sinks {
		if err := s.Write(ctx, rec); err != nil {
			m.logger.Warn("audit sink failed", "id", rec.ID, "sink", fmt.Sprintf("%T", s), "error", err)
		}
	}
	return nil
}
