// Package usage meters model calls and keeps an append-only ledger of
// their token counts and cost. Every call carries the request that caused
// it and, for task replays, the task name, so spend can be traced back to
// a single chat turn or ad-hoc run.
package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nugget/wright-agent/internal/config"
)

// Roles distinguish why a model call was made.
const (
	RoleChat      = "chat"      // a turn of the conversational tool loop
	RoleSynthesis = "synthesis" // code generation for an ad-hoc task
)

// Record is one metered model call.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Role         string    `json:"role"`
	TaskName     string    `json:"task_name,omitempty"`
}

// Summary totals a set of records.
type Summary struct {
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add folds rec into s.
func (s *Summary) Add(rec Record) {
	s.Calls++
	s.InputTokens += int64(rec.InputTokens)
	s.OutputTokens += int64(rec.OutputTokens)
	s.CostUSD += rec.CostUSD
}

func (s *Summary) dest() []any {
	return []any{&s.Calls, &s.InputTokens, &s.OutputTokens, &s.CostUSD}
}

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Since returns the window covering the last d.
func Since(d time.Duration) Window {
	end := time.Now()
	return Window{Start: end.Add(-d), End: end}
}

func (w Window) args() []any {
	return []any{stamp(w.Start), stamp(w.End)}
}

// Dimension is a field usage can be broken down by.
type Dimension string

const (
	ByModel    Dimension = "model"
	ByProvider Dimension = "provider"
	ByRole     Dimension = "role"
	ByTask     Dimension = "task"
	ByDay      Dimension = "day"
)

// ErrUnknownDimension is returned by GroupBy for an unsupported dimension.
var ErrUnknownDimension = errors.New("usage: unknown dimension")

// groupExpr holds the SQL for each dimension. Only these fixed strings
// are ever interpolated into queries.
var groupExpr = map[Dimension]string{
	ByModel:    "model",
	ByProvider: "provider",
	ByRole:     "role",
	ByTask:     "COALESCE(task_name, '')",
	ByDay:      "substr(timestamp, 1, 10)",
}

// ParseDimension validates a dimension name from user input.
func ParseDimension(s string) (Dimension, error) {
	d := Dimension(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := groupExpr[d]; !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownDimension, s)
	}
	return d, nil
}

const aggregates = `COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)`

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id            TEXT PRIMARY KEY,
	timestamp     TEXT NOT NULL,
	request_id    TEXT NOT NULL,
	model         TEXT NOT NULL,
	provider      TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_usd      REAL NOT NULL,
	role          TEXT NOT NULL,
	task_name     TEXT
);
CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
CREATE INDEX IF NOT EXISTS idx_usage_request ON usage_records(request_id);
`

// Store is the SQLite usage ledger. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the ledger at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// stamp renders t in the sortable form stored in the timestamp column.
func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Record appends rec, assigning a UUIDv7 and the current time when
// those are unset.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, request_id, model, provider, input_tokens, output_tokens, cost_usd, role, task_name)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, stamp(rec.Timestamp), rec.RequestID, rec.Model, rec.Provider,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.Role, rec.TaskName,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Totals sums every record in w.
func (s *Store) Totals(ctx context.Context, w Window) (Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx,
		`SELECT `+aggregates+` FROM usage_records WHERE timestamp >= ? AND timestamp < ?`,
		w.args()...,
	).Scan(sum.dest()...)
	if err != nil {
		return Summary{}, fmt.Errorf("query usage totals: %w", err)
	}
	return sum, nil
}

// GroupBy sums the records in w per value of d. Records without a task
// fall under "" when grouping by task.
func (s *Store) GroupBy(ctx context.Context, w Window, d Dimension) (map[string]Summary, error) {
	expr, ok := groupExpr[d]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownDimension, d)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+expr+`, `+aggregates+`
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY 1`,
		w.args()...,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", d, err)
	}
	defer rows.Close()

	out := make(map[string]Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(append([]any{&key}, sum.dest()...)...); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", d, err)
		}
		out[key] = sum
	}
	return out, rows.Err()
}

// Request returns the calls made for one request, oldest first.
func (s *Store) Request(ctx context.Context, requestID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, request_id, model, provider, input_tokens, output_tokens, cost_usd, role, COALESCE(task_name, '')
		 FROM usage_records
		 WHERE request_id = ?
		 ORDER BY timestamp, id`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage for request %s: %w", requestID, err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var ts string
		if err := rows.Scan(&rec.ID, &ts, &rec.RequestID, &rec.Model, &rec.Provider,
			&rec.InputTokens, &rec.OutputTokens, &rec.CostUSD, &rec.Role, &rec.TaskName); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, fmt.Errorf("parse usage timestamp %q: %w", ts, err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Prune deletes records older than before and reports how many went.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_records WHERE timestamp < ?`, stamp(before))
	if err != nil {
		return 0, fmt.Errorf("prune usage records: %w", err)
	}
	return res.RowsAffected()
}

// ComputeCost prices a call from the pricing table. An exact model entry
// wins; otherwise the longest key prefixing the model applies, so
// "gpt-4o-2024-11-20" is priced as "gpt-4o". Unknown models cost nothing.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		best := ""
		for key := range pricing {
			if len(key) > len(best) && strings.HasPrefix(model, key) {
				best = key
			}
		}
		if best == "" {
			return 0
		}
		entry = pricing[best]
	}
	return float64(inputTokens)/1000*entry.InputPer1K + float64(outputTokens)/1000*entry.OutputPer1K
}
