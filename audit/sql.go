package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/deepnoodle-ai/aiflow/backend"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

var schema = []string{
	`CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		ts BIGINT NOT NULL,
		workflow_id TEXT NOT NULL DEFAULT '',
		operation TEXT NOT NULL,
		autonomy_level TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_entries(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_operation ON audit_entries(operation)`,
	`CREATE TABLE IF NOT EXISTS backend_calls (
		id TEXT PRIMARY KEY,
		ts BIGINT NOT NULL,
		workflow_id TEXT NOT NULL DEFAULT '',
		backend TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		fallback INTEGER NOT NULL,
		success INTEGER NOT NULL,
		duration_ms BIGINT NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_backend ON backend_calls(backend, ts)`,
	`CREATE TABLE IF NOT EXISTS workflow_runs (
		id TEXT PRIMARY KEY,
		ts BIGINT NOT NULL,
		workflow TEXT NOT NULL,
		status TEXT NOT NULL,
		duration_ms BIGINT NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON workflow_runs(workflow, ts)`,
}

// SQLStore keeps audit entries, backend calls and workflow runs in SQLite
// or Postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenSQLite opens (creating if needed) a SQLite database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	return Open(ctx, DriverSQLite, path)
}

// Open connects using driver and dsn and creates the schema.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported audit driver %q", driver)
	}
	db, err := openDB(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	}
	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if s.driver == DriverSQLite {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("enable WAL: %w", err)
		}
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate audit schema: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

// Log implements Sink.
func (s *SQLStore) Log(ctx context.Context, entry Entry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	return s.exec(ctx,
		`INSERT INTO audit_entries (id, ts, workflow_id, operation, autonomy_level, details) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp.UnixMilli(), entry.WorkflowID, entry.Operation, entry.AutonomyLevel, string(details))
}

// RecordCall implements CallSink.
func (s *SQLStore) RecordCall(ctx context.Context, record backend.CallRecord) error {
	var errText string
	if record.Err != nil {
		errText = record.Err.Error()
	}
	return s.exec(ctx,
		`INSERT INTO backend_calls (id, ts, workflow_id, backend, model, fallback, success, duration_ms, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Started.UnixMilli(), WorkflowID(ctx), string(record.Backend), record.Model,
		boolInt(record.Fallback), boolInt(record.Success), record.Duration.Milliseconds(), errText)
}

// RecordRun implements RunSink.
func (s *SQLStore) RecordRun(ctx context.Context, record RunRecord) error {
	return s.exec(ctx,
		`INSERT INTO workflow_runs (id, ts, workflow, status, duration_ms, error) VALUES (?, ?, ?, ?, ?, ?)`,
		record.ID, record.Started.UnixMilli(), record.Workflow, record.Status, record.Duration.Milliseconds(), record.Error)
}

// List implements Lister. Results are ordered oldest first; a Limit keeps
// the most recent entries.
func (s *SQLStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	query := `SELECT id, ts, workflow_id, operation, autonomy_level, details FROM audit_entries WHERE 1=1`
	var args []any
	if filter.Operation != "" {
		query += ` AND operation = ?`
		args = append(args, filter.Operation)
	}
	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if !filter.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, filter.Since.UnixMilli())
	}
	query += ` ORDER BY ts DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			ts      int64
			details string
		)
		if err := rows.Scan(&e.ID, &ts, &e.WorkflowID, &e.Operation, &e.AutonomyLevel, &details); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ts)
		if details != "" && details != "null" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("decode details of %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Stats aggregates audit entries.
type Stats struct {
	Total       int            `json:"total"`
	ByOperation map[string]int `json:"by_operation"`
	ByLevel     map[string]int `json:"by_level"`
}

// Stats counts entries recorded since the given time.
func (s *SQLStore) Stats(ctx context.Context, since time.Time) (Stats, error) {
	stats := Stats{ByOperation: map[string]int{}, ByLevel: map[string]int{}}
	if err := s.countBy(ctx, "operation", since, stats.ByOperation); err != nil {
		return stats, err
	}
	if err := s.countBy(ctx, "autonomy_level", since, stats.ByLevel); err != nil {
		return stats, err
	}
	for _, n := range stats.ByOperation {
		stats.Total += n
	}
	return stats, nil
}

func (s *SQLStore) countBy(ctx context.Context, column string, since time.Time, into map[string]int) error {
	query := fmt.Sprintf(`SELECT %s, COUNT(*) FROM audit_entries WHERE ts >= ? GROUP BY %s`, column, column)
	rows, err := s.db.QueryContext(ctx, s.rebind(query), since.UnixMilli())
	if err != nil {
		return fmt.Errorf("count audit entries by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

// BackendSummary aggregates calls to one backend.
type BackendSummary struct {
	Backend     string        `json:"backend"`
	Calls       int           `json:"calls"`
	Successes   int           `json:"successes"`
	Fallbacks   int           `json:"fallbacks"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// SuccessRate returns the fraction of successful calls.
func (b BackendSummary) SuccessRate() float64 {
	if b.Calls == 0 {
		return 0
	}
	return float64(b.Successes) / float64(b.Calls)
}

// BackendSummary aggregates backend calls since the given time.
func (s *SQLStore) BackendSummary(ctx context.Context, since time.Time) ([]BackendSummary, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT backend, COUNT(*), COALESCE(SUM(success), 0), COALESCE(SUM(fallback), 0), COALESCE(AVG(duration_ms), 0)
		FROM backend_calls WHERE ts >= ? GROUP BY backend ORDER BY backend`), since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("summarize backend calls: %w", err)
	}
	defer rows.Close()
	var out []BackendSummary
	for rows.Next() {
		var b BackendSummary
		var avg float64
		if err := rows.Scan(&b.Backend, &b.Calls, &b.Successes, &b.Fallbacks, &avg); err != nil {
			return nil, err
		}
		b.AvgDuration = time.Duration(avg * float64(time.Millisecond))
		out = append(out, b)
	}
	return out, rows.Err()
}

// WorkflowSummary aggregates runs of one workflow.
type WorkflowSummary struct {
	Workflow    string        `json:"workflow"`
	Runs        int           `json:"runs"`
	Failures    int           `json:"failures"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// WorkflowSummary aggregates workflow runs since the given time.
func (s *SQLStore) WorkflowSummary(ctx context.Context, since time.Time) ([]WorkflowSummary, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT workflow, COUNT(*), COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0), COALESCE(AVG(duration_ms), 0)
		FROM workflow_runs WHERE ts >= ? GROUP BY workflow ORDER BY workflow`), since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("summarize workflow runs: %w", err)
	}
	defer rows.Close()
	var out []WorkflowSummary
	for rows.Next() {
		var w WorkflowSummary
		var avg float64
		if err := rows.Scan(&w.Workflow, &w.Runs, &w.Failures, &avg); err != nil {
			return nil, err
		}
		w.AvgDuration = time.Duration(avg * float64(time.Millisecond))
		out = append(out, w)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
