package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/kiln/internal/model"

	_ "modernc.org/sqlite"
)

const createInvocationsTable = `
CREATE TABLE IF NOT EXISTS invocations (
    id          TEXT PRIMARY KEY,
    code_id     TEXT NOT NULL,
    status      TEXT NOT NULL,
    cause       TEXT NOT NULL DEFAULT '',
    method      TEXT NOT NULL,
    path        TEXT NOT NULL,
    http_status INTEGER,
    reused      INTEGER NOT NULL DEFAULT 0,
    cpu_ms      INTEGER,
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    finished_at DATETIME
)`

const createInvocationsCodeIndex = `
CREATE INDEX IF NOT EXISTS idx_invocations_code_id ON invocations (code_id, created_at)`

const createLogLinesTable = `
CREATE TABLE IF NOT EXISTS log_lines (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    invocation_id TEXT NOT NULL,
    seq           INTEGER NOT NULL,
    line          TEXT NOT NULL,
    created_at    DATETIME NOT NULL,
    UNIQUE (invocation_id, seq)
)`

const invocationColumns = `id, code_id, status, cause, method, path, http_status,
	reused, cpu_ms, duration_ms, created_at, finished_at`

// ErrNotFound is returned when an invocation is not found.
var ErrNotFound = errors.New("invocation not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createInvocationsTable, createInvocationsCodeIndex, createLogLinesTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row rowScanner) (*model.Invocation, error) {
	inv := &model.Invocation{}
	err := row.Scan(
		&inv.ID, &inv.CodeID, &inv.Status, &inv.Cause, &inv.Method, &inv.Path, &inv.HTTPStatus,
		&inv.Reused, &inv.CPUMS, &inv.DurationMS, &inv.CreatedAt, &inv.FinishedAt,
	)
	return inv, err
}

// CreateInvocation inserts a new invocation record.
func (s *SQLiteStore) CreateInvocation(ctx context.Context, inv *model.Invocation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations (`+invocationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.CodeID, inv.Status, inv.Cause, inv.Method, inv.Path, inv.HTTPStatus,
		inv.Reused, inv.CPUMS, inv.DurationMS, inv.CreatedAt, inv.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

// GetInvocation retrieves an invocation by ID.
func (s *SQLiteStore) GetInvocation(ctx context.Context, id string) (*model.Invocation, error) {
	inv, err := scanInvocation(s.db.QueryRowContext(ctx,
		`SELECT `+invocationColumns+` FROM invocations WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get invocation: %w", err)
	}
	return inv, nil
}

// ListInvocations returns a page of invocations ordered by created_at DESC,
// along with the total count. An empty codeID lists every code id.
func (s *SQLiteStore) ListInvocations(ctx context.Context, codeID string, limit, offset int) ([]*model.Invocation, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where, args := "", []any{}
	if codeID != "" {
		where, args = " WHERE code_id = ?", append(args, codeID)
	}

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM invocations"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count invocations: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+invocationColumns+` FROM invocations`+where+
			` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var invocations []*model.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan invocation: %w", err)
		}
		invocations = append(invocations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate invocations: %w", err)
	}

	return invocations, total, nil
}

// FinishInvocation records the terminal state of a running invocation. It
// returns ErrInvalidTransition if the invocation already finished or the
// target status is not terminal.
func (s *SQLiteStore) FinishInvocation(ctx context.Context, inv *model.Invocation) error {
	if !model.ValidTransition(model.StatusRunning, inv.Status) {
		return fmt.Errorf("%w: running -> %s", ErrInvalidTransition, inv.Status)
	}

	finishedAt := time.Now().UTC()
	if inv.FinishedAt != nil {
		finishedAt = *inv.FinishedAt
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE invocations SET status = ?, cause = ?, http_status = ?, reused = ?,
			cpu_ms = ?, duration_ms = ?, finished_at = ?
		WHERE id = ? AND status = ?`,
		inv.Status, inv.Cause, inv.HTTPStatus, inv.Reused,
		inv.CPUMS, inv.DurationMS, finishedAt,
		inv.ID, model.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("finish invocation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetInvocation(ctx, inv.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: invocation %s is not running", ErrInvalidTransition, inv.ID)
	}

	return nil
}

// GetInvocationStats returns aggregate statistics over every invocation.
func (s *SQLiteStore) GetInvocationStats(ctx context.Context) (*InvocationStats, error) {
	stats := &InvocationStats{
		CountByStatus: make(map[string]int),
		CountByCause:  make(map[string]int),
	}

	var avgDuration, avgCPU sql.NullFloat64
	var reused sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(reused), AVG(duration_ms), AVG(cpu_ms) FROM invocations`,
	).Scan(&stats.Total, &reused, &avgDuration, &avgCPU)
	if err != nil {
		return nil, fmt.Errorf("aggregate invocations: %w", err)
	}
	stats.Reused = int(reused.Int64)
	stats.AvgDurationMS = avgDuration.Float64
	stats.AvgCPUMS = avgCPU.Float64

	if err := s.countBy(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "cause", stats.CountByCause); err != nil {
		return nil, err
	}
	delete(stats.CountByCause, model.CauseNone)

	return stats, nil
}

// countBy fills into with row counts grouped by column. column is always a
// constant from this file.
func (s *SQLiteStore) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM invocations GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

// InsertLogLine appends one guest log line to an invocation.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, invocationID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO log_lines (invocation_id, seq, line, created_at) VALUES (?, ?, ?, ?)`,
		invocationID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns the log lines of an invocation in sequence order.
func (s *SQLiteStore) GetLogLines(ctx context.Context, invocationID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, invocation_id, seq, line, created_at
		FROM log_lines WHERE invocation_id = ? ORDER BY seq`, invocationID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.InvocationID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}
