package fetchrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// InflightRecord is a relayed request that has not finished yet.
type InflightRecord struct {
	RequestID string
	URL       string
	Method    string
	Stream    bool
	StartedAt time.Time
}

// CompletedResult is a finished relayed request kept until a client
// acknowledges it.
type CompletedResult struct {
	RequestID   string            `json:"requestId"`
	URL         string            `json:"url"`
	Status      int               `json:"status"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body,omitempty"`
	Error       string            `json:"error,omitempty"`
	CompletedAt int64             `json:"completedAt"`
}

// Store persists inflight and completed fetch records in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens the database at path. ":memory:" keeps everything in
// process memory.
func OpenStore(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create fetch relay directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil && path != ":memory:" {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS inflight (
		request_id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		method TEXT NOT NULL,
		stream INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS completed (
		request_id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		status INTEGER NOT NULL DEFAULT 0,
		headers TEXT,
		body BLOB,
		error TEXT,
		completed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_completed_at ON completed(completed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ErrDuplicateRequest reports a request id that is already tracked.
var ErrDuplicateRequest = errors.New("request id already tracked")

// BeginInflight records a request before it is issued.
func (s *Store) BeginInflight(ctx context.Context, rec InflightRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inflight (request_id, url, method, stream, started_at) VALUES (?, ?, ?, ?, ?)`,
		rec.RequestID, rec.URL, rec.Method, boolToInt(rec.Stream), rec.StartedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%s: %w", rec.RequestID, ErrDuplicateRequest)
		}
		return fmt.Errorf("insert inflight %s: %w", rec.RequestID, err)
	}
	return nil
}

// Complete replaces the inflight record with its result in one transaction.
func (s *Store) Complete(ctx context.Context, res CompletedResult) error {
	headers, err := encodeHeaders(res.Headers)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM inflight WHERE request_id = ?`, res.RequestID); err != nil {
		return fmt.Errorf("delete inflight %s: %w", res.RequestID, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO completed (request_id, url, status, headers, body, error, completed_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		res.RequestID, res.URL, res.Status, headers, res.Body, nullString(res.Error), res.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert completed %s: %w", res.RequestID, err)
	}
	return tx.Commit()
}

// Abandon drops an inflight record without keeping a result.
func (s *Store) Abandon(ctx context.Context, requestID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM inflight WHERE request_id = ?`, requestID)
	return err
}

// Inflight lists unfinished requests, oldest first.
func (s *Store) Inflight(ctx context.Context) ([]InflightRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT request_id, url, method, stream, started_at FROM inflight ORDER BY started_at, request_id`)
	if err != nil {
		return nil, fmt.Errorf("query inflight: %w", err)
	}
	defer rows.Close()

	var out []InflightRecord
	for rows.Next() {
		var rec InflightRecord
		var stream int
		var startedAt int64
		if err := rows.Scan(&rec.RequestID, &rec.URL, &rec.Method, &stream, &startedAt); err != nil {
			return nil, fmt.Errorf("scan inflight: %w", err)
		}
		rec.Stream = stream != 0
		rec.StartedAt = time.UnixMilli(startedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Completed lists stored results, oldest first.
func (s *Store) Completed(ctx context.Context) ([]CompletedResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT request_id, url, status, headers, body, error, completed_at FROM completed ORDER BY completed_at, request_id`)
	if err != nil {
		return nil, fmt.Errorf("query completed: %w", err)
	}
	defer rows.Close()

	var out []CompletedResult
	for rows.Next() {
		var res CompletedResult
		var headers, errText sql.NullString
		if err := rows.Scan(&res.RequestID, &res.URL, &res.Status, &headers, &res.Body, &errText, &res.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan completed: %w", err)
		}
		res.Error = errText.String
		if res.Headers, err = decodeHeaders(headers.String); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// Ack deletes delivered results and reports how many were removed.
func (s *Store) Ack(ctx context.Context, requestIDs []string) (int, error) {
	if len(requestIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(requestIDs)), ",")
	args := make([]any, len(requestIDs))
	for i, id := range requestIDs {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM completed WHERE request_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("ack results: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Sweep removes results completed before cutoff.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM completed WHERE completed_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep results: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
