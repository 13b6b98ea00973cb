package requestlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SQLite binds at most 999 parameters per statement, so large batches are
// split into chunks of maxEntriesPerBatch rows.
const (
	maxSQLiteParams    = 999
	columnsPerEntry    = 17
	maxEntriesPerBatch = maxSQLiteParams / columnsPerEntry
)

const sqliteInsertColumns = `id, timestamp, duration_ns, model, status_code, outcome, error_kind, error_message,
	request_id, client_ip, user_agent, input_bytes, fragments, output_bytes, malformed_lines, upstream_done, first_fragment_ns`

// SQLiteStore implements LogStore for SQLite databases.
type SQLiteStore struct {
	db            *sql.DB
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewSQLiteStore creates the request_logs table if needed and starts the
// retention loop when retentionDays > 0.
func NewSQLiteStore(db *sql.DB, retentionDays int) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS request_logs (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			duration_ns INTEGER DEFAULT 0,
			model TEXT,
			status_code INTEGER DEFAULT 0,
			outcome TEXT,
			error_kind TEXT,
			error_message TEXT,
			request_id TEXT,
			client_ip TEXT,
			user_agent TEXT,
			input_bytes INTEGER DEFAULT 0,
			fragments INTEGER DEFAULT 0,
			output_bytes INTEGER DEFAULT 0,
			malformed_lines INTEGER DEFAULT 0,
			upstream_done INTEGER DEFAULT 0,
			first_fragment_ns INTEGER DEFAULT 0
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create request_logs table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_request_logs_timestamp ON request_logs(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_request_logs_outcome ON request_logs(outcome)",
		"CREATE INDEX IF NOT EXISTS idx_request_logs_error_kind ON request_logs(error_kind)",
		"CREATE INDEX IF NOT EXISTS idx_request_logs_request_id ON request_logs(request_id)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &SQLiteStore{
		db:            db,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}

	if retentionDays > 0 {
		go RunCleanupLoop(store.stopCleanup, store.cleanup)
	}

	return store, nil
}

// WriteBatch inserts entries with INSERT OR IGNORE, chunked to the parameter limit.
func (s *SQLiteStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	for i := 0; i < len(entries); i += maxEntriesPerBatch {
		end := min(i+maxEntriesPerBatch, len(entries))
		chunk := entries[i:end]

		placeholders := make([]string, len(chunk))
		values := make([]any, 0, len(chunk)*columnsPerEntry)
		row := "(" + strings.TrimSuffix(strings.Repeat("?, ", columnsPerEntry), ", ") + ")"

		for j, e := range chunk {
			placeholders[j] = row

			done := 0
			if e.UpstreamDone {
				done = 1
			}

			values = append(values,
				e.ID,
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				e.DurationNs,
				e.Model,
				e.StatusCode,
				e.Outcome,
				e.ErrorKind,
				e.ErrorMessage,
				e.RequestID,
				e.ClientIP,
				e.UserAgent,
				e.InputBytes,
				e.Fragments,
				e.OutputBytes,
				e.MalformedLines,
				done,
				e.FirstFragmentNs,
			)
		}

		query := "INSERT OR IGNORE INTO request_logs (" + sqliteInsertColumns + ") VALUES " +
			strings.Join(placeholders, ",")

		if _, err := s.db.ExecContext(ctx, query, values...); err != nil {
			return fmt.Errorf("failed to insert request logs batch %d: %w", i/maxEntriesPerBatch, err)
		}
	}

	return nil
}

// Flush is a no-op for SQLite as writes are synchronous.
func (s *SQLiteStore) Flush(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine. The database belongs to the storage layer.
func (s *SQLiteStore) Close() error {
	if s.retentionDays > 0 {
		s.closeOnce.Do(func() {
			close(s.stopCleanup)
		})
	}
	return nil
}

func (s *SQLiteStore) cleanup() {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays).UTC().Format(time.RFC3339Nano)

	result, err := s.db.Exec("DELETE FROM request_logs WHERE timestamp < ?", cutoff)
	if err != nil {
		slog.Error("failed to cleanup old request logs", "error", err)
		return
	}

	if rowsAffected, err := result.RowsAffected(); err == nil && rowsAffected > 0 {
		slog.Info("cleaned up old request logs", "deleted", rowsAffected)
	}
}
