package requestlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresInsert = `
	INSERT INTO request_logs (id, timestamp, duration_ns, model, status_code, outcome, error_kind, error_message,
		request_id, client_ip, user_agent, input_bytes, fragments, output_bytes, malformed_lines, upstream_done, first_fragment_ns)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	ON CONFLICT (id) DO NOTHING`

// PostgreSQLStore implements LogStore for PostgreSQL databases.
type PostgreSQLStore struct {
	pool          *pgxpool.Pool
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewPostgreSQLStore creates the request_logs table if needed and starts the
// retention loop when retentionDays > 0.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool, retentionDays int) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS request_logs (
			id TEXT PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			duration_ns BIGINT DEFAULT 0,
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
			output_bytes BIGINT DEFAULT 0,
			malformed_lines INTEGER DEFAULT 0,
			upstream_done BOOLEAN DEFAULT FALSE,
			first_fragment_ns BIGINT DEFAULT 0
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create request_logs table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_request_logs_timestamp ON request_logs(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_request_logs_outcome ON request_logs(outcome)",
		"CREATE INDEX IF NOT EXISTS idx_request_logs_error_kind ON request_logs(error_kind)",
	}
	for _, idx := range indexes {
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &PostgreSQLStore{
		pool:          pool,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}

	if retentionDays > 0 {
		go RunCleanupLoop(store.stopCleanup, store.cleanup)
	}

	return store, nil
}

// WriteBatch sends all inserts in one pgx batch round trip.
func (s *PostgreSQLStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(postgresInsert,
			e.ID, e.Timestamp, e.DurationNs, e.Model, e.StatusCode, e.Outcome, e.ErrorKind, e.ErrorMessage,
			e.RequestID, e.ClientIP, e.UserAgent, e.InputBytes, e.Fragments, e.OutputBytes, e.MalformedLines,
			e.UpstreamDone, e.FirstFragmentNs)
	}

	results := s.pool.SendBatch(ctx, batch)
	var failed int
	for range entries {
		if _, err := results.Exec(); err != nil {
			failed++
			slog.Warn("failed to insert request log", "error", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to write request logs batch: %w", err)
	}
	if failed == len(entries) {
		return fmt.Errorf("all %d request log inserts failed", failed)
	}
	return nil
}

// Flush is a no-op for PostgreSQL as writes are synchronous.
func (s *PostgreSQLStore) Flush(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine. The pool belongs to the storage layer.
func (s *PostgreSQLStore) Close() error {
	if s.retentionDays > 0 {
		s.closeOnce.Do(func() {
			close(s.stopCleanup)
		})
	}
	return nil
}

func (s *PostgreSQLStore) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)

	result, err := s.pool.Exec(ctx, "DELETE FROM request_logs WHERE timestamp < $1", cutoff)
	if err != nil {
		slog.Error("failed to cleanup old request logs", "error", err)
		return
	}

	if result.RowsAffected() > 0 {
		slog.Info("cleaned up old request logs", "deleted", result.RowsAffected())
	}
}
