package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore implements Store for PostgreSQL databases.
type PostgreSQLStore struct {
	pool          *pgxpool.Pool
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

const insertGatewayLog = `
	INSERT INTO gateway_logs (id, timestamp, kind, request_id, api_id, data)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO NOTHING`

// NewPostgreSQLStore creates the gateway_logs table if needed and starts the
// retention cleanup when retentionDays > 0.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool, retentionDays int) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS gateway_logs (
			id TEXT PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			kind TEXT NOT NULL,
			request_id TEXT,
			api_id TEXT,
			data JSONB
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway_logs table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_gateway_logs_timestamp ON gateway_logs(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_gateway_logs_request_id ON gateway_logs(request_id)",
		"CREATE INDEX IF NOT EXISTS idx_gateway_logs_api_kind ON gateway_logs(api_id, kind)",
		"CREATE INDEX IF NOT EXISTS idx_gateway_logs_data_gin ON gateway_logs USING GIN (data)",
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

// WriteBatch queues every insert in one pgx batch.
func (s *PostgreSQLStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(insertGatewayLog, e.ID, e.Timestamp, e.Kind, e.RequestID, e.APIID, marshalData(e.Data, e.ID))
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for _, e := range entries {
		if _, err := results.Exec(); err != nil {
			slog.Warn("failed to insert gateway log", "error", err, "id", e.ID)
		}
	}
	return nil
}

// Flush is a no-op; writes are synchronous.
func (s *PostgreSQLStore) Flush(context.Context) error { return nil }

// Close stops the cleanup goroutine. The pool belongs to the storage layer.
func (s *PostgreSQLStore) Close() error {
	s.closeOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

func (s *PostgreSQLStore) cleanup() {
	if s.retentionDays <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	result, err := s.pool.Exec(ctx, "DELETE FROM gateway_logs WHERE timestamp < $1", cutoff)
	if err != nil {
		slog.Error("failed to cleanup old gateway logs", "error", err)
		return
	}
	if result.RowsAffected() > 0 {
		slog.Info("cleaned up old gateway logs", "deleted", result.RowsAffected())
	}
}
