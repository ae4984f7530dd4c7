package reporter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SQLite binds at most 999 parameters per statement; batches are chunked.
const (
	maxSQLiteParams    = 999
	columnsPerEntry    = 6
	maxEntriesPerBatch = maxSQLiteParams / columnsPerEntry
)

// SQLiteStore implements Store for SQLite databases.
type SQLiteStore struct {
	db            *sql.DB
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewSQLiteStore creates the gateway_logs table if needed and starts the
// retention cleanup when retentionDays > 0.
func NewSQLiteStore(db *sql.DB, retentionDays int) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS gateway_logs (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			kind TEXT NOT NULL,
			request_id TEXT,
			api_id TEXT,
			data JSON
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway_logs table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_gateway_logs_timestamp ON gateway_logs(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_gateway_logs_request_id ON gateway_logs(request_id)",
		"CREATE INDEX IF NOT EXISTS idx_gateway_logs_api_kind ON gateway_logs(api_id, kind)",
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

// WriteBatch inserts entries, ignoring ids that already exist.
func (s *SQLiteStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	for i := 0; i < len(entries); i += maxEntriesPerBatch {
		end := min(i+maxEntriesPerBatch, len(entries))
		chunk := entries[i:end]

		placeholders := make([]string, len(chunk))
		values := make([]any, 0, len(chunk)*columnsPerEntry)
		for j, e := range chunk {
			placeholders[j] = "(?, ?, ?, ?, ?, ?)"

			var data any
			if b := marshalData(e.Data, e.ID); b != nil {
				data = string(b)
			}
			values = append(values,
				e.ID,
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				e.Kind,
				e.RequestID,
				e.APIID,
				data,
			)
		}

		query := `INSERT OR IGNORE INTO gateway_logs (id, timestamp, kind, request_id, api_id, data) VALUES ` +
			strings.Join(placeholders, ",")
		if _, err := s.db.ExecContext(ctx, query, values...); err != nil {
			return fmt.Errorf("failed to insert gateway logs batch %d: %w", i/maxEntriesPerBatch, err)
		}
	}
	return nil
}

// Flush is a no-op; writes are synchronous.
func (s *SQLiteStore) Flush(context.Context) error { return nil }

// Close stops the cleanup goroutine. The connection belongs to the storage
// layer. Safe to call multiple times.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

func (s *SQLiteStore) cleanup() {
	if s.retentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays).UTC().Format(time.RFC3339Nano)

	result, err := s.db.Exec("DELETE FROM gateway_logs WHERE timestamp < ?", cutoff)
	if err != nil {
		slog.Error("failed to cleanup old gateway logs", "error", err)
		return
	}
	if rows, err := result.RowsAffected(); err == nil && rows > 0 {
		slog.Info("cleaned up old gateway logs", "deleted", rows)
	}
}
