package reporter

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Store persists report entries.
// Implementations must be safe for concurrent use.
type Store interface {
	// WriteBatch writes multiple entries.
	WriteBatch(ctx context.Context, entries []*Entry) error

	// Flush forces pending writes.
	Flush(ctx context.Context) error

	// Close releases resources held by the store. It never closes the
	// shared database connection.
	Close() error
}

// NoopStore discards everything.
type NoopStore struct{}

func (NoopStore) WriteBatch(context.Context, []*Entry) error { return nil }
func (NoopStore) Flush(context.Context) error                { return nil }
func (NoopStore) Close() error                               { return nil }

// CleanupInterval is how often stores delete entries past retention.
const CleanupInterval = 1 * time.Hour

// RunCleanupLoop runs cleanupFn immediately and then every CleanupInterval
// until stop is closed.
func RunCleanupLoop(stop <-chan struct{}, cleanupFn func()) {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	cleanupFn()

	for {
		select {
		case <-ticker.C:
			cleanupFn()
		case <-stop:
			return
		}
	}
}

// marshalData encodes the entry payload. Encoding failures are logged and
// stored as an empty object so one bad record never fails a batch.
func marshalData(data any, id string) []byte {
	if data == nil {
		return nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		slog.Warn("failed to marshal report data", "error", err, "id", id)
		return []byte("{}")
	}
	return b
}
