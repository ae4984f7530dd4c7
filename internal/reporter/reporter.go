// Package reporter receives the records produced by gateway transactions
// (transaction logs, per-message logs and metrics) and ships them to storage
// and Prometheus without blocking the request path.
package reporter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"apigateway/internal/auditlog"
)

// Report kinds.
const (
	KindLog            = "log"
	KindMessageLog     = "message_log"
	KindMetrics        = "metrics"
	KindMessageMetrics = "message_metrics"
)

// Reportable is anything the reporter accepts.
type Reportable interface {
	ReportKind() string
}

// Sink is the fire-and-forget reporting interface used by the gateway core.
// Report must never block the caller.
type Sink interface {
	Report(r Reportable)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Report(Reportable) {}

// Service is the asynchronous reporter. Metrics are applied to Prometheus
// synchronously (they are cheap); logs are buffered in a channel and written
// to the Store in batches, either when the batch is full or periodically.
type Service struct {
	store         Store
	metrics       *Collectors
	config        Config
	buffer        chan *Entry
	done          chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
	flushInterval time.Duration
}

// New creates a Service and starts its flush loop. metrics may be nil.
func New(store Store, metrics *Collectors, cfg Config) *Service {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if store == nil {
		store = NoopStore{}
	}

	s := &Service{
		store:         store,
		metrics:       metrics,
		config:        cfg,
		buffer:        make(chan *Entry, cfg.BufferSize),
		done:          make(chan struct{}),
		flushInterval: cfg.FlushInterval,
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s
}

// Config returns the reporter configuration.
func (s *Service) Config() Config {
	return s.config
}

// Report accepts a reportable. It never blocks: when the buffer is full the
// entry is dropped and a warning is logged.
func (s *Service) Report(r Reportable) {
	if r == nil {
		return
	}

	switch v := r.(type) {
	case *Metrics:
		s.metrics.observeTransaction(v)
		return
	case *MessageMetrics:
		s.metrics.observeMessage(v)
		return
	}

	if !s.config.Enabled {
		return
	}
	entry := toEntry(r)
	if entry == nil {
		return
	}

	select {
	case s.buffer <- entry:
	default:
		s.metrics.observeDropped()
		slog.Warn("reporter buffer full, dropping entry",
			"kind", entry.Kind,
			"request_id", entry.RequestID,
		)
	}
}

// Close stops the flush loop, writes what is left and closes the store.
// Safe to call multiple times.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = s.store.Close()
	})
	return err
}

func (s *Service) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]*Entry, 0, BatchFlushThreshold)

	for {
		select {
		case entry := <-s.buffer:
			batch = append(batch, entry)
			if len(batch) >= BatchFlushThreshold {
				s.flushBatch(batch)
				batch = make([]*Entry, 0, BatchFlushThreshold)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flushBatch(batch)
				batch = make([]*Entry, 0, BatchFlushThreshold)
			}

		case <-s.done:
			// Drain without closing the channel: late Report calls must not panic.
		drain:
			for {
				select {
				case entry := <-s.buffer:
					batch = append(batch, entry)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				s.flushBatch(batch)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.store.Flush(ctx); err != nil {
				slog.Error("failed to flush reporter store", "error", err)
			}
			cancel()
			return
		}
	}
}

func (s *Service) flushBatch(batch []*Entry) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.store.WriteBatch(ctx, batch); err != nil {
		slog.Error("failed to write report batch",
			"error", err,
			"count", len(batch),
		)
	}
}

// toEntry converts a log reportable into a storable entry.
func toEntry(r Reportable) *Entry {
	switch v := r.(type) {
	case *auditlog.LogRecord:
		id := v.ID
		if id == "" {
			id = uuid.NewString()
		}
		return &Entry{
			ID:        id,
			Timestamp: v.Timestamp,
			Kind:      KindLog,
			RequestID: v.RequestID,
			APIID:     v.APIID,
			Data:      v,
		}
	case *MessageLog:
		return &Entry{
			ID:        uuid.NewString(),
			Timestamp: v.Timestamp,
			Kind:      KindMessageLog,
			RequestID: v.RequestID,
			APIID:     v.APIID,
			Data:      v,
		}
	default:
		slog.Debug("unsupported reportable", "kind", r.ReportKind())
		return nil
	}
}
