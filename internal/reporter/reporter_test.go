package reporter

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apigateway/internal/auditlog"
)

// mockStore implements Store for testing
type mockStore struct {
	mu      sync.Mutex
	entries []*Entry
	closed  bool
}

func (m *mockStore) WriteBatch(_ context.Context, entries []*Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *mockStore) Flush(_ context.Context) error {
	return nil
}

func (m *mockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockStore) getEntries() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Entry(nil), m.entries...)
}

func (m *mockStore) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func TestService_ReportsLogs(t *testing.T) {
	store := &mockStore{}
	svc := New(store, nil, Config{
		Enabled:       true,
		BufferSize:    10,
		FlushInterval: 50 * time.Millisecond,
	})
	defer svc.Close()

	for i := 0; i < 5; i++ {
		svc.Report(auditlog.NewLogRecord(fmt.Sprintf("log-%d", i), "req", time.Now()))
	}

	require.Eventually(t, func() bool {
		return len(store.getEntries()) == 5
	}, 2*time.Second, 10*time.Millisecond)

	entry := store.getEntries()[0]
	assert.Equal(t, KindLog, entry.Kind)
	assert.Equal(t, "req", entry.RequestID)
	assert.Equal(t, "log-0", entry.ID)
}

func TestService_CloseFlushesPending(t *testing.T) {
	store := &mockStore{}
	svc := New(store, nil, Config{
		Enabled:       true,
		BufferSize:    10,
		FlushInterval: time.Hour,
	})

	svc.Report(&MessageLog{RequestID: "req-1", Index: 1, Timestamp: time.Now()})
	svc.Report(&MessageLog{RequestID: "req-1", Index: 2, Timestamp: time.Now()})

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	entries := store.getEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, KindMessageLog, entries[0].Kind)
	assert.NotEmpty(t, entries[0].ID)
	assert.True(t, store.isClosed())

	// Reporting after close must not panic.
	svc.Report(&MessageLog{RequestID: "late"})
}

func TestService_DisabledDropsLogsButKeepsMetrics(t *testing.T) {
	store := &mockStore{}
	reg := prometheus.NewRegistry()
	collectors := NewCollectors(reg)
	svc := New(store, collectors, Config{Enabled: false})

	svc.Report(auditlog.NewLogRecord("log-1", "req", time.Now()))
	svc.Report(&Metrics{APIID: "api", Method: "GET", Status: 200, Duration: time.Millisecond})
	svc.Report(&MessageMetrics{APIID: "api", Connector: "sse", Error: true})

	require.NoError(t, svc.Close())

	assert.Empty(t, store.getEntries())
	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.requests.WithLabelValues("api", "", "GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.messages.WithLabelValues("api", "sse", "true")))
}

func TestService_DropsWhenBufferFull(t *testing.T) {
	blocking := &blockingStore{release: make(chan struct{})}
	reg := prometheus.NewRegistry()
	collectors := NewCollectors(reg)
	svc := New(blocking, collectors, Config{
		Enabled:       true,
		BufferSize:    1,
		FlushInterval: time.Hour,
	})

	// Nothing reaches the store until Close, so the buffer fills and stays full.
	for i := 0; i < 200; i++ {
		svc.Report(&MessageLog{RequestID: "req", Index: int64(i)})
	}

	assert.Greater(t, testutil.ToFloat64(collectors.dropped), 0.0)
	close(blocking.release)
	require.NoError(t, svc.Close())
}

type blockingStore struct {
	NoopStore
	release chan struct{}
}

func (b *blockingStore) WriteBatch(ctx context.Context, _ []*Entry) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestService_IgnoresUnknownReportable(t *testing.T) {
	store := &mockStore{}
	svc := New(store, nil, Config{Enabled: true})

	svc.Report(unknownReportable{})
	svc.Report(nil)
	require.NoError(t, svc.Close())

	assert.Empty(t, store.getEntries())
}

type unknownReportable struct{}

func (unknownReportable) ReportKind() string { return "unknown" }

func TestCollectors_NilSafe(t *testing.T) {
	var c *Collectors
	c.observeTransaction(&Metrics{})
	c.observeMessage(&MessageMetrics{})
	c.observeDropped()
}

func TestDiscard(t *testing.T) {
	Discard.Report(&Metrics{})
}
