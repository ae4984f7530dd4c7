package message

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apigateway/internal/expression"
	"apigateway/internal/reporter"
)

type recordingSink struct {
	mu      sync.Mutex
	reports []reporter.Reportable
}

func (s *recordingSink) Report(r reporter.Reportable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
}

func (s *recordingSink) logs() []*reporter.MessageLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*reporter.MessageLog
	for _, r := range s.reports {
		if l, ok := r.(*reporter.MessageLog); ok {
			out = append(out, l)
		}
	}
	return out
}

func (s *recordingSink) metrics() []*reporter.MessageMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*reporter.MessageMetrics
	for _, r := range s.reports {
		if m, ok := r.(*reporter.MessageMetrics); ok {
			out = append(out, m)
		}
	}
	return out
}

var testSource = Source{RequestID: "req-1", APIID: "api-1", Connector: ConnectorEndpoint}

func TestReporter_ReportMessageMetrics(t *testing.T) {
	sink := &recordingSink{}
	r := NewReporter(sink, testSource, nil, nil)

	msg := New("m1", []byte("hello"), time.Now())
	r.ReportMessageMetrics(Observation{Message: msg, Index: 4, ErrorCount: 1, Latency: 3 * time.Millisecond})

	metrics := sink.metrics()
	require.Len(t, metrics, 1)
	m := metrics[0]
	assert.Equal(t, "req-1", m.RequestID)
	assert.Equal(t, "api-1", m.APIID)
	assert.Equal(t, ConnectorEndpoint, m.Connector)
	assert.Equal(t, int64(4), m.Index)
	assert.Equal(t, 5, m.ContentLength)
	assert.Equal(t, int64(1), m.ErrorCount)
	assert.Equal(t, 3*time.Millisecond, m.GatewayLatency)
}

func TestReporter_ConditionalLog(t *testing.T) {
	cond := expression.MustCompile(`json(content, 'level') == 'warn'`)

	t.Run("condition holds", func(t *testing.T) {
		sink := &recordingSink{}
		r := NewReporter(sink, testSource, cond, nil)
		msg := New("m1", []byte(`{"level":"warn"}`), time.Now())

		logged, err := r.ReportConditionalMessageLog(context.Background(), Observation{Message: msg, Index: 2})
		require.NoError(t, err)
		assert.True(t, logged)
		assert.True(t, msg.RecordedWithLogging())

		logs := sink.logs()
		require.Len(t, logs, 1)
		assert.Equal(t, "m1", logs[0].MessageID)
		assert.Equal(t, `{"level":"warn"}`, logs[0].Payload)
		assert.Equal(t, int64(2), logs[0].Index)
	})

	t.Run("condition fails", func(t *testing.T) {
		sink := &recordingSink{}
		r := NewReporter(sink, testSource, cond, nil)
		msg := New("m2", []byte(`{"level":"info"}`), time.Now())

		logged, err := r.ReportConditionalMessageLog(context.Background(), Observation{Message: msg})
		require.NoError(t, err)
		assert.False(t, logged)
		assert.False(t, msg.RecordedWithLogging())
		assert.Empty(t, sink.logs())
	})

	t.Run("condition on event type", func(t *testing.T) {
		sink := &recordingSink{}
		r := NewReporter(sink, testSource, expression.MustCompile(`event == 'refund'`), nil)

		refund := New("m4", []byte("{}"), time.Now())
		refund.SetAttribute(AttrEventType, "refund")
		logged, err := r.ReportConditionalMessageLog(context.Background(), Observation{Message: refund})
		require.NoError(t, err)
		assert.True(t, logged)

		logged, err = r.ReportConditionalMessageLog(context.Background(), Observation{Message: New("m5", []byte("{}"), time.Now())})
		require.NoError(t, err)
		assert.False(t, logged)
	})

	t.Run("condition error is not fatal", func(t *testing.T) {
		sink := &recordingSink{}
		r := NewReporter(sink, testSource, expression.MustCompile(`undefined_var == 1`), nil)

		logged, err := r.ReportConditionalMessageLog(context.Background(), Observation{Message: New("m3", nil, time.Now())})
		require.NoError(t, err)
		assert.False(t, logged)
	})
}

func TestReporter_ErrorsBypassCondition(t *testing.T) {
	sink := &recordingSink{}
	r := NewReporter(sink, testSource, expression.MustCompile(`false`), nil)

	msg := New("boom", []byte("upstream failure"), time.Now())
	msg.Error = true

	logged, err := r.ReportConditionalMessageLog(context.Background(), Observation{Message: msg})
	require.NoError(t, err)
	assert.True(t, logged)
	logs := sink.logs()
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Error)
}

func TestReporter_LogsOnce(t *testing.T) {
	sink := &recordingSink{}
	r := NewReporter(sink, testSource, nil, nil)
	msg := New("m", nil, time.Now())
	obs := Observation{Message: msg}

	first, err := r.ReportConditionalMessageLog(context.Background(), obs)
	require.NoError(t, err)
	second, err := r.ReportConditionalMessageLog(context.Background(), obs)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.Len(t, sink.logs(), 1)
}

func TestReporter_CancelledEvaluation(t *testing.T) {
	sink := &recordingSink{}
	r := NewReporter(sink, testSource, expression.MustCompile(`true`), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg := New("m", nil, time.Now())
	logged, err := r.ReportConditionalMessageLog(ctx, Observation{Message: msg})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, logged)
	assert.False(t, msg.RecordedWithLogging())
}

func TestReporter_Terminated(t *testing.T) {
	sink := &recordingSink{}
	life := &fakeLifecycle{}
	life.terminated.Store(true)
	r := NewReporter(sink, testSource, nil, life)

	msg := New("m", nil, time.Now())
	msg.Error = true
	r.ReportMessageMetrics(Observation{Message: msg})
	logged, err := r.ReportConditionalMessageLog(context.Background(), Observation{Message: msg})

	require.NoError(t, err)
	assert.False(t, logged)
	assert.Empty(t, sink.reports)
}

func TestTracker_ErrorBypassesSampling(t *testing.T) {
	sink := &recordingSink{}
	coord := NewCoordinator(CountStrategy{N: 100}, nil)
	tracker := NewTracker(coord, NewReporter(sink, testSource, expression.MustCompile(`false`), nil), true)

	for i := 0; i < 3; i++ {
		tracker.Handle(context.Background(), New("ok", []byte("fine"), time.Now()))
	}
	failed := New("bad", []byte("failure"), time.Now())
	failed.Error = true
	tracker.Handle(context.Background(), failed)

	assert.Empty(t, sink.metrics(), "no message was sampled")
	logs := sink.logs()
	require.Len(t, logs, 1)
	assert.Equal(t, "bad", logs[0].MessageID)
	assert.Equal(t, int64(4), logs[0].Index)
	assert.Equal(t, int64(1), coord.Counters().Errors())
}

func TestTracker_SampledMessages(t *testing.T) {
	sink := &recordingSink{}
	tracker := NewTracker(
		NewCoordinator(CountStrategy{N: 2}, nil),
		NewReporter(sink, testSource, nil, nil),
		true,
	)
	for i := 0; i < 4; i++ {
		tracker.Handle(context.Background(), New("", []byte("x"), time.Now()))
	}

	metrics := sink.metrics()
	require.Len(t, metrics, 2)
	assert.Equal(t, int64(2), metrics[0].Index)
	assert.Equal(t, int64(4), metrics[1].Index)
	assert.Len(t, sink.logs(), 2)
}

func TestTracker_LogsDisabled(t *testing.T) {
	sink := &recordingSink{}
	tracker := NewTracker(NewCoordinator(nil, nil), NewReporter(sink, testSource, nil, nil), false)

	msg := New("", nil, time.Now())
	msg.Error = true
	tracker.Handle(context.Background(), msg)

	assert.Len(t, sink.metrics(), 1)
	assert.Empty(t, sink.logs())
}
