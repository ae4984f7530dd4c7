package message

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLifecycle struct{ terminated atomic.Bool }

func (l *fakeLifecycle) Terminated() bool { return l.terminated.Load() }

func TestCounters_Initial(t *testing.T) {
	c := NewCounters()
	assert.Equal(t, int64(0), c.Messages())
	assert.Equal(t, int64(0), c.Errors())
	assert.Equal(t, int64(-1), c.LastRecorded())
}

func TestCoordinator_IndexAndLatency(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	c := NewCoordinator(CountStrategy{N: 2}, nil, WithCoordinatorClock(func() time.Time { return now }))

	first, ok := c.Observe(New("1", []byte("a"), now.Add(-250*time.Millisecond)))
	require.True(t, ok)
	assert.Equal(t, int64(1), first.Index)
	assert.Equal(t, 250*time.Millisecond, first.Latency)
	assert.False(t, first.Recordable)

	second, ok := c.Observe(New("2", []byte("b"), time.Time{}))
	require.True(t, ok)
	assert.Equal(t, int64(2), second.Index)
	assert.Zero(t, second.Latency)
	assert.True(t, second.Recordable)
	assert.Equal(t, now.UnixMilli(), c.Counters().LastRecorded())
}

func TestCoordinator_ErrorsAlwaysCounted(t *testing.T) {
	c := NewCoordinator(CountStrategy{N: 1000}, nil)

	for i := 0; i < 5; i++ {
		msg := New("", nil, time.Now())
		msg.Error = i%2 == 0
		obs, ok := c.Observe(msg)
		require.True(t, ok)
		assert.False(t, obs.Recordable)
	}

	assert.Equal(t, int64(5), c.Counters().Messages())
	assert.Equal(t, int64(3), c.Counters().Errors())
}

func TestCoordinator_TemporalClaimIsExclusive(t *testing.T) {
	now := time.UnixMilli(50_000)
	clock := func() time.Time { return now }
	c := NewCoordinator(NewTemporalStrategy(time.Minute, clock), nil, WithCoordinatorClock(clock))

	const workers = 32
	var recorded atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			obs, ok := c.Observe(New("", []byte("x"), now))
			if ok && obs.Recordable {
				recorded.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), recorded.Load(), "only one delivery may claim the slot")
	assert.Equal(t, int64(workers), c.Counters().Messages())
}

func TestCoordinator_ConcurrentCountsAreExact(t *testing.T) {
	c := NewCoordinator(CountStrategy{N: 1}, nil)

	const workers, perWorker = 8, 250
	var recorded atomic.Int64
	indexes := make(chan int64, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				msg := New("", nil, time.Now())
				msg.Error = i%10 == 0
				obs, _ := c.Observe(msg)
				indexes <- obs.Index
				if obs.Recordable {
					recorded.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	close(indexes)

	seen := make(map[int64]bool)
	for idx := range indexes {
		assert.False(t, seen[idx], "index %d handed out twice", idx)
		seen[idx] = true
	}
	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, int64(workers*perWorker), recorded.Load())
	assert.Equal(t, int64(workers*perWorker/10), c.Counters().Errors())
}

func TestCoordinator_Terminated(t *testing.T) {
	life := &fakeLifecycle{}
	c := NewCoordinator(nil, life)

	_, ok := c.Observe(New("", nil, time.Now()))
	require.True(t, ok)

	life.terminated.Store(true)
	msg := New("", nil, time.Now())
	msg.Error = true
	_, ok = c.Observe(msg)
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Counters().Messages())
	assert.Equal(t, int64(0), c.Counters().Errors())
}

func TestMessage_Attributes(t *testing.T) {
	m := New("id", nil, time.Now())
	_, ok := m.Attribute("k")
	assert.False(t, ok)

	m.SetAttribute("k", 1)
	v, ok := m.Attribute("k")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	assert.False(t, m.RecordedWithLogging())
	assert.True(t, m.MarkRecordedWithLogging())
	assert.False(t, m.MarkRecordedWithLogging())
	assert.True(t, m.RecordedWithLogging())
}
