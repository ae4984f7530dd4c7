package message

import "time"

// Lifecycle is implemented by the transaction owning the message streams.
type Lifecycle interface {
	Terminated() bool
}

// Observation is the outcome of observing one message.
type Observation struct {
	Message    *Message
	Index      int64
	ErrorCount int64
	Latency    time.Duration
	// Recordable is the sampling verdict. Error messages are logged even
	// when it is false.
	Recordable bool
}

// Coordinator applies a sampling strategy to the messages of one
// transaction.
type Coordinator struct {
	strategy Strategy
	counters *Counters
	life     Lifecycle
	now      func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorClock overrides the clock used for latency and recording
// times.
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator with fresh counters. life may be nil.
func NewCoordinator(strategy Strategy, life Lifecycle, opts ...CoordinatorOption) *Coordinator {
	if strategy == nil {
		strategy = CountStrategy{N: 1}
	}
	c := &Coordinator{
		strategy: strategy,
		counters: NewCounters(),
		life:     life,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Counters exposes the coordinator's counters.
func (c *Coordinator) Counters() *Counters { return c.counters }

// Observe counts msg and asks the strategy whether it is recorded. It
// returns false without touching the counters once the transaction has
// terminated.
//
// Concurrent deliveries race for the recording slot with a compare-and-swap
// on the last recorded time; a loser re-asks the strategy with the winner's
// time.
func (c *Coordinator) Observe(msg *Message) (Observation, bool) {
	if msg == nil || c.terminated() {
		return Observation{}, false
	}

	obs := Observation{Message: msg, Index: c.counters.NextIndex()}
	if msg.Error {
		obs.ErrorCount = c.counters.IncrementErrors()
	} else {
		obs.ErrorCount = c.counters.Errors()
	}

	now := c.now()
	if !msg.Timestamp.IsZero() {
		obs.Latency = max(now.Sub(msg.Timestamp), 0)
	}

	for {
		last := c.counters.LastRecorded()
		if !c.strategy.IsRecordable(msg, obs.Index, last) {
			break
		}
		if c.counters.claimRecording(last, now.UnixMilli()) {
			obs.Recordable = true
			break
		}
	}
	return obs, true
}

func (c *Coordinator) terminated() bool {
	return c.life != nil && c.life.Terminated()
}
