package message

import "sync/atomic"

// Counters are the running counters of one transaction's message streams.
// They are shared by concurrent deliveries of the same transaction.
type Counters struct {
	messages     atomic.Int64
	errors       atomic.Int64
	lastRecorded atomic.Int64
}

// NewCounters creates counters with no recorded message.
func NewCounters() *Counters {
	c := &Counters{}
	c.lastRecorded.Store(-1)
	return c
}

// NextIndex increments the message count and returns the new 1-based index.
func (c *Counters) NextIndex() int64 { return c.messages.Add(1) }

// Messages returns the number of messages seen.
func (c *Counters) Messages() int64 { return c.messages.Load() }

// IncrementErrors increments the error count and returns it.
func (c *Counters) IncrementErrors() int64 { return c.errors.Add(1) }

// Errors returns the number of error messages seen.
func (c *Counters) Errors() int64 { return c.errors.Load() }

// LastRecorded returns the Unix millisecond time of the last recorded
// message, or -1.
func (c *Counters) LastRecorded() int64 { return c.lastRecorded.Load() }

// claimRecording moves the last recorded time from prev to nowMillis. It
// fails when another delivery changed it first.
func (c *Counters) claimRecording(prev, nowMillis int64) bool {
	return c.lastRecorded.CompareAndSwap(prev, nowMillis)
}
