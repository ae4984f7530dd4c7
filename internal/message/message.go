// Package message samples and reports the individual messages of message
// APIs (server-sent events and similar streams). Sampling decides which
// messages produce metrics and logs; error messages are always counted and
// always logged.
package message

import (
	"sync"
	"sync/atomic"
	"time"
)

// Connector sides a message can travel on.
const (
	ConnectorEntrypoint = "entrypoint"
	ConnectorEndpoint   = "endpoint"
)

// Message attributes set by the stream parsers.
const (
	// AttrEventType holds the SSE event name as a string.
	AttrEventType = "message.event_type"
	// AttrRetry holds the SSE reconnection delay as a time.Duration.
	AttrRetry = "message.retry"
)

// Message is one message of a message API.
type Message struct {
	ID        string
	Content   []byte
	Headers   map[string]string
	Timestamp time.Time
	Error     bool

	mu       sync.RWMutex
	attrs    map[string]any
	recorded atomic.Bool
}

// New creates a message received at ts.
func New(id string, content []byte, ts time.Time) *Message {
	return &Message{ID: id, Content: content, Timestamp: ts}
}

// Attribute returns the attribute stored under key.
func (m *Message) Attribute(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.attrs[key]
	return v, ok
}

// SetAttribute stores value under key.
func (m *Message) SetAttribute(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attrs == nil {
		m.attrs = make(map[string]any)
	}
	m.attrs[key] = value
}

// MarkRecordedWithLogging flags the message as logged. Only the first call
// returns true.
func (m *Message) MarkRecordedWithLogging() bool {
	return m.recorded.CompareAndSwap(false, true)
}

// RecordedWithLogging reports whether the message was already logged.
func (m *Message) RecordedWithLogging() bool {
	return m.recorded.Load()
}
