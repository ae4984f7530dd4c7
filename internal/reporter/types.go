package reporter

import (
	"time"
)

// Buffer and batching defaults.
const (
	// DefaultBufferSize is the number of entries buffered before drops.
	DefaultBufferSize = 1000

	// DefaultFlushInterval is how often buffered entries are flushed.
	DefaultFlushInterval = 5 * time.Second

	// BatchFlushThreshold is the batch size that triggers an immediate flush.
	BatchFlushThreshold = 100
)

// Config holds reporter configuration.
type Config struct {
	// Enabled controls whether logs are persisted. Metrics are always applied.
	Enabled bool

	// BufferSize is the number of entries to buffer before dropping.
	BufferSize int

	// FlushInterval is how often to flush buffered entries.
	FlushInterval time.Duration

	// RetentionDays is how long to keep entries (0 = forever).
	RetentionDays int
}

// Entry is the storable envelope of a reported log.
type Entry struct {
	ID        string    `json:"id" bson:"_id"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	Kind      string    `json:"kind" bson:"kind"`
	RequestID string    `json:"request_id" bson:"request_id"`
	APIID     string    `json:"api_id,omitempty" bson:"api_id,omitempty"`
	Data      any       `json:"data" bson:"data"`
}

// Metrics describes a completed transaction.
type Metrics struct {
	Timestamp     time.Time     `json:"timestamp"`
	RequestID     string        `json:"request_id"`
	APIID         string        `json:"api_id"`
	PlanID        string        `json:"plan_id,omitempty"`
	ApplicationID string        `json:"application_id,omitempty"`
	Method        string        `json:"method"`
	Status        int           `json:"status"`
	Duration      time.Duration `json:"duration"`
}

func (*Metrics) ReportKind() string { return KindMetrics }

// MessageMetrics describes one sampled message of a message API.
type MessageMetrics struct {
	Timestamp      time.Time     `json:"timestamp"`
	RequestID      string        `json:"request_id"`
	APIID          string        `json:"api_id"`
	Connector      string        `json:"connector"`
	Index          int64         `json:"index"`
	ContentLength  int           `json:"content_length"`
	Error          bool          `json:"error"`
	ErrorCount     int64         `json:"error_count"`
	GatewayLatency time.Duration `json:"gateway_latency"`
}

func (*MessageMetrics) ReportKind() string { return KindMessageMetrics }

// MessageLog is the log of one message of a message API.
type MessageLog struct {
	Timestamp time.Time         `json:"timestamp" bson:"timestamp"`
	RequestID string            `json:"request_id" bson:"request_id"`
	APIID     string            `json:"api_id" bson:"api_id"`
	Connector string            `json:"connector" bson:"connector"`
	Index     int64             `json:"index" bson:"index"`
	MessageID string            `json:"message_id,omitempty" bson:"message_id,omitempty"`
	Error     bool              `json:"error,omitempty" bson:"error,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" bson:"headers,omitempty"`
	Payload   string            `json:"payload,omitempty" bson:"payload,omitempty"`
}

func (*MessageLog) ReportKind() string { return KindMessageLog }
