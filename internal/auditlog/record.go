// Package auditlog implements the request/response logging interception layer
// of the gateway: the logging policy, the content-type filter, and the stream
// interceptors that capture a shadow copy of proxied bodies into a LogRecord.
package auditlog

import (
	"time"
)

// Phase identifies one of the four streams of a gateway transaction.
type Phase int

const (
	// PhaseClientRequest is the client to gateway request.
	PhaseClientRequest Phase = iota
	// PhaseClientResponse is the gateway to client response.
	PhaseClientResponse
	// PhaseProxyRequest is the gateway to upstream request.
	PhaseProxyRequest
	// PhaseProxyResponse is the upstream to gateway response.
	PhaseProxyResponse
)

// String returns the phase name used in log attributes.
func (p Phase) String() string {
	switch p {
	case PhaseClientRequest:
		return "client_request"
	case PhaseClientResponse:
		return "client_response"
	case PhaseProxyRequest:
		return "proxy_request"
	case PhaseProxyResponse:
		return "proxy_response"
	default:
		return "unknown"
	}
}

// IsResponse reports whether the phase carries a response.
func (p Phase) IsResponse() bool {
	return p == PhaseClientResponse || p == PhaseProxyResponse
}

// IsProxy reports whether the phase belongs to the upstream leg.
func (p Phase) IsProxy() bool {
	return p == PhaseProxyRequest || p == PhaseProxyResponse
}

// HTTPMessage is the logged view of one request or response.
// Headers and Body are written at most once: a nil value means "unset".
type HTTPMessage struct {
	Method  string            `json:"method,omitempty" bson:"method,omitempty"`
	URI     string            `json:"uri,omitempty" bson:"uri,omitempty"`
	Status  int               `json:"status,omitempty" bson:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty" bson:"headers,omitempty"`
	Body    *string           `json:"body,omitempty" bson:"body,omitempty"`
}

// SetHeadersOnce stores headers unless they were already set by an earlier
// writer. It returns true when the headers were stored.
func (m *HTTPMessage) SetHeadersOnce(headers map[string]string) bool {
	if m == nil || m.Headers != nil || headers == nil {
		return false
	}
	m.Headers = headers
	return true
}

// SetBodyOnce stores body unless it was already set by an earlier writer.
// It returns true when the body was stored.
func (m *HTTPMessage) SetBodyOnce(body string) bool {
	if m == nil || m.Body != nil {
		return false
	}
	m.Body = &body
	return true
}

// LogRecord is the log of one client-facing transaction.
// It is owned by the transaction and handed to the reporter when the
// transaction ends.
type LogRecord struct {
	ID            string    `json:"id" bson:"_id"`
	Timestamp     time.Time `json:"timestamp" bson:"timestamp"`
	RequestID     string    `json:"request_id" bson:"request_id"`
	APIID         string    `json:"api_id,omitempty" bson:"api_id,omitempty"`
	PlanID        string    `json:"plan_id,omitempty" bson:"plan_id,omitempty"`
	ApplicationID string    `json:"application_id,omitempty" bson:"application_id,omitempty"`
	DurationNs    int64     `json:"duration_ns" bson:"duration_ns"`

	ClientRequest  *HTTPMessage `json:"client_request,omitempty" bson:"client_request,omitempty"`
	ClientResponse *HTTPMessage `json:"client_response,omitempty" bson:"client_response,omitempty"`
	ProxyRequest   *HTTPMessage `json:"proxy_request,omitempty" bson:"proxy_request,omitempty"`
	ProxyResponse  *HTTPMessage `json:"proxy_response,omitempty" bson:"proxy_response,omitempty"`
}

// NewLogRecord creates a record for a transaction that started at ts.
func NewLogRecord(id, requestID string, ts time.Time) *LogRecord {
	return &LogRecord{
		ID:        id,
		Timestamp: ts,
		RequestID: requestID,
	}
}

// Message returns the message for phase p, allocating it on first use.
func (r *LogRecord) Message(p Phase) *HTTPMessage {
	if r == nil {
		return nil
	}
	slot := r.slot(p)
	if slot == nil {
		return nil
	}
	if *slot == nil {
		*slot = &HTTPMessage{}
	}
	return *slot
}

func (r *LogRecord) slot(p Phase) **HTTPMessage {
	switch p {
	case PhaseClientRequest:
		return &r.ClientRequest
	case PhaseClientResponse:
		return &r.ClientResponse
	case PhaseProxyRequest:
		return &r.ProxyRequest
	case PhaseProxyResponse:
		return &r.ProxyResponse
	default:
		return nil
	}
}

// ReportKind identifies the record for the reporter.
func (r *LogRecord) ReportKind() string { return "log" }
