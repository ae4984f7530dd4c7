package auditlog

import (
	"bytes"
	"log/slog"
	"net/http"
	"regexp"
)

// Lifecycle is implemented by the owner of a LogRecord. Once Terminated
// returns true no further writes to the record are allowed.
type Lifecycle interface {
	Terminated() bool
}

type interceptorState int

const (
	stateIdle interceptorState = iota
	stateAccumulating
	stateFinalized
)

// Interceptor observes the chunks of one body stream and keeps a capped
// shadow copy for the LogRecord. It never alters or delays the bytes seen by
// the real consumer, and logging failures never surface to the caller.
//
// An Interceptor belongs to one transaction; chunks and lifecycle events are
// delivered serially, so it holds no locks.
type Interceptor struct {
	phase    Phase
	policy   *Policy
	record   *LogRecord
	headers  func() http.Header
	override *regexp.Regexp
	resolve  func() *regexp.Regexp
	life     Lifecycle
	extra    []string

	state     interceptorState
	capture   bool
	buf       bytes.Buffer
	truncated bool
}

// InterceptorOption configures an Interceptor.
type InterceptorOption func(*Interceptor)

// WithLifecycle makes the interceptor stop writing once l is terminated.
func WithLifecycle(l Lifecycle) InterceptorOption {
	return func(i *Interceptor) { i.life = l }
}

// WithExcludedPattern overrides the policy's excluded content-type pattern.
func WithExcludedPattern(re *regexp.Regexp) InterceptorOption {
	return func(i *Interceptor) { i.override = re }
}

// WithExcludedPatternFrom resolves the excluded content-type override when
// the first chunk arrives. It is used by writers created before the request
// policies ran.
func WithExcludedPatternFrom(resolve func() *regexp.Regexp) InterceptorOption {
	return func(i *Interceptor) { i.resolve = resolve }
}

// WithRedactedHeaders adds header names redacted when headers are captured.
func WithRedactedHeaders(names ...string) InterceptorOption {
	return func(i *Interceptor) { i.extra = append(i.extra, names...) }
}

// NewInterceptor creates an interceptor for phase. headers returns the
// headers of the stream; it is read once when the first chunk arrives and
// again when headers are captured.
func NewInterceptor(phase Phase, policy *Policy, record *LogRecord, headers func() http.Header, opts ...InterceptorOption) *Interceptor {
	i := &Interceptor{
		phase:   phase,
		policy:  policy,
		record:  record,
		headers: headers,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Phase returns the stream this interceptor observes.
func (i *Interceptor) Phase() Phase { return i.phase }

// Capturing reports whether the body is being accumulated.
func (i *Interceptor) Capturing() bool { return i.state == stateAccumulating && i.capture }

// Truncated reports whether the capture cap was reached.
func (i *Interceptor) Truncated() bool { return i.truncated }

// CaptureHeaders records the stream headers when the policy asks for them
// and no earlier writer has set them.
func (i *Interceptor) CaptureHeaders() {
	if !i.writable() || !i.policy.Headers(i.phase) || i.headers == nil {
		return
	}
	defer i.recoverCapture("headers")

	i.record.Message(i.phase).SetHeadersOnce(ExtractHeaders(i.headers(), i.extra...))
}

// OnChunk observes a chunk already delivered (or about to be delivered) to
// the real consumer. The slice is copied, never retained or modified.
func (i *Interceptor) OnChunk(chunk []byte) {
	if i.state == stateFinalized || len(chunk) == 0 {
		return
	}
	defer i.recoverCapture("chunk")

	if i.state == stateIdle {
		i.state = stateAccumulating
		i.capture = i.shouldCapture()
	}
	if !i.capture || i.truncated {
		return
	}

	limit := i.policy.MaxSizeBytes()
	if limit < 0 {
		i.buf.Write(chunk)
		return
	}
	remaining := limit - int64(i.buf.Len())
	if remaining <= 0 {
		i.truncated = true
		return
	}
	if int64(len(chunk)) > remaining {
		chunk = chunk[:remaining]
		i.truncated = true
	}
	i.buf.Write(chunk)
}

// Finalize writes the captured body into the record if the target field is
// still unset. It is idempotent.
func (i *Interceptor) Finalize() {
	if i.state == stateFinalized {
		return
	}
	i.state = stateFinalized
	if i.buf.Len() == 0 || !i.writable() {
		i.buf.Reset()
		return
	}
	defer i.recoverCapture("finalize")

	body := i.buf.Bytes()
	if i.headers != nil {
		if encoding := i.headers().Get("Content-Encoding"); encoding != "" {
			if decoded, ok := decompressBody(body, encoding); ok {
				body = decoded
			}
		}
	}
	i.record.Message(i.phase).SetBodyOnce(toValidUTF8String(body))
	i.buf.Reset()
}

func (i *Interceptor) shouldCapture() bool {
	if !i.policy.Payload(i.phase) {
		return false
	}
	var contentType string
	if i.headers != nil {
		contentType = i.headers().Get("Content-Type")
	}
	override := i.override
	if override == nil && i.resolve != nil {
		override = i.resolve()
	}
	return i.policy.IsContentLoggable(contentType, override)
}

func (i *Interceptor) writable() bool {
	if i.record == nil || i.policy == nil {
		return false
	}
	return i.life == nil || !i.life.Terminated()
}

func (i *Interceptor) recoverCapture(step string) {
	if r := recover(); r != nil {
		i.capture = false
		i.buf.Reset()
		slog.Warn("log capture failed, continuing without it",
			"phase", i.phase.String(),
			"step", step,
			"panic", r,
		)
	}
}
