package auditlog

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
)

// loggingBody wraps a request or response body so that every chunk read by
// the real consumer is also observed by an Interceptor.
type loggingBody struct {
	io.ReadCloser
	ic *Interceptor
}

// WrapBody decorates body with ic. The interceptor is finalized on EOF and on
// Close, whichever comes first. A nil or empty body is returned unchanged.
func WrapBody(body io.ReadCloser, ic *Interceptor) io.ReadCloser {
	if body == nil || body == http.NoBody || ic == nil {
		return body
	}
	return &loggingBody{ReadCloser: body, ic: ic}
}

func (b *loggingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.ic.OnChunk(p[:n])
	}
	if errors.Is(err, io.EOF) {
		b.ic.Finalize()
	}
	return n, err
}

func (b *loggingBody) Close() error {
	b.ic.Finalize()
	return b.ReadCloser.Close()
}

// ResponseWriter decorates the client response writer. Status and headers
// are recorded when the header is written; body chunks are observed after
// they were handed to the underlying writer.
//
// It implements http.Flusher and http.Hijacker by delegating, which keeps
// server-sent events and protocol upgrades working.
type ResponseWriter struct {
	http.ResponseWriter
	ic          *Interceptor
	record      *LogRecord
	status      int
	wroteHeader bool
}

// NewResponseWriter wraps w for the client response phase.
func NewResponseWriter(w http.ResponseWriter, policy *Policy, record *LogRecord, opts ...InterceptorOption) *ResponseWriter {
	rw := &ResponseWriter{ResponseWriter: w, record: record}
	rw.ic = NewInterceptor(PhaseClientResponse, policy, record, w.Header, opts...)
	return rw
}

// WriteHeader records the status and headers, then forwards the call.
func (w *ResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.status = code
		if w.ic.writable() && w.ic.policy.Logs(PhaseClientResponse) {
			w.record.Message(PhaseClientResponse).Status = code
		}
		w.ic.CaptureHeaders()
	}
	w.ResponseWriter.WriteHeader(code)
}

// Write forwards b to the client and observes the bytes actually written.
func (w *ResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	if n > 0 {
		w.ic.OnChunk(b[:n])
	}
	return n, err
}

// Status returns the status code written so far, or 0.
func (w *ResponseWriter) Status() int { return w.status }

// Finalize completes the client response capture. Idempotent.
func (w *ResponseWriter) Finalize() { w.ic.Finalize() }

// Interceptor exposes the underlying interceptor.
func (w *ResponseWriter) Interceptor() *Interceptor { return w.ic }

// Flush implements http.Flusher.
func (w *ResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker.
func (w *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *ResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
