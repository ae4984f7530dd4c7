// Package proxy sends the client request of a transaction to the upstream
// endpoint and returns its response, observing both legs for the
// transaction log.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	gobreaker "github.com/sony/gobreaker/v2"

	"apigateway/internal/auditlog"
	"apigateway/internal/core"
)

// Config describes the upstream endpoint of an API.
type Config struct {
	// Target is the upstream base URL.
	Target string
	// ContextPath is the path prefix of the API on the gateway. It is
	// replaced by the target path upstream.
	ContextPath string
	Breaker     BreakerConfig
	// RedactHeaders are extra header names masked in captured logs.
	RedactHeaders []string
}

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Invoker performs the upstream call of a transaction.
type Invoker struct {
	target      *url.URL
	contextPath string
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	logging     *auditlog.Policy
	redact      []string
}

// New creates an invoker for cfg.
func New(cfg Config, client *http.Client, logging *auditlog.Policy) (*Invoker, error) {
	target, err := url.Parse(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream target %q: %w", cfg.Target, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("upstream target %q must be an http or https URL", cfg.Target)
	}
	if client == nil {
		client = http.DefaultClient
	}

	inv := &Invoker{
		target:      target,
		contextPath: "/" + strings.Trim(cfg.ContextPath, "/"),
		client:      client,
		logging:     logging,
		redact:      cfg.RedactHeaders,
	}
	if cfg.Breaker.Enabled {
		inv.breaker = newBreaker(target.Host, cfg.Breaker)
	}
	return inv, nil
}

// Invoke sends the client request of tx upstream with body as its content.
// The returned response body is observed by the proxy response
// interceptor; the caller must close it.
//
// Errors are *core.GatewayError values, except the context error when the
// client went away.
func (inv *Invoker) Invoke(ctx context.Context, tx *core.Transaction, body io.ReadCloser) (*http.Response, error) {
	in := tx.Request()
	outURL := inv.upstreamURL(in.URL)

	opts := inv.interceptorOptions(tx)
	out, err := http.NewRequestWithContext(ctx, in.Method, outURL.String(), nil)
	if err != nil {
		return nil, core.NewInternalError("failed to build upstream request", err)
	}
	out.Header = in.Header.Clone()
	removeHopHeaders(out.Header)
	setForwarded(out.Header, in)
	out.Host = inv.target.Host

	if body != nil && body != http.NoBody {
		reqIC := auditlog.NewInterceptor(auditlog.PhaseProxyRequest, inv.logging, tx.Log(),
			func() http.Header { return out.Header }, opts...)
		out.Body = auditlog.WrapBody(body, reqIC)
		out.ContentLength = in.ContentLength
		reqIC.CaptureHeaders()
	} else {
		out.Body = http.NoBody
		auditlog.NewInterceptor(auditlog.PhaseProxyRequest, inv.logging, tx.Log(),
			func() http.Header { return out.Header }, opts...).CaptureHeaders()
	}
	if inv.logs(tx, auditlog.PhaseProxyRequest) {
		msg := tx.Log().Message(auditlog.PhaseProxyRequest)
		msg.Method = out.Method
		msg.URI = outURL.String()
	}

	resp, err := inv.do(out)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, core.NewUnavailableError("upstream is unavailable", err)
		}
		return nil, core.NewUpstreamError("upstream request failed", err)
	}

	removeHopHeaders(resp.Header)
	if inv.logs(tx, auditlog.PhaseProxyResponse) {
		tx.Log().Message(auditlog.PhaseProxyResponse).Status = resp.StatusCode
	}
	respIC := auditlog.NewInterceptor(auditlog.PhaseProxyResponse, inv.logging, tx.Log(),
		func() http.Header { return resp.Header }, opts...)
	respIC.CaptureHeaders()
	if resp.Body == nil || resp.Body == http.NoBody {
		respIC.Finalize()
	} else {
		resp.Body = auditlog.WrapBody(resp.Body, respIC)
	}
	return resp, nil
}

func (inv *Invoker) do(req *http.Request) (*http.Response, error) {
	if inv.breaker == nil {
		return inv.client.Do(req)
	}
	resp, err := inv.breaker.Execute(func() (*http.Response, error) {
		resp, err := inv.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, &upstreamStatusError{resp: resp}
		}
		return resp, nil
	})
	var statusErr *upstreamStatusError
	if errors.As(err, &statusErr) {
		return statusErr.resp, nil
	}
	return resp, err
}

func (inv *Invoker) logs(tx *core.Transaction, phase auditlog.Phase) bool {
	return !tx.Terminated() && inv.logging != nil && inv.logging.Logs(phase)
}

func (inv *Invoker) interceptorOptions(tx *core.Transaction) []auditlog.InterceptorOption {
	opts := []auditlog.InterceptorOption{auditlog.WithLifecycle(tx)}
	if len(inv.redact) > 0 {
		opts = append(opts, auditlog.WithRedactedHeaders(inv.redact...))
	}
	if v, ok := tx.Attribute(core.AttrExcludedResponseTypes); ok {
		if re, ok := v.(*regexp.Regexp); ok {
			opts = append(opts, auditlog.WithExcludedPattern(re))
		}
	}
	return opts
}

// upstreamURL maps a gateway URL onto the target: the context path is
// replaced by the target path and the query string is kept.
func (inv *Invoker) upstreamURL(in *url.URL) *url.URL {
	path := in.Path
	if inv.contextPath != "/" {
		path = strings.TrimPrefix(path, inv.contextPath)
	}
	out := *inv.target
	out.Path = joinPath(inv.target.Path, path)
	out.RawPath = ""
	out.RawQuery = in.RawQuery
	if inv.target.RawQuery != "" {
		if out.RawQuery == "" {
			out.RawQuery = inv.target.RawQuery
		} else {
			out.RawQuery = inv.target.RawQuery + "&" + out.RawQuery
		}
	}
	return &out
}

func joinPath(base, rest string) string {
	switch {
	case rest == "" || rest == "/":
		if base == "" {
			return "/"
		}
		return base
	case base == "" || base == "/":
		return "/" + strings.TrimPrefix(rest, "/")
	default:
		return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(rest, "/")
	}
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func setForwarded(h http.Header, in *http.Request) {
	if ip, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		h.Set("X-Forwarded-For", ip)
	}
	if h.Get("X-Forwarded-Host") == "" {
		h.Set("X-Forwarded-Host", in.Host)
	}
	if h.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if in.TLS != nil {
			proto = "https"
		}
		h.Set("X-Forwarded-Proto", proto)
	}
}
