package auditlog

import (
	"fmt"
	"regexp"
	"strings"
)

// Mode selects which legs of a transaction are logged.
type Mode string

const (
	ModeNone           Mode = "NONE"
	ModeClient         Mode = "CLIENT"
	ModeProxy          Mode = "PROXY"
	ModeClientAndProxy Mode = "CLIENT_AND_PROXY"

	// modeClientProxyAlias is accepted by ParseMode for CLIENT_AND_PROXY.
	modeClientProxyAlias Mode = "CLIENT_PROXY"
)

// Scope selects whether requests, responses or both are logged.
type Scope string

const (
	ScopeNone            Scope = "NONE"
	ScopeRequest         Scope = "REQUEST"
	ScopeResponse        Scope = "RESPONSE"
	ScopeRequestResponse Scope = "REQUEST_RESPONSE"
)

// Content selects whether headers, payloads or both are logged.
type Content string

const (
	ContentNone            Content = "NONE"
	ContentHeaders         Content = "HEADERS"
	ContentPayloads        Content = "PAYLOADS"
	ContentHeadersPayloads Content = "HEADERS_PAYLOADS"
)

// bytesPerMB converts the configured max message size into bytes.
const bytesPerMB = 1024 * 1024

// Definition is the declarative logging configuration of an API.
type Definition struct {
	Mode    Mode
	Scope   Scope
	Content Content

	// MaxSizeLogMessage is the capture cap in MB; negative means unlimited.
	MaxSizeLogMessage int

	// ExcludedResponseTypes overrides the default excluded content-type regex.
	ExcludedResponseTypes string
}

// Policy is the immutable per-API logging decision surface. It is built once
// at configuration load and shared read-only by every transaction; only the
// content-type filter cache inside it is mutable, through atomic publish.
type Policy struct {
	clientMode    bool
	proxyMode     bool
	requestScope  bool
	responseScope bool
	headers       bool
	payloads      bool
	maxSizeBytes  int64

	excludedResponseTypes string
	filter                *ContentTypeFilter
}

// NewPolicy builds a Policy from a definition. Empty enum values default to
// NONE.
func NewPolicy(def Definition) (*Policy, error) {
	mode, err := ParseMode(string(def.Mode))
	if err != nil {
		return nil, err
	}
	scope, err := ParseScope(string(def.Scope))
	if err != nil {
		return nil, err
	}
	content, err := ParseContent(string(def.Content))
	if err != nil {
		return nil, err
	}

	p := &Policy{
		clientMode:            mode == ModeClient || mode == ModeClientAndProxy,
		proxyMode:             mode == ModeProxy || mode == ModeClientAndProxy,
		requestScope:          scope == ScopeRequest || scope == ScopeRequestResponse,
		responseScope:         scope == ScopeResponse || scope == ScopeRequestResponse,
		headers:               content == ContentHeaders || content == ContentHeadersPayloads,
		payloads:              content == ContentPayloads || content == ContentHeadersPayloads,
		excludedResponseTypes: def.ExcludedResponseTypes,
		filter:                NewContentTypeFilter(def.ExcludedResponseTypes),
	}
	p.SetMaxSizeLogMessage(def.MaxSizeLogMessage)
	return p, nil
}

// SetMaxSizeLogMessage stores the capture cap. Negative values mean no limit;
// other values are megabytes.
func (p *Policy) SetMaxSizeLogMessage(mb int) {
	if mb < 0 {
		p.maxSizeBytes = -1
		return
	}
	p.maxSizeBytes = int64(mb) * bytesPerMB
}

// MaxSizeBytes returns the capture cap in bytes, or -1 for no limit.
func (p *Policy) MaxSizeBytes() int64 { return p.maxSizeBytes }

// ClientMode reports whether the client leg is logged.
func (p *Policy) ClientMode() bool { return p.clientMode }

// ProxyMode reports whether the upstream leg is logged.
func (p *Policy) ProxyMode() bool { return p.proxyMode }

// RequestHeaders reports whether client request headers are logged.
func (p *Policy) RequestHeaders() bool { return p.clientMode && p.requestScope && p.headers }

// RequestPayload reports whether the client request body is logged.
func (p *Policy) RequestPayload() bool { return p.clientMode && p.requestScope && p.payloads }

// ResponseHeaders reports whether client response headers are logged.
func (p *Policy) ResponseHeaders() bool { return p.clientMode && p.responseScope && p.headers }

// ResponsePayload reports whether the client response body is logged.
func (p *Policy) ResponsePayload() bool { return p.clientMode && p.responseScope && p.payloads }

// ProxyRequestHeaders reports whether upstream request headers are logged.
func (p *Policy) ProxyRequestHeaders() bool { return p.proxyMode && p.requestScope && p.headers }

// ProxyRequestPayload reports whether the upstream request body is logged.
func (p *Policy) ProxyRequestPayload() bool { return p.proxyMode && p.requestScope && p.payloads }

// ProxyResponseHeaders reports whether upstream response headers are logged.
func (p *Policy) ProxyResponseHeaders() bool { return p.proxyMode && p.responseScope && p.headers }

// ProxyResponsePayload reports whether the upstream response body is logged.
func (p *Policy) ProxyResponsePayload() bool { return p.proxyMode && p.responseScope && p.payloads }

// Enabled reports whether anything at all is logged.
func (p *Policy) Enabled() bool {
	return p != nil && (p.clientMode || p.proxyMode) && (p.requestScope || p.responseScope)
}

// Headers reports whether headers of the given phase are logged.
func (p *Policy) Headers(phase Phase) bool {
	if p == nil {
		return false
	}
	switch phase {
	case PhaseClientRequest:
		return p.RequestHeaders()
	case PhaseClientResponse:
		return p.ResponseHeaders()
	case PhaseProxyRequest:
		return p.ProxyRequestHeaders()
	case PhaseProxyResponse:
		return p.ProxyResponseHeaders()
	}
	return false
}

// Payload reports whether the body of the given phase is logged.
func (p *Policy) Payload(phase Phase) bool {
	if p == nil {
		return false
	}
	switch phase {
	case PhaseClientRequest:
		return p.RequestPayload()
	case PhaseClientResponse:
		return p.ResponsePayload()
	case PhaseProxyRequest:
		return p.ProxyRequestPayload()
	case PhaseProxyResponse:
		return p.ProxyResponsePayload()
	}
	return false
}

// Logs reports whether the phase is logged at all (metadata included).
func (p *Policy) Logs(phase Phase) bool {
	if p == nil {
		return false
	}
	leg := p.clientMode
	if phase.IsProxy() {
		leg = p.proxyMode
	}
	scope := p.requestScope
	if phase.IsResponse() {
		scope = p.responseScope
	}
	return leg && scope
}

// IsContentLoggable applies the policy's content-type filter.
func (p *Policy) IsContentLoggable(contentType string, override *regexp.Regexp) bool {
	if p == nil {
		return false
	}
	return p.filter.IsLoggable(contentType, override)
}

// ParseMode parses a logging mode, case-insensitively. Empty means NONE.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(normalizeEnum(s)); m {
	case "":
		return ModeNone, nil
	case ModeNone, ModeClient, ModeProxy, ModeClientAndProxy:
		return m, nil
	case modeClientProxyAlias:
		return ModeClientAndProxy, nil
	default:
		return "", fmt.Errorf("invalid logging mode %q (valid: NONE, CLIENT, PROXY, CLIENT_AND_PROXY)", s)
	}
}

// ParseScope parses a logging scope, case-insensitively. Empty means NONE.
func ParseScope(s string) (Scope, error) {
	switch sc := Scope(normalizeEnum(s)); sc {
	case "":
		return ScopeNone, nil
	case ScopeNone, ScopeRequest, ScopeResponse, ScopeRequestResponse:
		return sc, nil
	default:
		return "", fmt.Errorf("invalid logging scope %q (valid: NONE, REQUEST, RESPONSE, REQUEST_RESPONSE)", s)
	}
}

// ParseContent parses a logging content selector, case-insensitively.
// Empty means NONE.
func ParseContent(s string) (Content, error) {
	switch c := Content(normalizeEnum(s)); c {
	case "":
		return ContentNone, nil
	case ContentNone, ContentHeaders, ContentPayloads, ContentHeadersPayloads:
		return c, nil
	default:
		return "", fmt.Errorf("invalid logging content %q (valid: NONE, HEADERS, PAYLOADS, HEADERS_PAYLOADS)", s)
	}
}

func normalizeEnum(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.ReplaceAll(s, "-", "_")
}
