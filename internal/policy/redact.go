package policy

import (
	"context"
	"net/http"

	"apigateway/internal/auditlog"
	"apigateway/internal/core"
)

// DefaultRedactMask replaces the values of redacted headers.
const DefaultRedactMask = "*****"

// RedactLogPolicy writes masked copies of the client request and response
// headers into the transaction log before the interceptors capture them.
// Since a log field is written at most once, the interceptors then keep the
// masked copies.
type RedactLogPolicy struct {
	logging *auditlog.Policy
	headers []string
	mask    string
}

// NewRedactLogPolicy creates a policy masking the named headers. An empty
// mask uses DefaultRedactMask.
func NewRedactLogPolicy(logging *auditlog.Policy, headers []string, mask string) *RedactLogPolicy {
	if mask == "" {
		mask = DefaultRedactMask
	}
	return &RedactLogPolicy{logging: logging, headers: headers, mask: mask}
}

func (p *RedactLogPolicy) Name() string     { return "redact-log" }
func (p *RedactLogPolicy) Phases() PhaseSet { return PhaseRequest | PhaseResponse }

func (p *RedactLogPolicy) OnRequest(_ context.Context, tx *core.Transaction) error {
	req := tx.Request()
	if req == nil || tx.Terminated() || !p.logging.Headers(auditlog.PhaseClientRequest) {
		return nil
	}
	tx.Log().Message(auditlog.PhaseClientRequest).SetHeadersOnce(p.redact(req.Header))
	return nil
}

func (p *RedactLogPolicy) OnResponse(_ context.Context, tx *core.Transaction, resp *http.Response) error {
	if resp == nil || tx.Terminated() || !p.logging.Headers(auditlog.PhaseClientResponse) {
		return nil
	}
	tx.Log().Message(auditlog.PhaseClientResponse).SetHeadersOnce(p.redact(resp.Header))
	return nil
}

func (p *RedactLogPolicy) redact(h http.Header) map[string]string {
	headers := auditlog.ExtractHeaders(h)
	for key := range headers {
		for _, name := range p.headers {
			if http.CanonicalHeaderKey(name) == http.CanonicalHeaderKey(key) {
				headers[key] = p.mask
			}
		}
	}
	return headers
}
