package policy

import (
	"context"
	"net/http"

	"apigateway/internal/core"
)

// HeaderRules adds, overwrites and removes headers.
type HeaderRules struct {
	Set    map[string]string `yaml:"set"`
	Remove []string          `yaml:"remove"`
}

func (r HeaderRules) apply(h http.Header) {
	for _, name := range r.Remove {
		h.Del(name)
	}
	for name, value := range r.Set {
		h.Set(name, value)
	}
}

func (r HeaderRules) empty() bool { return len(r.Set) == 0 && len(r.Remove) == 0 }

// TransformHeadersPolicy rewrites the headers of the upstream request and of
// the client response.
type TransformHeadersPolicy struct {
	request  HeaderRules
	response HeaderRules
}

// NewTransformHeadersPolicy creates a header transformation policy.
func NewTransformHeadersPolicy(request, response HeaderRules) *TransformHeadersPolicy {
	return &TransformHeadersPolicy{request: request, response: response}
}

func (p *TransformHeadersPolicy) Name() string { return "transform-headers" }

func (p *TransformHeadersPolicy) Phases() PhaseSet {
	var phases PhaseSet
	if !p.request.empty() {
		phases |= PhaseRequest
	}
	if !p.response.empty() {
		phases |= PhaseResponse
	}
	return phases
}

func (p *TransformHeadersPolicy) OnRequest(_ context.Context, tx *core.Transaction) error {
	if req := tx.Request(); req != nil {
		p.request.apply(req.Header)
	}
	return nil
}

func (p *TransformHeadersPolicy) OnResponse(_ context.Context, _ *core.Transaction, resp *http.Response) error {
	if resp != nil {
		p.response.apply(resp.Header)
	}
	return nil
}
