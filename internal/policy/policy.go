// Package policy runs the request and response policies of an API. Each
// policy declares the phases it takes part in; the chain checks the
// declaration against the handlers the policy implements when it is built
// and dispatches on it afterwards.
package policy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"apigateway/internal/core"
)

// PhaseSet is a set of policy phases.
type PhaseSet uint8

// Policy phases.
const (
	PhaseRequest PhaseSet = 1 << iota
	PhaseResponse
	PhaseRequestContent
	PhaseResponseContent
)

// Has reports whether s contains every phase of p.
func (s PhaseSet) Has(p PhaseSet) bool { return p != 0 && s&p == p }

func (s PhaseSet) String() string {
	var names []string
	for _, p := range []struct {
		phase PhaseSet
		name  string
	}{
		{PhaseRequest, "request"},
		{PhaseResponse, "response"},
		{PhaseRequestContent, "request_content"},
		{PhaseResponseContent, "response_content"},
	} {
		if s.Has(p.phase) {
			names = append(names, p.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Policy is a named unit of request or response processing.
type Policy interface {
	Name() string
	Phases() PhaseSet
}

// RequestHandler runs before the upstream call.
type RequestHandler interface {
	OnRequest(ctx context.Context, tx *core.Transaction) error
}

// ResponseHandler runs once the upstream response headers are known and
// before anything is written to the client.
type ResponseHandler interface {
	OnResponse(ctx context.Context, tx *core.Transaction, resp *http.Response) error
}

// RequestContentHandler may replace the request body sent upstream.
type RequestContentHandler interface {
	OnRequestContent(ctx context.Context, tx *core.Transaction, body io.ReadCloser) (io.ReadCloser, error)
}

// ResponseContentHandler may replace the response body sent to the client.
type ResponseContentHandler interface {
	OnResponseContent(ctx context.Context, tx *core.Transaction, body io.ReadCloser) (io.ReadCloser, error)
}

// entry is a policy with its handlers resolved once at build time.
type entry struct {
	name            string
	order           int
	request         RequestHandler
	response        ResponseHandler
	requestContent  RequestContentHandler
	responseContent ResponseContentHandler
}

// Chain runs policies in ascending order. Policies with the same order keep
// their registration order.
type Chain struct {
	entries []entry
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{}
}

// Add registers p with the given order. It fails when p declares a phase it
// does not implement or declares no phase at all.
func (c *Chain) Add(p Policy, order int) error {
	phases := p.Phases()
	if phases == 0 {
		return fmt.Errorf("policy %q declares no phase", p.Name())
	}

	e := entry{name: p.Name(), order: order}
	var ok bool
	if phases.Has(PhaseRequest) {
		if e.request, ok = p.(RequestHandler); !ok {
			return missingHandler(p, PhaseRequest)
		}
	}
	if phases.Has(PhaseResponse) {
		if e.response, ok = p.(ResponseHandler); !ok {
			return missingHandler(p, PhaseResponse)
		}
	}
	if phases.Has(PhaseRequestContent) {
		if e.requestContent, ok = p.(RequestContentHandler); !ok {
			return missingHandler(p, PhaseRequestContent)
		}
	}
	if phases.Has(PhaseResponseContent) {
		if e.responseContent, ok = p.(ResponseContentHandler); !ok {
			return missingHandler(p, PhaseResponseContent)
		}
	}

	c.entries = append(c.entries, e)
	sort.SliceStable(c.entries, func(i, j int) bool {
		return c.entries[i].order < c.entries[j].order
	})
	return nil
}

func missingHandler(p Policy, phase PhaseSet) error {
	return fmt.Errorf("policy %q declares phase %s without implementing it", p.Name(), phase)
}

// Len returns the number of policies in the chain.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Names returns the policy names in execution order.
func (c *Chain) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.name
	}
	return names
}

// OnRequest runs the request phase, stopping at the first error.
func (c *Chain) OnRequest(ctx context.Context, tx *core.Transaction) error {
	if c == nil {
		return nil
	}
	for _, e := range c.entries {
		if e.request == nil {
			continue
		}
		if err := e.request.OnRequest(ctx, tx); err != nil {
			return fmt.Errorf("policy %q: %w", e.name, err)
		}
	}
	return nil
}

// OnResponse runs the response phase, stopping at the first error.
func (c *Chain) OnResponse(ctx context.Context, tx *core.Transaction, resp *http.Response) error {
	if c == nil {
		return nil
	}
	for _, e := range c.entries {
		if e.response == nil {
			continue
		}
		if err := e.response.OnResponse(ctx, tx, resp); err != nil {
			return fmt.Errorf("policy %q: %w", e.name, err)
		}
	}
	return nil
}

// OnRequestContent threads the request body through every request content
// handler.
func (c *Chain) OnRequestContent(ctx context.Context, tx *core.Transaction, body io.ReadCloser) (io.ReadCloser, error) {
	if c == nil {
		return body, nil
	}
	for _, e := range c.entries {
		if e.requestContent == nil {
			continue
		}
		var err error
		if body, err = e.requestContent.OnRequestContent(ctx, tx, body); err != nil {
			return nil, fmt.Errorf("policy %q: %w", e.name, err)
		}
	}
	return body, nil
}

// OnResponseContent threads the response body through every response
// content handler.
func (c *Chain) OnResponseContent(ctx context.Context, tx *core.Transaction, body io.ReadCloser) (io.ReadCloser, error) {
	if c == nil {
		return body, nil
	}
	for _, e := range c.entries {
		if e.responseContent == nil {
			continue
		}
		var err error
		if body, err = e.responseContent.OnResponseContent(ctx, tx, body); err != nil {
			return nil, fmt.Errorf("policy %q: %w", e.name, err)
		}
	}
	return body, nil
}
