package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"apigateway/internal/auditlog"
	"apigateway/internal/core"
)

// ExcludedTypesPolicy overrides, for the transactions it runs on, the
// response content types the logging layer refuses to capture.
type ExcludedTypesPolicy struct {
	pattern *regexp.Regexp
	paths   []string
}

// NewExcludedTypesPolicy compiles pattern with the same matching rules as
// the configured exclusion list. When paths is not empty the
// override only applies to requests whose path starts with one of them.
func NewExcludedTypesPolicy(pattern string, paths ...string) (*ExcludedTypesPolicy, error) {
	re, err := auditlog.CompileExcludedPattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid excluded response types %q: %w", pattern, err)
	}
	return &ExcludedTypesPolicy{pattern: re, paths: paths}, nil
}

func (p *ExcludedTypesPolicy) Name() string     { return "excluded-response-types" }
func (p *ExcludedTypesPolicy) Phases() PhaseSet { return PhaseRequest }

func (p *ExcludedTypesPolicy) OnRequest(_ context.Context, tx *core.Transaction) error {
	if !p.matches(tx) {
		return nil
	}
	tx.SetAttribute(core.AttrExcludedResponseTypes, p.pattern)
	return nil
}

func (p *ExcludedTypesPolicy) matches(tx *core.Transaction) bool {
	if len(p.paths) == 0 {
		return true
	}
	req := tx.Request()
	if req == nil {
		return false
	}
	for _, prefix := range p.paths {
		if strings.HasPrefix(req.URL.Path, prefix) {
			return true
		}
	}
	return false
}
