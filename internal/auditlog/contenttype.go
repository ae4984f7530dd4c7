package auditlog

import (
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
)

// DefaultExcludedContentTypes matches bodies that are never worth capturing:
// binary media, opaque octet streams, PDFs and server-sent event streams.
const DefaultExcludedContentTypes = `video.*|audio.*|image.*|application/octet-stream|application/pdf|text/event-stream`

// compiledPattern is the published result of a compilation.
// A nil re means every content type is loggable.
type compiledPattern struct {
	re *regexp.Regexp
}

// ContentTypeFilter decides whether a body may be captured given its
// content type. The compiled exclusion pattern is cached and shared by all
// transactions; Reset publishes a fresh, empty cache.
type ContentTypeFilter struct {
	candidates   []string
	compiled     atomic.Pointer[compiledPattern]
	compilations atomic.Int64
}

// NewContentTypeFilter creates a filter trying each non-empty pattern in
// order, then DefaultExcludedContentTypes.
func NewContentTypeFilter(patterns ...string) *ContentTypeFilter {
	candidates := make([]string, 0, len(patterns)+1)
	for _, p := range patterns {
		if strings.TrimSpace(p) != "" {
			candidates = append(candidates, p)
		}
	}
	candidates = append(candidates, DefaultExcludedContentTypes)
	return &ContentTypeFilter{candidates: candidates}
}

// IsLoggable reports whether a body of the given content type may be
// captured. An empty content type is always loggable. A non-nil override,
// typically set by a policy earlier in the chain, replaces the configured
// exclusion pattern for this call.
func (f *ContentTypeFilter) IsLoggable(contentType string, override *regexp.Regexp) bool {
	if contentType == "" {
		return true
	}
	if override != nil {
		return !override.MatchString(mediaType(contentType))
	}
	p := f.pattern()
	if p.re == nil {
		return true
	}
	return !p.re.MatchString(mediaType(contentType))
}

// CompileExcludedPattern compiles an excluded content-type pattern the way
// the filter does: case-insensitive and anchored to the whole media type.
func CompileExcludedPattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`(?i)^(?:` + pattern + `)$`)
}

// Reset invalidates the compiled pattern; the next call recompiles.
func (f *ContentTypeFilter) Reset() {
	f.compiled.Store(nil)
}

// Compilations returns how many times the exclusion pattern was compiled.
func (f *ContentTypeFilter) Compilations() int64 {
	return f.compilations.Load()
}

func (f *ContentTypeFilter) pattern() *compiledPattern {
	if p := f.compiled.Load(); p != nil {
		return p
	}

	p := f.compile()
	if f.compiled.CompareAndSwap(nil, p) {
		return p
	}
	// Lost the race with a concurrent compile or reset; use what is published.
	if current := f.compiled.Load(); current != nil {
		return current
	}
	return p
}

func (f *ContentTypeFilter) compile() *compiledPattern {
	f.compilations.Add(1)
	for _, candidate := range f.candidates {
		re, err := CompileExcludedPattern(candidate)
		if err != nil {
			slog.Warn("invalid excluded content-type pattern, trying next",
				"pattern", candidate,
				"error", err,
			)
			continue
		}
		return &compiledPattern{re: re}
	}
	slog.Warn("no valid excluded content-type pattern, every content type will be logged")
	return &compiledPattern{}
}

// mediaType strips parameters such as charset from a content type.
func mediaType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.TrimSpace(contentType)
}
