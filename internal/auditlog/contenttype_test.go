package auditlog

import (
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentTypeFilter_DefaultExclusions(t *testing.T) {
	filter := NewContentTypeFilter()

	excluded := []string{
		"video/mp4",
		"audio/mpeg",
		"image/png",
		"IMAGE/JPEG",
		"application/octet-stream",
		"application/pdf",
		"text/event-stream",
		"text/event-stream; charset=utf-8",
	}
	for _, ct := range excluded {
		t.Run(ct, func(t *testing.T) {
			assert.False(t, filter.IsLoggable(ct, nil))
		})
	}

	loggable := []string{
		"application/json",
		"application/json; charset=utf-8",
		"text/plain",
		"application/xml",
		"application/pdf-extension",
	}
	for _, ct := range loggable {
		t.Run(ct, func(t *testing.T) {
			assert.True(t, filter.IsLoggable(ct, nil))
		})
	}
}

func TestContentTypeFilter_EmptyContentTypeIsLoggable(t *testing.T) {
	filter := NewContentTypeFilter("invalid[")
	assert.True(t, filter.IsLoggable("", nil))
	assert.True(t, filter.IsLoggable("", regexp.MustCompile(".*")))
	assert.Equal(t, int64(0), filter.Compilations())
}

func TestContentTypeFilter_OverrideTakesPrecedence(t *testing.T) {
	filter := NewContentTypeFilter()
	override := regexp.MustCompile(`application/json.*`)

	assert.False(t, filter.IsLoggable("application/json", override))
	assert.True(t, filter.IsLoggable("image/png", override))
	assert.Equal(t, int64(0), filter.Compilations())
}

func TestContentTypeFilter_ConfiguredPattern(t *testing.T) {
	filter := NewContentTypeFilter("application/xml")

	assert.False(t, filter.IsLoggable("application/xml", nil))
	// The configured pattern replaces the default one.
	assert.True(t, filter.IsLoggable("image/png", nil))
}

func TestContentTypeFilter_InvalidPatternFallsBack(t *testing.T) {
	filter := NewContentTypeFilter("image/(png")

	assert.False(t, filter.IsLoggable("image/png", nil))
	assert.True(t, filter.IsLoggable("application/json", nil))
}

func TestContentTypeFilter_AllInvalidIsPermissive(t *testing.T) {
	filter := &ContentTypeFilter{candidates: []string{"(", "[a-"}}

	assert.True(t, filter.IsLoggable("image/png", nil))
	assert.True(t, filter.IsLoggable("text/event-stream", nil))
}

func TestContentTypeFilter_CachesCompiledPattern(t *testing.T) {
	filter := NewContentTypeFilter()

	for i := 0; i < 10; i++ {
		filter.IsLoggable("application/json", nil)
		filter.IsLoggable("image/png", nil)
	}
	assert.Equal(t, int64(1), filter.Compilations())

	filter.Reset()
	assert.Equal(t, int64(1), filter.Compilations())

	assert.False(t, filter.IsLoggable("image/png", nil))
	assert.Equal(t, int64(2), filter.Compilations())
}

func TestContentTypeFilter_ConcurrentUse(t *testing.T) {
	filter := NewContentTypeFilter()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%10 == 0 {
				filter.Reset()
			}
			assert.False(t, filter.IsLoggable("video/webm", nil))
			assert.True(t, filter.IsLoggable("application/json", nil))
		}(i)
	}
	wg.Wait()
}

func TestContentTypeFilter_OverrideMatchesLikeConfiguredPattern(t *testing.T) {
	const pattern = `application/json`
	configured := NewContentTypeFilter(pattern)
	override, err := CompileExcludedPattern(pattern)
	assert.NoError(t, err)
	plain := NewContentTypeFilter()

	for _, ct := range []string{
		"application/json",
		"APPLICATION/JSON",
		"application/json; charset=utf-8",
		"application/json-patch+json",
		"text/plain",
	} {
		t.Run(ct, func(t *testing.T) {
			assert.Equal(t, configured.IsLoggable(ct, nil), plain.IsLoggable(ct, override))
		})
	}

	assert.False(t, plain.IsLoggable("APPLICATION/JSON", override))
	assert.True(t, plain.IsLoggable("application/json-patch+json", override))
}
