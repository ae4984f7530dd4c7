package auditlog

import (
	"net/http"
	"strings"
)

// RedactedValue replaces the value of sensitive headers in captured logs.
const RedactedValue = "[REDACTED]"

// RedactedHeaders contains headers that are always redacted in captured logs.
var RedactedHeaders = []string{
	"authorization",
	"x-api-key",
	"cookie",
	"set-cookie",
	"x-auth-token",
	"x-access-token",
	"proxy-authorization",
}

// RedactHeaders returns a copy of headers with sensitive values replaced.
// Extra names are matched case-insensitively in addition to RedactedHeaders.
// The original map is not modified.
func RedactHeaders(headers map[string]string, extra ...string) map[string]string {
	if headers == nil {
		return nil
	}

	result := make(map[string]string, len(headers))
	for key, value := range headers {
		if isRedacted(key, extra) {
			result[key] = RedactedValue
			continue
		}
		result[key] = value
	}
	return result
}

func isRedacted(key string, extra []string) bool {
	for _, name := range RedactedHeaders {
		if strings.EqualFold(key, name) {
			return true
		}
	}
	for _, name := range extra {
		if strings.EqualFold(key, name) {
			return true
		}
	}
	return false
}

// ExtractHeaders flattens an http.Header into a redacted single-value map.
// Multi-valued headers are joined with ", ".
func ExtractHeaders(headers http.Header, extra ...string) map[string]string {
	result := make(map[string]string, len(headers))
	for key, values := range headers {
		if len(values) > 0 {
			result[key] = strings.Join(values, ", ")
		}
	}
	return RedactHeaders(result, extra...)
}
