package auditlog

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
)

// maxDecompressedSize bounds the decoded log copy of a compressed body.
const maxDecompressedSize = 2 * 1024 * 1024

// toValidUTF8String converts captured bytes to text, replacing invalid
// sequences so the record stays storable in every backend.
func toValidUTF8String(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}

// decompressBody decodes body according to Content-Encoding. The original
// body is returned unchanged when the encoding is unknown or decoding fails.
// Supports gzip, deflate, and brotli (br) encodings.
func decompressBody(body []byte, contentEncoding string) ([]byte, bool) {
	if len(body) == 0 || contentEncoding == "" {
		return body, false
	}

	// Only the first listed encoding is decoded.
	encoding := strings.ToLower(strings.TrimSpace(strings.Split(contentEncoding, ",")[0]))

	var reader io.ReadCloser
	switch encoding {
	case "", "identity":
		return body, false
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return body, false
		}
		reader = gz
	case "deflate":
		reader = flate.NewReader(bytes.NewReader(body))
	case "br":
		reader = io.NopCloser(brotli.NewReader(bytes.NewReader(body)))
	default:
		return body, false
	}
	defer reader.Close()

	// Compression bomb protection
	decompressed, err := io.ReadAll(io.LimitReader(reader, maxDecompressedSize))
	if err != nil && len(decompressed) == 0 {
		return body, false
	}
	return decompressed, true
}
