package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Env(t *testing.T) {
	t.Setenv("HTTP_TIMEOUT", "30")
	t.Setenv("HTTP_RESPONSE_HEADER_TIMEOUT", "1m30s")

	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 90*time.Second, cfg.ResponseHeaderTimeout)
}

func TestDefaultConfig_InvalidEnvFallsBack(t *testing.T) {
	t.Setenv("HTTP_TIMEOUT", "soon")
	t.Setenv("HTTP_RESPONSE_HEADER_TIMEOUT", "")

	cfg := DefaultConfig()
	assert.Zero(t, cfg.Timeout)
	assert.Equal(t, 60*time.Second, cfg.ResponseHeaderTimeout)
}

func TestNewHTTPClient_DoesNotFollowRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	resp, err := NewDefaultHTTPClient().Get(server.URL + "/old")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/new", resp.Header.Get("Location"))

	cfg := DefaultConfig()
	cfg.FollowRedirects = true
	resp, err = NewHTTPClient(&cfg).Get(server.URL + "/old")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewHTTPClient_KeepsContentEncoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write([]byte{0x1f, 0x8b})
	}))
	defer server.Close()

	resp, err := NewDefaultHTTPClient().Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
}
