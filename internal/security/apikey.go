package security

import (
	"context"

	"apigateway/internal/core"
)

// API key defaults.
const (
	DefaultAPIKeyHeader = "X-Api-Key"
	DefaultAPIKeyQuery  = "api-key"
	DefaultAPIKeyOrder  = 500
)

// APIKeyConfig configures an APIKey policy.
type APIKeyConfig struct {
	Order int
	// Header carrying the key (default X-Api-Key).
	Header string
	// Query parameter carrying the key (default api-key).
	Query string
	// Propagate keeps the key on the upstream request.
	Propagate bool
}

// APIKey authenticates requests by an API key bound to a subscription.
type APIKey struct {
	cfg APIKeyConfig
}

// NewAPIKey creates an API key policy, applying defaults.
func NewAPIKey(cfg APIKeyConfig) *APIKey {
	if cfg.Order == 0 {
		cfg.Order = DefaultAPIKeyOrder
	}
	if cfg.Header == "" {
		cfg.Header = DefaultAPIKeyHeader
	}
	if cfg.Query == "" {
		cfg.Query = DefaultAPIKeyQuery
	}
	return &APIKey{cfg: cfg}
}

func (p *APIKey) Name() string              { return "api-key" }
func (p *APIKey) Order() int                { return p.cfg.Order }
func (p *APIKey) RequireSubscription() bool { return true }

// ExtractSecurityToken reads the key from the header, then the query string.
func (p *APIKey) ExtractSecurityToken(_ context.Context, tx *core.Transaction) (Token, error) {
	req := tx.Request()
	if req == nil {
		return Token{}, nil
	}
	if key := req.Header.Get(p.cfg.Header); key != "" {
		return Token{Type: TokenTypeAPIKey, Value: key}, nil
	}
	if key := req.URL.Query().Get(p.cfg.Query); key != "" {
		return Token{Type: TokenTypeAPIKey, Value: key}, nil
	}
	return Token{}, nil
}

// OnRequest removes the key from the upstream request unless it must be
// propagated. The key itself is validated by the subscription lookup.
func (p *APIKey) OnRequest(_ context.Context, tx *core.Transaction) error {
	if p.cfg.Propagate {
		return nil
	}
	req := tx.Request()
	if req == nil {
		return nil
	}
	req.Header.Del(p.cfg.Header)
	if q := req.URL.Query(); q.Has(p.cfg.Query) {
		q.Del(p.cfg.Query)
		req.URL.RawQuery = q.Encode()
	}
	return nil
}
