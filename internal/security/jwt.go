package security

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"apigateway/internal/core"
)

// JWT defaults.
const (
	DefaultJWTOrder       = 0
	DefaultClientIDClaim  = "client_id"
	fallbackClientIDClaim = "azp"
	authorizationHeader   = "Authorization"
	bearerPrefix          = "Bearer "
)

// JWTConfig configures a JWT policy.
type JWTConfig struct {
	Order int
	// Secret is the HMAC key used to verify signatures.
	Secret string
	// ClientIDClaim names the claim holding the subscription client id.
	ClientIDClaim string
	// Issuer, when set, must match the iss claim.
	Issuer string
	// RemoveAuthorization strips the Authorization header upstream.
	RemoveAuthorization bool
}

// JWT authenticates requests with an HMAC-signed bearer token. The token's
// client id claim is the credential matched against subscriptions.
type JWT struct {
	cfg    JWTConfig
	secret []byte
	parser *jwt.Parser
}

// NewJWT creates a JWT policy.
func NewJWT(cfg JWTConfig) (*JWT, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt policy requires a secret")
	}
	if cfg.ClientIDClaim == "" {
		cfg.ClientIDClaim = DefaultClientIDClaim
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(),
			jwt.SigningMethodHS384.Alg(),
			jwt.SigningMethodHS512.Alg(),
		}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return &JWT{
		cfg:    cfg,
		secret: []byte(cfg.Secret),
		parser: jwt.NewParser(opts...),
	}, nil
}

func (p *JWT) Name() string              { return "jwt" }
func (p *JWT) Order() int                { return p.cfg.Order }
func (p *JWT) RequireSubscription() bool { return true }

// ExtractSecurityToken returns the bearer token of the Authorization header.
// Well-formedness is checked without verifying the signature so that a
// non-JWT bearer token leaves the plan irrelevant rather than invalid.
func (p *JWT) ExtractSecurityToken(_ context.Context, tx *core.Transaction) (Token, error) {
	req := tx.Request()
	if req == nil {
		return Token{}, nil
	}
	raw, ok := bearerToken(req.Header.Get(authorizationHeader))
	if !ok {
		return Token{}, nil
	}
	if _, _, err := p.parser.ParseUnverified(raw, jwt.MapClaims{}); err != nil {
		return Token{}, nil
	}
	return Token{Type: TokenTypeJWT, Value: raw}, nil
}

// OnRequest verifies the token and replaces it with its client id.
func (p *JWT) OnRequest(_ context.Context, tx *core.Transaction) error {
	v, _ := tx.Attribute(core.AttrSecurityToken)
	token, ok := v.(Token)
	if !ok || token.Type != TokenTypeJWT {
		return errors.New("no jwt token to verify")
	}

	claims := jwt.MapClaims{}
	if _, err := p.parser.ParseWithClaims(token.Value, claims, func(*jwt.Token) (interface{}, error) {
		return p.secret, nil
	}); err != nil {
		return fmt.Errorf("failed to verify jwt: %w", err)
	}

	clientID := stringClaim(claims, p.cfg.ClientIDClaim)
	if clientID == "" {
		clientID = stringClaim(claims, fallbackClientIDClaim)
	}
	if clientID == "" {
		return fmt.Errorf("jwt has no %s claim", p.cfg.ClientIDClaim)
	}

	tx.SetAttribute(core.AttrJWTClaims, map[string]any(claims))
	tx.SetAttribute(core.AttrSecurityToken, Token{Type: TokenTypeClientID, Value: clientID})

	if p.cfg.RemoveAuthorization {
		if req := tx.Request(); req != nil {
			req.Header.Del(authorizationHeader)
		}
	}
	return nil
}

func bearerToken(header string) (string, bool) {
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	return token, token != ""
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}
