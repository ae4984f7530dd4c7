// Package security selects, among the plans of an API, the single security
// mechanism that applies to a request and runs it. Candidates are probed in
// order; the first one that finds its token wins. When nothing succeeds the
// request is rejected with a 401 built from the accumulated diagnostic.
package security

import (
	"context"

	"apigateway/internal/core"
	"apigateway/internal/subscription"
)

// Token types.
const (
	TokenTypeNone     = "NONE"
	TokenTypeAPIKey   = subscription.CredentialAPIKey
	TokenTypeClientID = subscription.CredentialClientID
	TokenTypeJWT      = "JWT"
)

// Token is the credential evidence a policy extracted from a request.
// The zero Token means "no token".
type Token struct {
	Type  string
	Value string
}

// IsEmpty reports whether no token was found.
func (t Token) IsEmpty() bool { return t.Type == "" }

// Policy is a security mechanism attached to a plan.
type Policy interface {
	// Name identifies the policy in logs.
	Name() string

	// Order is the probing priority; lower values are probed first.
	Order() int

	// RequireSubscription reports whether the token must match a
	// subscription of the plan.
	RequireSubscription() bool

	// ExtractSecurityToken looks for the policy's token in the request.
	// It returns the zero Token when the request carries none. It must not
	// consume the request body.
	ExtractSecurityToken(ctx context.Context, tx *core.Transaction) (Token, error)

	// OnRequest runs the policy's request phase once it was selected. It may
	// replace the token stored under core.AttrSecurityToken, e.g. a JWT
	// policy substitutes the client id for the raw token.
	OnRequest(ctx context.Context, tx *core.Transaction) error
}
