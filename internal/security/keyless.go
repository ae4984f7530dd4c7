package security

import (
	"context"

	"apigateway/internal/core"
)

// DefaultKeylessOrder puts keyless plans after every other mechanism.
const DefaultKeylessOrder = 1000

// Keyless accepts every request. It is always relevant and never requires a
// subscription.
type Keyless struct {
	order int
}

// NewKeyless creates a keyless policy. A zero order uses DefaultKeylessOrder.
func NewKeyless(order int) *Keyless {
	if order == 0 {
		order = DefaultKeylessOrder
	}
	return &Keyless{order: order}
}

func (k *Keyless) Name() string              { return "keyless" }
func (k *Keyless) Order() int                { return k.order }
func (k *Keyless) RequireSubscription() bool { return false }

func (k *Keyless) ExtractSecurityToken(context.Context, *core.Transaction) (Token, error) {
	return Token{Type: TokenTypeNone}, nil
}

func (k *Keyless) OnRequest(context.Context, *core.Transaction) error {
	return nil
}
