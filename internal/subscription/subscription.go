// Package subscription resolves the subscription that grants an application
// access to a plan of an API, given the credential presented by the client.
package subscription

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Credential types a subscription can be looked up by.
const (
	CredentialAPIKey   = "API_KEY"
	CredentialClientID = "CLIENT_ID"
)

// ErrNotFound is returned when no subscription matches.
var ErrNotFound = errors.New("subscription not found")

// Subscription links an application to a plan of an API.
type Subscription struct {
	ID             string    `json:"id" yaml:"id"`
	APIID          string    `json:"api_id" yaml:"api"`
	PlanID         string    `json:"plan_id" yaml:"plan"`
	ApplicationID  string    `json:"application_id" yaml:"application"`
	CredentialType string    `json:"credential_type" yaml:"credential_type"`
	Credential     string    `json:"credential" yaml:"credential"`
	EndingAt       time.Time `json:"ending_at,omitempty" yaml:"ending_at"`
}

// Expired reports whether the subscription has ended at now.
// A zero EndingAt never expires.
func (s *Subscription) Expired(now time.Time) bool {
	return !s.EndingAt.IsZero() && !now.Before(s.EndingAt)
}

// Fetcher looks up subscriptions.
type Fetcher interface {
	// Fetch returns the subscription of plan planID of api apiID for the
	// given credential, or ErrNotFound.
	Fetch(ctx context.Context, apiID, planID, credentialType, credential string) (*Subscription, error)
}

// StaticRepository is an in-memory Fetcher loaded from configuration.
type StaticRepository struct {
	mu   sync.RWMutex
	subs map[lookupKey]*Subscription
}

type lookupKey struct {
	apiID, planID, credentialType, credential string
}

// NewStaticRepository creates a repository holding subs.
func NewStaticRepository(subs ...Subscription) *StaticRepository {
	r := &StaticRepository{subs: make(map[lookupKey]*Subscription, len(subs))}
	for _, s := range subs {
		r.Put(s)
	}
	return r
}

// Put adds or replaces a subscription.
func (r *StaticRepository) Put(s Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[lookupKey{s.APIID, s.PlanID, s.CredentialType, s.Credential}] = &s
}

// Fetch implements Fetcher.
func (r *StaticRepository) Fetch(ctx context.Context, apiID, planID, credentialType, credential string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.subs[lookupKey{apiID, planID, credentialType, credential}]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *s
	return &copied, nil
}
