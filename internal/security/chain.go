package security

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"apigateway/internal/core"
	"apigateway/internal/expression"
	"apigateway/internal/subscription"
)

// Candidate is a plan that may serve requests of an API.
type Candidate struct {
	PlanID string
	Policy Policy

	// SelectionRule, when set, must hold for the plan to be selected.
	SelectionRule expression.Condition
}

// Chain probes candidates in ascending policy order and runs the first one
// that finds its token. It is built once per API and shared by requests.
type Chain struct {
	candidates []Candidate
	fetcher    subscription.Fetcher
	verbose    bool
	now        func() time.Time
}

// Option configures a Chain.
type Option func(*Chain)

// WithVerbose401 makes 401 responses carry the specific diagnostic message.
func WithVerbose401(verbose bool) Option {
	return func(c *Chain) { c.verbose = verbose }
}

// WithSubscriptions sets the fetcher used by plans requiring a subscription.
func WithSubscriptions(f subscription.Fetcher) Option {
	return func(c *Chain) { c.fetcher = f }
}

// WithClock overrides the clock used for subscription expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// NewChain sorts candidates by policy order. Ties keep declaration order.
func NewChain(candidates []Candidate, opts ...Option) *Chain {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Policy.Order() < sorted[j].Policy.Order()
	})

	c := &Chain{candidates: sorted, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Candidates returns the candidates in probing order.
func (c *Chain) Candidates() []Candidate {
	return c.candidates
}

// Execute selects and runs the security mechanism of the request. It returns
// nil on success, a 401 *core.GatewayError when no plan accepts the request,
// or the context error when the transaction was cancelled.
func (c *Chain) Execute(ctx context.Context, tx *core.Transaction) error {
	if tx.BoolAttribute(core.AttrSkipSecurity) {
		return nil
	}

	err := c.execute(ctx, tx, NewDiagnostic(c.verbose))
	tx.RemoveAttribute(core.AttrSecurityToken)
	return err
}

func (c *Chain) execute(ctx context.Context, tx *core.Transaction, diag *Diagnostic) error {
	for _, cand := range c.candidates {
		token, err := cand.Policy.ExtractSecurityToken(ctx, tx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			slog.Debug("security token extraction failed",
				"plan", cand.PlanID,
				"policy", cand.Policy.Name(),
				"error", err,
			)
			diag.MarkPlanHasNoToken(cand.PlanID)
			continue
		}
		if token.IsEmpty() {
			diag.MarkPlanHasNoToken(cand.PlanID)
			continue
		}
		return c.run(ctx, tx, cand, token, diag)
	}
	return unauthorized(diag)
}

// run executes the selected candidate.
func (c *Chain) run(ctx context.Context, tx *core.Transaction, cand Candidate, token Token, diag *Diagnostic) error {
	plan := cand.PlanID
	tx.SetAttribute(core.AttrSecurityToken, token)

	if err := cand.Policy.OnRequest(ctx, tx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		slog.Debug("security policy rejected request", "plan", plan, "policy", cand.Policy.Name(), "error", err)
		diag.MarkPlanHasInvalidToken(plan)
		return unauthorized(diag)
	}

	if v, ok := tx.Attribute(core.AttrSecurityToken); ok {
		if replaced, ok := v.(Token); ok {
			token = replaced
		}
	}

	var applicationID, subscriptionID string
	if cand.Policy.RequireSubscription() {
		sub, err := c.fetchSubscription(ctx, tx, plan, token)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		switch {
		case err != nil:
			if !errors.Is(err, subscription.ErrNotFound) {
				slog.Warn("subscription lookup failed", "plan", plan, "error", err)
			}
			diag.MarkPlanHasNoSubscription(plan, token.Type, token.Value)
			return unauthorized(diag)
		case sub.Expired(c.now()):
			diag.MarkPlanHasExpiredSubscription(plan, sub.ApplicationID)
			return unauthorized(diag)
		}
		applicationID, subscriptionID = sub.ApplicationID, sub.ID
	}

	if cand.SelectionRule != nil {
		matched, err := cand.SelectionRule.Evaluate(ctx, selectionVars(tx, token))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			slog.Warn("selection rule evaluation failed", "plan", plan, "error", err)
		}
		if err != nil || !matched {
			diag.MarkPlanHasNoMatchingRule(plan)
			return unauthorized(diag)
		}
	}

	tx.SetPlan(plan, applicationID, subscriptionID)
	return nil
}

func (c *Chain) fetchSubscription(ctx context.Context, tx *core.Transaction, plan string, token Token) (*subscription.Subscription, error) {
	if c.fetcher == nil {
		return nil, subscription.ErrNotFound
	}
	return c.fetcher.Fetch(ctx, tx.APIID(), plan, token.Type, token.Value)
}

func unauthorized(diag *Diagnostic) error {
	return core.NewUnauthorizedError(diag.Message(), diag.Cause())
}

// selectionVars exposes the request to selection rules.
func selectionVars(tx *core.Transaction, token Token) expression.Vars {
	vars := expression.Vars{
		"token_type": token.Type,
		"method":     "",
		"path":       "",
		"host":       "",
		"headers":    map[string]string{},
		"claims":     map[string]any{},
	}
	if req := tx.Request(); req != nil {
		vars["method"] = req.Method
		vars["path"] = req.URL.Path
		vars["host"] = req.Host
		headers := make(map[string]string, len(req.Header))
		for k := range req.Header {
			headers[k] = req.Header.Get(k)
		}
		vars["headers"] = headers
	}
	if v, ok := tx.Attribute(core.AttrJWTClaims); ok {
		if claims, ok := v.(map[string]any); ok {
			vars["claims"] = claims
		}
	}
	return vars
}
