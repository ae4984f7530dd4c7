package security

import (
	"errors"
	"fmt"
	"strings"
)

// Client-facing 401 messages, by priority.
const (
	MessageInvalidToken        = "The provided authentication token is invalid"
	MessageNoSubscription      = "The provided credentials are not authorized"
	MessageExpiredSubscription = "Access has expired for the provided credentials"
	MessageNoMatchingRule      = "No plan matched the request"
	MessageNoToken             = "The request did not include an authentication token"
	MessageUnauthorized        = "Unauthorized"
)

// Failure categories, matched with errors.Is on a Diagnostic cause.
var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrNoSubscription      = errors.New("no subscription")
	ErrExpiredSubscription = errors.New("expired subscription")
	ErrNoMatchingRule      = errors.New("no matching rule")
	ErrNoToken             = errors.New("no token")
	ErrNoPlan              = errors.New("no plan")
)

// CauseError is the detailed failure of a security chain. Its message lists
// every plan of the top failure category and is meant for server logs only.
type CauseError struct {
	Kind error
	msg  string
}

func (e *CauseError) Error() string { return e.msg }
func (e *CauseError) Unwrap() error { return e.Kind }

// Diagnostic accumulates why each candidate plan could not serve a request.
// One Diagnostic belongs to one chain execution.
type Diagnostic struct {
	verbose bool

	noToken        orderedSet
	invalidToken   orderedSet
	noMatchingRule orderedSet
	noSubscription []noSubscription
	expired        []expiredSubscription
}

type noSubscription struct {
	plan           string
	credentialType string
	masked         string
}

type expiredSubscription struct {
	plan          string
	applicationID string
}

// NewDiagnostic creates an empty diagnostic. When verbose is false, Message
// always returns MessageUnauthorized.
func NewDiagnostic(verbose bool) *Diagnostic {
	return &Diagnostic{verbose: verbose}
}

// MarkPlanHasNoToken records that no credential for plan was found.
func (d *Diagnostic) MarkPlanHasNoToken(plan string) { d.noToken.add(plan) }

// MarkPlanHasInvalidToken records that the credential for plan was rejected.
func (d *Diagnostic) MarkPlanHasInvalidToken(plan string) { d.invalidToken.add(plan) }

// MarkPlanHasNoMatchingRule records that the selection rule of plan did not
// hold for the request.
func (d *Diagnostic) MarkPlanHasNoMatchingRule(plan string) { d.noMatchingRule.add(plan) }

// MarkPlanHasNoSubscription records that credential of the given type has no
// subscription to plan. Only the masked credential is kept.
func (d *Diagnostic) MarkPlanHasNoSubscription(plan, credentialType, credential string) {
	for _, e := range d.noSubscription {
		if e.plan == plan {
			return
		}
	}
	d.noSubscription = append(d.noSubscription, noSubscription{
		plan:           plan,
		credentialType: credentialType,
		masked:         MaskCredential(credential),
	})
}

// MarkPlanHasExpiredSubscription records that the subscription of
// applicationID to plan has ended.
func (d *Diagnostic) MarkPlanHasExpiredSubscription(plan, applicationID string) {
	for _, e := range d.expired {
		if e.plan == plan {
			return
		}
	}
	d.expired = append(d.expired, expiredSubscription{plan: plan, applicationID: applicationID})
}

// Message returns the client-facing message of the highest priority failure.
func (d *Diagnostic) Message() string {
	if !d.verbose {
		return MessageUnauthorized
	}
	switch {
	case d.invalidToken.len() > 0:
		return MessageInvalidToken
	case len(d.noSubscription) > 0:
		return MessageNoSubscription
	case len(d.expired) > 0:
		return MessageExpiredSubscription
	case d.noMatchingRule.len() > 0:
		return MessageNoMatchingRule
	case d.noToken.len() > 0:
		return MessageNoToken
	default:
		return MessageUnauthorized
	}
}

// Cause returns the detailed failure of the highest priority category,
// regardless of verbosity.
func (d *Diagnostic) Cause() error {
	switch {
	case d.invalidToken.len() > 0:
		plans := d.invalidToken.items
		return &CauseError{
			Kind: ErrInvalidToken,
			msg:  fmt.Sprintf("An invalid token was provided for %s %s", planWord(len(plans)), strings.Join(plans, ", ")),
		}

	case len(d.noSubscription) > 0:
		return &CauseError{
			Kind: ErrNoSubscription,
			msg:  "No active subscription was found for " + strings.Join(d.noSubscriptionClauses(), " or for "),
		}

	case len(d.expired) > 0:
		parts := make([]string, len(d.expired))
		for i, e := range d.expired {
			parts[i] = fmt.Sprintf("%s (application %s)", e.plan, e.applicationID)
		}
		return &CauseError{
			Kind: ErrExpiredSubscription,
			msg:  fmt.Sprintf("The subscription has expired for %s %s", planWord(len(parts)), strings.Join(parts, ", ")),
		}

	case d.noMatchingRule.len() > 0:
		plans := d.noMatchingRule.items
		return &CauseError{
			Kind: ErrNoMatchingRule,
			msg:  fmt.Sprintf("The request did not match the selection rule of %s %s", planWord(len(plans)), strings.Join(plans, ", ")),
		}

	case d.noToken.len() > 0:
		plans := d.noToken.items
		return &CauseError{
			Kind: ErrNoToken,
			msg:  fmt.Sprintf("No authentication token was found for %s %s", planWord(len(plans)), strings.Join(plans, ", ")),
		}

	default:
		return &CauseError{Kind: ErrNoPlan, msg: "No plan is available for the request"}
	}
}

// noSubscriptionClauses groups plans sharing a credential type and masked
// value, in first-seen order.
func (d *Diagnostic) noSubscriptionClauses() []string {
	type group struct {
		credentialType string
		masked         string
		plans          []string
	}
	var groups []*group
	for _, e := range d.noSubscription {
		var g *group
		for _, existing := range groups {
			if existing.credentialType == e.credentialType && existing.masked == e.masked {
				g = existing
				break
			}
		}
		if g == nil {
			g = &group{credentialType: e.credentialType, masked: e.masked}
			groups = append(groups, g)
		}
		g.plans = append(g.plans, e.plan)
	}

	clauses := make([]string, len(groups))
	for i, g := range groups {
		clauses[i] = fmt.Sprintf("%s %s and %s %s", planWord(len(g.plans)), strings.Join(g.plans, ", "), g.credentialType, g.masked)
	}
	return clauses
}

// MaskCredential hides most of a credential. Values longer than eight
// characters keep their first and last four, values of five to eight only
// their first four and shorter ones only their first. At least one character
// is always hidden.
func MaskCredential(value string) string {
	r := []rune(value)
	switch {
	case len(r) == 0:
		return "***"
	case len(r) <= 4:
		return string(r[:1]) + "***"
	case len(r) <= 8:
		return string(r[:4]) + "***"
	default:
		return string(r[:4]) + "***" + string(r[len(r)-4:])
	}
}

func planWord(n int) string {
	if n == 1 {
		return "plan"
	}
	return "plans"
}

// orderedSet keeps distinct values in insertion order.
type orderedSet struct {
	items []string
}

func (s *orderedSet) add(v string) {
	for _, existing := range s.items {
		if existing == v {
			return
		}
	}
	s.items = append(s.items, v)
}

func (s *orderedSet) len() int { return len(s.items) }
