package core

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"apigateway/internal/auditlog"
)

// Well-known transaction attributes.
const (
	// AttrSecurityToken holds the token extracted by the security chain
	// while a plan is being evaluated.
	AttrSecurityToken = "gateway.security.token"

	// AttrSkipSecurity, when true, makes the security chain a no-op.
	AttrSkipSecurity = "gateway.security.skip"

	// AttrExcludedResponseTypes holds a *regexp.Regexp overriding the
	// excluded content types of the logging policy for this transaction.
	AttrExcludedResponseTypes = "gateway.logging.excluded_response_types"

	// AttrJWTClaims holds the verified claims of a JWT plan.
	AttrJWTClaims = "gateway.security.jwt.claims"
)

var _ auditlog.Lifecycle = (*Transaction)(nil)

// Transaction is the per-request context of the gateway. It owns exactly one
// LogRecord, a concurrent-safe attribute map and the terminated flag that
// every late writer checks before touching the record or counters.
type Transaction struct {
	id      string
	apiID   string
	start   time.Time
	request *http.Request
	log     *auditlog.LogRecord

	mu             sync.RWMutex
	attrs          map[string]any
	planID         string
	applicationID  string
	subscriptionID string

	terminated atomic.Bool
}

// NewTransaction creates a transaction for req. The LogRecord shares the
// transaction id as its request id.
func NewTransaction(id, apiID string, req *http.Request, start time.Time) *Transaction {
	log := auditlog.NewLogRecord(id, id, start)
	log.APIID = apiID
	return &Transaction{
		id:      id,
		apiID:   apiID,
		start:   start,
		request: req,
		log:     log,
		attrs:   make(map[string]any),
	}
}

func (t *Transaction) ID() string       { return t.id }
func (t *Transaction) APIID() string    { return t.apiID }
func (t *Transaction) Start() time.Time { return t.start }

// Request returns the client request.
func (t *Transaction) Request() *http.Request { return t.request }

// SetRequest replaces the client request, e.g. after a policy rewrote it.
func (t *Transaction) SetRequest(req *http.Request) { t.request = req }

// Log returns the transaction's LogRecord.
func (t *Transaction) Log() *auditlog.LogRecord { return t.log }

// Attribute returns the attribute stored under key.
func (t *Transaction) Attribute(key string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.attrs[key]
	return v, ok
}

// BoolAttribute returns the attribute under key when it is a bool.
func (t *Transaction) BoolAttribute(key string) bool {
	v, _ := t.Attribute(key)
	b, _ := v.(bool)
	return b
}

// SetAttribute stores value under key.
func (t *Transaction) SetAttribute(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attrs[key] = value
}

// RemoveAttribute deletes key and reports whether it was present.
func (t *Transaction) RemoveAttribute(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.attrs[key]
	delete(t.attrs, key)
	return ok
}

// SetPlan records the plan selected by the security chain.
func (t *Transaction) SetPlan(planID, applicationID, subscriptionID string) {
	t.mu.Lock()
	t.planID = planID
	t.applicationID = applicationID
	t.subscriptionID = subscriptionID
	t.mu.Unlock()

	if !t.Terminated() {
		t.log.PlanID = planID
		t.log.ApplicationID = applicationID
	}
}

// Plan returns the plan, application and subscription selected for the
// transaction.
func (t *Transaction) Plan() (planID, applicationID, subscriptionID string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.planID, t.applicationID, t.subscriptionID
}

// Terminate marks the transaction as finished. It returns true only for the
// first call.
func (t *Transaction) Terminate() bool {
	return t.terminated.CompareAndSwap(false, true)
}

// Terminated reports whether the transaction has finished.
func (t *Transaction) Terminated() bool {
	return t.terminated.Load()
}
