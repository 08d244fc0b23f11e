package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	// ErrQuotaExceeded means the identity used up its monthly allowance.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrPlanUnavailable means the subscriber's plan could not be verified
	// and unmetered fallback is disabled.
	ErrPlanUnavailable = errors.New("plan unavailable")
)

// QuotaError carries the plan that hit its ceiling, so callers can tell a
// free-tier denial from a pro-tier one. It unwraps to ErrQuotaExceeded.
type QuotaError struct {
	Plan  Plan
	Limit int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s plan limit of %d requests reached", e.Plan, e.Limit)
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }

// CustomerStore reads and writes subscriber usage counters.
// *StripeClient implements it.
type CustomerStore interface {
	ReadUsage(ctx context.Context, customerID string, now time.Time) (Usage, error)
	WriteUsage(ctx context.Context, customerID string, u Usage) error
}

// CommitLedger records single-use commit tokens. *storage.Store implements it.
type CommitLedger interface {
	RecordCommit(token, identity string) (bool, error)
}

// Identity is who is asking: a Stripe customer when the subscriber cookie is
// present, otherwise an anonymous free-tier visitor identified only by the
// usage cookie.
type Identity struct {
	CustomerID string
	Anon       AnonUsage
}

func (id Identity) key() string {
	if id.CustomerID != "" {
		return "cus:" + id.CustomerID
	}
	return "anon"
}

// Quota is the metered state of an identity at check time.
type Quota struct {
	Plan      Plan   `json:"plan"`
	Month     string `json:"month"`
	Used      int    `json:"used"`
	Limit     int    `json:"limit,omitempty"`
	Limited   bool   `json:"limited"`
	Unmetered bool   `json:"-"`
}

// Remaining returns how many requests are left this month, or -1 when the
// plan has no ceiling.
func (q Quota) Remaining() int {
	if !q.Limited {
		return -1
	}
	if r := q.Limit - q.Used; r > 0 {
		return r
	}
	return 0
}

// Admission is a granted request slot. Its token makes the later commit
// idempotent: retrying a commit with the same token bumps the counter once.
type Admission struct {
	Identity Identity
	Quota    Quota
	Token    string
}

// Gate enforces monthly usage limits. Usage is only committed after an answer
// is produced, so a failed model call never burns quota.
type Gate struct {
	customers      CustomerStore
	ledger         CommitLedger
	allowUnmetered bool
	now            func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewGate builds a gate. customers may be nil when Stripe is not configured;
// subscriber requests then fail closed unless allowUnmetered is set.
func NewGate(customers CustomerStore, ledger CommitLedger, allowUnmetered bool) *Gate {
	return &Gate{
		customers:      customers,
		ledger:         ledger,
		allowUnmetered: allowUnmetered,
		now:            time.Now,
		locks:          make(map[string]*sync.Mutex),
	}
}

// CheckQuota reports the identity's current usage without consuming anything.
func (g *Gate) CheckQuota(ctx context.Context, id Identity) (Quota, error) {
	return g.quota(ctx, id)
}

// Admit checks the quota and, when there is headroom, hands out an admission
// with a fresh commit token. A denial is a *QuotaError or ErrPlanUnavailable.
func (g *Gate) Admit(ctx context.Context, id Identity) (*Admission, error) {
	q, err := g.quota(ctx, id)
	if err != nil {
		return nil, err
	}
	if q.Limited && q.Used >= q.Limit {
		return nil, &QuotaError{Plan: q.Plan, Limit: q.Limit}
	}
	return &Admission{Identity: id, Quota: q, Token: uuid.New().String()}, nil
}

// Commit consumes the admitted slot. It returns the refreshed free-usage
// cookie value for anonymous identities and "" for subscribers. Committing
// the same admission twice bumps the counter once.
func (g *Gate) Commit(ctx context.Context, adm *Admission) (string, error) {
	if adm.Quota.Unmetered || (adm.Identity.CustomerID != "" && !adm.Quota.Limited) {
		return "", nil
	}

	fresh, err := g.ledger.RecordCommit(adm.Token, adm.Identity.key())
	if err != nil {
		return "", fmt.Errorf("recording commit token: %w", err)
	}

	if adm.Identity.CustomerID == "" {
		anon := adm.Identity.Anon
		if anon.Month != MonthKey(g.now()) {
			anon = AnonUsage{Month: MonthKey(g.now())}
		}
		if fresh {
			anon.Used++
		}
		return anon.Encode(), nil
	}

	if !fresh {
		return "", nil
	}
	return "", g.bumpCustomer(ctx, adm.Identity.CustomerID)
}

// bumpCustomer re-reads the counter under a per-customer lock so concurrent
// commits from the same subscriber do not clobber each other's increments.
func (g *Gate) bumpCustomer(ctx context.Context, customerID string) error {
	lock := g.lockFor("cus:" + customerID)
	lock.Lock()
	defer lock.Unlock()

	now := g.now()
	u, err := g.customers.ReadUsage(ctx, customerID, now)
	if err != nil {
		return fmt.Errorf("reading usage for %s: %w", customerID, err)
	}
	u.Month = MonthKey(now)
	u.Used++
	if err := g.customers.WriteUsage(ctx, customerID, u); err != nil {
		return fmt.Errorf("writing usage for %s: %w", customerID, err)
	}
	return nil
}

func (g *Gate) quota(ctx context.Context, id Identity) (Quota, error) {
	now := g.now()

	if id.CustomerID == "" {
		anon := id.Anon
		if anon.Month != MonthKey(now) {
			anon = AnonUsage{Month: MonthKey(now)}
		}
		return Quota{
			Plan:    PlanFree,
			Month:   anon.Month,
			Used:    anon.Used,
			Limit:   FreeLimit,
			Limited: true,
		}, nil
	}

	if g.customers == nil {
		return g.fallback(id, errors.New("no customer store configured"))
	}
	u, err := g.customers.ReadUsage(ctx, id.CustomerID, now)
	if err != nil {
		return g.fallback(id, err)
	}

	q := Quota{Plan: u.Plan, Month: u.Month, Used: u.Used}
	q.Limit, q.Limited = u.Plan.Limit()
	return q, nil
}

// fallback decides what to do when a subscriber's plan cannot be verified:
// fail closed by default, or serve unmetered when explicitly allowed.
func (g *Gate) fallback(id Identity, cause error) (Quota, error) {
	if !g.allowUnmetered {
		return Quota{}, fmt.Errorf("verifying plan for %s: %w: %w", id.CustomerID, ErrPlanUnavailable, cause)
	}
	slog.Warn("serving subscriber unmetered, plan verification failed",
		"customer", id.CustomerID, "error", cause)
	return Quota{
		Plan:      PlanPro,
		Month:     MonthKey(g.now()),
		Unmetered: true,
	}, nil
}

func (g *Gate) lockFor(key string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	lock, ok := g.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[key] = lock
	}
	return lock
}
