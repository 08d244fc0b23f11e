// Package billing implements the usage gate: plan tiers, calendar-month
// usage windows, the anonymous cookie token, the Stripe customer store, and
// the admit/commit discipline around the model call.
package billing

import (
	"fmt"
	"strings"
	"time"
)

// Plan is a subscription tier.
type Plan string

const (
	PlanFree      Plan = "free"
	PlanPro       Plan = "pro"
	PlanUnlimited Plan = "unlimited"
)

// Monthly request limits per tier. Unlimited has no ceiling.
const (
	FreeLimit = 3
	ProLimit  = 25
)

// Limit returns the monthly request ceiling for p and whether one exists.
func (p Plan) Limit() (limit int, limited bool) {
	switch p {
	case PlanFree:
		return FreeLimit, true
	case PlanPro:
		return ProLimit, true
	default:
		return 0, false
	}
}

// ParsePlan normalizes a plan name. Unknown values map to pro: a Stripe
// customer without explicit plan metadata is a paying subscriber, and pro is
// the metered default.
func ParsePlan(s string) Plan {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "free":
		return PlanFree
	case "unlimited":
		return PlanUnlimited
	default:
		return PlanPro
	}
}

// MonthKey returns the UTC calendar-month identifier for t, e.g. "2025-08".
// Usage counters reset when the stored key no longer matches the current one.
func MonthKey(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%04d-%02d", u.Year(), int(u.Month()))
}
