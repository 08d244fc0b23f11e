package billing

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cookie names shared with the web frontend.
const (
	FreeUsageCookie = "pt_free_used"
	CustomerCookie  = "pt_customer"
)

// AnonUsage is the decoded state of the free-tier usage cookie. The cookie
// value is "<month>:<count>", e.g. "2025-08:2".
type AnonUsage struct {
	Month string
	Used  int
}

// ParseAnonUsage decodes a free-usage cookie value. Malformed or stale values
// decode to zero usage for the month of now, so a tampered cookie never
// grants more than a fresh one.
func ParseAnonUsage(value string, now time.Time) AnonUsage {
	current := AnonUsage{Month: MonthKey(now)}

	month, count, ok := strings.Cut(value, ":")
	if !ok || month != current.Month {
		return current
	}
	n, err := strconv.Atoi(count)
	if err != nil || n < 0 {
		return current
	}
	current.Used = n
	return current
}

// Encode renders the cookie value for u.
func (u AnonUsage) Encode() string {
	return fmt.Sprintf("%s:%d", u.Month, u.Used)
}
