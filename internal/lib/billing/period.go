// Package billing contains billing-period arithmetic shared by the
// subscription state machine, the renewal scheduler and the webhook
// interpreter. All calculations are pure calendar math; no rows are read
// or written here.
package billing

import (
	"fmt"
	"strings"
	"time"
)

// Period is the length of one paid billing cycle.
type Period string

const (
	// PeriodMonthly advances a subscription by one calendar month.
	PeriodMonthly Period = "monthly"
	// PeriodYearly advances a subscription by one calendar year.
	PeriodYearly Period = "yearly"
)

// ParsePeriod converts a free-form gateway/metadata value into a Period.
// An empty value defaults to monthly, which is what renewal charges use.
func ParsePeriod(s string) (Period, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "month", "monthly":
		return PeriodMonthly, nil
	case "year", "yearly", "annual":
		return PeriodYearly, nil
	default:
		return "", fmt.Errorf("unknown billing period: %q", s)
	}
}

// Advance returns t moved forward by one billing cycle.
func (p Period) Advance(t time.Time) time.Time {
	if p == PeriodYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// DaysUntil counts whole calendar days from now until deadline, comparing
// dates in UTC. Returns a negative value when the deadline has passed.
// Reminder matching ("exactly 7/3/1 days left") relies on calendar days,
// not 24h buckets, so a sweep running at 23:59 and one at 00:01 agree.
func DaysUntil(now, deadline time.Time) int {
	nowDate := truncateToDay(now.UTC())
	deadlineDate := truncateToDay(deadline.UTC())
	return int(deadlineDate.Sub(nowDate).Hours() / 24)
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
