package quota

import (
	"fmt"
	"time"

	"luneo-hq/guardian/pkg/plans"
)

// PeriodStart returns the first instant (UTC) of the period containing t.
func PeriodStart(p plans.Period, t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case plans.PeriodHour:
		return t.Truncate(time.Hour)
	case plans.PeriodDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}

// ResetAt returns the first instant (UTC) of the period after the one
// containing t.
func ResetAt(p plans.Period, t time.Time) time.Time {
	start := PeriodStart(p, t)
	switch p {
	case plans.PeriodHour:
		return start.Add(time.Hour)
	case plans.PeriodDay:
		return start.AddDate(0, 0, 1)
	default:
		return start.AddDate(0, 1, 0)
	}
}

// PeriodKey identifies the period containing t: YYYYMMDDHH for hours,
// YYYYMMDD for days and YYYYMM for months.
func PeriodKey(p plans.Period, t time.Time) string {
	t = t.UTC()
	switch p {
	case plans.PeriodHour:
		return t.Format("2006010215")
	case plans.PeriodDay:
		return t.Format("20060102")
	default:
		return t.Format("200601")
	}
}

// CounterTTL keeps a counter alive for two periods so late reads and
// releases still see it after the rollover.
func CounterTTL(p plans.Period) time.Duration {
	switch p {
	case plans.PeriodHour:
		return 2 * time.Hour
	case plans.PeriodDay:
		return 48 * time.Hour
	default:
		return 62 * 24 * time.Hour
	}
}

// CounterKey is the store key of the tenant's counter for metric in the
// period containing t.
func CounterKey(tenantID, metric string, p plans.Period, t time.Time) string {
	return fmt.Sprintf("q:%s:%s:%s", tenantID, metric, PeriodKey(p, t))
}
