package processor

import "time"

// BillingAnchorDay is the day of month every membership subscription bills on.
const BillingAnchorDay = 25

// CycleDates describes the billing cycles around a reference date.
type CycleDates struct {
	CurrentStart time.Time
	NextStart    time.Time
	// Backdate is set when subscribing for next month requires backdating the
	// subscription to the current cycle start.
	Backdate bool
}

// SubscriptionCycleDates returns the current and next billing cycle starts
// for ref. Memberships start on the 1st; billing starts on the 25th of the
// previous month. From the 25th onwards a subscription for next month can
// only be taken by backdating to the 25th of this month.
func SubscriptionCycleDates(ref time.Time) CycleDates {
	ref = ref.UTC()
	anchorThisMonth := time.Date(ref.Year(), ref.Month(), BillingAnchorDay, 0, 0, 0, 0, time.UTC)
	if ref.Day() >= BillingAnchorDay {
		return CycleDates{
			CurrentStart: anchorThisMonth,
			NextStart:    anchorThisMonth.AddDate(0, 1, 0),
			Backdate:     true,
		}
	}
	return CycleDates{
		CurrentStart: anchorThisMonth.AddDate(0, -1, 0),
		NextStart:    anchorThisMonth,
		Backdate:     false,
	}
}

// FromTimestamp converts a processor unix timestamp to UTC. Zero maps to nil.
func FromTimestamp(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

// FirstOfNextMonth returns midnight UTC on the 1st of the month after ts.
func FirstOfNextMonth(ts int64) time.Time {
	t := time.Unix(ts, 0).UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
