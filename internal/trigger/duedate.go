package trigger

import "time"

// DueDate projects a record's business due date: reference date plus the
// term length in calendar days. No business-day skipping.
func DueDate(rec CandidateRecord) time.Time {
	return rec.ReferenceDate.AddDate(0, 0, rec.TermDays)
}

// SignedOffsetDays returns dueDate-today in whole days, positive when the
// due date is still ahead. Both sides are truncated to midnight in loc
// before subtracting so time-of-day (and DST-induced fractional days)
// cannot cause off-by-one results.
func SignedOffsetDays(dueDate, today time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.Local
	}
	d := startOfDay(dueDate, loc)
	t := startOfDay(today, loc)
	secs := d.Unix() - t.Unix()
	// Floor division; Go's integer division truncates toward zero.
	days := secs / 86400
	if secs%86400 != 0 && secs < 0 {
		days--
	}
	return int(days)
}

// offsetMatches applies a relative trigger's day-offset test. For
// days_before_due=N a record qualifies when the due date is exactly N
// days ahead; for days_after_due=N, exactly N days behind. N=0 means
// "due today" for both, so both types may fire on the due date.
func offsetMatches(tt TriggerType, daysOffset, signedOffset int) bool {
	switch tt {
	case TriggerBeforeDue:
		return signedOffset == daysOffset
	case TriggerAfterDue:
		return signedOffset == -daysOffset
	}
	return false
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
