// Package schedule decides when the monthly rotation runs and makes sure it
// runs at most once per qualifying day.
package schedule

import "time"

// DayLayout formats the calendar day used as the duplicate-run key.
const DayLayout = "2006-01-02"

// IsFirstSundayOfMonth reports whether t falls on the first Sunday of its
// month, judged in t's own location.
func IsFirstSundayOfMonth(t time.Time) bool {
	return t.Weekday() == time.Sunday && t.Day() <= 7
}

// FirstSundayOfMonth returns midnight of the first Sunday of month in loc.
func FirstSundayOfMonth(year int, month time.Month, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	offset := (int(time.Sunday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset)
}

// FirstSundayOfMonthIndex is FirstSundayOfMonth with a zero-based month
// (0 = January), in UTC. Months outside 0..11 roll over into adjacent years.
func FirstSundayOfMonthIndex(year, month int) time.Time {
	return FirstSundayOfMonth(year, time.Month(month+1), time.UTC)
}

// NextFirstSunday returns the first run instant strictly after now: the
// first Sunday of now's month or a later one, at hour:00 in now's location.
func NextFirstSunday(now time.Time, hour int) time.Time {
	loc := now.Location()
	y, m, _ := now.Date()
	for i := 0; i < 2; i++ {
		d := FirstSundayOfMonth(y, m+time.Month(i), loc)
		at := time.Date(d.Year(), d.Month(), d.Day(), hour, 0, 0, 0, loc)
		if at.After(now) {
			return at
		}
	}
	// Unreachable: next month's first Sunday is always after now.
	return time.Time{}
}

// DayKey is the calendar day of t as used by the duplicate-run guard.
func DayKey(t time.Time) string {
	return t.Format(DayLayout)
}
