package markethours

import "time"

// Days on which interbank liquidity disappears and most brokers halt FX
// trading for the whole UTC day.
var fxHolidays = []struct {
	month time.Month
	day   int
}{
	{time.January, 1},   // New Year's Day
	{time.December, 25}, // Christmas Day
}

// IsHoliday returns true if t (in UTC) falls on an FX market holiday.
func IsHoliday(t time.Time) bool {
	u := t.UTC()
	m, d := u.Month(), u.Day()
	for _, h := range fxHolidays {
		if h.month == m && h.day == d {
			return true
		}
	}
	return false
}
