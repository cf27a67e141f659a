// Package markethours is the FX trading-week calendar. The spot market trades
// continuously from the Sydney open on Sunday to the New York close on Friday,
// passing through four overlapping regional sessions. Times are UTC.
package markethours

import (
	"fmt"
	"time"
)

// Session names a regional FX trading session.
type Session string

const (
	Closed  Session = "closed"
	Sydney  Session = "sydney"
	Tokyo   Session = "tokyo"
	London  Session = "london"
	NewYork Session = "new_york"
)

// Weekly boundaries (UTC).
const (
	WeekOpenHour  = 22 // Sunday 22:00 UTC
	WeekCloseHour = 22 // Friday 22:00 UTC
)

type window struct {
	session    Session
	open, shut int // minutes after midnight UTC; shut < open wraps midnight
}

// Ordered by opening time within the trading day that starts at 22:00 UTC.
var sessions = []window{
	{Sydney, 22 * 60, 7 * 60},
	{Tokyo, 0, 9 * 60},
	{London, 8 * 60, 17 * 60},
	{NewYork, 13 * 60, 22 * 60},
}

func (w window) contains(minute int) bool {
	if w.shut < w.open {
		return minute >= w.open || minute < w.shut
	}
	return minute >= w.open && minute < w.shut
}

// IsMarketOpen reports whether the FX market is trading at t
// (Sunday 22:00 UTC – Friday 22:00 UTC, excluding holidays).
func IsMarketOpen(t time.Time) bool {
	u := t.UTC()
	if IsHoliday(u) {
		return false
	}
	hm := u.Hour()
	switch u.Weekday() {
	case time.Saturday:
		return false
	case time.Sunday:
		return hm >= WeekOpenHour
	case time.Friday:
		return hm < WeekCloseHour
	default:
		return true
	}
}

// IsWeekend returns true when the weekly market is shut at t.
func IsWeekend(t time.Time) bool {
	u := t.UTC()
	switch u.Weekday() {
	case time.Saturday:
		return true
	case time.Sunday:
		return u.Hour() < WeekOpenHour
	case time.Friday:
		return u.Hour() >= WeekCloseHour
	}
	return false
}

// Active returns every session trading at t, in opening order.
func Active(t time.Time) []Session {
	if !IsMarketOpen(t) {
		return nil
	}
	u := t.UTC()
	minute := u.Hour()*60 + u.Minute()
	var out []Session
	for _, w := range sessions {
		if w.contains(minute) {
			out = append(out, w.session)
		}
	}
	return out
}

// Current returns the most recently opened session at t, or Closed.
// During the London/New York overlap this is NewYork.
func Current(t time.Time) Session {
	act := Active(t)
	if len(act) == 0 {
		return Closed
	}
	return act[len(act)-1]
}

// NextOpen returns the next weekly open at or after t. If the market is open,
// t is returned.
func NextOpen(t time.Time) time.Time {
	u := t.UTC()
	if IsMarketOpen(u) {
		return u
	}
	d := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ { // weekends + holidays
		if d.Weekday() == time.Sunday {
			open := d.Add(WeekOpenHour * time.Hour)
			if !open.Before(u) && !IsHoliday(open) {
				return open
			}
		} else if d.Weekday() != time.Saturday && !IsHoliday(d) && d.After(u) {
			// Reopening after a mid-week holiday.
			return d
		}
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// TimeUntilOpen returns the duration until the next open (0 while open).
func TimeUntilOpen(t time.Time) time.Duration {
	return NextOpen(t).Sub(t.UTC())
}

// StatusString returns a human-readable market status.
func StatusString(t time.Time) string {
	if IsMarketOpen(t) {
		return fmt.Sprintf("FX Open — %s session", Current(t))
	}
	next := NextOpen(t)
	return fmt.Sprintf("FX Closed — opens %s %s UTC (%s)",
		next.Weekday().String()[:3], next.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
