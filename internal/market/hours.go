// hours.go implements futures trading-hours math in America/Chicago.
//
// CME equity futures trade nearly around the clock: the session opens at
// 17:00 the previous day and runs to 15:10, then the market is dark until
// the next 17:00 open. The window [15:10, 17:00) is the only daily closure.
// Closure is advisory on the order path (the broker is the arbiter) but
// binding for risk session accounting, which resets at the 17:00 open.
package market

import (
	"fmt"
	"time"
)

// Clock abstracts time.Now for the hours and risk tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production clock.
type RealClock struct{}

// Now returns the wall-clock time.
func (RealClock) Now() time.Time { return time.Now() }

const (
	closeHour   = 15
	closeMinute = 10
	openHour    = 17
)

// Hours answers trading-window questions in the exchange timezone.
type Hours struct {
	loc      *time.Location
	clock    Clock
	holidays map[string]bool // "2026-01-01" -> closed all day
}

// NewHours creates an Hours gate for the given IANA timezone (normally
// America/Chicago). holidays lists full-closure dates as YYYY-MM-DD.
func NewHours(timezone string, clock Clock, holidays []string) (*Hours, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	hs := make(map[string]bool, len(holidays))
	for _, d := range holidays {
		hs[d] = true
	}
	return &Hours{loc: loc, clock: clock, holidays: hs}, nil
}

// IsOpen reports whether the market is open at t. Closed exactly in
// [15:10, 17:00) local time daily, and on configured holidays.
func (h *Hours) IsOpen(t time.Time) bool {
	local := t.In(h.loc)
	if h.holidays[local.Format("2006-01-02")] {
		return false
	}
	mins := local.Hour()*60 + local.Minute()
	closeAt := closeHour*60 + closeMinute
	openAt := openHour * 60
	return mins < closeAt || mins >= openAt
}

// IsTradingHours reports whether the market is open now.
func (h *Hours) IsTradingHours() bool {
	return h.IsOpen(h.clock.Now())
}

// Advisory returns the open flag plus a warning message for the order-path
// response when the market is closed. Orders are forwarded regardless.
func (h *Hours) Advisory() (bool, string) {
	now := h.clock.Now()
	if h.IsOpen(now) {
		return true, ""
	}
	next := h.NextOpen(now)
	return false, fmt.Sprintf("market is closed (opens %s)", next.In(h.loc).Format("Mon 15:04 MST"))
}

// NextOpen returns the next 17:00 session open at or after t.
func (h *Hours) NextOpen(t time.Time) time.Time {
	local := t.In(h.loc)
	open := time.Date(local.Year(), local.Month(), local.Day(), openHour, 0, 0, 0, h.loc)
	for !open.After(local) || !h.IsOpen(open) {
		open = open.AddDate(0, 0, 1)
	}
	return open
}

// SessionCutoff returns today's 15:10 close for the session containing t.
func (h *Hours) SessionCutoff(t time.Time) time.Time {
	local := t.In(h.loc)
	cutoff := time.Date(local.Year(), local.Month(), local.Day(), closeHour, closeMinute, 0, 0, h.loc)
	if local.Hour() >= openHour {
		cutoff = cutoff.AddDate(0, 0, 1)
	}
	return cutoff
}

// SessionDate returns the trading date the instant t belongs to. Times at
// or after the 17:00 open count toward the next calendar day's session,
// which is how daily loss limits and consistency buckets are keyed.
func (h *Hours) SessionDate(t time.Time) string {
	local := t.In(h.loc)
	if local.Hour() >= openHour {
		local = local.AddDate(0, 0, 1)
	}
	return local.Format("2006-01-02")
}
