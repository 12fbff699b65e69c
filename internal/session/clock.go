// Package session answers trading-hours questions in the exchange timezone,
// independent of where the process runs.
package session

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// TimeOfDay is a wall-clock time in the exchange timezone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) minutes() int {
	return t.Hour*60 + t.Minute
}

// ParseTimeOfDay reads "HH:MM".
func ParseTimeOfDay(value string) (TimeOfDay, error) {
	parsed, err := time.Parse("15:04", value)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", value, err)
	}
	return TimeOfDay{Hour: parsed.Hour(), Minute: parsed.Minute()}, nil
}

type Clock struct {
	loc   *time.Location
	open  TimeOfDay
	close TimeOfDay
	// always is set for markets that never close, such as crypto.
	always bool
}

func NewClock(timezone string, open, close TimeOfDay, always bool) (*Clock, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	if !always && open.minutes() >= close.minutes() {
		return nil, fmt.Errorf("session open %s must precede close %s", open, close)
	}
	return &Clock{loc: loc, open: open, close: close, always: always}, nil
}

func (c *Clock) Location() *time.Location {
	return c.loc
}

// InSession reports whether now falls on a weekday between open (inclusive)
// and close (exclusive). Exchange holidays are not modelled.
func (c *Clock) InSession(now time.Time) bool {
	if c.always {
		return true
	}
	local := now.In(c.loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	m := local.Hour()*60 + local.Minute()
	return m >= c.open.minutes() && m < c.close.minutes()
}

// PastCutoff reports whether now is within tolerance of hour:minute on the
// same exchange-local day. Bars arrive irregularly, so the check is a window
// around the target instead of a strict inequality.
func (c *Clock) PastCutoff(now time.Time, hour, minute int, tolerance time.Duration) bool {
	local := now.In(c.loc)
	target := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, c.loc)
	diff := local.Sub(target)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}
