// Package calendar provides exchange trading-day arithmetic.
package calendar

import (
	"fmt"
	"sync"
	"time"
)

const dateLayout = "2006-01-02"

// HolidayCalendar reports exchange holidays. Implementations need only
// answer for the civil date of t in the market time zone.
type HolidayCalendar interface {
	IsHoliday(t time.Time) bool
}

// StaticCalendar is a fixed set of holiday dates in one time zone.
type StaticCalendar struct {
	loc      *time.Location
	holidays map[string]struct{}
	mu       sync.RWMutex
}

// NewStaticCalendar builds a calendar from YYYY-MM-DD strings.
func NewStaticCalendar(loc *time.Location, dates []string) (*StaticCalendar, error) {
	if loc == nil {
		loc = time.UTC
	}
	c := &StaticCalendar{
		loc:      loc,
		holidays: make(map[string]struct{}, len(dates)),
	}
	for _, d := range dates {
		if err := c.Add(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add registers one more holiday.
func (c *StaticCalendar) Add(date string) error {
	t, err := time.ParseInLocation(dateLayout, date, c.loc)
	if err != nil {
		return fmt.Errorf("parsing holiday %q: %w", date, err)
	}
	c.mu.Lock()
	c.holidays[t.Format(dateLayout)] = struct{}{}
	c.mu.Unlock()
	return nil
}

// IsHoliday implements HolidayCalendar.
func (c *StaticCalendar) IsHoliday(t time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.holidays[t.In(c.loc).Format(dateLayout)]
	return ok
}

// Location returns the calendar's time zone.
func (c *StaticCalendar) Location() *time.Location {
	return c.loc
}

// Trading answers trading-day questions for one market.
type Trading struct {
	holidays HolidayCalendar
	loc      *time.Location
}

// New creates a trading-day calculator. A nil calendar means weekends only.
func New(holidays HolidayCalendar, loc *time.Location) *Trading {
	if loc == nil {
		loc = time.UTC
	}
	return &Trading{holidays: holidays, loc: loc}
}

func (t *Trading) civil(ts time.Time) time.Time {
	ts = ts.In(t.loc)
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, t.loc)
}

// IsTradingDay reports whether the civil date of ts is a weekday that is
// not a holiday.
func (t *Trading) IsTradingDay(ts time.Time) bool {
	d := t.civil(ts)
	if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		return false
	}
	return t.holidays == nil || !t.holidays.IsHoliday(d)
}

// DaysHeld counts trading days strictly after the entry date up to and
// including the date of now. The entry day is day 0, so a Monday buy has
// held 2 days on Wednesday and a Friday buy has held 0 days over the weekend.
func (t *Trading) DaysHeld(entry, now time.Time) int {
	start := t.civil(entry)
	end := t.civil(now)
	days := 0
	for d := start.AddDate(0, 0, 1); !d.After(end); d = d.AddDate(0, 0, 1) {
		if t.IsTradingDay(d) {
			days++
		}
	}
	return days
}

// SettlementDate returns the first date on which DaysHeld(entry, date)
// reaches n.
func (t *Trading) SettlementDate(entry time.Time, n int) time.Time {
	d := t.civil(entry)
	for counted := 0; counted < n; {
		d = d.AddDate(0, 0, 1)
		if t.IsTradingDay(d) {
			counted++
		}
	}
	return d
}

// NextTradingDay returns the first trading day strictly after ts.
func (t *Trading) NextTradingDay(ts time.Time) time.Time {
	return t.SettlementDate(ts, 1)
}
