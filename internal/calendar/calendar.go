// Package calendar answers trading-session questions for the US equity
// market: whether a date is a trading day, when the session closes, and
// which session date a wall-clock instant belongs to. Holidays are
// computed by NYSE rules rather than kept in a data file, so the engine
// works for any year without maintenance.
package calendar

import "time"

// Session times in exchange-local wall clock.
const (
	openHour       = 9
	openMinute     = 30
	closeHour      = 16
	earlyCloseHour = 13
)

// Calendar is bound to the exchange timezone given at construction.
type Calendar struct {
	loc *time.Location
}

// New creates a calendar in the given location, normally America/New_York.
func New(loc *time.Location) *Calendar {
	return &Calendar{loc: loc}
}

// Location returns the exchange timezone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// SessionDate formats the exchange-local date an instant falls on.
func (c *Calendar) SessionDate(t time.Time) string {
	return t.In(c.loc).Format("2006-01-02")
}

// IsTradingDay reports whether the market opens at all on the given date.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	lt := t.In(c.loc)
	if wd := lt.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	_, holiday := c.HolidayName(lt)
	return !holiday
}

// SessionClose returns the closing time of the session on t's date.
// The second return is false when the market is closed that day.
func (c *Calendar) SessionClose(t time.Time) (time.Time, bool) {
	lt := t.In(c.loc)
	if !c.IsTradingDay(lt) {
		return time.Time{}, false
	}
	hour := closeHour
	if c.isEarlyClose(lt) {
		hour = earlyCloseHour
	}
	return time.Date(lt.Year(), lt.Month(), lt.Day(), hour, 0, 0, 0, c.loc), true
}

// SessionOpen returns the opening time of the session on t's date.
func (c *Calendar) SessionOpen(t time.Time) (time.Time, bool) {
	lt := t.In(c.loc)
	if !c.IsTradingDay(lt) {
		return time.Time{}, false
	}
	return time.Date(lt.Year(), lt.Month(), lt.Day(), openHour, openMinute, 0, 0, c.loc), true
}

// NextTradingDay returns the first trading day strictly after t's date.
func (c *Calendar) NextTradingDay(t time.Time) time.Time {
	lt := t.In(c.loc)
	day := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, c.loc)
	for {
		day = day.AddDate(0, 0, 1)
		if c.IsTradingDay(day) {
			return day
		}
	}
}

// HolidayName identifies full-day market holidays.
func (c *Calendar) HolidayName(t time.Time) (string, bool) {
	lt := t.In(c.loc)
	y, m, d := lt.Year(), lt.Month(), lt.Day()

	if observed(time.Date(y, time.January, 1, 0, 0, 0, 0, c.loc)).Day() == d && m == time.January {
		return "New Year's Day", true
	}
	// New Year observed on Dec 31 of the prior year never happens for
	// NYSE; a Saturday Jan 1 is simply not observed.
	if m == time.January && d == nthWeekday(y, time.January, time.Monday, 3, c.loc).Day() {
		return "Martin Luther King Jr. Day", true
	}
	if m == time.February && d == nthWeekday(y, time.February, time.Monday, 3, c.loc).Day() {
		return "Presidents' Day", true
	}
	if gf := goodFriday(y, c.loc); m == gf.Month() && d == gf.Day() {
		return "Good Friday", true
	}
	if m == time.May && d == lastWeekday(y, time.May, time.Monday, c.loc).Day() {
		return "Memorial Day", true
	}
	if y >= 2022 {
		if obs := observed(time.Date(y, time.June, 19, 0, 0, 0, 0, c.loc)); m == obs.Month() && d == obs.Day() {
			return "Juneteenth", true
		}
	}
	if obs := observed(time.Date(y, time.July, 4, 0, 0, 0, 0, c.loc)); m == obs.Month() && d == obs.Day() {
		return "Independence Day", true
	}
	if m == time.September && d == nthWeekday(y, time.September, time.Monday, 1, c.loc).Day() {
		return "Labor Day", true
	}
	if m == time.November && d == nthWeekday(y, time.November, time.Thursday, 4, c.loc).Day() {
		return "Thanksgiving", true
	}
	if obs := observed(time.Date(y, time.December, 25, 0, 0, 0, 0, c.loc)); m == obs.Month() && d == obs.Day() {
		return "Christmas", true
	}
	return "", false
}

// isEarlyClose covers the 13:00 sessions: July 3 when it falls on a
// weekday, the day after Thanksgiving, and a weekday Christmas Eve.
func (c *Calendar) isEarlyClose(lt time.Time) bool {
	y, m, d := lt.Year(), lt.Month(), lt.Day()

	if m == time.July && d == 3 && isWeekday(lt) {
		// Only a half day when July 4 is a full holiday the next day.
		if obs := observed(time.Date(y, time.July, 4, 0, 0, 0, 0, c.loc)); obs.Day() != 3 {
			return true
		}
	}
	if m == time.November {
		thanksgiving := nthWeekday(y, time.November, time.Thursday, 4, c.loc)
		if d == thanksgiving.Day()+1 {
			return true
		}
	}
	if m == time.December && d == 24 && isWeekday(lt) {
		return true
	}
	return false
}

func isWeekday(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// observed shifts weekend holidays to the adjacent weekday: Saturday
// observes on Friday, Sunday on Monday.
func observed(t time.Time) time.Time {
	switch t.Weekday() {
	case time.Saturday:
		return t.AddDate(0, 0, -1)
	case time.Sunday:
		return t.AddDate(0, 0, 1)
	}
	return t
}

// nthWeekday returns the date of the nth given weekday in a month.
func nthWeekday(year int, month time.Month, weekday time.Weekday, n int, loc *time.Location) time.Time {
	t := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	offset := (int(weekday) - int(t.Weekday()) + 7) % 7
	return t.AddDate(0, 0, offset+(n-1)*7)
}

// lastWeekday returns the date of the last given weekday in a month.
func lastWeekday(year int, month time.Month, weekday time.Weekday, loc *time.Location) time.Time {
	t := time.Date(year, month+1, 1, 0, 0, 0, 0, loc).AddDate(0, 0, -1)
	offset := (int(t.Weekday()) - int(weekday) + 7) % 7
	return t.AddDate(0, 0, -offset)
}

// goodFriday is two days before Easter Sunday, computed with the
// anonymous Gregorian algorithm.
func goodFriday(year int, loc *time.Location) time.Time {
	a := year % 19
	b := year / 100
	cc := year % 100
	dd := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - dd - g + 15) % 30
	i := cc / 4
	k := cc % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	easter := time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
	return easter.AddDate(0, 0, -2)
}
