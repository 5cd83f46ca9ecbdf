package metrics

import (
	"time"
)

// Calendar measures working time, skipping weekends and holidays. All
// arithmetic is done in UTC.
type Calendar struct {
	holidays map[time.Time]struct{}
}

// NewCalendar builds a calendar from holiday dates. Only the date part of
// each holiday is used.
func NewCalendar(holidays []time.Time) Calendar {
	c := Calendar{holidays: make(map[time.Time]struct{}, len(holidays))}
	for _, h := range holidays {
		c.holidays[midnight(h)] = struct{}{}
	}
	return c
}

// IsBusinessDay reports whether t falls on a working day.
func (c Calendar) IsBusinessDay(t time.Time) bool {
	day := midnight(t)
	switch day.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := c.holidays[day]
	return !holiday
}

// BusinessDaysBetween returns the working days elapsed between start and
// end, counting partial first and last days fractionally. end before or
// equal to start yields 0.
func (c Calendar) BusinessDaysBetween(start, end time.Time) float64 {
	start, end = start.UTC(), end.UTC()
	if !end.After(start) {
		return 0
	}

	var total time.Duration
	for day := midnight(start); day.Before(end); day = day.AddDate(0, 0, 1) {
		if !c.IsBusinessDay(day) {
			continue
		}
		from := maxTime(day, start)
		to := minTime(day.AddDate(0, 0, 1), end)
		if to.After(from) {
			total += to.Sub(from)
		}
	}
	return total.Hours() / 24
}

func midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
