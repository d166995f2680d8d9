package pricing

import (
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// HolidayCalendar is a fixed set of public holiday dates.
type HolidayCalendar struct {
	days map[string]struct{}
}

// NewHolidayCalendar parses YYYY-MM-DD dates.
func NewHolidayCalendar(dates []string) (*HolidayCalendar, error) {
	c := &HolidayCalendar{days: make(map[string]struct{}, len(dates))}
	for _, raw := range dates {
		d, err := time.Parse(dateLayout, strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("holiday calendar: invalid date %q: %w", raw, err)
		}
		c.days[d.Format(dateLayout)] = struct{}{}
	}
	return c, nil
}

// IsHoliday reports whether the calendar day of t (in t's zone) is a holiday.
func (c *HolidayCalendar) IsHoliday(t time.Time) bool {
	if c == nil {
		return false
	}
	_, ok := c.days[t.Format(dateLayout)]
	return ok
}

// Len returns the number of holidays.
func (c *HolidayCalendar) Len() int {
	if c == nil {
		return 0
	}
	return len(c.days)
}
