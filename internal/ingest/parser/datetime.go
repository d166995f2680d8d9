package parser

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

const secondsPerDay = 86400

// civilDate is a calendar date without a zone.
type civilDate struct {
	year  int
	month time.Month
	day   int
}

// clock is a time of day; hour 24 means midnight of the following day.
type clock struct {
	hour, minute, second, nanos int
}

// parseDate accepts YYYY-MM-DD, YYYY/MM/DD and DD/MM/YYYY ('-', '/' or '.').
// A first group above 31 means year-first, otherwise day-first.
// A bare integer is taken as an Excel serial date.
func parseDate(raw string) (civilDate, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return civilDate{}, errors.New("empty date")
	}
	if serial, err := strconv.Atoi(s); err == nil {
		return serialDate(float64(serial))
	}

	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '-' || r == '/' || r == '.' })
	if len(parts) != 3 {
		return civilDate{}, fmt.Errorf("invalid date %q", raw)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return civilDate{}, fmt.Errorf("invalid date %q", raw)
		}
		nums[i] = n
	}

	var d civilDate
	if nums[0] > 31 {
		d = civilDate{year: nums[0], month: time.Month(nums[1]), day: nums[2]}
	} else {
		year := nums[2]
		if len(parts[2]) <= 2 {
			year += 2000
		}
		d = civilDate{year: year, month: time.Month(nums[1]), day: nums[0]}
	}
	if !d.valid() {
		return civilDate{}, fmt.Errorf("invalid calendar date %q", raw)
	}
	return d, nil
}

func (d civilDate) valid() bool {
	if d.year < 1 || d.month < 1 || d.month > 12 || d.day < 1 {
		return false
	}
	t := time.Date(d.year, d.month, d.day, 0, 0, 0, 0, time.UTC)
	return t.Year() == d.year && t.Month() == d.month && t.Day() == d.day
}

func serialDate(serial float64) (civilDate, error) {
	if serial <= 0 {
		return civilDate{}, fmt.Errorf("invalid serial date %v", serial)
	}
	t, err := excelize.ExcelDateToTime(math.Floor(serial), false)
	if err != nil {
		return civilDate{}, fmt.Errorf("invalid serial date %v: %w", serial, err)
	}
	return civilDate{year: t.Year(), month: t.Month(), day: t.Day()}, nil
}

// parseClock accepts HH:MM[:SS[.fff]], 24:00[:00] and fractional days (0.5 = 12:00:00).
func parseClock(raw string) (clock, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return clock{}, errors.New("empty time")
	}
	if !strings.Contains(s, ":") {
		frac, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
		if err != nil {
			return clock{}, fmt.Errorf("invalid time %q", raw)
		}
		return fractionalDay(frac)
	}

	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return clock{}, fmt.Errorf("invalid time %q", raw)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return clock{}, fmt.Errorf("invalid time %q", raw)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || len(parts[1]) != 2 {
		return clock{}, fmt.Errorf("invalid time %q", raw)
	}
	var c clock
	c.hour, c.minute = hour, minute
	if len(parts) == 3 {
		sec, frac, _ := strings.Cut(parts[2], ".")
		if c.second, err = strconv.Atoi(sec); err != nil || len(sec) != 2 {
			return clock{}, fmt.Errorf("invalid time %q", raw)
		}
		if frac != "" {
			if len(frac) > 9 {
				frac = frac[:9]
			}
			n, err := strconv.Atoi(frac)
			if err != nil {
				return clock{}, fmt.Errorf("invalid time %q", raw)
			}
			c.nanos = n * int(math.Pow10(9-len(frac)))
		}
	}
	if !c.valid() {
		return clock{}, fmt.Errorf("time out of range %q", raw)
	}
	return c, nil
}

func (c clock) valid() bool {
	if c.hour == 24 {
		return c.minute == 0 && c.second == 0 && c.nanos == 0
	}
	return c.hour >= 0 && c.hour < 24 &&
		c.minute >= 0 && c.minute < 60 &&
		c.second >= 0 && c.second < 60
}

func fractionalDay(frac float64) (clock, error) {
	if math.IsNaN(frac) || frac < 0 || frac > 1 {
		return clock{}, fmt.Errorf("fractional time %v out of range", frac)
	}
	total := int(math.Round(frac * secondsPerDay))
	return clock{hour: total / 3600, minute: total % 3600 / 60, second: total % 60}, nil
}

// parseDateTime parses a combined column: RFC 3339, "<date> <time>",
// "<date>T<time>", a bare date, or an Excel serial with a fractional day.
func parseDateTime(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if strings.ContainsAny(s, ".,") && !strings.ContainsAny(s, "-/: ") {
		serial, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
		if err == nil {
			d, err := serialDate(serial)
			if err != nil {
				return time.Time{}, err
			}
			c, err := fractionalDay(serial - math.Floor(serial))
			if err != nil {
				return time.Time{}, err
			}
			return combine(d, c, loc), nil
		}
	}

	datePart, timePart := s, ""
	if i := strings.IndexAny(s, " T"); i > 0 {
		datePart, timePart = s[:i], strings.TrimSpace(s[i+1:])
	}
	d, err := parseDate(datePart)
	if err != nil {
		return time.Time{}, err
	}
	var c clock
	if timePart != "" {
		if c, err = parseClock(timePart); err != nil {
			return time.Time{}, err
		}
	}
	return combine(d, c, loc), nil
}

// combine builds a UTC instant; time.Date normalises hour 24 to the next day.
func combine(d civilDate, c clock, loc *time.Location) time.Time {
	return time.Date(d.year, d.month, d.day, c.hour, c.minute, c.second, c.nanos, loc).UTC()
}
