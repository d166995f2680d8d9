package settlement

import "time"

// Season of the year; months 6-8 are winter (southern hemisphere).
type Season string

const (
	SeasonSummer Season = "summer"
	SeasonWinter Season = "winter"
	SeasonAll    Season = "all"
)

func (s Season) valid() bool {
	return s == SeasonSummer || s == SeasonWinter || s == SeasonAll
}

// SeasonOf classifies a month.
func SeasonOf(month time.Month) Season {
	if month >= time.June && month <= time.August {
		return SeasonWinter
	}
	return SeasonSummer
}

// DayType classifies a calendar day for time-of-use pricing.
type DayType string

const (
	DayWeekday       DayType = "weekday"
	DayWeekend       DayType = "weekend"
	DayPublicHoliday DayType = "public_holiday"
	DayAll           DayType = "all"
)

func (d DayType) valid() bool {
	switch d {
	case DayWeekday, DayWeekend, DayPublicHoliday, DayAll:
		return true
	}
	return false
}

// HolidayCalendar answers whether a local calendar day is a public holiday.
type HolidayCalendar interface {
	IsHoliday(day time.Time) bool
}

// NoHolidays is a calendar without public holidays.
type NoHolidays struct{}

func (NoHolidays) IsHoliday(time.Time) bool { return false }

// DayTypeOf classifies a local time using the calendar.
func DayTypeOf(local time.Time, calendar HolidayCalendar) DayType {
	if calendar != nil && calendar.IsHoliday(local) {
		return DayPublicHoliday
	}
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return DayWeekend
	default:
		return DayWeekday
	}
}

// SeasonalPoint is one value of a reporting series.
type SeasonalPoint struct {
	At    time.Time
	Value float64
}

// SeasonalAverage holds mean values per season; zero when a season has no data.
type SeasonalAverage struct {
	Summer      float64 `json:"summer"`
	Winter      float64 `json:"winter"`
	SummerCount int     `json:"summer_count"`
	WinterCount int     `json:"winter_count"`
}

// SeasonalAverages averages values per season, treating values <= 0 as missing.
func SeasonalAverages(points []SeasonalPoint) SeasonalAverage {
	var avg SeasonalAverage
	var summer, winter float64
	for _, p := range points {
		if p.Value <= 0 {
			continue
		}
		if SeasonOf(p.At.Month()) == SeasonWinter {
			winter += p.Value
			avg.WinterCount++
		} else {
			summer += p.Value
			avg.SummerCount++
		}
	}
	if avg.SummerCount > 0 {
		avg.Summer = summer / float64(avg.SummerCount)
	}
	if avg.WinterCount > 0 {
		avg.Winter = winter / float64(avg.WinterCount)
	}
	return avg
}
