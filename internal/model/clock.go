package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

var dayNames = []string{"SUN", "MON", "TUE", "WED", "THU", "FRI", "SAT"}

// ParseClock parses "HH:MM" (seconds are ignored) into hour and minute.
func ParseClock(s string) (hour, minute int, ok bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 {
		return 0, 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

// ClockMinutes returns minutes since midnight for "HH:MM", or -1.
func ClockMinutes(s string) int {
	h, m, ok := ParseClock(s)
	if !ok {
		return -1
	}
	return h*60 + m
}

// AddMinutes adds minutes to an "HH:MM" clock, wrapping at midnight.
// It returns "" for an invalid clock.
func AddMinutes(clock string, minutes int) string {
	total := ClockMinutes(clock)
	if total < 0 {
		return ""
	}
	total = ((total+minutes)%1440 + 1440) % 1440
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// DayAbbrev folds "Monday", "mon" or "MON" into "MON". Unknown input gives "".
func DayAbbrev(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) < 3 {
		return ""
	}
	s = s[:3]
	for _, d := range dayNames {
		if d == s {
			return d
		}
	}
	return ""
}

// DayOf returns the weekday abbreviation of a YYYY-MM-DD date, or "".
func DayOf(date string) string {
	t, err := time.Parse(DateLayout, date)
	if err != nil {
		return ""
	}
	return dayNames[t.Weekday()]
}

// Weekday converts a day abbreviation into time.Weekday.
func Weekday(day string) (time.Weekday, bool) {
	day = DayAbbrev(day)
	for i, d := range dayNames {
		if d == day {
			return time.Weekday(i), true
		}
	}
	return time.Sunday, false
}

// OnDate places an "HH:MM" clock on the calendar day of date in loc.
func OnDate(date time.Time, clock string, loc *time.Location) (time.Time, error) {
	h, m, ok := ParseClock(clock)
	if !ok {
		return time.Time{}, fmt.Errorf("invalid time %q", clock)
	}
	y, mo, d := date.In(loc).Date()
	return time.Date(y, mo, d, h, m, 0, 0, loc), nil
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04:05",
		DateLayout,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// clockOf extracts "HH:MM" from a clock or an ISO datetime.
func clockOf(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "T") || strings.Count(s, "-") >= 2 {
		if t, ok := parseTimestamp(s); ok && strings.ContainsAny(s, "T ") {
			return t.Format("15:04")
		}
		return ""
	}
	h, m, ok := ParseClock(s)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

// dateOf extracts "YYYY-MM-DD" from a date or an ISO datetime.
func dateOf(s string) string {
	t, ok := parseTimestamp(s)
	if !ok {
		return ""
	}
	return t.Format(DateLayout)
}
