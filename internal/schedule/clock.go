package schedule

import (
	"fmt"
	"strings"
	"time"
)

// MinutesPerDay bounds Trigger.Minutes: valid values are 0..MinutesPerDay-1.
const MinutesPerDay = 24 * 60

const clockLayout = "3:04 PM"

// MinutesOf converts a local time of day into minutes since midnight.
func MinutesOf(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// FormatMinutes renders minutes since midnight as "h:mm AM".
func FormatMinutes(minutes int) string {
	minutes = ((minutes % MinutesPerDay) + MinutesPerDay) % MinutesPerDay
	t := time.Date(2000, time.January, 1, minutes/60, minutes%60, 0, 0, time.UTC)
	return t.Format(clockLayout)
}

// ParseClock is the inverse of FormatMinutes.
func ParseClock(s string) (int, error) {
	t, err := time.Parse(clockLayout, strings.ToUpper(strings.TrimSpace(s)))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return MinutesOf(t), nil
}
