package domain

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the ISO-8601 calendar date used for frame and animation names.
// It is fixed-width and zero-padded, so lexical order equals chronological order.
const DateLayout = "2006-01-02"

const (
	frameExt     = ".png"
	animationExt = ".gif"
)

// dayIndexEpoch is the reference day of the TIME_REFERENCE_DAYS_SINCE_1950 property.
var dayIndexEpoch = time.Date(1950, time.January, 1, 0, 0, 0, 0, time.UTC)

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DayIndex returns the whole number of days between 1950-01-01 and t's UTC day.
func DayIndex(t time.Time) int {
	return int(Day(t).Sub(dayIndexEpoch).Hours() / 24)
}

// DateForDayIndex is the inverse of DayIndex.
func DateForDayIndex(idx int) time.Time {
	return dayIndexEpoch.AddDate(0, 0, idx)
}

// ParseDate parses a YYYY-MM-DD calendar date in UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q: expected YYYY-MM-DD", ErrConfiguration, s)
	}
	return t, nil
}

// FormatDate renders t as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return Day(t).Format(DateLayout)
}

// Days enumerates every calendar day in [start, end]. It returns nil when
// start is after end.
func Days(start, end time.Time) []time.Time {
	start, end = Day(start), Day(end)
	if start.After(end) {
		return nil
	}
	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// FrameName is the file name of the rendered frame for date.
func FrameName(date time.Time) string {
	return FormatDate(date) + frameExt
}

// ParseFrameName recovers the date from a frame file name. Only names of the
// exact form YYYY-MM-DD.png are accepted.
func ParseFrameName(name string) (time.Time, bool) {
	base, ok := strings.CutSuffix(name, frameExt)
	if !ok || len(base) != len(DateLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(DateLayout, base)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// AnimationName derives the animation identity from the requested range, not
// from the frames that were actually produced.
func AnimationName(start, end time.Time) string {
	return FormatDate(start) + "_" + FormatDate(end)
}

// AnimationFileName is AnimationName with the GIF extension.
func AnimationFileName(start, end time.Time) string {
	return AnimationName(start, end) + animationExt
}

// InRange reports whether t's day lies within [start, end].
func InRange(t, start, end time.Time) bool {
	d := Day(t)
	return !d.Before(Day(start)) && !d.After(Day(end))
}
