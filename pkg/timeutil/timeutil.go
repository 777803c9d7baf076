// Package timeutil provides the clock abstraction used by the accrual loop,
// timezone handling for active-hour windows, and duration formatting for
// status output.
package timeutil

import (
	"fmt"
	"time"
)

// DefaultZone is the zone used when no timezone is configured.
const DefaultZone = "UTC"

// LoadLocation resolves an IANA zone name. An empty name means UTC.
// Fixed offsets such as "+09:00" are accepted for hosts without tzdata.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || name == DefaultZone {
		return time.UTC, nil
	}

	if loc, err := time.LoadLocation(name); err == nil {
		return loc, nil
	}

	if t, err := time.Parse("-07:00", name); err == nil {
		_, offset := t.Zone()
		return time.FixedZone(name, offset), nil
	}

	return nil, fmt.Errorf("timeutil: unknown timezone %q", name)
}

// HourIn returns the wall-clock hour of t in loc.
func HourIn(t time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Hour()
}

// InHourWindow reports whether hour lies in [start, end). An end of 24
// covers the whole last hour of the day.
func InHourWindow(hour, start, end int) bool {
	return hour >= start && hour < end
}

// StartOfDay returns the start of the day containing t, in t's location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// FormatDuration renders a compact duration: "45s", "7m", "1h05m", "2d03h".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	d = d.Truncate(time.Second)

	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		h := int(d.Hours())
		m := int(d.Minutes()) - h*60
		return fmt.Sprintf("%dh%02dm", h, m)
	default:
		days := int(d.Hours()) / 24
		h := int(d.Hours()) - days*24
		return fmt.Sprintf("%dd%02dh", days, h)
	}
}
