// Package timefmt converts between wire/display timestamp strings and time.Time.
// Everything inside the service is UTC; these helpers are used only at the edges.
package timefmt

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DisplayLayout is the minute-resolution layout shown in dashboards and CLI tables.
const DisplayLayout = "2006-01-02 15:04"

var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04",
	DisplayLayout,
	"2006-01-02 15:04:05",
}

// ErrEmpty is returned when a required timestamp is blank.
var ErrEmpty = errors.New("empty timestamp")

// Parse accepts RFC3339 or display-layout strings. Zone-less values are read in loc
// (UTC when nil) and the result is always UTC.
func Parse(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, ErrEmpty
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}

// ParseOptional returns nil for blank input.
func ParseOptional(raw string, loc *time.Location) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := Parse(raw, loc)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Display renders t in loc using DisplayLayout.
func Display(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DisplayLayout)
}

// DisplayPtr renders an optional timestamp, using "-" for nil.
func DisplayPtr(t *time.Time, loc *time.Location) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return Display(*t, loc)
}
