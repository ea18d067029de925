package fhir

import (
	"fmt"
	"time"
)

var dateTimeLayouts = []struct {
	layout string
	span   func(time.Time) time.Time
}{
	{"2006-01-02T15:04:05.999999999Z07:00", nil},
	{"2006-01-02T15:04:05", nil},
	{"2006-01-02T15:04Z07:00", nil},
	{"2006-01-02T15:04", nil},
	{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
	{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
	{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
}

// ParseDateTime parses a FHIR date, dateTime or instant literal.
func ParseDateTime(s string) (time.Time, error) {
	low, _, err := parseDateTimeRange(s)
	return low, err
}

// parseDateTimeRange returns the half-open interval [low, high) covered by a
// partial date. For full precision values low == high.
func parseDateTimeRange(s string) (time.Time, time.Time, error) {
	for _, f := range dateTimeLayouts {
		t, err := time.Parse(f.layout, s)
		if err != nil {
			continue
		}
		if f.span == nil {
			return t, t, nil
		}
		return t, f.span(t).Add(-time.Nanosecond), nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("cannot parse datetime %q", s)
}

// TimeRange extracts the closed interval covered by a date-like element
// value: a date/dateTime/instant string, a time.Time, or a Period object.
// An open Period bound is returned as the zero time.
func TimeRange(v interface{}) (low, high time.Time, ok bool) {
	switch val := v.(type) {
	case string:
		l, h, err := parseDateTimeRange(val)
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
		return l, h, true
	case time.Time:
		return val, val, true
	case map[string]interface{}:
		start, hasStart := val["start"].(string)
		end, hasEnd := val["end"].(string)
		if !hasStart && !hasEnd {
			return time.Time{}, time.Time{}, false
		}
		if hasStart {
			if l, _, err := parseDateTimeRange(start); err == nil {
				low = l
			}
		}
		if hasEnd {
			if _, h, err := parseDateTimeRange(end); err == nil {
				high = h
			}
		}
		return low, high, !low.IsZero() || !high.IsZero()
	}
	return time.Time{}, time.Time{}, false
}
