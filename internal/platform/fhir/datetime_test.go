package fhir

import (
	"testing"
	"time"
)

func TestParseDateTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-03-05T10:30:00Z", time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC)},
		{"2024-03-05T10:30:00.123Z", time.Date(2024, 3, 5, 10, 30, 0, 123000000, time.UTC)},
		{"2024-03-05", time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)},
		{"2024-03", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"2024", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseDateTime(tt.in)
		if err != nil {
			t.Errorf("ParseDateTime(%q): %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseDateTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseDateTime("not-a-date"); err == nil {
		t.Error("expected error for invalid literal")
	}
}

func TestTimeRange(t *testing.T) {
	low, high, ok := TimeRange("2024-03")
	if !ok {
		t.Fatal("expected month literal to parse")
	}
	if !low.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected low %v", low)
	}
	if !high.Before(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)) || high.Before(time.Date(2024, 3, 31, 23, 59, 0, 0, time.UTC)) {
		t.Errorf("unexpected high %v", high)
	}

	low, high, ok = TimeRange(map[string]interface{}{"start": "2024-01-01"})
	if !ok || low.IsZero() || !high.IsZero() {
		t.Errorf("expected open-ended period, got %v %v %v", low, high, ok)
	}

	if _, _, ok := TimeRange(42); ok {
		t.Error("expected non-date value to be rejected")
	}
}
