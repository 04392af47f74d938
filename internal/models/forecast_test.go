package models

import (
	"encoding/json"
	"math"
	"reflect"
	"testing"
)

func ptr(f float64) *float64 { return &f }

// TestForecastSeries_MarshalJSON_PreservesOrder verifies that members are written
// in slice order rather than sorted, and that nil values become null.
func TestForecastSeries_MarshalJSON_PreservesOrder(t *testing.T) {
	s := ForecastSeries{
		{Time: "2026-10-18T02:00:00Z", Value: ptr(2)},
		{Time: "2026-10-18T00:00:00Z", Value: nil},
		{Time: "2026-10-18T01:00:00Z", Value: ptr(1.5)},
	}
	got, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"2026-10-18T02:00:00Z":2,"2026-10-18T00:00:00Z":null,"2026-10-18T01:00:00Z":1.5}`
	if string(got) != want {
		t.Errorf("Marshal() = %s, want %s", got, want)
	}
}

func TestForecastSeries_MarshalJSON_Empty(t *testing.T) {
	var s ForecastSeries
	got, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(got) != "{}" {
		t.Errorf("Marshal(nil) = %s, want {}", got)
	}
}

func TestForecastSeries_MarshalJSON_RejectsNaN(t *testing.T) {
	s := ForecastSeries{{Time: "2026-10-18T00:00:00Z", Value: ptr(math.NaN())}}
	if _, err := json.Marshal(s); err == nil {
		t.Error("Marshal() error = nil, want error for NaN value")
	}
}

// TestForecastSeries_RoundTrip verifies that a mixed series survives encode and decode unchanged.
func TestForecastSeries_RoundTrip(t *testing.T) {
	in := ForecastSeries{
		{Time: "2026-10-18T00:00:00Z", Value: ptr(12.25)},
		{Time: "2026-10-18T01:00:00Z", Value: nil},
		{Time: "2026-10-18T02:00:00Z", Value: ptr(0)},
	}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out ForecastSeries
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestForecastSeries_UnmarshalJSON_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"array", `[1,2]`},
		{"string value", `{"2026-10-18T00:00:00Z":"x"}`},
		{"nested object", `{"2026-10-18T00:00:00Z":{"a":1}}`},
		{"truncated", `{"2026-10-18T00:00:00Z":1`},
		{"empty input", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s ForecastSeries
			if err := json.Unmarshal([]byte(tt.in), &s); err == nil {
				t.Errorf("Unmarshal(%q) error = nil, want error", tt.in)
			}
		})
	}
}
