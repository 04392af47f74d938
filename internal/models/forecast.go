package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Coordinate is a requested location. Values are kept as the caller's decimal
// strings so they can be forwarded to the upstream query and used in cache keys verbatim.
type Coordinate struct {
	Lat string `json:"lat" yaml:"lat"`
	Lon string `json:"lon" yaml:"lon"`
}

func (c Coordinate) String() string {
	return c.Lat + "," + c.Lon
}

// Sample is a single decoded value on the dataset time axis, in source units.
type Sample struct {
	Time  time.Time
	Value float64
}

// TimeSeries is the decoded per-hour series in the order of the source time axis.
type TimeSeries []Sample

// ForecastPoint is one hourly entry of a ForecastSeries. A nil Value means no data.
type ForecastPoint struct {
	Time  string
	Value *float64
}

// ForecastSeries is the public forecast: an ordered mapping from an ISO-8601
// hourly timestamp to a concentration in µg/m³ or null.
// It serializes as a JSON object whose member order follows the slice order.
type ForecastSeries []ForecastPoint

// MarshalJSON encodes the series as an ordered JSON object.
func (s ForecastSeries) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(p.Time)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if p.Value == nil {
			buf.WriteString("null")
			continue
		}
		val, err := json.Marshal(*p.Value)
		if err != nil {
			return nil, fmt.Errorf("forecast value at %s: %w", p.Time, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object of number-or-null members, preserving member order.
func (s *ForecastSeries) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("forecast series: expected object, got %v", tok)
	}

	out := ForecastSeries{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("forecast series: expected key, got %v", tok)
		}
		tok, err = dec.Token()
		if err != nil {
			return err
		}
		switch v := tok.(type) {
		case nil:
			out = append(out, ForecastPoint{Time: key})
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return fmt.Errorf("forecast series: value for %s: %w", key, err)
			}
			out = append(out, ForecastPoint{Time: key, Value: &f})
		default:
			return fmt.Errorf("forecast series: value for %s must be number or null, got %v", key, tok)
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*s = out
	return nil
}
