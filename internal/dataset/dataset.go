// Package dataset extracts the single-point hourly series of one variable from
// an NCSS NetCDF response.
package dataset

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kjstillabower/pm25-forecast-service/internal/models"
	"github.com/kjstillabower/pm25-forecast-service/internal/netcdf"
)

// Decode failure reasons, used as the Reason of a DecodeError and as metric labels.
const (
	ReasonMalformed         = "malformed"
	ReasonMissingVariable   = "missing_variable"
	ReasonTimeAxis          = "time_axis"
	ReasonDimensionMismatch = "dimension_mismatch"
)

// DecodeError reports why a dataset could not be turned into a time series.
type DecodeError struct {
	Reason   string
	Variable string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s: %v", e.Variable, e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var (
	errNoTimeAxis = errors.New("no dimension has a CF time coordinate")
	errManyTime   = errors.New("more than one dimension has a CF time coordinate")
)

// Decode parses raw as a NetCDF container and returns variable as a series on
// its time axis. Every non-time dimension must have length 1; the service never
// averages or picks among several grid cells.
func Decode(raw []byte, variable string) (models.TimeSeries, error) {
	fail := func(reason string, err error) error {
		return &DecodeError{Reason: reason, Variable: variable, Err: err}
	}

	f, err := netcdf.Parse(raw)
	if err != nil {
		return nil, fail(ReasonMalformed, err)
	}
	v, ok := f.Var(variable)
	if !ok {
		return nil, fail(ReasonMissingVariable, fmt.Errorf("variable %q not in dataset", variable))
	}
	if v.Type == netcdf.Char {
		return nil, fail(ReasonMalformed, netcdf.ErrNotNumeric)
	}

	timeDim := -1
	var axis *timeAxis
	for _, id := range v.Dims {
		a, ok := coordinateTimeAxis(f, id)
		if !ok {
			continue
		}
		if timeDim >= 0 {
			return nil, fail(ReasonTimeAxis, errManyTime)
		}
		timeDim, axis = id, a
	}
	if timeDim < 0 {
		return nil, fail(ReasonTimeAxis, errNoTimeAxis)
	}

	cells := int64(1)
	for _, id := range v.Dims {
		if id != timeDim {
			cells *= f.Dims[id].Len
		}
	}
	if cells != 1 {
		return nil, fail(ReasonDimensionMismatch,
			fmt.Errorf("non-time dimensions %v hold %d cells, want 1", f.Shape(v), cells))
	}

	rawTimes, err := f.ReadFloat64(axis.coord)
	if err != nil {
		return nil, fail(ReasonMalformed, err)
	}
	values, err := f.ReadFloat64(v)
	if err != nil {
		return nil, fail(ReasonMalformed, err)
	}
	if len(values) != len(rawTimes) {
		return nil, fail(ReasonDimensionMismatch,
			fmt.Errorf("%d values for %d time steps", len(values), len(rawTimes)))
	}

	unpack := newUnpacker(v)
	series := make(models.TimeSeries, len(values))
	for i, raw := range values {
		t, err := axis.at(rawTimes[i])
		if err != nil {
			return nil, fail(ReasonTimeAxis, err)
		}
		series[i] = models.Sample{Time: t, Value: unpack.apply(raw)}
	}
	return series, nil
}

// unpacker applies CF missing-data masking and packing attributes.
type unpacker struct {
	missing []float64
	scale   float64
	offset  float64
}

func newUnpacker(v *netcdf.Variable) unpacker {
	u := unpacker{scale: 1}
	for _, name := range []string{"_FillValue", "missing_value"} {
		if a, ok := v.Attr(name); ok {
			u.missing = append(u.missing, a.Numbers...)
		}
	}
	if a, ok := v.Attr("scale_factor"); ok && len(a.Numbers) > 0 {
		u.scale = a.Numbers[0]
	}
	if a, ok := v.Attr("add_offset"); ok && len(a.Numbers) > 0 {
		u.offset = a.Numbers[0]
	}
	return u
}

func (u unpacker) apply(raw float64) float64 {
	for _, m := range u.missing {
		if raw == m || (math.IsNaN(m) && math.IsNaN(raw)) {
			return math.NaN()
		}
	}
	return raw*u.scale + u.offset
}

type timeAxis struct {
	coord *netcdf.Variable
	unit  time.Duration
	ref   time.Time
}

func (a *timeAxis) at(v float64) (time.Time, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}, fmt.Errorf("time coordinate %s has non-finite value", a.coord.Name)
	}
	d := v * float64(a.unit)
	if math.Abs(d) > math.MaxInt64 {
		return time.Time{}, fmt.Errorf("time coordinate %s value %v out of range", a.coord.Name, v)
	}
	return a.ref.Add(time.Duration(d)).UTC(), nil
}

// coordinateTimeAxis reports whether dimension id has a one-dimensional
// coordinate variable carrying CF time units.
func coordinateTimeAxis(f *netcdf.File, id int) (*timeAxis, bool) {
	coord, ok := f.Var(f.Dims[id].Name)
	if !ok || len(coord.Dims) != 1 || coord.Dims[0] != id || coord.Type == netcdf.Char {
		return nil, false
	}
	units, ok := coord.Attr("units")
	if !ok {
		return nil, false
	}
	if cal, ok := coord.Attr("calendar"); ok && !standardCalendar(cal.Text) {
		return nil, false
	}
	unit, ref, err := ParseTimeUnits(units.Text)
	if err != nil {
		return nil, false
	}
	return &timeAxis{coord: coord, unit: unit, ref: ref}, true
}

func standardCalendar(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "standard", "gregorian", "proleptic_gregorian":
		return true
	}
	return false
}

var refLayouts = []string{
	"2006-1-2 15:4:5",
	"2006-1-2 15:4",
	"2006-1-2",
}

// ParseTimeUnits parses CF time units of the form "<unit> since <reference>",
// e.g. "hours since 2026-10-17 00:00:00" or "seconds since 1970-01-01T00:00:00Z".
// The reference is taken as UTC.
func ParseTimeUnits(s string) (time.Duration, time.Time, error) {
	unitPart, refPart, ok := strings.Cut(strings.TrimSpace(s), " since ")
	if !ok {
		return 0, time.Time{}, fmt.Errorf("time units %q: missing \"since\"", s)
	}

	var unit time.Duration
	switch strings.ToLower(strings.TrimSpace(unitPart)) {
	case "second", "seconds", "sec", "secs", "s":
		unit = time.Second
	case "minute", "minutes", "min", "mins":
		unit = time.Minute
	case "hour", "hours", "hr", "hrs", "h":
		unit = time.Hour
	case "day", "days", "d":
		unit = 24 * time.Hour
	default:
		return 0, time.Time{}, fmt.Errorf("time units %q: unsupported unit %q", s, unitPart)
	}

	ref := strings.TrimSpace(refPart)
	for _, suffix := range []string{" UTC", "Z", "+00:00", " +0000"} {
		ref = strings.TrimSuffix(ref, suffix)
	}
	ref = strings.TrimSpace(strings.Replace(ref, "T", " ", 1))
	for _, layout := range refLayouts {
		if t, err := time.ParseInLocation(layout, ref, time.UTC); err == nil {
			return unit, t, nil
		}
	}
	return 0, time.Time{}, fmt.Errorf("time units %q: unparseable reference %q", s, refPart)
}
