package testhelpers

import "math"

// PointSeries describes a gridded variable sampled on a (time, lat, lon) grid,
// shaped like an NCSS single-point subset.
type PointSeries struct {
	Variable  string
	TimeUnits string
	Times     []float64
	// Values is row-major over (time, lat, lon).
	Values []float64
	// Lats and Lons default to a single grid point.
	Lats       []float64
	Lons       []float64
	FillValue  *float64
	RecordTime bool
	Float32    bool
}

// PointDataset encodes p as a NetCDF classic container.
func PointDataset(p PointSeries) []byte {
	if p.Variable == "" {
		p.Variable = "cnc_PM2_5"
	}
	if p.TimeUnits == "" {
		p.TimeUnits = "hours since 2026-10-18 00:00:00"
	}
	if len(p.Lats) == 0 {
		p.Lats = []float64{60.15}
	}
	if len(p.Lons) == 0 {
		p.Lons = []float64{24.95}
	}
	varType := TypeDouble
	if p.Float32 {
		varType = TypeFloat
	}

	attrs := []CDFAttr{
		{Name: "units", Text: "kg/m3"},
		{Name: "long_name", Text: "Concentration in air PM2_5"},
	}
	if p.FillValue != nil {
		attrs = append(attrs, CDFAttr{Name: "_FillValue", Type: varType, Values: []float64{*p.FillValue}})
	}

	return EncodeCDF(CDFDataset{
		Version: 1,
		Dims: []CDFDim{
			{Name: "time", Len: len(p.Times), Record: p.RecordTime},
			{Name: "lat", Len: len(p.Lats)},
			{Name: "lon", Len: len(p.Lons)},
		},
		Attrs: []CDFAttr{{Name: "Conventions", Text: "CF-1.0"}},
		Vars: []CDFVar{
			{
				Name: "time",
				Dims: []string{"time"},
				Attrs: []CDFAttr{
					{Name: "units", Text: p.TimeUnits},
					{Name: "standard_name", Text: "time"},
				},
				Data: p.Times,
			},
			{Name: "lat", Dims: []string{"lat"}, Attrs: []CDFAttr{{Name: "units", Text: "degrees_north"}}, Data: p.Lats},
			{Name: "lon", Dims: []string{"lon"}, Attrs: []CDFAttr{{Name: "units", Text: "degrees_east"}}, Data: p.Lons},
			{Name: p.Variable, Dims: []string{"time", "lat", "lon"}, Type: varType, Attrs: attrs, Data: p.Values},
		},
	})
}

// NaN is shorthand for math.NaN in fixture literals.
func NaN() float64 { return math.NaN() }
