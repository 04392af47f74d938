// Package query derives the model run, forecast window and NCSS request for a coordinate.
// Everything here is a pure function of the coordinate and the request instant.
package query

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/pm25-forecast-service/internal/models"
)

const (
	// Variable is the SILAM PM2.5 concentration variable (kg/m³).
	Variable = "cnc_PM2_5"

	// Horizon is the forecast span requested from the window start.
	Horizon = 120 * time.Hour

	// Accept requests the NetCDF classic container from NCSS.
	Accept = "netcdf"

	// Run and window instants are already truncated, so a second-precision layout
	// renders them as 2006-01-02T00:00:00Z and 2006-01-02T15:00:00Z.
	runLayout  = "2006-01-02T15:04:05Z"
	timeLayout = "2006-01-02T15:04:05Z"
)

// Spec is a fully derived NCSS grid subset request.
type Spec struct {
	Variable    string
	Coordinate  models.Coordinate
	Run         time.Time
	TimeStart   time.Time
	TimeEnd     time.Time
	HorizStride int
	Accept      string
	AddLatLon   bool
}

// ModelRun returns the run queried for a request at now: yesterday at 00:00 UTC,
// the latest daily run guaranteed to have completed.
func ModelRun(now time.Time) time.Time {
	y := now.UTC().Add(-24 * time.Hour)
	return time.Date(y.Year(), y.Month(), y.Day(), 0, 0, 0, 0, time.UTC)
}

// Window returns the forecast window for a request at now: the current UTC hour
// through Horizon later.
func Window(now time.Time) (start, end time.Time) {
	start = now.UTC().Truncate(time.Hour)
	return start, start.Add(Horizon)
}

// Build assembles the request for a single-point bounding box at coord.
func Build(coord models.Coordinate, run, start, end time.Time) Spec {
	return Spec{
		Variable:    Variable,
		Coordinate:  coord,
		Run:         run.UTC(),
		TimeStart:   start.UTC(),
		TimeEnd:     end.UTC(),
		HorizStride: 1,
		Accept:      Accept,
		AddLatLon:   true,
	}
}

// For derives run and window from now and builds the request for coord.
func For(coord models.Coordinate, now time.Time) Spec {
	start, end := Window(now)
	return Build(coord, ModelRun(now), start, end)
}

// RunStamp renders the model run identifier, e.g. 2026-10-17T00:00:00Z.
func (s Spec) RunStamp() string {
	return s.Run.Format(runLayout)
}

// CacheKey returns the persisted-entry key for this run and coordinate.
func (s Spec) CacheKey() string {
	return CacheKey(s.Run, s.Coordinate)
}

// CacheKey builds "<run>_<lat>_<lon>". Coordinates must already be validated
// so that the key is safe as a file name.
func CacheKey(run time.Time, coord models.Coordinate) string {
	return run.UTC().Format(runLayout) + "_" + coord.Lat + "_" + coord.Lon
}

// URL renders the request against an NCSS grid endpoint, e.g.
// https://thredds.silam.fmi.fi/thredds/ncss/grid/silam_europe_v6_0/runs with dataset silam_europe_v6_0.
// Parameters keep a fixed order so the URL is stable in logs and error responses.
func (s Spec) URL(baseURL, dataset string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(baseURL, "/"))
	b.WriteString("/")
	b.WriteString(dataset)
	b.WriteString("_RUN_")
	b.WriteString(s.RunStamp())

	params := [][2]string{
		{"var", s.Variable},
		{"north", s.Coordinate.Lat},
		{"south", s.Coordinate.Lat},
		{"west", s.Coordinate.Lon},
		{"east", s.Coordinate.Lon},
		{"horizStride", strconv.Itoa(s.HorizStride)},
		{"time_start", s.TimeStart.Format(timeLayout)},
		{"time_end", s.TimeEnd.Format(timeLayout)},
		{"accept", s.Accept},
		{"addLatLon", strconv.FormatBool(s.AddLatLon)},
	}
	for i, p := range params {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(p[0])
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p[1]))
	}
	return b.String()
}
