// Package forecast turns a decoded concentration series into the public forecast.
package forecast

import (
	"math"

	"github.com/kjstillabower/pm25-forecast-service/internal/models"
)

// KgPerM3ToUgPerM3 converts SILAM concentrations (kg/m³) to µg/m³.
const KgPerM3ToUgPerM3 = 1e9

// TimestampLayout is the key format of the public series.
const TimestampLayout = "2006-01-02T15:04:05Z"

// Assemble converts each sample to µg/m³ keyed by its UTC hour. Missing samples
// and values that are not finite after conversion become nil. Order follows the input.
func Assemble(series models.TimeSeries) models.ForecastSeries {
	out := make(models.ForecastSeries, 0, len(series))
	for _, s := range series {
		p := models.ForecastPoint{Time: s.Time.UTC().Format(TimestampLayout)}
		if v := s.Value * KgPerM3ToUgPerM3; !math.IsNaN(v) && !math.IsInf(v, 0) {
			p.Value = &v
		}
		out = append(out, p)
	}
	return out
}
