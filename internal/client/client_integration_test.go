//go:build integration
// +build integration

package client

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kjstillabower/pm25-forecast-service/internal/dataset"
	"github.com/kjstillabower/pm25-forecast-service/internal/models"
	"github.com/kjstillabower/pm25-forecast-service/internal/query"
)

const liveBaseURL = "https://thredds.silam.fmi.fi/thredds/ncss/grid/silam_europe_v6_0/runs"

// TestSilamClient_Fetch_Integration queries the live FMI THREDDS server for Helsinki
// and checks the response decodes into a single-point series.
func TestSilamClient_Fetch_Integration(t *testing.T) {
	if os.Getenv("SILAM_INTEGRATION") == "" {
		t.Skip("SILAM_INTEGRATION not set, skipping integration test")
	}

	c, err := NewSilamClient(liveBaseURL, "silam_europe_v6_0", 60*time.Second, 0)
	if err != nil {
		t.Fatalf("NewSilamClient() error = %v", err)
	}

	spec := query.For(models.Coordinate{Lat: "60.17", Lon: "24.94"}, time.Now())
	raw, err := c.Fetch(context.Background(), spec)
	if err != nil {
		t.Fatalf("Fetch(%s) error = %v", c.URL(spec), err)
	}

	series, err := dataset.Decode(raw, query.Variable)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(series) == 0 {
		t.Error("Decode() returned an empty series")
	}
}
