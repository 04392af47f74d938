package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/kjstillabower/pm25-forecast-service/internal/models"
)

type mockPrefetcher struct {
	mu   sync.Mutex
	seen []models.Coordinate
	fail map[string]error
}

func (m *mockPrefetcher) Prefetch(ctx context.Context, coord models.Coordinate) error {
	m.mu.Lock()
	m.seen = append(m.seen, coord)
	m.mu.Unlock()
	return m.fail[coord.String()]
}

var (
	helsinki = models.Coordinate{Lat: "60.17", Lon: "24.94"}
	oslo     = models.Coordinate{Lat: "59.91", Lon: "10.75"}
)

func TestWarmer_Warm_Success(t *testing.T) {
	fetcher := &mockPrefetcher{}
	warmer := NewWarmer(fetcher, zaptest.NewLogger(t), 2, time.Minute)

	if err := warmer.Warm(context.Background(), []models.Coordinate{helsinki, oslo}); err != nil {
		t.Fatalf("Warm() error = %v, want nil", err)
	}
	if len(fetcher.seen) != 2 {
		t.Errorf("Prefetch calls = %d, want 2", len(fetcher.seen))
	}
}

func TestWarmer_Warm_EmptyCoordinates(t *testing.T) {
	warmer := NewWarmer(&mockPrefetcher{}, nil, 0, 0)
	if err := warmer.Warm(context.Background(), nil); err != nil {
		t.Fatalf("Warm() with nil coordinates error = %v, want nil", err)
	}
}

// TestWarmer_Warm_PartialFailure verifies that one failing coordinate is reported
// without preventing the others from being fetched.
func TestWarmer_Warm_PartialFailure(t *testing.T) {
	errDown := errors.New("thredds down")
	fetcher := &mockPrefetcher{fail: map[string]error{helsinki.String(): errDown}}
	warmer := NewWarmer(fetcher, nil, 1, time.Minute)

	err := warmer.Warm(context.Background(), []models.Coordinate{helsinki, oslo})
	if err == nil {
		t.Fatal("Warm() error = nil, want non-nil")
	}
	if !errors.Is(err, errDown) {
		t.Errorf("Warm() error = %v, want wrapping %v", err, errDown)
	}
	if !strings.Contains(err.Error(), helsinki.String()) {
		t.Errorf("Warm() error = %q, want coordinate in message", err)
	}
	if len(fetcher.seen) != 2 {
		t.Errorf("Prefetch calls = %d, want 2", len(fetcher.seen))
	}
}

func TestWarmer_Schedule(t *testing.T) {
	warmer := NewWarmer(&mockPrefetcher{}, nil, 0, 0)
	defer warmer.Stop()

	if err := warmer.Schedule("00:05", []models.Coordinate{helsinki}); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if err := warmer.Schedule("not-a-time", []models.Coordinate{helsinki}); err == nil {
		t.Error("Schedule() with invalid time: error = nil, want error")
	}
	if err := warmer.Schedule("00:05", nil); err != nil {
		t.Errorf("Schedule() with no coordinates error = %v, want nil", err)
	}
}
