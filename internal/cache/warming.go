package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/pm25-forecast-service/internal/models"
	"github.com/kjstillabower/pm25-forecast-service/internal/observability"
)

// ForecastPrefetcher is implemented by the service layer to run the pipeline for a coordinate.
// Used by Warmer to avoid a circular dependency on the service package.
type ForecastPrefetcher interface {
	Prefetch(ctx context.Context, coord models.Coordinate) error
}

// Warmer populates the cache for tracked coordinates so the first request after
// the model run rolls over is a hit.
type Warmer struct {
	fetcher     ForecastPrefetcher
	logger      *zap.Logger
	concurrency int
	timeout     time.Duration

	mu        sync.Mutex
	scheduler *gocron.Scheduler
}

// NewWarmer creates a Warmer. concurrency bounds parallel fetches (default 4);
// timeout bounds a whole warming run (default 5m).
func NewWarmer(fetcher ForecastPrefetcher, logger *zap.Logger, concurrency int, timeout time.Duration) *Warmer {
	if concurrency <= 0 {
		concurrency = 4
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Warmer{fetcher: fetcher, logger: logger, concurrency: concurrency, timeout: timeout}
}

// Warm prefetches every coordinate. A failing coordinate does not stop the others;
// all failures are joined into the returned error.
func (w *Warmer) Warm(ctx context.Context, coords []models.Coordinate) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming cache", zap.Int("coordinates", len(coords)))
	}

	var mu sync.Mutex
	var errs []error
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, coord := range coords {
		coord := coord
		g.Go(func() error {
			if err := w.fetcher.Prefetch(gCtx, coord); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", coord, err))
				mu.Unlock()
			}
			// Errors are collected rather than returned so one bad coordinate does not cancel the rest.
			return nil
		})
	}
	_ = g.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("cache warming complete", zap.Int("coordinates", len(coords)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// Schedule runs Warm every day at the given UTC time ("HH:MM"), shortly after the
// model run used for the day changes. It returns once the schedule is registered.
func (w *Warmer) Schedule(at string, coords []models.Coordinate) error {
	if len(coords) == 0 {
		if w.logger != nil {
			w.logger.Info("cache warming: no coordinates configured; nothing to schedule")
		}
		return nil
	}

	s := gocron.NewScheduler(time.UTC)
	_, err := s.Every(1).Day().At(at).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		if err := w.Warm(ctx, coords); err != nil && w.logger != nil {
			w.logger.Warn("scheduled cache warm failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule cache warming at %q: %w", at, err)
	}

	w.mu.Lock()
	if w.scheduler != nil {
		w.scheduler.Stop()
	}
	w.scheduler = s
	w.mu.Unlock()

	s.StartAsync()
	return nil
}

// Stop cancels future scheduled runs. Call during shutdown.
func (w *Warmer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.scheduler != nil {
		w.scheduler.Stop()
		w.scheduler = nil
	}
}

// Timeout returns the bound applied to a single warming run.
func (w *Warmer) Timeout() time.Duration {
	return w.timeout
}
