package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/pm25-forecast-service/internal/cache"
	"github.com/kjstillabower/pm25-forecast-service/internal/client"
	"github.com/kjstillabower/pm25-forecast-service/internal/dataset"
	"github.com/kjstillabower/pm25-forecast-service/internal/forecast"
	"github.com/kjstillabower/pm25-forecast-service/internal/models"
	"github.com/kjstillabower/pm25-forecast-service/internal/observability"
	"github.com/kjstillabower/pm25-forecast-service/internal/query"
)

// State is a step of the forecast pipeline.
type State string

const (
	StateCheckCache State = "CheckCache"
	StateFetching   State = "Fetching"
	StateDecoding   State = "Decoding"
	StateAssembling State = "Assembling"
	StatePersisting State = "Persisting"
	StateDone       State = "Done"
	StateFailed     State = "Failed"
)

// PipelineError is returned when the pipeline ends in StateFailed. State is the
// step that failed; URL is the upstream request that was attempted, if any.
type PipelineError struct {
	State State
	URL   string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %v", strings.ToLower(string(e.State)), e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Result is a successfully served forecast.
type Result struct {
	Series models.ForecastSeries
	Cached bool
	URL    string
}

// Options configures a ForecastService.
type Options struct {
	// Variable is the dataset variable to extract (default cnc_PM2_5).
	Variable string
	// Backend labels cache metrics (disk, memcached).
	Backend string
	// CoalesceEnabled deduplicates concurrent misses for one key; CoalesceTimeout bounds each waiter.
	CoalesceEnabled bool
	CoalesceTimeout time.Duration
	// Now is the clock used to derive model run and window. Defaults to time.Now.
	Now func() time.Time
	// OnTransition, if set, observes every state change.
	OnTransition func(from, to State)
}

// ForecastService runs the check-cache, fetch, decode, assemble and persist pipeline.
// Collaborators are injected; the service holds no other state besides in-flight tracking.
type ForecastService struct {
	fetcher         client.Fetcher
	store           cache.Store
	variable        string
	backend         string
	now             func() time.Time
	onTransition    func(from, to State)
	stampedeTracker *stampedeTracker
	coalescer       *requestCoalescer[Result] // nil if disabled
}

// NewForecastService creates a ForecastService over the given fetcher and store.
func NewForecastService(fetcher client.Fetcher, store cache.Store, opts Options) *ForecastService {
	if opts.Variable == "" {
		opts.Variable = query.Variable
	}
	if opts.Backend == "" {
		opts.Backend = "disk"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	var coalescer *requestCoalescer[Result]
	if opts.CoalesceEnabled && opts.CoalesceTimeout > 0 {
		coalescer = newRequestCoalescer[Result](opts.CoalesceTimeout)
	}
	return &ForecastService{
		fetcher:         fetcher,
		store:           store,
		variable:        opts.Variable,
		backend:         opts.Backend,
		now:             opts.Now,
		onTransition:    opts.OnTransition,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
	}
}

// loggerFromContext extracts a zap.Logger from request context if present.
// Returns a no-op logger otherwise.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return zap.NewNop()
}

// GetForecast returns the forecast for coord, from cache when the current model
// run has already been served for it, otherwise by fetching and decoding the run.
// Failures are *PipelineError.
func (s *ForecastService) GetForecast(ctx context.Context, coord models.Coordinate) (Result, error) {
	start := time.Now()
	logger := loggerFromContext(ctx).With(zap.String("lat", coord.Lat), zap.String("lon", coord.Lon))
	observability.RecordForecastQuery(coord)

	spec := query.For(coord, s.now())
	key := spec.CacheKey()
	url := s.fetcher.URL(spec)

	if series, ok := s.checkCache(ctx, key, logger); ok {
		s.transition(logger, StateCheckCache, StateDone)
		observability.ForecastRequestsTotal.WithLabelValues("hit").Inc()
		observability.PipelineDurationSeconds.WithLabelValues("true").Observe(time.Since(start).Seconds())
		logger.Debug("forecast served", zap.String("key", key), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		return Result{Series: series, Cached: true, URL: url}, nil
	}

	concurrentMisses := s.stampedeTracker.RecordMiss(key)
	defer s.stampedeTracker.Resolve(key)
	locLabel := observability.MetricLocationLabel(coord)
	if concurrentMisses > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(locLabel).Inc()
		observability.CacheStampedeConcurrency.WithLabelValues(locLabel).Observe(float64(concurrentMisses))
	}

	var res Result
	var err error
	if s.coalescer != nil {
		waitStart := time.Now()
		// The shared fill outlives any single caller; the client bounds the fetch itself.
		fillCtx := context.WithoutCancel(ctx)
		var shared bool
		res, shared, err = s.coalescer.GetOrDo(ctx, key, func() (Result, error) {
			return s.fill(fillCtx, spec, key, url, logger)
		})
		if shared {
			observability.RequestCoalescingHitsTotal.WithLabelValues(locLabel).Inc()
		}
		observability.RequestCoalescingWaitSeconds.Observe(time.Since(waitStart).Seconds())
		var pe *PipelineError
		if err != nil && !errors.As(err, &pe) {
			// The waiter gave up before the shared fetch finished.
			err = &PipelineError{State: StateFetching, URL: url, Err: err}
		}
	} else {
		res, err = s.fill(ctx, spec, key, url, logger)
	}

	if err != nil {
		var pe *PipelineError
		state := StateFailed
		if errors.As(err, &pe) {
			state = pe.State
		}
		observability.PipelineFailuresTotal.WithLabelValues(string(state)).Inc()
		observability.ForecastRequestsTotal.WithLabelValues("error").Inc()
		logger.Error("forecast failed", zap.String("key", key), zap.String("state", string(state)), zap.String("url", url), zap.Error(err))
		return Result{}, err
	}

	observability.ForecastRequestsTotal.WithLabelValues("miss").Inc()
	observability.PipelineDurationSeconds.WithLabelValues("false").Observe(time.Since(start).Seconds())
	logger.Debug("forecast served", zap.String("key", key), zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	return res, nil
}

// Prefetch runs the pipeline for coord and discards the result. Used for cache warming.
func (s *ForecastService) Prefetch(ctx context.Context, coord models.Coordinate) error {
	_, err := s.GetForecast(ctx, coord)
	return err
}

// checkCache returns the cached series for key. A single Read serves as the
// existence check; ErrNotFound is a plain miss and any other failure is demoted to one.
func (s *ForecastService) checkCache(ctx context.Context, key string, logger *zap.Logger) (models.ForecastSeries, bool) {
	opStart := time.Now()
	series, err := s.store.Read(ctx, key)
	if errors.Is(err, cache.ErrNotFound) {
		observability.CacheOperationDurationSeconds.WithLabelValues("read", "miss").Observe(time.Since(opStart).Seconds())
		observability.CacheMissesTotal.WithLabelValues("absent").Inc()
		s.transition(logger, StateCheckCache, StateFetching)
		return nil, false
	}
	if err != nil {
		s.cacheReadFailed("read", key, err, opStart, logger)
		return nil, false
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("read", "success").Observe(time.Since(opStart).Seconds())
	observability.CacheHitsTotal.WithLabelValues(s.backend).Inc()
	return series, true
}

func (s *ForecastService) cacheReadFailed(op, key string, err error, opStart time.Time, logger *zap.Logger) {
	reason := "error"
	if errors.Is(err, cache.ErrCorruptEntry) {
		reason = "corrupt"
	}
	observability.CacheOperationDurationSeconds.WithLabelValues(op, "error").Observe(time.Since(opStart).Seconds())
	observability.CacheMissesTotal.WithLabelValues(reason).Inc()
	observability.CacheErrorsTotal.WithLabelValues(op, categorizeCacheError(err)).Inc()
	logger.Warn("cache read failed, treating as miss", zap.String("key", key), zap.String("reason", reason), zap.Error(err))
	s.transition(logger, StateCheckCache, StateFetching)
}

// fill fetches, decodes, assembles and persists the forecast for spec.
func (s *ForecastService) fill(ctx context.Context, spec query.Spec, key, url string, logger *zap.Logger) (Result, error) {
	raw, err := s.fetcher.Fetch(ctx, spec)
	if err != nil {
		s.transition(logger, StateFetching, StateFailed)
		return Result{}, &PipelineError{State: StateFetching, URL: url, Err: err}
	}
	s.transition(logger, StateFetching, StateDecoding)

	samples, err := dataset.Decode(raw, s.variable)
	if err != nil {
		var de *dataset.DecodeError
		if errors.As(err, &de) {
			observability.DecodeErrorsTotal.WithLabelValues(de.Reason).Inc()
		}
		s.transition(logger, StateDecoding, StateFailed)
		return Result{}, &PipelineError{State: StateDecoding, URL: url, Err: err}
	}
	s.transition(logger, StateDecoding, StateAssembling)

	series := forecast.Assemble(samples)
	s.transition(logger, StateAssembling, StatePersisting)

	writeStart := time.Now()
	if err := s.store.Write(ctx, key, series); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("write", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("write", "error").Observe(time.Since(writeStart).Seconds())
		logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	} else {
		observability.CacheOperationDurationSeconds.WithLabelValues("write", "success").Observe(time.Since(writeStart).Seconds())
	}
	s.transition(logger, StatePersisting, StateDone)

	return Result{Series: series, URL: url}, nil
}

func (s *ForecastService) transition(logger *zap.Logger, from, to State) {
	logger.Debug("pipeline transition", zap.String("from", string(from)), zap.String("to", string(to)))
	if s.onTransition != nil {
		s.onTransition(from, to)
	}
}

// categorizeCacheError returns a stable label for cache error metrics.
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	switch {
	case errors.Is(err, cache.ErrCorruptEntry):
		return "corrupt"
	case errors.Is(err, cache.ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	if strings.Contains(errStr, "permission denied") || strings.Contains(errStr, "no space") {
		return "filesystem"
	}
	return "unknown"
}
