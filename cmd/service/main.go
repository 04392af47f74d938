package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/pm25-forecast-service/internal/cache"
	"github.com/kjstillabower/pm25-forecast-service/internal/circuitbreaker"
	"github.com/kjstillabower/pm25-forecast-service/internal/client"
	"github.com/kjstillabower/pm25-forecast-service/internal/config"
	httphandler "github.com/kjstillabower/pm25-forecast-service/internal/http"
	"github.com/kjstillabower/pm25-forecast-service/internal/lifecycle"
	"github.com/kjstillabower/pm25-forecast-service/internal/observability"
	"github.com/kjstillabower/pm25-forecast-service/internal/service"
)

const serviceName = "pm25-forecast-service"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(observability.LoggerConfig{
		Level:    cfg.LogLevel,
		Encoding: cfg.LogFormat,
		Service:  serviceName,
		Version:  version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	silam, err := client.NewSilamClient(cfg.DatasetBaseURL, cfg.DatasetName, cfg.DatasetTimeout, cfg.MaxResponseBytes)
	if err != nil {
		logger.Fatal("silam client", zap.Error(err))
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerEnabled {
		const component = "silam"
		breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        component,
			IsFailure:        client.IsBreakerFailure,
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(component, from.String(), to.String())
				observability.SetCircuitBreakerStateGauge(component, observability.CircuitBreakerStateValue(int(to)))
				logger.Warn("circuit breaker state change", zap.String("component", component), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
		silam.SetCircuitBreaker(breaker)
		observability.SetCircuitBreakerStateGauge(breaker.Component(), 0)
		logger.Info("circuit breaker enabled",
			zap.String("component", breaker.Component()),
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	var store cache.Store
	var cachePing func() error
	var memcacheCloser *cache.MemcachedStore
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		store, cachePing = mc, mc.Ping
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		ds, err := cache.NewDiskStore(cfg.CacheDir)
		if err != nil {
			logger.Fatal("disk cache", zap.Error(err))
		}
		store, cachePing = ds, ds.Ping
		logger.Info("cache backend: disk", zap.String("dir", cfg.CacheDir))
	}

	forecastService := service.NewForecastService(silam, store, service.Options{
		Variable:        cfg.DatasetVariable,
		Backend:         cfg.CacheBackend,
		CoalesceEnabled: cfg.CoalesceEnabled,
		CoalesceTimeout: cfg.CoalesceTimeout,
	})

	handler := httphandler.NewHandler(forecastService, &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		Version:          version,
		CachePing:        cachePing,
		Breaker:          breaker,
	}, logger)

	if len(cfg.WarmingCoordinates) > 0 {
		observability.SetTrackedCoordinates(cfg.WarmingCoordinates)
	}

	var warmer *cache.Warmer
	if cfg.WarmingEnabled {
		warmer = cache.NewWarmer(forecastService, logger, cfg.WarmingConcurrency, 0)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), warmer.Timeout())
			defer cancel()
			if err := warmer.Warm(ctx, cfg.WarmingCoordinates); err != nil {
				logger.Warn("initial cache warming failed", zap.Error(err))
			}
		}()
		if err := warmer.Schedule(cfg.WarmingAt, cfg.WarmingCoordinates); err != nil {
			logger.Fatal("cache warming schedule", zap.Error(err))
		}
		logger.Info("cache warming scheduled", zap.String("at_utc", cfg.WarmingAt), zap.Int("coordinates", len(cfg.WarmingCoordinates)))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           httphandler.NewRouter(handler, logger, cfg.RequestTimeout),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("dataset", cfg.DatasetName))
		lifecycle.MarkStarted(time.Now())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	if warmer != nil {
		warmer.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	observability.RecordShutdownInFlight(inFlight)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
	if err := observability.FlushLogs(logger); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}
}
