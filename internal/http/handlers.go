package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/pm25-forecast-service/internal/circuitbreaker"
	"github.com/kjstillabower/pm25-forecast-service/internal/lifecycle"
	"github.com/kjstillabower/pm25-forecast-service/internal/models"
	"github.com/kjstillabower/pm25-forecast-service/internal/service"
	"github.com/kjstillabower/pm25-forecast-service/internal/traffic"
	"github.com/kjstillabower/pm25-forecast-service/internal/validation"
)

const serviceName = "pm25-forecast-service"

// ForecastProvider is the pipeline the forecast handler serves from.
type ForecastProvider interface {
	GetForecast(ctx context.Context, coord models.Coordinate) (service.Result, error)
}

// HealthConfig holds the inputs of the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	Version          string
	// CachePing, when set, is called to check cache reachability.
	CachePing func() error
	// Breaker, when set, reports degraded while the upstream breaker is open.
	Breaker *circuitbreaker.CircuitBreaker
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	forecasts        ForecastProvider
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(forecasts ForecastProvider, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		forecasts:    forecasts,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// GetForecast handles GET /forecast?lat=&lon= (and the /get_forecast alias).
// Absent coordinates fall back to validation.DefaultLat and validation.DefaultLon.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err := validation.ValidateCoordinate(q.Get("lat"), validation.DefaultLat)
	if err != nil {
		writeForecastError(w, http.StatusBadRequest, "invalid lat: "+err.Error(), "")
		return
	}
	lon, err := validation.ValidateCoordinate(q.Get("lon"), validation.DefaultLon)
	if err != nil {
		writeForecastError(w, http.StatusBadRequest, "invalid lon: "+err.Error(), "")
		return
	}

	result, err := h.forecasts.GetForecast(r.Context(), models.Coordinate{Lat: lat, Lon: lon})
	if err != nil {
		traffic.RecordError()
		url := ""
		var pe *service.PipelineError
		if errors.As(err, &pe) {
			url = pe.URL
		}
		writeForecastError(w, http.StatusInternalServerError, err.Error(), url)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, result.Series)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	version := "dev"
	if h.healthConfig != nil && h.healthConfig.Version != "" {
		version = h.healthConfig.Version
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   serviceName,
		"version":   version,
		"checks":    result.checks,
		"uptime":    lifecycle.Uptime().Truncate(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > breaker open > cache unreachable > error rate > healthy.
// Degraded still answers 200 so the cache keeps serving; only shutdown drains.
func (h *Handler) computeHealthStatus() healthResult {
	checks := map[string]string{"upstream": "healthy"}
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, "", checks}
	}

	status, reason := "healthy", ""
	if cb := h.healthConfig.Breaker; cb != nil {
		checks["circuitBreaker"] = cb.State().String()
		if cb.State() == circuitbreaker.StateOpen {
			checks["upstream"] = "unhealthy"
			status, reason = "degraded", "circuit_open"
		}
	}
	if h.healthConfig.CachePing != nil {
		if err := h.healthConfig.CachePing(); err != nil {
			checks["cache"] = "unhealthy"
			if reason == "" {
				status, reason = "degraded", "cache_unreachable"
			}
		} else {
			checks["cache"] = "healthy"
		}
	}
	if reason == "" && traffic.Degraded(h.healthConfig.DegradedWindow, h.healthConfig.DegradedErrorPct) {
		checks["upstream"] = "unhealthy"
		status, reason = "degraded", "error_rate_breach"
	}
	return healthResult{status, http.StatusOK, reason, checks}
}

// writeJSON encodes v before committing the status, so an encoding failure
// becomes a 500 instead of an empty response under the intended status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"encode response","url_called":""}` + "\n"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// writeForecastError writes the forecast failure body. urlCalled is empty when no upstream request was built.
func writeForecastError(w http.ResponseWriter, status int, message, urlCalled string) {
	writeJSON(w, status, map[string]string{
		"error":      message,
		"url_called": urlCalled,
	})
}
