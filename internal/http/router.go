package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	"github.com/kjstillabower/pm25-forecast-service/internal/observability"
)

// NewRouter wires the public routes. Forecast routes carry requestTimeout; all
// responses are gzip-compressed when the client accepts it.
func NewRouter(handler *Handler, logger *zap.Logger, requestTimeout time.Duration) http.Handler {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	forecastRouter := router.NewRoute().Subrouter()
	if requestTimeout > 0 {
		forecastRouter.Use(TimeoutMiddleware(requestTimeout))
	}
	forecastRouter.HandleFunc("/forecast", handler.GetForecast).Methods(http.MethodGet)
	forecastRouter.HandleFunc("/get_forecast", handler.GetForecast).Methods(http.MethodGet)

	return gzhttp.GzipHandler(router)
}
