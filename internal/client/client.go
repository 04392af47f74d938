package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/kjstillabower/pm25-forecast-service/internal/circuitbreaker"
	"github.com/kjstillabower/pm25-forecast-service/internal/observability"
	"github.com/kjstillabower/pm25-forecast-service/internal/query"
)

// Fetcher retrieves the raw NetCDF bytes for a query from the remote dataset.
type Fetcher interface {
	Fetch(ctx context.Context, spec query.Spec) ([]byte, error)
	URL(spec query.Spec) string
}

var (
	ErrUpstreamStatus   = errors.New("upstream returned non-success status")
	ErrUpstreamTimeout  = errors.New("upstream request timed out")
	ErrResponseTooLarge = errors.New("upstream response exceeds size limit")
	ErrCircuitOpen      = errors.New("upstream circuit open")
)

// FetchError is returned for every failed fetch. URL is the request that was attempted.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// DefaultMaxResponseBytes bounds a single-point subset, which is normally a few kilobytes.
const DefaultMaxResponseBytes = 64 << 20

const userAgent = "pm25-forecast-service/1.0"

// SilamClient fetches NCSS subsets of a SILAM run from a THREDDS server.
// It makes exactly one GET per Fetch.
type SilamClient struct {
	baseURL  string
	dataset  string
	timeout  time.Duration
	maxBytes int64
	client   *http.Client
	breaker  *circuitbreaker.CircuitBreaker
}

// NewSilamClient creates a client for dataset under baseURL, e.g.
// https://thredds.silam.fmi.fi/thredds/ncss/grid/silam_europe_v6_0/runs and silam_europe_v6_0.
// maxBytes <= 0 uses DefaultMaxResponseBytes.
func NewSilamClient(baseURL, dataset string, timeout time.Duration, maxBytes int64) (*SilamClient, error) {
	if baseURL == "" {
		return nil, errors.New("dataset base URL is required")
	}
	if dataset == "" {
		return nil, errors.New("dataset name is required")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}
	return &SilamClient{
		baseURL:  baseURL,
		dataset:  dataset,
		timeout:  timeout,
		maxBytes: maxBytes,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// SetCircuitBreaker installs an optional breaker around upstream calls.
func (c *SilamClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// URL returns the request URL for spec.
func (c *SilamClient) URL(spec query.Spec) string {
	return spec.URL(c.baseURL, c.dataset)
}

// Fetch performs a single GET for spec and returns the response body.
// Any failure is a *FetchError carrying the URL.
func (c *SilamClient) Fetch(ctx context.Context, spec query.Spec) ([]byte, error) {
	target := c.URL(spec)
	if c.breaker == nil {
		return c.fetch(ctx, target)
	}

	var body []byte
	err := c.breaker.Call(ctx, func() error {
		var ferr error
		body, ferr = c.fetch(ctx, target)
		return ferr
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		observability.UpstreamErrorsTotal.WithLabelValues(string(ErrorCategoryCircuitOpen)).Inc()
		return nil, &FetchError{URL: target, Err: ErrCircuitOpen}
	}
	if err != nil {
		var fe *FetchError
		if !errors.As(err, &fe) {
			err = &FetchError{URL: target, Err: err}
		}
		return nil, err
	}
	return body, nil
}

func (c *SilamClient) fetch(ctx context.Context, target string) ([]byte, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("error").Inc()
		return nil, &FetchError{URL: target, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/x-netcdf, application/octet-stream")
	req.Header.Set("User-Agent", userAgent)
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.observe("error", start)
		return nil, c.transportError(target, err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	c.observe(status, start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a little so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		fe := &FetchError{URL: target, StatusCode: resp.StatusCode, Err: ErrUpstreamStatus}
		observability.UpstreamErrorsTotal.WithLabelValues(string(CategorizeError(fe))).Inc()
		return nil, fe
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, c.transportError(target, fmt.Errorf("read response body: %w", err))
	}
	if int64(len(body)) > c.maxBytes {
		observability.UpstreamErrorsTotal.WithLabelValues(string(ErrorCategoryTooLarge)).Inc()
		return nil, &FetchError{URL: target, StatusCode: resp.StatusCode, Err: ErrResponseTooLarge}
	}
	observability.UpstreamResponseBytes.Observe(float64(len(body)))
	return body, nil
}

func (c *SilamClient) observe(status string, start time.Time) {
	observability.UpstreamCallsTotal.WithLabelValues(status).Inc()
	observability.UpstreamDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

// transportError wraps a transport failure, classifying deadline expiry as ErrUpstreamTimeout.
func (c *SilamClient) transportError(target string, err error) *FetchError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		err = fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	fe := &FetchError{URL: target, Err: err}
	observability.UpstreamErrorsTotal.WithLabelValues(string(CategorizeError(fe))).Inc()
	return fe
}

// IsBreakerFailure reports whether err should count against the upstream circuit:
// transport failures and 5xx responses. 4xx responses (bad coordinates, missing run)
// say nothing about upstream health.
func IsBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) && fe.StatusCode != 0 {
		return fe.StatusCode >= 500
	}
	return !errors.Is(err, ErrResponseTooLarge)
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 404 {
		return "not_found"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
