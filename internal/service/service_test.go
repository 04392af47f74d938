package service

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/pm25-forecast-service/internal/cache"
	"github.com/kjstillabower/pm25-forecast-service/internal/client"
	"github.com/kjstillabower/pm25-forecast-service/internal/dataset"
	"github.com/kjstillabower/pm25-forecast-service/internal/models"
	"github.com/kjstillabower/pm25-forecast-service/internal/query"
	"github.com/kjstillabower/pm25-forecast-service/internal/testhelpers"
)

var (
	fixedNow = time.Date(2026, 10, 18, 9, 41, 0, 0, time.UTC)
	helsinki = models.Coordinate{Lat: "60.17", Lon: "24.94"}
	wantKey  = "2026-10-17T00:00:00Z_60.17_24.94"
)

func clock() time.Time { return fixedNow }

// helsinkiDataset is the NCSS response for the window starting 2026-10-18T09:00Z.
func helsinkiDataset() []byte {
	return testhelpers.PointDataset(testhelpers.PointSeries{
		TimeUnits: "hours since 2026-10-18 00:00:00",
		Times:     []float64{9, 10, 11},
		Values:    []float64{1e-9, math.NaN(), 3e-9},
	})
}

type mockFetcher struct {
	body    []byte
	err     error
	calls   int32
	release chan struct{}
}

func (m *mockFetcher) Fetch(ctx context.Context, spec query.Spec) ([]byte, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.release != nil {
		<-m.release
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.body, nil
}

func (m *mockFetcher) URL(spec query.Spec) string {
	return spec.URL("http://thredds.test/runs", "silam_europe_v6_0")
}

func (m *mockFetcher) Calls() int {
	return int(atomic.LoadInt32(&m.calls))
}

// failingWriteStore wraps a Store and fails every Write.
type failingWriteStore struct {
	cache.Store
	writes int32
}

func (f *failingWriteStore) Write(ctx context.Context, key string, series models.ForecastSeries) error {
	atomic.AddInt32(&f.writes, 1)
	return errors.New("disk full")
}

// countingStore wraps a Store and counts lookups.
type countingStore struct {
	cache.Store
	exists int32
	reads  int32
}

func (c *countingStore) Exists(ctx context.Context, key string) (bool, error) {
	atomic.AddInt32(&c.exists, 1)
	return c.Store.Exists(ctx, key)
}

func (c *countingStore) Read(ctx context.Context, key string) (models.ForecastSeries, error) {
	atomic.AddInt32(&c.reads, 1)
	return c.Store.Read(ctx, key)
}

func newDiskStore(t *testing.T) *cache.DiskStore {
	t.Helper()
	s, err := cache.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore() error = %v", err)
	}
	return s
}

func assertValue(t *testing.T, p models.ForecastPoint, want float64) {
	t.Helper()
	if p.Value == nil {
		t.Errorf("%s = null, want %v", p.Time, want)
		return
	}
	if math.Abs(*p.Value-want) > 1e-9 {
		t.Errorf("%s = %v, want %v", p.Time, *p.Value, want)
	}
}

// TestGetForecast_EndToEnd serves a synthetic NetCDF subset from an httptest THREDDS
// stub and checks the response, the URL requested and the persisted entry.
func TestGetForecast_EndToEnd(t *testing.T) {
	var gotPath, gotStart string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotStart = r.URL.Query().Get("time_start")
		w.Header().Set("Content-Type", "application/x-netcdf")
		_, _ = w.Write(helsinkiDataset())
	}))
	defer server.Close()

	fetcher, err := client.NewSilamClient(server.URL+"/runs", "silam_europe_v6_0", 5*time.Second, 0)
	if err != nil {
		t.Fatalf("NewSilamClient() error = %v", err)
	}
	store := newDiskStore(t)
	svc := NewForecastService(fetcher, store, Options{Now: clock})

	res, err := svc.GetForecast(context.Background(), helsinki)
	if err != nil {
		t.Fatalf("GetForecast() error = %v", err)
	}
	if res.Cached {
		t.Error("Cached = true on first request, want false")
	}
	if gotPath != "/runs/silam_europe_v6_0_RUN_2026-10-17T00:00:00Z" {
		t.Errorf("upstream path = %q", gotPath)
	}
	if gotStart != "2026-10-18T09:00:00Z" {
		t.Errorf("time_start = %q, want 2026-10-18T09:00:00Z", gotStart)
	}

	if len(res.Series) != 3 {
		t.Fatalf("len(Series) = %d, want 3", len(res.Series))
	}
	wantTimes := []string{"2026-10-18T09:00:00Z", "2026-10-18T10:00:00Z", "2026-10-18T11:00:00Z"}
	for i, p := range res.Series {
		if p.Time != wantTimes[i] {
			t.Errorf("Series[%d].Time = %q, want %q", i, p.Time, wantTimes[i])
		}
	}
	assertValue(t, res.Series[0], 1.0)
	if res.Series[1].Value != nil {
		t.Errorf("Series[1] = %v, want null", *res.Series[1].Value)
	}
	assertValue(t, res.Series[2], 3.0)

	stored, err := store.Read(context.Background(), wantKey)
	if err != nil {
		t.Fatalf("Read(%q) error = %v", wantKey, err)
	}
	if !reflect.DeepEqual(stored, res.Series) {
		t.Errorf("stored = %+v, want %+v", stored, res.Series)
	}
}

func TestGetForecast_CacheHit(t *testing.T) {
	fetcher := &mockFetcher{body: helsinkiDataset()}
	svc := NewForecastService(fetcher, newDiskStore(t), Options{Now: clock})
	ctx := context.Background()

	first, err := svc.GetForecast(ctx, helsinki)
	if err != nil {
		t.Fatalf("first GetForecast() error = %v", err)
	}
	second, err := svc.GetForecast(ctx, helsinki)
	if err != nil {
		t.Fatalf("second GetForecast() error = %v", err)
	}
	if !second.Cached {
		t.Error("second Cached = false, want true")
	}
	if fetcher.Calls() != 1 {
		t.Errorf("fetch calls = %d, want 1", fetcher.Calls())
	}
	if !reflect.DeepEqual(first.Series, second.Series) {
		t.Errorf("cached series = %+v, want %+v", second.Series, first.Series)
	}
}

// TestGetForecast_SingleLookupPerRequest verifies that the cache check is one Read
// per request, for a miss and for a hit, with no separate existence check.
func TestGetForecast_SingleLookupPerRequest(t *testing.T) {
	store := &countingStore{Store: newDiskStore(t)}
	svc := NewForecastService(&mockFetcher{body: helsinkiDataset()}, store, Options{Now: clock})
	ctx := context.Background()

	if _, err := svc.GetForecast(ctx, helsinki); err != nil {
		t.Fatalf("first GetForecast() error = %v", err)
	}
	res, err := svc.GetForecast(ctx, helsinki)
	if err != nil {
		t.Fatalf("second GetForecast() error = %v", err)
	}
	if !res.Cached {
		t.Error("second Cached = false, want true")
	}
	if got := atomic.LoadInt32(&store.reads); got != 2 {
		t.Errorf("reads = %d, want 2", got)
	}
	if got := atomic.LoadInt32(&store.exists); got != 0 {
		t.Errorf("exists calls = %d, want 0", got)
	}
}

// TestGetForecast_NextDayMisses verifies that a new UTC day selects a new run and refetches.
func TestGetForecast_NextDayMisses(t *testing.T) {
	fetcher := &mockFetcher{body: helsinkiDataset()}
	now := fixedNow
	svc := NewForecastService(fetcher, newDiskStore(t), Options{Now: func() time.Time { return now }})

	if _, err := svc.GetForecast(context.Background(), helsinki); err != nil {
		t.Fatalf("GetForecast() error = %v", err)
	}
	now = now.Add(24 * time.Hour)
	res, err := svc.GetForecast(context.Background(), helsinki)
	if err != nil {
		t.Fatalf("GetForecast() next day error = %v", err)
	}
	if res.Cached || fetcher.Calls() != 2 {
		t.Errorf("Cached = %v, fetch calls = %d, want false, 2", res.Cached, fetcher.Calls())
	}
}

// TestGetForecast_CorruptEntryFallsBackToFetch verifies that an unparseable entry is
// logged, treated as a miss and replaced by a fresh one.
func TestGetForecast_CorruptEntryFallsBackToFetch(t *testing.T) {
	dir := t.TempDir()
	store, err := cache.NewDiskStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, wantKey+".json"), []byte("{\"2026-10-18T09:00:00Z\": 1,"), 0o644); err != nil {
		t.Fatal(err)
	}

	core, logs := observer.New(zapcore.WarnLevel)
	ctx := context.WithValue(context.Background(), "logger", zap.New(core))
	fetcher := &mockFetcher{body: helsinkiDataset()}
	svc := NewForecastService(fetcher, store, Options{Now: clock})

	res, err := svc.GetForecast(ctx, helsinki)
	if err != nil {
		t.Fatalf("GetForecast() error = %v", err)
	}
	if res.Cached {
		t.Error("Cached = true, want false for corrupt entry")
	}
	if fetcher.Calls() != 1 {
		t.Errorf("fetch calls = %d, want 1", fetcher.Calls())
	}
	if n := logs.FilterMessage("cache read failed, treating as miss").Len(); n != 1 {
		t.Errorf("warn logs = %d, want 1", n)
	}

	repaired, err := store.Read(context.Background(), wantKey)
	if err != nil {
		t.Fatalf("Read() after repair error = %v", err)
	}
	if len(repaired) != 3 {
		t.Errorf("repaired entry has %d points, want 3", len(repaired))
	}
}

func TestGetForecast_FetchFailure(t *testing.T) {
	upstreamErr := &client.FetchError{URL: "http://thredds.test/x", StatusCode: 404, Err: client.ErrUpstreamStatus}
	fetcher := &mockFetcher{err: upstreamErr}
	store := newDiskStore(t)
	svc := NewForecastService(fetcher, store, Options{Now: clock})

	_, err := svc.GetForecast(context.Background(), helsinki)
	var pe *PipelineError
	if !errors.As(err, &pe) {
		t.Fatalf("GetForecast() error = %v, want *PipelineError", err)
	}
	if pe.State != StateFetching {
		t.Errorf("State = %s, want Fetching", pe.State)
	}
	wantURL := fetcher.URL(query.For(helsinki, fixedNow))
	if pe.URL != wantURL {
		t.Errorf("URL = %q, want %q", pe.URL, wantURL)
	}
	if !errors.Is(err, client.ErrUpstreamStatus) {
		t.Errorf("error = %v, want wrapping ErrUpstreamStatus", err)
	}
	if ok, _ := store.Exists(context.Background(), wantKey); ok {
		t.Error("failed fetch left a cache entry")
	}
}

func TestGetForecast_DecodeFailure(t *testing.T) {
	wide := testhelpers.PointDataset(testhelpers.PointSeries{
		Times:  []float64{9},
		Lons:   []float64{24.9, 25.0},
		Values: []float64{1e-9, 2e-9},
	})
	fetcher := &mockFetcher{body: wide}
	store := newDiskStore(t)
	svc := NewForecastService(fetcher, store, Options{Now: clock})

	_, err := svc.GetForecast(context.Background(), helsinki)
	var pe *PipelineError
	if !errors.As(err, &pe) || pe.State != StateDecoding {
		t.Fatalf("GetForecast() error = %v, want PipelineError in Decoding", err)
	}
	var de *dataset.DecodeError
	if !errors.As(err, &de) || de.Reason != dataset.ReasonDimensionMismatch {
		t.Errorf("error = %v, want dimension_mismatch DecodeError", err)
	}
	if pe.URL == "" {
		t.Error("PipelineError.URL is empty")
	}
	if ok, _ := store.Exists(context.Background(), wantKey); ok {
		t.Error("failed decode left a cache entry")
	}
}

// TestGetForecast_WriteFailureIsSwallowed verifies that a persistence error still
// returns the assembled series.
func TestGetForecast_WriteFailureIsSwallowed(t *testing.T) {
	store := &failingWriteStore{Store: newDiskStore(t)}
	svc := NewForecastService(&mockFetcher{body: helsinkiDataset()}, store, Options{Now: clock})

	res, err := svc.GetForecast(context.Background(), helsinki)
	if err != nil {
		t.Fatalf("GetForecast() error = %v, want nil", err)
	}
	if len(res.Series) != 3 {
		t.Errorf("len(Series) = %d, want 3", len(res.Series))
	}
	if atomic.LoadInt32(&store.writes) != 1 {
		t.Errorf("writes = %d, want 1", store.writes)
	}
}

func TestGetForecast_Transitions(t *testing.T) {
	var mu sync.Mutex
	var got []string
	record := func(from, to State) {
		mu.Lock()
		got = append(got, string(from)+"->"+string(to))
		mu.Unlock()
	}
	svc := NewForecastService(&mockFetcher{body: helsinkiDataset()}, newDiskStore(t), Options{Now: clock, OnTransition: record})

	if _, err := svc.GetForecast(context.Background(), helsinki); err != nil {
		t.Fatalf("GetForecast() error = %v", err)
	}
	want := []string{
		"CheckCache->Fetching",
		"Fetching->Decoding",
		"Decoding->Assembling",
		"Assembling->Persisting",
		"Persisting->Done",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("miss transitions = %v, want %v", got, want)
	}

	got = nil
	if _, err := svc.GetForecast(context.Background(), helsinki); err != nil {
		t.Fatalf("GetForecast() error = %v", err)
	}
	if !reflect.DeepEqual(got, []string{"CheckCache->Done"}) {
		t.Errorf("hit transitions = %v, want [CheckCache->Done]", got)
	}
}

// TestGetForecast_CoalescesConcurrentMisses verifies that simultaneous misses for the
// same key share one upstream fetch when coalescing is enabled.
func TestGetForecast_CoalescesConcurrentMisses(t *testing.T) {
	fetcher := &mockFetcher{body: helsinkiDataset(), release: make(chan struct{})}
	svc := NewForecastService(fetcher, newDiskStore(t), Options{
		Now:             clock,
		CoalesceEnabled: true,
		CoalesceTimeout: 5 * time.Second,
	})

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = svc.GetForecast(context.Background(), helsinki)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d error = %v", i, err)
		}
	}
	if fetcher.Calls() != 1 {
		t.Errorf("fetch calls = %d, want 1", fetcher.Calls())
	}
}

func TestPipelineError_Error(t *testing.T) {
	err := &PipelineError{State: StateFetching, URL: "http://x", Err: errors.New("boom")}
	if got := err.Error(); got != "fetching: boom" {
		t.Errorf("Error() = %q, want %q", got, "fetching: boom")
	}
}

func TestResult_JSONMatchesStoredEntry(t *testing.T) {
	store := newDiskStore(t)
	svc := NewForecastService(&mockFetcher{body: helsinkiDataset()}, store, Options{Now: clock})

	res, err := svc.GetForecast(context.Background(), helsinki)
	if err != nil {
		t.Fatalf("GetForecast() error = %v", err)
	}
	body, err := json.Marshal(res.Series)
	if err != nil {
		t.Fatal(err)
	}
	stored, err := store.Read(context.Background(), wantKey)
	if err != nil {
		t.Fatal(err)
	}
	storedBody, _ := json.Marshal(stored)
	if string(body) != string(storedBody) {
		t.Errorf("response %s != stored %s", body, storedBody)
	}
}

func TestCategorizeCacheError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "unknown"},
		{cache.ErrCorruptEntry, "corrupt"},
		{cache.ErrInvalidKey, "invalid_key"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("dial tcp: connection refused"), "connection"},
		{errors.New("open x: permission denied"), "filesystem"},
		{errors.New("weird"), "unknown"},
	}
	for _, tt := range tests {
		if got := categorizeCacheError(tt.err); got != tt.want {
			t.Errorf("categorizeCacheError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
