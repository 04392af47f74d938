package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kjstillabower/pm25-forecast-service/internal/models"
)

var (
	// ErrNotFound is returned by Read when no entry exists for the key.
	ErrNotFound = errors.New("cache entry not found")
	// ErrCorruptEntry is returned by Read when an entry exists but cannot be decoded.
	ErrCorruptEntry = errors.New("cache entry corrupt")
	// ErrInvalidKey is returned for keys that are not safe as a file name or memcached key.
	ErrInvalidKey = errors.New("invalid cache key")
)

// Store persists forecast series by key. Entries are never updated in place and never expire;
// a new model run produces a new key.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Read(ctx context.Context, key string) (models.ForecastSeries, error)
	Write(ctx context.Context, key string, series models.ForecastSeries) error
}

// ValidateKey rejects keys containing path separators, NUL or whitespace, and the
// dot names that would resolve outside the cache directory.
func ValidateKey(key string) error {
	if key == "" || key == "." || key == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if strings.ContainsAny(key, "/\\\x00 \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// DiskStore keeps one JSON file per key under a directory.
type DiskStore struct {
	dir string
}

// NewDiskStore creates dir if needed and returns a store rooted there.
func NewDiskStore(dir string) (*DiskStore, error) {
	if dir == "" {
		return nil, errors.New("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

func (s *DiskStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Exists reports whether an entry file is present for key.
func (s *DiskStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Read loads the entry for key. Unparseable content yields ErrCorruptEntry.
func (s *DiskStore) Read(ctx context.Context, key string) (models.ForecastSeries, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read cache entry %s: %w", key, err)
	}
	var series models.ForecastSeries
	if err := json.Unmarshal(raw, &series); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptEntry, key, err)
	}
	return series, nil
}

// Write stores series under key. The entry is written to a temporary file in the
// same directory and renamed into place, so readers never see a partial file.
func (s *DiskStore) Write(ctx context.Context, key string, series models.ForecastSeries) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	raw, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+key+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op once the rename succeeded.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write cache entry %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync cache entry %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cache entry %s: %w", key, err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		return fmt.Errorf("publish cache entry %s: %w", key, err)
	}
	return nil
}

// Ping checks that the cache directory is still accessible. Used for health checks.
func (s *DiskStore) Ping() error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("cache path %s is not a directory", s.dir)
	}
	return nil
}
