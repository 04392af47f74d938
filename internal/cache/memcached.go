package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/pm25-forecast-service/internal/models"
)

const keyPrefix = "pm25:"

// MemcachedStore implements Store using memcached. Items are stored without expiry.
type MemcachedStore struct {
	client *memcache.Client
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedStore, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedStore{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c *MemcachedStore) key(k string) (string, error) {
	if err := ValidateKey(k); err != nil {
		return "", err
	}
	full := keyPrefix + k
	if len(full) > 250 {
		return "", fmt.Errorf("%w: longer than memcached limit", ErrInvalidKey)
	}
	return full, nil
}

// Exists implements Store.Exists.
func (c *MemcachedStore) Exists(ctx context.Context, key string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	k, err := c.key(key)
	if err != nil {
		return false, err
	}
	// Touch reports presence without transferring the value; entries never expire, so 0 keeps them as written.
	if err := c.client.Touch(k, 0); err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Read implements Store.Read.
func (c *MemcachedStore) Read(ctx context.Context, key string) (models.ForecastSeries, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	k, err := c.key(key)
	if err != nil {
		return nil, err
	}
	item, err := c.client.Get(k)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var series models.ForecastSeries
	if err := json.Unmarshal(item.Value, &series); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptEntry, key, err)
	}
	return series, nil
}

// Write implements Store.Write.
func (c *MemcachedStore) Write(ctx context.Context, key string, series models.ForecastSeries) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	k, err := c.key(key)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(series)
	if err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{
		Key:        k,
		Value:      raw,
		Expiration: 0,
	})
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedStore) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedStore) Close() error {
	return c.client.Close()
}
