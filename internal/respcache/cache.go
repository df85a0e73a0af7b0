// Package respcache serves cacheable backend GETs from the key-value store.
package respcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/keypick-gateway/internal/gateway"
	"github.com/JakeFAU/keypick-gateway/internal/httpx"
	"github.com/JakeFAU/keypick-gateway/internal/metrics"
)

// KeyPrefix namespaces cached responses.
const KeyPrefix = "cache:"

const writeTimeout = 5 * time.Second

// Cache is a read-through response cache. Entries are never purged; they
// expire by TTL.
type Cache struct {
	kv      gateway.KVStore
	fetcher gateway.Fetcher
	ttl     time.Duration
	logger  *zap.Logger
	writes  sync.WaitGroup
}

// New builds a Cache storing successful bodies for ttl.
func New(kv gateway.KVStore, fetcher gateway.Fetcher, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{kv: kv, fetcher: fetcher, ttl: ttl, logger: logger}
}

// Handler serves name from the cache, falling back to a backend GET of path.
func (c *Cache) Handler(name, path string) http.HandlerFunc {
	key := KeyPrefix + name
	cacheControl := fmt.Sprintf("public, max-age=%d", int(c.ttl/time.Second))
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if body, err := c.kv.Get(ctx, key); err == nil {
			metrics.ObserveCacheLookup(name, true)
			w.Header().Set("X-Cache", "HIT")
			w.Header().Set("Cache-Control", cacheControl)
			httpx.WriteRaw(w, http.StatusOK, body)
			return
		} else if !errors.Is(err, gateway.ErrNotFound) {
			c.logger.Warn("cache read failed, treating as miss", zap.String("key", key), zap.Error(err))
		}
		metrics.ObserveCacheLookup(name, false)

		status, body, err := c.fetcher.Fetch(ctx, path)
		if err != nil {
			httpx.WriteError(w, c.logger, gateway.ErrUpstream(http.StatusBadGateway, "backend unavailable", err))
			return
		}
		w.Header().Set("X-Cache", "MISS")
		if status >= 200 && status <= 299 {
			w.Header().Set("Cache-Control", cacheControl)
			c.store(ctx, key, body)
		}
		httpx.WriteRaw(w, status, body)
	}
}

// store writes body in the background, detached from the request lifetime.
func (c *Cache) store(reqCtx context.Context, key string, body []byte) {
	ctx := context.WithoutCancel(reqCtx)
	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		ctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		if err := c.kv.Set(ctx, key, body, c.ttl); err != nil {
			c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

// Flush waits for background cache writes to finish.
func (c *Cache) Flush() {
	c.writes.Wait()
}
