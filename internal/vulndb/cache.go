package vulndb

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/metrics"
)

// Cache memoizes lookups by service and version for the life of the
// process. Concurrent misses for the same key share one upstream call.
type Cache struct {
	source  Source
	logger  *logging.Logger
	metrics *metrics.PrometheusMetrics

	mu      sync.RWMutex
	entries map[string][]Vulnerability
	group   singleflight.Group
}

// NewCache wraps source. A nil metrics collector disables lookup counting.
func NewCache(source Source, logger *logging.Logger, m *metrics.PrometheusMetrics) *Cache {
	if source == nil {
		source = NoopSource{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Cache{
		source:  source,
		logger:  logger.WithComponent("vulndb"),
		metrics: m,
		entries: make(map[string][]Vulnerability),
	}
}

// CacheKey returns the cache key for service at version, e.g. "ssh@7.4".
func CacheKey(service, version string) string {
	return strings.ToLower(strings.TrimSpace(service)) + "@" + strings.TrimSpace(version)
}

// Lookup returns the cached vulnerabilities for service and version, filling
// the cache from the source on a miss. A failing source is logged and the
// empty result is cached, so later calls skip the unreachable database.
//
// The fill runs detached from ctx so one caller giving up cannot poison the
// entry for everyone else; that caller gets an empty result and ctx.Err()
// while the fill finishes in the background.
func (c *Cache) Lookup(ctx context.Context, service, version string) ([]Vulnerability, error) {
	key := CacheKey(service, version)

	if vulns, ok := c.cached(key); ok {
		c.count("hit")
		return vulns, nil
	}

	fillCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		if cached, ok := c.cached(key); ok {
			return cached, nil
		}
		return c.fill(fillCtx, key, service, version), nil
	})

	select {
	case res := <-ch:
		return res.Val.([]Vulnerability), nil
	case <-ctx.Done():
		return []Vulnerability{}, ctx.Err()
	}
}

func (c *Cache) cached(key string) ([]Vulnerability, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vulns, ok := c.entries[key]
	return vulns, ok
}

func (c *Cache) fill(ctx context.Context, key, service, version string) []Vulnerability {
	found, err := c.source.Lookup(ctx, service, version)
	if err != nil {
		c.count("error")
		if errors.Is(err, context.Canceled) {
			c.logger.Debug("Vulnerability lookup cancelled, not caching",
				"service", service, "version", version)
			return []Vulnerability{}
		}
		c.logger.Warn("Vulnerability lookup failed, caching empty result",
			"service", service, "version", version, "error", err)
		found = nil
	} else {
		c.count("miss")
	}
	if found == nil {
		found = []Vulnerability{}
	}

	c.mu.Lock()
	c.entries[key] = found
	c.mu.Unlock()
	return found
}

// Len returns the number of cached keys.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) count(result string) {
	if c.metrics != nil {
		c.metrics.IncrementVulnLookups(result)
	}
}
