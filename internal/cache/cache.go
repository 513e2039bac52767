// Package cache stores provider responses keyed by request fingerprints.
// Lookups for the same cold key share one upstream computation; entries
// expire by TTL and are evicted by the store's frequency/recency policy
// when capacity is reached.
package cache

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/maypok86/otter"
	"golang.org/x/sync/singleflight"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/wire"
)

const defaultCapacity = 1024

// Entry is one stored response. Callers always receive copies; entries are
// never mutated after insertion.
type Entry struct {
	Body      []byte
	CreatedAt time.Time
}

type Cache struct {
	store   *otter.Cache[string, Entry]
	flight  singleflight.Group
	logger  *slog.Logger
	enabled bool
	ttl     time.Duration
}

func New(cfg config.CacheConfig, logger *slog.Logger) (*Cache, error) {
	if !cfg.Enabled {
		return &Cache{enabled: false, logger: logger}, nil
	}

	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}

	store, err := otter.MustBuilder[string, Entry](capacity).
		WithTTL(cfg.TTL()).
		Build()
	if err != nil {
		return nil, &wire.CacheError{Op: "build", Err: err}
	}

	return &Cache{
		store:   &store,
		logger:  logger,
		enabled: true,
		ttl:     cfg.TTL(),
	}, nil
}

func (c *Cache) Enabled() bool {
	return c.enabled
}

// Get returns a copy of the stored body for key.
func (c *Cache) Get(key string) ([]byte, bool) {
	if !c.enabled {
		return nil, false
	}
	entry, found := c.store.Get(key)
	if !found {
		return nil, false
	}
	return slices.Clone(entry.Body), true
}

// Put stores a copy of body under key.
func (c *Cache) Put(key string, body []byte) {
	if !c.enabled {
		return
	}
	c.store.Set(key, Entry{Body: slices.Clone(body), CreatedAt: time.Now()})
}

func (c *Cache) Invalidate(key string) {
	if !c.enabled {
		return
	}
	c.store.Delete(key)
}

// InvalidatePrefix drops every entry whose key starts with prefix. An empty
// prefix clears the cache.
func (c *Cache) InvalidatePrefix(prefix string) {
	if !c.enabled {
		return
	}
	if prefix == "" {
		c.store.Clear()
		return
	}
	var keys []string
	c.store.Range(func(key string, _ Entry) bool {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return true
	})
	for _, key := range keys {
		c.store.Delete(key)
	}
}

func (c *Cache) Close() {
	if c.enabled {
		c.store.Close()
	}
}

// GetOrCompute returns the cached body for key, or runs compute once and
// stores its result. Concurrent callers with the same key during a miss
// wait on the leader's computation instead of duplicating it.
//
// The leader runs on a context detached from the triggering caller, so a
// cancelled waiter never aborts a computation other callers depend on.
// Waiters that are cancelled stop waiting and return their context error;
// the in-flight slot stays owned by the leader.
//
// The second return value reports whether the body came from the cache.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	if !c.enabled {
		body, err := compute(ctx)
		return body, false, err
	}

	if body, found := c.Get(key); found {
		return body, true, nil
	}

	leaderCtx := context.WithoutCancel(ctx)

	resultCh := c.flight.DoChan(key, func() (any, error) {
		body, err := compute(leaderCtx)
		if err != nil {
			return nil, err
		}
		c.Put(key, body)
		return body, nil
	})

	select {
	case result := <-resultCh:
		if result.Err != nil {
			return nil, false, result.Err
		}
		return slices.Clone(result.Val.([]byte)), result.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
