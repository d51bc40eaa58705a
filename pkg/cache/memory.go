package cache

import (
	"context"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Cache = (*memoryCache)(nil)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// memoryCache is an in-process cache with per-entry TTL. Expired
// entries are dropped lazily on access and by a background sweep.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	hits    uint64
	misses  uint64
	done    chan struct{}
	closed  sync.Once
}

const memorySweepInterval = time.Minute

// NewMemory creates an in-process Cache.
func NewMemory() Cache {
	c := &memoryCache{
		entries: make(map[string]memoryEntry, 64),
		done:    make(chan struct{}),
	}

	go c.sweep()

	return c
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		if ok {
			delete(c.entries, key)
		}

		c.misses++

		return nil, ErrMiss
	}

	c.hits++

	// Copy so callers cannot mutate the cached snapshot.
	value := make([]byte, len(entry.value))
	copy(value, entry.value)

	return value, nil
}

func (c *memoryCache) Set(
	_ context.Context, key string, value []byte, ttl time.Duration,
) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = memoryEntry{
		value:     stored,
		expiresAt: time.Now().Add(ttl),
	}

	return nil
}

func (c *memoryCache) Remove(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)

	return nil
}

func (c *memoryCache) Stats(_ context.Context) (Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		HitRatio:  hitRatio(c.hits, c.misses),
		ItemCount: int64(len(c.entries)),
	}, nil
}

func (c *memoryCache) Close() error {
	c.closed.Do(func() { close(c.done) })

	return nil
}

// sweep periodically evicts expired entries so the map does not grow
// unbounded under write-heavy, read-light workloads.
func (c *memoryCache) sweep() {
	ticker := time.NewTicker(memorySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := time.Now()

			c.mu.Lock()

			for key, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, key)
				}
			}

			c.mu.Unlock()
		}
	}
}

func hitRatio(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}

	return float64(hits) / float64(total)
}
