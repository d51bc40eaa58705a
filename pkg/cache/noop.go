package cache

import (
	"context"
	"sync/atomic"
	"time"
)

// Compile-time interface check.
var _ Cache = (*noopCache)(nil)

// noopCache discards all writes and misses on every read. It exists so
// that running without a cache backend is a legal configuration that
// only affects latency, never correctness.
type noopCache struct {
	misses atomic.Uint64
}

// NewNoop creates a Cache that never stores anything.
func NewNoop() Cache {
	return &noopCache{}
}

func (c *noopCache) Get(_ context.Context, _ string) ([]byte, error) {
	c.misses.Add(1)

	return nil, ErrMiss
}

func (c *noopCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return nil
}

func (c *noopCache) Remove(_ context.Context, _ string) error {
	return nil
}

func (c *noopCache) Stats(_ context.Context) (Stats, error) {
	return Stats{
		Misses:    c.misses.Load(),
		HitRatio:  0,
		ItemCount: 0,
	}, nil
}

func (c *noopCache) Close() error {
	return nil
}
