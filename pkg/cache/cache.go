package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/evaloor/pkg/config"
	"github.com/sirupsen/logrus"
)

// ErrMiss is returned by Get when the key is not present.
var ErrMiss = errors.New("cache miss")

// IsMiss reports whether err represents a cache miss.
func IsMiss(err error) bool {
	return errors.Is(err, ErrMiss)
}

// Stats describes cache effectiveness since process start.
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	HitRatio  float64 `json:"hit_ratio"`
	ItemCount int64   `json:"item_count"`
}

// Cache provides advisory key-value caching of entity snapshots.
// Implementations are never the source of truth: callers must behave
// correctly when every Get returns ErrMiss.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Key builds a cache key namespaced by entity type and tenant so that
// identical entity ids under different tenants never collide.
func Key(entityType, tenantID, entityID string) string {
	return entityType + ":" + tenantID + ":" + entityID
}

// New creates a Cache from configuration. The backend string selects
// the implementation. The cache is advisory, so an unreachable Redis
// degrades to the no-op backend with a warning instead of failing
// startup; requests run uncached until a restart.
func New(log logrus.FieldLogger, cfg *config.CacheConfig) (Cache, error) {
	switch cfg.Backend {
	case "none":
		return NewNoop(), nil
	case "memory":
		return NewMemory(), nil
	case "redis":
		c, err := NewRedis(log, &cfg.Redis)
		if err != nil {
			log.WithError(err).
				WithField("component", "cache").
				Warn("Redis unreachable, running without a cache")

			return NewNoop(), nil
		}

		return c, nil
	default:
		return nil, fmt.Errorf("unsupported cache backend: %q", cfg.Backend)
	}
}
