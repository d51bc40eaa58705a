package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethpandaops/evaloor/pkg/cache"
	"github.com/ethpandaops/evaloor/pkg/metastore"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Cache key entity types.
const (
	entityRun           = "run"
	entityDataset       = "dataset"
	entityConfiguration = "configuration"
)

// Resolver validates that the dataset and configuration a run declares
// exist under the caller's tenant before the run is admitted. Lookups
// go through the cache-aside layer; the cache is advisory and the
// resolver is correct when every lookup misses.
type Resolver struct {
	log   logrus.FieldLogger
	cache cache.Cache
	meta  metastore.Store
	ttl   time.Duration
}

// NewResolver creates a dependency resolver.
func NewResolver(
	log logrus.FieldLogger,
	c cache.Cache,
	meta metastore.Store,
	ttl time.Duration,
) *Resolver {
	return &Resolver{
		log:   log.WithField("component", "resolver"),
		cache: c,
		meta:  meta,
		ttl:   ttl,
	}
}

// Resolve confirms both references exist under tenantID. Malformed
// identifiers short-circuit without a store round-trip. A reference
// owned by a different tenant fails identically to one that does not
// exist. The two lookups run concurrently.
func (r *Resolver) Resolve(
	ctx context.Context, tenantID, datasetID, configID string,
) error {
	if err := ValidateIdentifiers(
		"tenantId", tenantID,
		"datasetId", datasetID,
		"configId", configID,
	); err != nil {
		return err
	}

	var datasetExists, configExists bool

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		exists, err := r.datasetExists(gctx, tenantID, datasetID)
		if err != nil {
			return err
		}

		datasetExists = exists

		return nil
	})

	g.Go(func() error {
		exists, err := r.configurationExists(gctx, tenantID, configID)
		if err != nil {
			return err
		}

		configExists = exists

		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if !datasetExists {
		return fmt.Errorf("%w: dataset %q", ErrDependencyNotFound, datasetID)
	}

	if !configExists {
		return fmt.Errorf("%w: configuration %q", ErrDependencyNotFound, configID)
	}

	return nil
}

func (r *Resolver) datasetExists(
	ctx context.Context, tenantID, datasetID string,
) (bool, error) {
	key := cache.Key(entityDataset, tenantID, datasetID)

	if _, err := r.cache.Get(ctx, key); err == nil {
		return true, nil
	} else if !cache.IsMiss(err) {
		// A broken cache backend degrades to a store read.
		r.log.WithError(err).WithField("key", key).
			Warn("Cache read failed, falling back to store")
	}

	record, err := r.meta.GetDataset(ctx, tenantID, datasetID)
	if err != nil {
		return false, transient("dataset lookup", err)
	}

	if record == nil {
		return false, nil
	}

	r.populate(ctx, key, record)

	return true, nil
}

func (r *Resolver) configurationExists(
	ctx context.Context, tenantID, configID string,
) (bool, error) {
	key := cache.Key(entityConfiguration, tenantID, configID)

	if _, err := r.cache.Get(ctx, key); err == nil {
		return true, nil
	} else if !cache.IsMiss(err) {
		r.log.WithError(err).WithField("key", key).
			Warn("Cache read failed, falling back to store")
	}

	record, err := r.meta.GetConfiguration(ctx, tenantID, configID)
	if err != nil {
		return false, transient("configuration lookup", err)
	}

	if record == nil {
		return false, nil
	}

	r.populate(ctx, key, record)

	return true, nil
}

// populate caches a record snapshot best-effort. Cache failures are
// logged, never surfaced: the store read already succeeded.
func (r *Resolver) populate(ctx context.Context, key string, record any) {
	snapshot, err := json.Marshal(record)
	if err != nil {
		r.log.WithError(err).WithField("key", key).
			Warn("Failed to marshal record for caching")

		return
	}

	if err := r.cache.Set(ctx, key, snapshot, r.ttl); err != nil {
		r.log.WithError(err).WithField("key", key).
			Warn("Failed to populate cache")
	}
}
