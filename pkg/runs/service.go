package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/evaloor/pkg/cache"
	"github.com/ethpandaops/evaloor/pkg/metastore"
	"github.com/ethpandaops/evaloor/pkg/objstore"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Service is the evaluation run lifecycle orchestrator. It owns run
// creation and status transitions, mediates reads through the
// cache-aside layer, and coordinates artifact storage. Every operation
// is stateless given the current stored record; concurrency safety
// comes from the store's conditional write, not in-process locks.
type Service interface {
	CreateRun(
		ctx context.Context, req CreateRunRequest,
	) (*metastore.EvaluationRun, error)
	GetRun(
		ctx context.Context, tenantID, runID string,
	) (*metastore.EvaluationRun, error)
	ListRuns(
		ctx context.Context, tenantID string, start, end *time.Time,
	) ([]metastore.EvaluationRun, error)
	TransitionStatus(
		ctx context.Context, tenantID, runID, newStatus string,
	) (*metastore.EvaluationRun, error)

	SaveEnrichedDataset(
		ctx context.Context, tenantID, runID string, records []byte,
	) error
	GetEnrichedDataset(
		ctx context.Context, tenantID, runID string,
	) ([]byte, error)

	SaveResult(
		ctx context.Context, tenantID, runID, fileName string, payload []byte,
	) error
	GetResult(
		ctx context.Context, tenantID, runID, fileName string,
	) ([]byte, error)
	ListResults(
		ctx context.Context, tenantID, runID string,
	) ([]string, error)

	RegisterDataset(
		ctx context.Context, tenantID, datasetID, name string, content []byte,
	) error
	GetDataset(ctx context.Context, tenantID, datasetID string) ([]byte, error)
	RegisterConfiguration(
		ctx context.Context, tenantID, configID, name string, content []byte,
	) error
	GetConfiguration(
		ctx context.Context, tenantID, configID string,
	) ([]byte, error)

	CacheStats(ctx context.Context) (cache.Stats, error)
}

// Compile-time interface check.
var _ Service = (*service)(nil)

type service struct {
	log      logrus.FieldLogger
	cache    cache.Cache
	meta     metastore.Store
	objects  objstore.Store
	resolver *Resolver
	cacheTTL time.Duration
}

// NewService creates the run lifecycle service.
func NewService(
	log logrus.FieldLogger,
	c cache.Cache,
	meta metastore.Store,
	objects objstore.Store,
	cacheTTL time.Duration,
) Service {
	return &service{
		log:      log.WithField("component", "runs"),
		cache:    c,
		meta:     meta,
		objects:  objects,
		resolver: NewResolver(log, c, meta, cacheTTL),
		cacheTTL: cacheTTL,
	}
}

// CreateRun validates the request, resolves its dependencies, and
// writes a new Queued run. Duplicate-looking concurrent requests are
// not deduplicated: uniqueness holds only on the generated run id.
func (s *service) CreateRun(
	ctx context.Context, req CreateRunRequest,
) (*metastore.EvaluationRun, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if err := s.resolver.Resolve(
		ctx, req.TenantID, req.DatasetID, req.ConfigID,
	); err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	run := &metastore.EvaluationRun{
		AgentID:     req.TenantID,
		RunID:       uuid.NewString(),
		DatasetID:   req.DatasetID,
		ConfigID:    req.ConfigID,
		Name:        req.Name,
		EvalType:    req.EvalType,
		Environment: req.Environment,
		SchemaName:  req.SchemaName,
		Status:      string(StatusQueued),
		CreatedAt:   now,
		ModifiedAt:  now,
		Version:     uuid.NewString(),
	}

	if err := s.meta.CreateRun(ctx, run); err != nil {
		return nil, transient("run creation", err)
	}

	s.populateRun(ctx, run)

	s.log.WithField("tenant", run.AgentID).
		WithField("run", run.RunID).
		Info("Run created")

	return run, nil
}

// GetRun fetches a run through the cache-aside layer.
func (s *service) GetRun(
	ctx context.Context, tenantID, runID string,
) (*metastore.EvaluationRun, error) {
	if err := ValidateIdentifiers(
		"tenantId", tenantID, "runId", runID,
	); err != nil {
		return nil, err
	}

	return s.fetchRun(ctx, tenantID, runID)
}

// ListRuns returns the tenant's runs, optionally bounded by a
// creation-time window. Listings bypass the cache.
func (s *service) ListRuns(
	ctx context.Context, tenantID string, start, end *time.Time,
) ([]metastore.EvaluationRun, error) {
	if err := ValidateIdentifiers("tenantId", tenantID); err != nil {
		return nil, err
	}

	list, err := s.meta.ListRuns(ctx, tenantID, start, end)
	if err != nil {
		return nil, transient("run listing", err)
	}

	return list, nil
}

// TransitionStatus applies a lifecycle transition. Legality is checked
// against the current record first and rejections never mutate state.
// The write is conditional on the version token read here; a conflict
// means another writer won the race and the caller must re-fetch.
func (s *service) TransitionStatus(
	ctx context.Context, tenantID, runID, newStatus string,
) (*metastore.EvaluationRun, error) {
	if err := ValidateIdentifiers(
		"tenantId", tenantID, "runId", runID,
	); err != nil {
		return nil, err
	}

	next, err := ParseStatus(newStatus)
	if err != nil {
		return nil, err
	}

	current, err := s.fetchRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}

	from := Status(current.Status)
	if !from.CanTransitionTo(next) {
		return nil, fmt.Errorf(
			"%w: %s -> %s", ErrIllegalTransition, from, next,
		)
	}

	now := time.Now().UTC()

	updated := *current
	updated.Status = string(next)
	updated.ModifiedAt = now
	updated.Version = uuid.NewString()

	if next == StatusRunning && updated.StartedAt == nil {
		updated.StartedAt = &now
	}

	if next.IsTerminal() && updated.EndedAt == nil {
		updated.EndedAt = &now
	}

	err = s.meta.UpdateRun(ctx, &updated, current.Version)

	// Whatever the outcome, drop the cached entry rather than
	// overwriting it: a concurrent writer may be about to supersede
	// any value written here, and on failure the entry is stale.
	s.invalidateRun(ctx, tenantID, runID)

	if err != nil {
		if errors.Is(err, metastore.ErrVersionMismatch) {
			return nil, fmt.Errorf(
				"%w: run %s", ErrConcurrencyConflict, runID,
			)
		}

		return nil, transient("run update", err)
	}

	s.log.WithField("tenant", tenantID).
		WithField("run", runID).
		WithField("from", string(from)).
		WithField("to", string(next)).
		Info("Run status updated")

	return &updated, nil
}

// --- Enriched dataset ---

// SaveEnrichedDataset stores the enriched dataset document for a run.
func (s *service) SaveEnrichedDataset(
	ctx context.Context, tenantID, runID string, records []byte,
) error {
	if err := ValidateIdentifiers(
		"tenantId", tenantID, "runId", runID,
	); err != nil {
		return err
	}

	if _, err := s.fetchRun(ctx, tenantID, runID); err != nil {
		return err
	}

	key := objstore.EnrichedDatasetKey(tenantID, runID)
	if err := s.objects.Put(ctx, key, records); err != nil {
		return transient("enriched dataset write", err)
	}

	return nil
}

// GetEnrichedDataset reads the enriched dataset document for a run.
func (s *service) GetEnrichedDataset(
	ctx context.Context, tenantID, runID string,
) ([]byte, error) {
	if err := ValidateIdentifiers(
		"tenantId", tenantID, "runId", runID,
	); err != nil {
		return nil, err
	}

	data, err := s.objects.Get(ctx, objstore.EnrichedDatasetKey(tenantID, runID))
	if err != nil {
		return nil, transient("enriched dataset read", err)
	}

	if data == nil {
		return nil, fmt.Errorf(
			"%w: enriched dataset for run %s", ErrNotFound, runID,
		)
	}

	return data, nil
}

// --- Result files ---

// SaveResult stores a named result file for a run. Writing an existing
// name replaces its content. Multiple result files per run coexist.
func (s *service) SaveResult(
	ctx context.Context, tenantID, runID, fileName string, payload []byte,
) error {
	if err := ValidateIdentifiers(
		"tenantId", tenantID, "runId", runID,
	); err != nil {
		return err
	}

	if err := ValidateFileName(fileName); err != nil {
		return err
	}

	if _, err := s.fetchRun(ctx, tenantID, runID); err != nil {
		return err
	}

	key := objstore.ResultKey(tenantID, runID, fileName)
	if err := s.objects.Put(ctx, key, payload); err != nil {
		return transient("result write", err)
	}

	return nil
}

// GetResult reads a named result file for a run.
func (s *service) GetResult(
	ctx context.Context, tenantID, runID, fileName string,
) ([]byte, error) {
	if err := ValidateIdentifiers(
		"tenantId", tenantID, "runId", runID,
	); err != nil {
		return nil, err
	}

	if err := ValidateFileName(fileName); err != nil {
		return nil, err
	}

	data, err := s.objects.Get(ctx, objstore.ResultKey(tenantID, runID, fileName))
	if err != nil {
		return nil, transient("result read", err)
	}

	if data == nil {
		return nil, fmt.Errorf(
			"%w: result %s for run %s", ErrNotFound, fileName, runID,
		)
	}

	return data, nil
}

// ListResults enumerates the result file names saved for a run.
func (s *service) ListResults(
	ctx context.Context, tenantID, runID string,
) ([]string, error) {
	if err := ValidateIdentifiers(
		"tenantId", tenantID, "runId", runID,
	); err != nil {
		return nil, err
	}

	names, err := s.objects.List(ctx, objstore.ResultPrefix(tenantID, runID))
	if err != nil {
		return nil, transient("result listing", err)
	}

	return names, nil
}

// --- Referenced entities (registration owned by adjoining subsystems,
// exposed here so the platform has a complete write path) ---

// RegisterDataset stores dataset content and its metadata record.
func (s *service) RegisterDataset(
	ctx context.Context, tenantID, datasetID, name string, content []byte,
) error {
	if err := ValidateIdentifiers(
		"tenantId", tenantID, "datasetId", datasetID,
	); err != nil {
		return err
	}

	key := objstore.DatasetKey(tenantID, datasetID)
	if err := s.objects.Put(ctx, key, content); err != nil {
		return transient("dataset write", err)
	}

	record := &metastore.DatasetRecord{
		AgentID:   tenantID,
		DatasetID: datasetID,
		Name:      name,
		ObjectKey: key,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.meta.UpsertDataset(ctx, record); err != nil {
		// Do not leave a cache entry pointing at a half-registered
		// dataset.
		s.invalidate(ctx, cache.Key(entityDataset, tenantID, datasetID))

		return transient("dataset registration", err)
	}

	s.invalidate(ctx, cache.Key(entityDataset, tenantID, datasetID))

	return nil
}

// GetDataset reads registered dataset content.
func (s *service) GetDataset(
	ctx context.Context, tenantID, datasetID string,
) ([]byte, error) {
	if err := ValidateIdentifiers(
		"tenantId", tenantID, "datasetId", datasetID,
	); err != nil {
		return nil, err
	}

	data, err := s.objects.Get(ctx, objstore.DatasetKey(tenantID, datasetID))
	if err != nil {
		return nil, transient("dataset read", err)
	}

	if data == nil {
		return nil, fmt.Errorf("%w: dataset %s", ErrNotFound, datasetID)
	}

	return data, nil
}

// RegisterConfiguration stores metrics configuration content and its
// metadata record.
func (s *service) RegisterConfiguration(
	ctx context.Context, tenantID, configID, name string, content []byte,
) error {
	if err := ValidateIdentifiers(
		"tenantId", tenantID, "configId", configID,
	); err != nil {
		return err
	}

	key := objstore.ConfigurationKey(tenantID, configID)
	if err := s.objects.Put(ctx, key, content); err != nil {
		return transient("configuration write", err)
	}

	record := &metastore.ConfigurationRecord{
		AgentID:   tenantID,
		ConfigID:  configID,
		Name:      name,
		ObjectKey: key,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.meta.UpsertConfiguration(ctx, record); err != nil {
		s.invalidate(ctx, cache.Key(entityConfiguration, tenantID, configID))

		return transient("configuration registration", err)
	}

	s.invalidate(ctx, cache.Key(entityConfiguration, tenantID, configID))

	return nil
}

// GetConfiguration reads registered metrics configuration content.
func (s *service) GetConfiguration(
	ctx context.Context, tenantID, configID string,
) ([]byte, error) {
	if err := ValidateIdentifiers(
		"tenantId", tenantID, "configId", configID,
	); err != nil {
		return nil, err
	}

	data, err := s.objects.Get(ctx, objstore.ConfigurationKey(tenantID, configID))
	if err != nil {
		return nil, transient("configuration read", err)
	}

	if data == nil {
		return nil, fmt.Errorf("%w: configuration %s", ErrNotFound, configID)
	}

	return data, nil
}

// CacheStats reports cache hit/miss statistics.
func (s *service) CacheStats(ctx context.Context) (cache.Stats, error) {
	stats, err := s.cache.Stats(ctx)
	if err != nil {
		return cache.Stats{}, transient("cache statistics", err)
	}

	return stats, nil
}

// --- Cache-aside plumbing ---

// fetchRun reads a run via cache, falling back to the metadata store.
// The cached snapshot may trail the store by up to the TTL; the
// conditional write catches any transition made against a stale read.
func (s *service) fetchRun(
	ctx context.Context, tenantID, runID string,
) (*metastore.EvaluationRun, error) {
	key := cache.Key(entityRun, tenantID, runID)

	if snapshot, err := s.cache.Get(ctx, key); err == nil {
		var run metastore.EvaluationRun
		if jsonErr := json.Unmarshal(snapshot, &run); jsonErr == nil {
			return &run, nil
		}

		// An undecodable entry is dropped and re-read from the store.
		s.invalidate(ctx, key)
	} else if !cache.IsMiss(err) {
		s.log.WithError(err).WithField("key", key).
			Warn("Cache read failed, falling back to store")
	}

	run, err := s.meta.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, transient("run lookup", err)
	}

	if run == nil {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}

	s.populateRun(ctx, run)

	return run, nil
}

// populateRun caches a run snapshot best-effort.
func (s *service) populateRun(ctx context.Context, run *metastore.EvaluationRun) {
	key := cache.Key(entityRun, run.AgentID, run.RunID)

	snapshot, err := json.Marshal(run)
	if err != nil {
		s.log.WithError(err).WithField("key", key).
			Warn("Failed to marshal run for caching")

		return
	}

	if err := s.cache.Set(ctx, key, snapshot, s.cacheTTL); err != nil {
		s.log.WithError(err).WithField("key", key).
			Warn("Failed to populate cache")
	}
}

// invalidateRun drops the cached entry for a run.
func (s *service) invalidateRun(ctx context.Context, tenantID, runID string) {
	s.invalidate(ctx, cache.Key(entityRun, tenantID, runID))
}

func (s *service) invalidate(ctx context.Context, key string) {
	if err := s.cache.Remove(ctx, key); err != nil {
		s.log.WithError(err).WithField("key", key).
			Warn("Failed to invalidate cache entry")
	}
}
