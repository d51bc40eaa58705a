package objstore

import (
	"context"
	"fmt"

	"github.com/ethpandaops/evaloor/pkg/config"
	"github.com/sirupsen/logrus"
)

// Store provides content-addressable-by-path storage for large
// artifacts (dataset contents, enriched datasets, result files).
// Keys are slash-separated paths under a per-tenant namespace.
type Store interface {
	// Preflight verifies that the backend is reachable and writable.
	// Fails fast on misconfiguration at startup.
	Preflight(ctx context.Context) error

	// Put writes content under key, replacing any existing object.
	Put(ctx context.Context, key string, content []byte) error

	// Get reads the object at key. Returns (nil, nil) when the key
	// does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns the object names (final path segments) under the
	// given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the object at key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error
}

// Artifact categories. The category segment keeps a single run or
// entity id from colliding across purposes.
const (
	CategoryDatasets         = "datasets"
	CategoryEnrichedDatasets = "enriched-datasets"
	CategoryResults          = "evaluation-results"
	CategoryConfigurations   = "metrics-configurations"
)

// Fixed file names for single-document artifacts.
const (
	DatasetFileName         = "dataset.json"
	ConfigurationFileName   = "configuration.json"
	EnrichedDatasetFileName = "enriched-dataset.json"
)

// DatasetKey returns the object key for a registered dataset.
func DatasetKey(tenantID, datasetID string) string {
	return tenantID + "/" + CategoryDatasets + "/" + datasetID + "/" + DatasetFileName
}

// ConfigurationKey returns the object key for a metrics configuration.
func ConfigurationKey(tenantID, configID string) string {
	return tenantID + "/" + CategoryConfigurations + "/" + configID + "/" + ConfigurationFileName
}

// EnrichedDatasetKey returns the object key for a run's enriched dataset.
func EnrichedDatasetKey(tenantID, runID string) string {
	return tenantID + "/" + CategoryEnrichedDatasets + "/" + runID + "/" + EnrichedDatasetFileName
}

// ResultKey returns the object key for a named result file of a run.
func ResultKey(tenantID, runID, fileName string) string {
	return ResultPrefix(tenantID, runID) + fileName
}

// ResultPrefix returns the key prefix under which all result files of
// a run live.
func ResultPrefix(tenantID, runID string) string {
	return tenantID + "/" + CategoryResults + "/" + runID + "/"
}

// New creates a Store from configuration. Exactly one backend must be
// enabled; config validation enforces this before New is called.
func New(log logrus.FieldLogger, cfg *config.StorageConfig) (Store, error) {
	if cfg.S3 != nil && cfg.S3.Enabled {
		return NewS3(log, cfg.S3), nil
	}

	if cfg.Local != nil && cfg.Local.Enabled {
		return NewLocal(log, cfg.Local), nil
	}

	return nil, fmt.Errorf("no storage backend enabled")
}
