package metastore

import "time"

// EvaluationRun is one evaluation execution attempt tracked through the
// lifecycle state machine. Rows are partitioned by agent id: every
// query is scoped to a single agent, and the run id is only unique
// within that partition from the caller's point of view.
type EvaluationRun struct {
	ID      uint   `gorm:"primaryKey"`
	AgentID string `gorm:"not null;uniqueIndex:idx_runs_agent_run"`
	RunID   string `gorm:"not null;uniqueIndex:idx_runs_agent_run"`

	// Dependency references, resolved at creation time. The store does
	// not enforce them as foreign keys.
	DatasetID string `gorm:"not null"`
	ConfigID  string `gorm:"not null"`

	// Business metadata, not used for control flow.
	Name        string
	EvalType    string
	Environment string
	SchemaName  string

	// Lifecycle.
	Status     string `gorm:"not null;index"`
	CreatedAt  time.Time
	ModifiedAt time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time

	// Version is the opaque concurrency token, regenerated on every
	// successful write. Updates are conditional on it.
	Version string `gorm:"not null"`
}

// DatasetRecord is the metadata row for a registered dataset. The
// authoritative dataset content lives in the object store under
// ObjectKey; this row exists so dependency resolution can confirm
// existence and ownership without touching the object store.
type DatasetRecord struct {
	ID        uint   `gorm:"primaryKey"`
	AgentID   string `gorm:"not null;uniqueIndex:idx_datasets_agent_ds"`
	DatasetID string `gorm:"not null;uniqueIndex:idx_datasets_agent_ds"`
	Name      string
	ObjectKey string
	CreatedAt time.Time
}

// ConfigurationRecord is the metadata row for a registered metrics
// configuration, mirroring DatasetRecord.
type ConfigurationRecord struct {
	ID        uint   `gorm:"primaryKey"`
	AgentID   string `gorm:"not null;uniqueIndex:idx_configs_agent_cfg"`
	ConfigID  string `gorm:"not null;uniqueIndex:idx_configs_agent_cfg"`
	Name      string
	ObjectKey string
	CreatedAt time.Time
}
