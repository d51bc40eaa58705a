package metastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/evaloor/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrVersionMismatch is returned by UpdateRun when the conditional
// write matched no row because another writer changed the version
// token first. Callers should re-fetch and retry.
var ErrVersionMismatch = errors.New("version mismatch")

// Store provides partitioned persistence for evaluation entities.
// Every read and write is scoped by agent id; lookups for entities
// owned by a different agent behave exactly like lookups for entities
// that do not exist.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Evaluation runs.
	GetRun(ctx context.Context, agentID, runID string) (*EvaluationRun, error)
	CreateRun(ctx context.Context, run *EvaluationRun) error
	UpdateRun(
		ctx context.Context, run *EvaluationRun, expectedVersion string,
	) error
	ListRuns(
		ctx context.Context, agentID string, start, end *time.Time,
	) ([]EvaluationRun, error)

	// Referenced-only entities. The run lifecycle never mutates these
	// beyond registration.
	GetDataset(
		ctx context.Context, agentID, datasetID string,
	) (*DatasetRecord, error)
	UpsertDataset(ctx context.Context, record *DatasetRecord) error
	GetConfiguration(
		ctx context.Context, agentID, configID string,
	) (*ConfigurationRecord, error)
	UpsertConfiguration(
		ctx context.Context, record *ConfigurationRecord,
	) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "metastore"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	// Pin sqlite to a single connection. Each pooled connection to a
	// ":memory:" DSN is its own empty database, and file-backed sqlite
	// returns "database is locked" under concurrent writers.
	if s.cfg.Driver == "sqlite" {
		sqlDB, dbErr := db.DB()
		if dbErr != nil {
			return fmt.Errorf("getting underlying db: %w", dbErr)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&EvaluationRun{},
		&DatasetRecord{},
		&ConfigurationRecord{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Metadata store connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Evaluation runs ---

// GetRun fetches a run by agent and run id. Returns (nil, nil) when no
// such run exists under that agent.
func (s *store) GetRun(
	ctx context.Context, agentID, runID string,
) (*EvaluationRun, error) {
	var run EvaluationRun
	if err := s.db.WithContext(ctx).
		Where("agent_id = ? AND run_id = ?", agentID, runID).
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting run: %w", err)
	}

	return &run, nil
}

// CreateRun writes a new run record unconditionally. The first write
// needs no concurrency token.
func (s *store) CreateRun(ctx context.Context, run *EvaluationRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

// UpdateRun rewrites the mutable run fields conditionally on the
// expected version token. A write that matches no row means another
// writer won the race; ErrVersionMismatch is returned without any
// partial update.
func (s *store) UpdateRun(
	ctx context.Context, run *EvaluationRun, expectedVersion string,
) error {
	result := s.db.WithContext(ctx).
		Model(&EvaluationRun{}).
		Where("agent_id = ? AND run_id = ? AND version = ?",
			run.AgentID, run.RunID, expectedVersion).
		Updates(map[string]any{
			"status":      run.Status,
			"modified_at": run.ModifiedAt,
			"started_at":  run.StartedAt,
			"ended_at":    run.EndedAt,
			"version":     run.Version,
		})
	if result.Error != nil {
		return fmt.Errorf("updating run: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return ErrVersionMismatch
	}

	return nil
}

// ListRuns returns runs for an agent ordered by creation time, newest
// first, optionally bounded by a creation-time window.
func (s *store) ListRuns(
	ctx context.Context, agentID string, start, end *time.Time,
) ([]EvaluationRun, error) {
	query := s.db.WithContext(ctx).Where("agent_id = ?", agentID)

	if start != nil {
		query = query.Where("created_at >= ?", *start)
	}

	if end != nil {
		query = query.Where("created_at <= ?", *end)
	}

	var runs []EvaluationRun
	if err := query.Order("created_at DESC").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// --- Referenced-only entities ---

// GetDataset fetches a dataset record by agent and dataset id.
// Returns (nil, nil) when no such dataset exists under that agent.
func (s *store) GetDataset(
	ctx context.Context, agentID, datasetID string,
) (*DatasetRecord, error) {
	var record DatasetRecord
	if err := s.db.WithContext(ctx).
		Where("agent_id = ? AND dataset_id = ?", agentID, datasetID).
		First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting dataset: %w", err)
	}

	return &record, nil
}

// UpsertDataset inserts or updates a dataset record keyed by
// agent_id + dataset_id.
func (s *store) UpsertDataset(
	ctx context.Context, record *DatasetRecord,
) error {
	result := s.db.WithContext(ctx).
		Where("agent_id = ? AND dataset_id = ?",
			record.AgentID, record.DatasetID).
		Assign(record).
		FirstOrCreate(record)
	if result.Error != nil {
		return fmt.Errorf("upserting dataset: %w", result.Error)
	}

	return nil
}

// GetConfiguration fetches a configuration record by agent and config
// id. Returns (nil, nil) when no such configuration exists under that
// agent.
func (s *store) GetConfiguration(
	ctx context.Context, agentID, configID string,
) (*ConfigurationRecord, error) {
	var record ConfigurationRecord
	if err := s.db.WithContext(ctx).
		Where("agent_id = ? AND config_id = ?", agentID, configID).
		First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting configuration: %w", err)
	}

	return &record, nil
}

// UpsertConfiguration inserts or updates a configuration record keyed
// by agent_id + config_id.
func (s *store) UpsertConfiguration(
	ctx context.Context, record *ConfigurationRecord,
) error {
	result := s.db.WithContext(ctx).
		Where("agent_id = ? AND config_id = ?",
			record.AgentID, record.ConfigID).
		Assign(record).
		FirstOrCreate(record)
	if result.Error != nil {
		return fmt.Errorf("upserting configuration: %w", result.Error)
	}

	return nil
}
