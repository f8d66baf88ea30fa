package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/voxlabs/voxstack/internal/bootstrap"
	"github.com/voxlabs/voxstack/internal/config"
	"github.com/voxlabs/voxstack/internal/logger"
)

// Run is one persisted bootstrap run. The per-service and per-step records
// go in as JSON documents; the model and degraded lists are flat arrays so
// operators can query them directly.
type Run struct {
	ID         uuid.UUID      `gorm:"type:uuid;primary_key" json:"id"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Overall    string         `gorm:"index" json:"overall"`
	Services   datatypes.JSON `json:"services"`
	Steps      datatypes.JSON `json:"steps"`
	Models     pq.StringArray `gorm:"type:text[]" json:"models"`
	Degraded   pq.StringArray `gorm:"type:text[]" json:"degraded"`
}

func (r *Run) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

func (Run) TableName() string {
	return "bootstrap_runs"
}

func (r Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Store keeps bootstrap run history in postgres.
type Store struct {
	db *gorm.DB
}

// New connects, configures the pool and migrates the run table.
func New(cfg config.DatabaseConfig, log *zap.Logger) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	gormLog := gormlogger.New(logger.NewGormLogger(log), gormlogger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		ParameterizedQueries:      true,
	})

	db, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{
		Logger:      gormLog,
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	if cfg.MaxConnections > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return NewWithDB(db)
}

// NewWithDB wraps an open connection; tests hand in their own.
func NewWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Run{}); err != nil {
		return nil, fmt.Errorf("failed to migrate run history: %w", err)
	}
	return &Store{db: db}, nil
}

// Record persists a finished bootstrap run.
func (s *Store) Record(ctx context.Context, result *bootstrap.Result) error {
	services, err := json.Marshal(result.Services)
	if err != nil {
		return fmt.Errorf("encoding service outcomes: %w", err)
	}
	steps, err := json.Marshal(result.Steps)
	if err != nil {
		return fmt.Errorf("encoding step records: %w", err)
	}

	run := Run{
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
		Overall:    string(result.Overall),
		Services:   services,
		Steps:      steps,
		Models:     result.FetchedModels(),
		Degraded:   result.DegradedServices(),
	}
	if id, err := uuid.Parse(result.RunID); err == nil {
		run.ID = id
	}

	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return fmt.Errorf("persisting run %s: %w", result.RunID, err)
	}
	return nil
}

// Recent returns the newest runs, most recent first.
func (s *Store) Recent(ctx context.Context, n int) ([]Run, error) {
	if n <= 0 {
		n = 10
	}
	var runs []Run
	err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(n).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("querying run history: %w", err)
	}
	return runs, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
