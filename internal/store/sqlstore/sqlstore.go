// Package sqlstore implements store.Store on a relational database through
// GORM.  SQLite suits single-node deployments; MySQL-compatible servers
// suit shared ones.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/terrpan/ecsrunner/internal/apperrors"
	"github.com/terrpan/ecsrunner/internal/runner"
	"github.com/terrpan/ecsrunner/internal/store"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config holds the SQL store settings.
type Config struct {
	Driver string
	DSN    string
	Logger *slog.Logger
}

// Open connects to the configured database and migrates the runners table.
func Open(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(cfg.DSN)
	case DriverMySQL:
		dsn, err := mysqlDSN(cfg.DSN)
		if err != nil {
			return nil, err
		}
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: connect (%s): %w", cfg.Driver, err)
	}
	if err := db.AutoMigrate(&row{}); err != nil {
		return nil, fmt.Errorf("sqlstore: auto-migrate: %w", err)
	}
	return db, nil
}

// mysqlDSN forces the options PutIf relies on: RowsAffected must count
// matched rows, not changed rows.
func mysqlDSN(dsn string) (string, error) {
	c, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("sqlstore: parse mysql dsn: %w", err)
	}
	c.ClientFoundRows = true
	c.ParseTime = true
	return c.FormatDSN(), nil
}

// row is the persisted shape of a runner record.
type row struct {
	RunnerID      string   `gorm:"primaryKey;size:64"`
	State         string   `gorm:"size:32;index;not null"`
	Labels        []string `gorm:"serializer:json"`
	ImageTag      string   `gorm:"size:512"`
	RegistryTag   string   `gorm:"size:512"`
	RunnerClass   string   `gorm:"size:64"`
	TaskID        string   `gorm:"size:256"`
	BuildID       string   `gorm:"size:256"`
	CreatedAt     int64    `gorm:"autoCreateTime:false;index"`
	UpdatedAt     int64    `gorm:"autoUpdateTime:false"`
	StartedAt     *int64
	CompletedAt   *int64
	LastHeartbeat *int64
	WorkflowID    string `gorm:"column:workflow_job_id;size:256"`
	JobID         string `gorm:"size:256"`
	JobStatus     string `gorm:"size:32"`
	Repository    string `gorm:"size:256"`
	Workflow      string `gorm:"size:256"`
	FailureReason string `gorm:"type:text"`
}

func (row) TableName() string { return "runners" }

func toRow(r *runner.Runner) *row {
	return &row{
		RunnerID:      r.ID,
		State:         string(r.State),
		Labels:        r.Labels,
		ImageTag:      r.ImageTag,
		RegistryTag:   r.RegistryTag,
		RunnerClass:   r.RunnerClass,
		TaskID:        r.TaskID,
		BuildID:       r.BuildID,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		LastHeartbeat: r.LastHeartbeat,
		WorkflowID:    r.WorkflowID,
		JobID:         r.JobID,
		JobStatus:     r.JobStatus,
		Repository:    r.Repository,
		Workflow:      r.Workflow,
		FailureReason: r.FailureReason,
	}
}

func (rw *row) toRunner() (*runner.Runner, error) {
	state, err := runner.ParseState(rw.State)
	if err != nil {
		return nil, err
	}
	var labels []string
	if len(rw.Labels) > 0 {
		labels = rw.Labels
	}
	return &runner.Runner{
		ID:            rw.RunnerID,
		State:         state,
		Labels:        labels,
		ImageTag:      rw.ImageTag,
		RegistryTag:   rw.RegistryTag,
		RunnerClass:   rw.RunnerClass,
		TaskID:        rw.TaskID,
		BuildID:       rw.BuildID,
		CreatedAt:     rw.CreatedAt,
		UpdatedAt:     rw.UpdatedAt,
		StartedAt:     rw.StartedAt,
		CompletedAt:   rw.CompletedAt,
		LastHeartbeat: rw.LastHeartbeat,
		WorkflowID:    rw.WorkflowID,
		JobID:         rw.JobID,
		JobStatus:     rw.JobStatus,
		Repository:    rw.Repository,
		Workflow:      rw.Workflow,
		FailureReason: rw.FailureReason,
	}, nil
}

// Store is a GORM-backed store.Store.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Compile-time check.
var _ store.Store = (*Store)(nil)

// New wraps an open (and migrated) database handle.
func New(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.WithGroup("sqlstore")}
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, id string) (*runner.Runner, error) {
	var rw row
	err := s.db.WithContext(ctx).First(&rw, "runner_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.New("Get", id, apperrors.ErrNotFound, nil)
	}
	if err != nil {
		return nil, apperrors.New("Get", id, apperrors.ErrStore, err)
	}
	r, err := rw.toRunner()
	if err != nil {
		return nil, apperrors.New("Get", id, apperrors.ErrStore, err)
	}
	return r, nil
}

// Put implements store.Store as an upsert.
func (s *Store) Put(ctx context.Context, r *runner.Runner) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(toRow(r)).Error
	if err != nil {
		return apperrors.New("Put", r.ID, apperrors.ErrStore, err)
	}
	return nil
}

// PutIf implements store.Store with an UPDATE guarded on the persisted
// state.  Zero rows affected means the record is missing or has moved on.
func (s *Store) PutIf(ctx context.Context, r *runner.Runner, expected runner.State) error {
	result := s.db.WithContext(ctx).
		Model(&row{}).
		Where("runner_id = ? AND state = ?", r.ID, string(expected)).
		Select("*").
		Omit("runner_id").
		Updates(toRow(r))
	if result.Error != nil {
		return apperrors.New("PutIf", r.ID, apperrors.ErrStore, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.New("PutIf", r.ID, apperrors.ErrConflict, nil)
	}
	return nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&row{}, "runner_id = ?", id).Error; err != nil {
		return apperrors.New("Delete", id, apperrors.ErrStore, err)
	}
	return nil
}

// Scan implements store.Store using keyset pagination on runner_id.
func (s *Store) Scan(ctx context.Context, cursor string, limit int) (*store.Page, error) {
	if limit <= 0 {
		limit = store.DefaultPageSize
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Where("runner_id > ?", cursor).
		Order("runner_id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.New("Scan", "", apperrors.ErrStore, err)
	}

	page := &store.Page{Runners: make([]*runner.Runner, 0, len(rows))}
	for i := range rows {
		r, err := rows[i].toRunner()
		if err != nil {
			s.logger.Warn("skipping record with invalid state",
				slog.String("runner_id", rows[i].RunnerID),
				slog.String("error", err.Error()),
			)
			continue
		}
		page.Runners = append(page.Runners, r)
	}
	if len(rows) == limit {
		page.Next = rows[len(rows)-1].RunnerID
	}
	return page, nil
}
