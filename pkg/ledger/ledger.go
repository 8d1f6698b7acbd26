package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/staticpublish/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrItemNotFound is returned when an attempt references an unknown item.
	ErrItemNotFound = errors.New("transfer item not found")

	// ErrNoRun is returned when no publish run has been started.
	ErrNoRun = errors.New("no publish run")
)

// upsertBatchSize bounds the number of rows per INSERT statement.
const upsertBatchSize = 500

// candidateFilter matches items that have something to upload.
const candidateFilter = "file_path IS NOT NULL AND file_path != ''"

// batchOrder puts never-attempted items first, then the least recently
// attempted, so items that keep failing cannot starve the rest.
const batchOrder = "last_attempted_at IS NOT NULL, last_attempted_at ASC, id ASC"

// Store is the persistent transfer ledger.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// SelectBatch returns up to limit items eligible for transfer in the
	// run that started at runStart. Never-attempted items come first, then
	// the least recently attempted; ties are broken by id.
	SelectBatch(ctx context.Context, runStart time.Time, limit int) ([]Item, error)
	// CountTotalCandidates counts items with a file path, ignoring time.
	CountTotalCandidates(ctx context.Context) (int64, error)
	// RecordAttempt persists the outcome of one upload attempt.
	RecordAttempt(ctx context.Context, attempt Attempt) error

	UpsertItems(ctx context.Context, specs []ItemSpec) (int64, error)
	ListFailed(ctx context.Context, limit int) ([]Item, error)
	ResetFailed(ctx context.Context) (int64, error)
	Stats(ctx context.Context, runStart time.Time) (*Stats, error)

	BeginRun(ctx context.Context, at time.Time) (*Run, error)
	CurrentRun(ctx context.Context) (*Run, error)
	CompleteRun(ctx context.Context, id string, at time.Time) error

	SaveStatusMessage(ctx context.Context, key, message string) error
	ListStatusMessages(ctx context.Context) ([]StatusMessage, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new ledger Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "ledger"),
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
		return fmt.Errorf("opening ledger database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Item{},
		&Run{},
		&StatusMessage{},
	); err != nil {
		return fmt.Errorf("running ledger migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Ledger database connected")

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

// --- Transfer items ---

func (s *store) SelectBatch(
	ctx context.Context, runStart time.Time, limit int,
) ([]Item, error) {
	if limit <= 0 {
		return []Item{}, nil
	}

	var items []Item
	if err := s.db.WithContext(ctx).
		Where(candidateFilter).
		Where("last_transferred_at IS NULL OR last_transferred_at < ?", runStart.UTC()).
		Order(batchOrder).
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("selecting transfer batch: %w", err)
	}

	return items, nil
}

func (s *store) CountTotalCandidates(ctx context.Context) (int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).
		Model(&Item{}).
		Where(candidateFilter).
		Count(&total).Error; err != nil {
		return 0, fmt.Errorf("counting transfer candidates: %w", err)
	}

	return total, nil
}

// RecordAttempt always stamps last_attempted_at. last_transferred_at is
// stamped too, except for a failure with KeepEligible set. A success clears
// any error left by an earlier attempt.
func (s *store) RecordAttempt(ctx context.Context, attempt Attempt) error {
	at := attempt.AttemptedAt.UTC()

	updates := map[string]any{
		"last_attempted_at": at,
		"attempts":          gorm.Expr("attempts + 1"),
	}

	if attempt.Err == nil {
		updates["last_transferred_at"] = at
		updates["error_message"] = nil
	} else {
		updates["error_message"] = ErrorPrefix + attempt.Err.Error()

		if !attempt.KeepEligible {
			updates["last_transferred_at"] = at
		}
	}

	result := s.db.WithContext(ctx).
		Model(&Item{}).
		Where("id = ?", attempt.ItemID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("recording attempt for item %d: %w", attempt.ItemID, result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("recording attempt for item %d: %w", attempt.ItemID, ErrItemNotFound)
	}

	return nil
}

// UpsertItems inserts new items and refreshes the file path and
// modification time of existing ones, keyed by url. Transfer state is
// preserved.
func (s *store) UpsertItems(ctx context.Context, specs []ItemSpec) (int64, error) {
	if len(specs) == 0 {
		return 0, nil
	}

	items := make([]Item, 0, len(specs))

	for _, spec := range specs {
		item := Item{
			URL:            spec.URL,
			LastModifiedAt: spec.LastModifiedAt,
		}

		if spec.FilePath != "" {
			path := spec.FilePath
			item.FilePath = &path
		}

		items = append(items, item)
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "url"}},
			DoUpdates: clause.AssignmentColumns(
				[]string{"file_path", "last_modified_at", "updated_at"},
			),
		}).
		CreateInBatches(&items, upsertBatchSize)
	if result.Error != nil {
		return 0, fmt.Errorf("upserting transfer items: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// ListFailed returns items whose last attempt left an error, most recent first.
func (s *store) ListFailed(ctx context.Context, limit int) ([]Item, error) {
	var items []Item

	q := s.db.WithContext(ctx).
		Where("error_message IS NOT NULL").
		Order("last_attempted_at DESC").
		Order("id ASC")

	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Find(&items).Error; err != nil {
		return nil, fmt.Errorf("listing failed items: %w", err)
	}

	return items, nil
}

// ResetFailed makes every failed item eligible again by clearing its
// transfer timestamp. The error message is kept until the next attempt.
// When any item was reset, a completed current run is reopened.
func (s *store) ResetFailed(ctx context.Context) (int64, error) {
	var reset int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Item{}).
			Where("error_message IS NOT NULL").
			Update("last_transferred_at", nil)
		if result.Error != nil {
			return fmt.Errorf("resetting failed items: %w", result.Error)
		}

		reset = result.RowsAffected
		if reset == 0 {
			return nil
		}

		var run Run
		if err := tx.Order("started_at DESC").First(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}

			return fmt.Errorf("getting current run: %w", err)
		}

		if run.CompletedAt == nil {
			return nil
		}

		if err := tx.Model(&Run{}).
			Where("id = ?", run.ID).
			Update("completed_at", nil).Error; err != nil {
			return fmt.Errorf("reopening run %s: %w", run.ID, err)
		}

		s.log.WithField("run_id", run.ID).Info("Reopened completed run")

		return nil
	})
	if err != nil {
		return 0, err
	}

	if reset > 0 {
		s.log.WithField("count", reset).
			Info("Reset failed items for retry")
	}

	return reset, nil
}

func (s *store) Stats(ctx context.Context, runStart time.Time) (*Stats, error) {
	var stats Stats

	cutoff := runStart.UTC()
	db := s.db.WithContext(ctx)

	if err := db.Model(&Item{}).
		Where(candidateFilter).
		Count(&stats.Total).Error; err != nil {
		return nil, fmt.Errorf("counting total items: %w", err)
	}

	if err := db.Model(&Item{}).
		Where(candidateFilter).
		Where("last_transferred_at IS NULL OR last_transferred_at < ?", cutoff).
		Count(&stats.Pending).Error; err != nil {
		return nil, fmt.Errorf("counting pending items: %w", err)
	}

	if err := db.Model(&Item{}).
		Where(candidateFilter).
		Where("last_transferred_at >= ? AND error_message IS NULL", cutoff).
		Count(&stats.Transferred).Error; err != nil {
		return nil, fmt.Errorf("counting transferred items: %w", err)
	}

	if err := db.Model(&Item{}).
		Where(candidateFilter).
		Where("error_message IS NOT NULL").
		Count(&stats.Failed).Error; err != nil {
		return nil, fmt.Errorf("counting failed items: %w", err)
	}

	return &stats, nil
}

// --- Publish runs ---

func (s *store) BeginRun(ctx context.Context, at time.Time) (*Run, error) {
	run := &Run{
		ID:        uuid.NewString(),
		StartedAt: at.UTC(),
	}

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("creating publish run: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"run_id":     run.ID,
		"started_at": run.StartedAt.Format(time.RFC3339),
	}).Info("Publish run started")

	return run, nil
}

// CurrentRun returns the most recently started run.
func (s *store) CurrentRun(ctx context.Context) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Order("started_at DESC").
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoRun
		}

		return nil, fmt.Errorf("getting current run: %w", err)
	}

	return &run, nil
}

func (s *store) CompleteRun(ctx context.Context, id string, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ?", id).
		Update("completed_at", at.UTC())
	if result.Error != nil {
		return fmt.Errorf("completing run %s: %w", id, result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("completing run %s: %w", id, ErrNoRun)
	}

	return nil
}

// --- Status messages ---

func (s *store) SaveStatusMessage(ctx context.Context, key, message string) error {
	msg := &StatusMessage{
		Key:       key,
		Message:   message,
		UpdatedAt: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"message", "updated_at"}),
		}).
		Create(msg).Error; err != nil {
		return fmt.Errorf("saving status message %q: %w", key, err)
	}

	return nil
}

func (s *store) ListStatusMessages(ctx context.Context) ([]StatusMessage, error) {
	var msgs []StatusMessage
	if err := s.db.WithContext(ctx).
		Order("key ASC").
		Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("listing status messages: %w", err)
	}

	return msgs, nil
}
