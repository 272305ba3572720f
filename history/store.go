package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/TFMV/furyshare/common"
)

// TransferRecord is one finished transfer
type TransferRecord struct {
	ID         string `gorm:"primaryKey"`
	PeerID     string `gorm:"index"`
	Direction  string
	Path       string
	Filename   string
	MimeType   string
	SizeBytes  uint64
	Location   string
	State      string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time `gorm:"index"`
}

// Store persists transfer outcomes in sqlite
type Store struct {
	logger *zap.Logger
	db     *gorm.DB
}

// Open opens or creates the history database at path
func Open(logger *zap.Logger, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.AutoMigrate(&TransferRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}

	return &Store{logger: logger, db: db}, nil
}

// Record stores a transfer event
func (s *Store) Record(ctx context.Context, ev common.TransferEvent) (*TransferRecord, error) {
	rec := &TransferRecord{
		ID:         uuid.New().String(),
		PeerID:     string(ev.PeerID),
		Direction:  ev.Direction.String(),
		Path:       string(ev.Path),
		Filename:   ev.Metadata.Filename,
		MimeType:   ev.Metadata.MimeType,
		SizeBytes:  ev.Metadata.SizeBytes,
		Location:   ev.Location,
		State:      ev.State.String(),
		StartedAt:  ev.StartedAt,
		FinishedAt: ev.FinishedAt,
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}

	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("failed to record transfer: %w", err)
	}
	return rec, nil
}

// List returns the most recent records first. limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, limit int) ([]TransferRecord, error) {
	var records []TransferRecord
	q := s.db.WithContext(ctx).Order("finished_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return records, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Observer returns a common.Observer that records every finished transfer
func (s *Store) Observer() common.Observer {
	return recorder{store: s}
}

type recorder struct {
	common.NopObserver
	store *Store
}

func (r recorder) OnTransfer(ev common.TransferEvent) {
	if _, err := r.store.Record(context.Background(), ev); err != nil {
		r.store.logger.Warn("Failed to record transfer history", zap.Error(err))
	}
}
