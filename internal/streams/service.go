// Package streams keeps the last-known scoreboard snapshot per API key and its live/inactive lifecycle.
package streams

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cuerelay/internal/apperrors"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/scoreboard"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew     = "streams.service.new"
	opUpsert         = "streams.upsert"
	opMarkInactive   = "streams.mark_inactive"
	opDeactivateAll  = "streams.deactivate_all"
	opGetActive      = "streams.get_active"
	opListActive     = "streams.list_active"
	opDeleteInactive = "streams.delete_inactive"
)

var (
	// ErrStreamNotFound indicates that no active snapshot exists for the requested id.
	ErrStreamNotFound = errors.New("streams: stream not found")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceConfig describes the dependencies of the stream state table.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service reads and writes stream snapshots.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the stream state table.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperrors.Persistence(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Upsert stores state as the key's active snapshot.
func (s *Service) Upsert(ctx context.Context, apiKey string, state scoreboard.State) error {
	record := newRecord(apiKey, state)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "api_key"}},
		UpdateAll: true,
	}).Create(&record).Error
	if err != nil {
		s.logError(opUpsert, "upsert_failed", err, zap.String("api_key", apiKey))
		return apperrors.Persistence(opUpsert, "upsert_failed", err)
	}
	return nil
}

// MarkInactive flags the key's snapshot as no longer live. Missing rows are not an error.
func (s *Service) MarkInactive(ctx context.Context, apiKey string) error {
	err := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("api_key = ? AND is_active = ?", apiKey, true).
		Updates(map[string]any{"is_active": false, "last_updated": s.clock().UTC()}).Error
	if err != nil {
		s.logError(opMarkInactive, "update_failed", err, zap.String("api_key", apiKey))
		return apperrors.Persistence(opMarkInactive, "update_failed", err)
	}
	return nil
}

// DeactivateAll marks every snapshot inactive; used at startup when no socket can be live.
func (s *Service) DeactivateAll(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("is_active = ?", true).
		Updates(map[string]any{"is_active": false, "last_updated": s.clock().UTC()})
	if result.Error != nil {
		s.logError(opDeactivateAll, "update_failed", result.Error)
		return 0, apperrors.Persistence(opDeactivateAll, "update_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// GetActive returns the active snapshot for apiKey.
func (s *Service) GetActive(ctx context.Context, apiKey string) (Snapshot, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where("api_key = ? AND is_active = ?", apiKey, true).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, apperrors.NotFound(opGetActive, "missing", ErrStreamNotFound)
	}
	if err != nil {
		s.logError(opGetActive, "query_failed", err, zap.String("api_key", apiKey))
		return Snapshot{}, apperrors.Persistence(opGetActive, "query_failed", err)
	}
	return record.snapshot(), nil
}

// ListActive returns every active snapshot, most recently updated first.
func (s *Service) ListActive(ctx context.Context) ([]Snapshot, error) {
	var records []Record
	if err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("last_updated DESC").
		Find(&records).Error; err != nil {
		s.logError(opListActive, "query_failed", err)
		return nil, apperrors.Persistence(opListActive, "query_failed", err)
	}
	snapshots := make([]Snapshot, 0, len(records))
	for _, record := range records {
		snapshots = append(snapshots, record.snapshot())
	}
	return snapshots, nil
}

// DeleteInactiveBefore removes snapshots that went inactive before cutoff.
func (s *Service) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("is_active = ? AND last_updated < ?", false, cutoff.UTC()).
		Delete(&Record{})
	if result.Error != nil {
		s.logError(opDeleteInactive, "delete_failed", result.Error)
		return 0, apperrors.Persistence(opDeleteInactive, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("streams service error", attrs...)
}
