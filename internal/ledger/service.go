// Package ledger records broadcaster connection lifetimes, feature usage and game-type histograms.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cuerelay/internal/apperrors"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/credentials"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/streams"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew = "ledger.service.new"
	opOpen       = "ledger.open"
	opUpdate     = "ledger.update"
	opFinalize   = "ledger.finalize"
	opClear      = "ledger.clear"
	opPurge      = "ledger.purge"
	opHistory    = "ledger.history"
	opOpenCount  = "ledger.open_count"
)

var (
	// ErrConnectionNotFound indicates that the connection row no longer exists.
	ErrConnectionNotFound = errors.New("ledger: connection not found")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceConfig describes the dependencies of the session ledger.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service persists connection history.
type Service struct {
	db         *gorm.DB
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService constructs the session ledger.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperrors.Persistence(opServiceNew, "missing_database", errMissingDatabase)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewConnectionIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, idProvider: idProvider, clock: clock, logger: logger}, nil
}

// OpenOrReuse returns the key's open connection, creating one when none exists.
// Calling it repeatedly for the same key without Finalize yields the same row with a refreshed
// last_update_at; reused reports which case applied. The key's credential row is created on demand.
func (s *Service) OpenOrReuse(ctx context.Context, apiKey string) (Connection, bool, error) {
	now := s.clock().UTC()
	var (
		connection Connection
		reused     bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := credentials.EnsureTx(tx, apiKey, now); err != nil {
			return err
		}
		err := tx.Where("api_key = ? AND disconnected_at IS NULL", apiKey).Take(&connection).Error
		if err == nil {
			reused = true
			connection.LastUpdateAt = now
			return tx.Model(&Connection{}).
				Where("connection_id = ?", connection.ConnectionID).
				Update("last_update_at", now).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		id, err := s.idProvider.NewID(apiKey, now)
		if err != nil {
			return err
		}
		connection = Connection{
			ConnectionID: id,
			APIKey:       apiKey,
			ConnectedAt:  now,
			LastUpdateAt: now,
		}
		return tx.Create(&connection).Error
	})
	if err != nil {
		s.logError(opOpen, "transaction_failed", err, zap.String("api_key", apiKey))
		return Connection{}, false, apperrors.Persistence(opOpen, "transaction_failed", err)
	}
	return connection, reused, nil
}

// RecordUpdate applies one accepted update to the connection and, when gameTypeChanged is set,
// increments the connection's counter for the new game type.
func (s *Service) RecordUpdate(ctx context.Context, connectionID string, update Update, gameTypeChanged bool) error {
	snapshot, err := json.Marshal(update.Features)
	if err != nil {
		return apperrors.New(apperrors.KindValidation, opUpdate, "encode_features", err)
	}
	at := update.At
	if at.IsZero() {
		at = s.clock()
	}
	assignments := map[string]any{
		"game_type":        update.GameType,
		"stream_url":       update.StreamURL,
		"total_updates":    gorm.Expr("total_updates + 1"),
		"feature_snapshot": datatypes.JSON(snapshot),
		"last_update_at":   at.UTC(),
	}
	if update.Features.ScoreDisplay {
		assignments["used_score_display"] = true
	}
	if update.Features.BallTracker {
		assignments["used_ball_tracker"] = true
	}
	if update.Features.ShotClock {
		assignments["used_shot_clock"] = true
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Connection{}).Where("connection_id = ?", connectionID).Updates(assignments)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConnectionNotFound
		}
		if !gameTypeChanged || update.GameType == "" {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "connection_id"}, {Name: "game_type"}},
			DoUpdates: clause.Assignments(map[string]any{
				"change_count": gorm.Expr("change_count + 1"),
			}),
		}).Create(&GameTypeUsage{ConnectionID: connectionID, GameType: update.GameType, ChangeCount: 1}).Error
	})
	if errors.Is(err, ErrConnectionNotFound) {
		return apperrors.NotFound(opUpdate, "missing_connection", err)
	}
	if err != nil {
		s.logError(opUpdate, "transaction_failed", err, zap.String("connection_id", connectionID))
		return apperrors.Persistence(opUpdate, "transaction_failed", err)
	}
	return nil
}

// Finalize closes the connection and stores its duration. Finalizing twice is a no-op.
func (s *Service) Finalize(ctx context.Context, connectionID string) error {
	now := s.clock().UTC()
	var connection Connection
	err := s.db.WithContext(ctx).Where("connection_id = ?", connectionID).Take(&connection).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		s.logError(opFinalize, "query_failed", err, zap.String("connection_id", connectionID))
		return apperrors.Persistence(opFinalize, "query_failed", err)
	}
	if !connection.IsOpen() {
		return nil
	}
	duration := int64(now.Sub(connection.ConnectedAt) / time.Second)
	if duration < 0 {
		duration = 0
	}
	err = s.db.WithContext(ctx).
		Model(&Connection{}).
		Where("connection_id = ? AND disconnected_at IS NULL", connectionID).
		Updates(map[string]any{"disconnected_at": now, "duration_seconds": duration}).Error
	if err != nil {
		s.logError(opFinalize, "update_failed", err, zap.String("connection_id", connectionID))
		return apperrors.Persistence(opFinalize, "update_failed", err)
	}
	return nil
}

// Clear deletes every connection and game-type counter of the key in one transaction.
func (s *Service) Clear(ctx context.Context, apiKey string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteHistoryTx(tx, apiKey)
	})
	if err != nil {
		s.logError(opClear, "transaction_failed", err, zap.String("api_key", apiKey))
		return apperrors.Persistence(opClear, "transaction_failed", err)
	}
	return nil
}

// Purge deletes the key's history, stream snapshot and credential row in one transaction.
func (s *Service) Purge(ctx context.Context, apiKey string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteHistoryTx(tx, apiKey); err != nil {
			return err
		}
		if err := tx.Where("api_key = ?", apiKey).Delete(&streams.Record{}).Error; err != nil {
			return err
		}
		return tx.Where("api_key = ?", apiKey).Delete(&credentials.APIKey{}).Error
	})
	if err != nil {
		s.logError(opPurge, "transaction_failed", err, zap.String("api_key", apiKey))
		return apperrors.Persistence(opPurge, "transaction_failed", err)
	}
	return nil
}

func deleteHistoryTx(tx *gorm.DB, apiKey string) error {
	connectionIDs := tx.Model(&Connection{}).Select("connection_id").Where("api_key = ?", apiKey)
	if err := tx.Where("connection_id IN (?)", connectionIDs).Delete(&GameTypeUsage{}).Error; err != nil {
		return err
	}
	return tx.Where("api_key = ?", apiKey).Delete(&Connection{}).Error
}

// History loads every connection and game-type counter.
func (s *Service) History(ctx context.Context) (History, error) {
	var history History
	db := s.db.WithContext(ctx)
	if err := db.Order("connected_at ASC").Find(&history.Connections).Error; err != nil {
		s.logError(opHistory, "connections_query_failed", err)
		return History{}, apperrors.Persistence(opHistory, "connections_query_failed", err)
	}
	if err := db.Find(&history.Usage).Error; err != nil {
		s.logError(opHistory, "usage_query_failed", err)
		return History{}, apperrors.Persistence(opHistory, "usage_query_failed", err)
	}
	return history, nil
}

// OpenCount returns the number of unfinalized connections of the key.
func (s *Service) OpenCount(ctx context.Context, apiKey string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Connection{}).
		Where("api_key = ? AND disconnected_at IS NULL", apiKey).
		Count(&count).Error
	if err != nil {
		s.logError(opOpenCount, "query_failed", err, zap.String("api_key", apiKey))
		return 0, apperrors.Persistence(opOpenCount, "query_failed", err)
	}
	return count, nil
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
	s.logger.Error("ledger service error", attrs...)
}
