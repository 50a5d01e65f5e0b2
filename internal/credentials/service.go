// Package credentials persists broadcaster API key status (blocked / unblocked).
package credentials

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cuerelay/internal/apperrors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew  = "credentials.service.new"
	opStatus      = "credentials.status"
	opEnsure      = "credentials.ensure"
	opBlock       = "credentials.block"
	opUnblock     = "credentials.unblock"
	opListBlocked = "credentials.list_blocked"

	// DefaultBlockReason is reported to overlays when an admin blocks a key without a reason.
	DefaultBlockReason = "API key has been blocked"
	maxReasonLength    = 500
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceConfig describes the dependencies of the credential store.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service reads and mutates API key status.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the credential store.
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

// Status returns the key's status. Unknown keys are reported as fresh and unblocked.
func (s *Service) Status(ctx context.Context, apiKey string) (Status, error) {
	key, err := NormalizeKey(apiKey)
	if err != nil {
		return Status{}, apperrors.New(apperrors.KindValidation, opStatus, "invalid_key", err)
	}
	var record APIKey
	err = s.db.WithContext(ctx).Where("api_key = ?", key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Status{APIKey: key}, nil
	}
	if err != nil {
		s.logError(opStatus, "query_failed", err, zap.String("api_key", key))
		return Status{}, apperrors.Persistence(opStatus, "query_failed", err)
	}
	return record.status(), nil
}

// Ensure creates the key row when it does not exist yet.
func (s *Service) Ensure(ctx context.Context, apiKey string) error {
	key, err := NormalizeKey(apiKey)
	if err != nil {
		return apperrors.New(apperrors.KindValidation, opEnsure, "invalid_key", err)
	}
	if err := EnsureTx(s.db.WithContext(ctx), key, s.clock().UTC()); err != nil {
		s.logError(opEnsure, "insert_failed", err, zap.String("api_key", key))
		return apperrors.Persistence(opEnsure, "insert_failed", err)
	}
	return nil
}

// EnsureTx inserts the key row inside an existing transaction, leaving existing rows untouched.
func EnsureTx(tx *gorm.DB, key string, now time.Time) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "api_key"}},
		DoNothing: true,
	}).Create(&APIKey{Key: key, CreatedAt: now}).Error
}

// Block marks the key as blocked with the given reason.
func (s *Service) Block(ctx context.Context, apiKey, reason string) (Status, error) {
	key, err := NormalizeKey(apiKey)
	if err != nil {
		return Status{}, apperrors.New(apperrors.KindValidation, opBlock, "invalid_key", err)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultBlockReason
	}
	if len(reason) > maxReasonLength {
		reason = reason[:maxReasonLength]
	}
	now := s.clock().UTC()
	record := APIKey{
		Key:           key,
		IsBlocked:     true,
		BlockedReason: &reason,
		BlockedAt:     &now,
		CreatedAt:     now,
	}
	if err := s.upsertStatus(ctx, &record); err != nil {
		s.logError(opBlock, "upsert_failed", err, zap.String("api_key", key))
		return Status{}, apperrors.Persistence(opBlock, "upsert_failed", err)
	}
	return s.Status(ctx, key)
}

// Unblock clears the blocked flag and reason.
func (s *Service) Unblock(ctx context.Context, apiKey string) (Status, error) {
	key, err := NormalizeKey(apiKey)
	if err != nil {
		return Status{}, apperrors.New(apperrors.KindValidation, opUnblock, "invalid_key", err)
	}
	record := APIKey{Key: key, CreatedAt: s.clock().UTC()}
	if err := s.upsertStatus(ctx, &record); err != nil {
		s.logError(opUnblock, "upsert_failed", err, zap.String("api_key", key))
		return Status{}, apperrors.Persistence(opUnblock, "upsert_failed", err)
	}
	return s.Status(ctx, key)
}

// ListBlocked returns the status of every blocked key, indexed by key.
func (s *Service) ListBlocked(ctx context.Context) (map[string]Status, error) {
	var records []APIKey
	if err := s.db.WithContext(ctx).Where("is_blocked = ?", true).Find(&records).Error; err != nil {
		s.logError(opListBlocked, "query_failed", err)
		return nil, apperrors.Persistence(opListBlocked, "query_failed", err)
	}
	blocked := make(map[string]Status, len(records))
	for _, record := range records {
		blocked[record.Key] = record.status()
	}
	return blocked, nil
}

func (s *Service) upsertStatus(ctx context.Context, record *APIKey) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "api_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_blocked", "blocked_reason", "blocked_at"}),
	}).Create(record).Error
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
	s.logger.Error("credentials service error", attrs...)
}
