package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cuerelay/internal/credentials"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/ledger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillConnectionDurations = "2026-05-01_backfill_connection_durations"
	migrationDefaultBlockReasons         = "2026-05-01_default_block_reasons"

	backfillBatchSize = 500
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillConnectionDurations, apply: backfillConnectionDurations},
		{name: migrationDefaultBlockReasons, apply: defaultBlockReasons},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillConnectionDurations fills duration_seconds on finalized rows written without it.
func backfillConnectionDurations(db *gorm.DB) error {
	for {
		var rows []ledger.Connection
		err := db.Where("disconnected_at IS NOT NULL AND duration_seconds IS NULL").
			Limit(backfillBatchSize).
			Find(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		for _, row := range rows {
			seconds := int64(row.DisconnectedAt.Sub(row.ConnectedAt) / time.Second)
			if seconds < 0 {
				seconds = 0
			}
			if err := db.Model(&ledger.Connection{}).
				Where("connection_id = ?", row.ConnectionID).
				Update("duration_seconds", seconds).Error; err != nil {
				return err
			}
		}
	}
}

// defaultBlockReasons gives blocked keys stored without a reason the default one.
func defaultBlockReasons(db *gorm.DB) error {
	return db.Model(&credentials.APIKey{}).
		Where("is_blocked = ? AND (blocked_reason IS NULL OR TRIM(blocked_reason) = '')", true).
		Update("blocked_reason", credentials.DefaultBlockReason).Error
}
