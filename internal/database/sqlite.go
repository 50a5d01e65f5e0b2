package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/cuerelay/internal/credentials"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/ledger"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/streams"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store errors are logged through zap by the services.
var silentGormLogger = gormlogger.Default.LogMode(gormlogger.Silent)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: silentGormLogger})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&credentials.APIKey{},
		&streams.Record{},
		&ledger.Connection{},
		&ledger.GameTypeUsage{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
