package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/hankbao/conduit/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// The global counter and room locks serialize writers; a single
	// connection keeps SQLite out of busy-retry territory.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&storage.Record{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
