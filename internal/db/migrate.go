package db

import (
	"fmt"

	"github.com/zulandar/vibeyard/internal/config"
	"github.com/zulandar/vibeyard/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.KVEntry{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// Init prepares the configured database: for mysql the database itself is
// created first, then all tables are migrated.
func Init(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.Driver == "mysql" {
		admin, err := ConnectAdmin(cfg)
		if err != nil {
			return nil, err
		}
		err = CreateDatabase(admin, cfg.Name)
		if sqlDB, dbErr := admin.DB(); dbErr == nil {
			sqlDB.Close()
		}
		if err != nil {
			return nil, err
		}
	}
	gormDB, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	return gormDB, nil
}
