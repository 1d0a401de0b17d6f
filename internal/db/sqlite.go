package db

import (
	"github.com/glebarez/sqlite"
	"github.com/pysugar/quota-sentinel/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB initializes the SQLite database connection and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := gdb.AutoMigrate(&models.Credential{}, &models.State{}); err != nil {
		return nil, err
	}

	return gdb, nil
}
