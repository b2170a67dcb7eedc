// Package database provides the guide catalog database connection for
// zaplink, backed by SQLite through GORM.
package database

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zaplinktv/zaplink/internal/config"
	"github.com/zaplinktv/zaplink/internal/models"
)

// New opens the catalog database and runs migrations.
//
// The pure Go SQLite driver (glebarez/sqlite -> modernc.org/sqlite) avoids
// CGO; PRAGMAs are applied via DSN parameters so every pooled connection
// gets them.
func New(cfg config.DatabaseConfig, log *slog.Logger) (*gorm.DB, error) {
	if log == nil {
		log = slog.Default()
	}

	dsn := cfg.Path
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=busy_timeout(30000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormLogLevel(cfg.LogLevel),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(&models.Program{}); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	// SQLite in WAL mode allows concurrent readers but one writer; a small
	// pool keeps lock contention low.
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	log.Info("guide catalog opened", slog.String("path", cfg.Path))
	return db, nil
}

func gormLogLevel(level string) logger.Interface {
	switch level {
	case "silent":
		return logger.Default.LogMode(logger.Silent)
	case "info":
		return logger.Default.LogMode(logger.Info)
	case "error":
		return logger.Default.LogMode(logger.Error)
	default:
		return logger.Default.LogMode(logger.Warn)
	}
}
