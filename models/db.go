package models

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"ViralLaunch-server/config"

	_ "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// InitDB opens the document database for the mysql and sqlite drivers and
// migrates the document table.
func InitDB(cfg config.DatabaseConfig, logger *slog.Logger) (*gorm.DB, error) {
	var (
		gormDB *gorm.DB
		err    error
	)
	switch cfg.Driver {
	case "mysql":
		db, err := sql.Open("mysql", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("ping mysql: %w", err)
		}
		gormDB, err = gorm.Open(mysql.New(mysql.Config{Conn: db}), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("gorm mysql: %w", err)
		}
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		gormDB, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("gorm sqlite: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if err := gormDB.AutoMigrate(&Document{}); err != nil {
		return nil, fmt.Errorf("migrate documents: %w", err)
	}
	logger.Info("document database ready", "driver", cfg.Driver)
	return gormDB, nil
}
