package database

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Init opens (or creates) the sqlite database under dataPath and migrates the
// schema. Pragmas ride the DSN so every pooled connection gets WAL, enforced
// foreign keys, and a busy timeout.
func Init(dataPath string) error {
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	dsn := filepath.Join(dataPath, "ptyfleet.db") +
		"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	DB = db

	if err := Migrate(DB); err != nil {
		return err
	}

	log.Printf("[database] ready at %s", filepath.Join(dataPath, "ptyfleet.db"))
	return nil
}

// Migrate creates missing tables (AutoMigrate inspects existing columns via
// PRAGMA and only adds what is missing) and then applies data backfills.
// Safe to run on every boot; shared with the test helpers.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&RemoteMachine{},
		&Instance{},
		&PortForward{},
		&StatusEvent{},
		&Setting{},
		&ActivityEntry{},
		&Project{},
		&ProjectInstance{},
		&GlobalTask{},
		&Session{},
		&SessionMessage{},
	)
	if err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	if err := migrateDisplayOrder(db); err != nil {
		return fmt.Errorf("migrate display order: %w", err)
	}
	return nil
}

// migrateDisplayOrder backfills display_order for rows created before the
// column existed: every open instance still at the default 0 gets a distinct
// ordinal following the current maximum, in creation order.
func migrateDisplayOrder(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var stale []Instance
		if err := tx.Where("display_order = 0").Order("created_at ASC").Find(&stale).Error; err != nil {
			return err
		}
		if len(stale) <= 1 {
			return nil
		}
		var max int
		row := tx.Model(&Instance{}).Select("COALESCE(MAX(display_order), 0)").Row()
		if err := row.Scan(&max); err != nil {
			return err
		}
		for i, inst := range stale {
			if err := tx.Model(&Instance{}).Where("id = ?", inst.ID).
				Update("display_order", max+i+1).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the underlying connection pool. Best effort during shutdown.
func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
