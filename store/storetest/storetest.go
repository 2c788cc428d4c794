// Package storetest opens throwaway SQLite databases for package tests.
package storetest

import (
	"path/filepath"
	"testing"

	"github.com/mmdatafocus/garage_backend/config"
	"github.com/mmdatafocus/garage_backend/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// OpenDB returns a migrated database file under t.TempDir(). One open
// connection serializes writers the way a single SQLite writer would anyway.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "garage.db")
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_foreign_keys=on"), config.GormConfig())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
