package datastore

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/airtrackhq/airtrack/internal/conf"
)

// SQLiteStore implements the datastore on SQLite.
type SQLiteStore struct {
	DataStore
	Settings *conf.Settings
}

// Open sets up the SQLite database connection and runs migrations.
func (store *SQLiteStore) Open() error {
	path := store.Settings.Output.SQLite.Path

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: createGormLogger()})
	if err != nil {
		return newDatabaseError("open", "sqlite", err)
	}

	// Serialize writers; sqlite has no row-level locking.
	sqlDB, err := db.DB()
	if err != nil {
		return newDatabaseError("open", "sqlite", err)
	}
	sqlDB.SetMaxOpenConns(1)

	store.DB = db
	return performAutoMigration(db, store.Settings.Debug, "SQLite", path)
}

// Close is a no-op for SQLite; the handle is reclaimed on process exit.
func (store *SQLiteStore) Close() error {
	return nil
}
