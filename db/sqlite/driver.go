package sqlite

import (
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// withPragmas appends go-sqlite3 connection options to path. On-disk
// databases also use WAL.
func withPragmas(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	opts := "_busy_timeout=5000&_foreign_keys=1"
	if !strings.Contains(path, ":memory:") {
		opts += "&_journal_mode=WAL"
	}
	return path + sep + opts
}

// Open creates a GORM *DB backed by SQLite.
func Open(path string, cfg *gorm.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(withPragmas(path)), cfg)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers; one connection also keeps an in-memory
	// database alive across the audit worker and request handlers.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}
