package db

import (
	"fmt"

	"github.com/kasuganosora/gridstash/config"
	dbmysql "github.com/kasuganosora/gridstash/db/mysql"
	dbsqlite "github.com/kasuganosora/gridstash/db/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	ModeSQLite = "sqlite"
	ModeMySQL  = "mysql"
)

// MemoryDSN opens a private in-memory SQLite database. Tests use it.
const MemoryDSN = "file::memory:"

// Open returns a *gorm.DB for the configured database mode, logging through
// log. Driver errors are translated, so duplicate keys surface as
// gorm.ErrDuplicatedKey. The database only holds peer accounts and the audit trail;
// inventories live in memory.
func Open(cfg config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger:         NewGormLogger(log, cfg.SlowQuery),
		TranslateError: true,
	}
	switch cfg.Mode {
	case ModeSQLite:
		return dbsqlite.Open(cfg.SQLitePath, gcfg)
	case ModeMySQL:
		pool := dbmysql.Pool{MaxOpen: cfg.MySQLMaxOpen, MaxIdle: cfg.MySQLMaxIdle, MaxLife: cfg.MySQLMaxLife}
		return dbmysql.Open(cfg.MySQLDSN, pool, gcfg)
	default:
		return nil, fmt.Errorf("db: unknown mode %q", cfg.Mode)
	}
}
