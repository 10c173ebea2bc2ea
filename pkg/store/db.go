// Package store provides the database plumbing shared by the engine's
// persistence layers: dialect-aware connection setup, JSON column types,
// and a migration lock that serializes schema changes across replicas.
package store

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the configured database. Supported types are postgres,
// mysql, and sqlite (pure-Go driver, used for development). TranslateError
// is enabled so unique-constraint violations surface as
// gorm.ErrDuplicatedKey on every dialect; the vote ledger relies on that.
func Open(dbType, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	}

	switch dbType {
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	case "mysql":
		return gorm.Open(mysql.Open(dsn), cfg)
	case "sqlite":
		return gorm.Open(sqlite.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported database type %q (expected postgres, mysql, or sqlite)", dbType)
	}
}
