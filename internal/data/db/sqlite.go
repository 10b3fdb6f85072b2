package db

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/yungbote/im2-registry/internal/platform/envutil"
	"github.com/yungbote/im2-registry/internal/platform/logger"
)

type SqliteService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSqliteService(logg *logger.Logger) (*SqliteService, error) {
	serviceLog := logg.With("service", "SqliteService")

	path := envutil.Str("SQLITE_PATH", "im2.db")
	// busy_timeout keeps concurrent writers queueing instead of failing
	// with SQLITE_BUSY.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   newGormLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite at %s: %w", path, err)
	}

	return &SqliteService{db: db, log: serviceLog}, nil
}

func (s *SqliteService) DB() *gorm.DB { return s.db }
