package testutil

import (
	"os"
	"sync"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/im2-registry/internal/data/db"
	"github.com/yungbote/im2-registry/internal/platform/logger"
)

var (
	dbOnce        sync.Once
	testDB        *gorm.DB
	dbErr         error
	usingPostgres bool

	logOnce sync.Once
	logg    *logger.Logger
	logErr  error
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	logOnce.Do(func() {
		logg, logErr = logger.New("test")
	})
	if logErr != nil {
		tb.Fatalf("failed to init logger: %v", logErr)
	}
	return logg
}

// DB hands back a migrated test database: Postgres when TEST_POSTGRES_DSN is
// set, a shared in-memory SQLite otherwise.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()

	dbOnce.Do(func() {
		cfg := &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
			Logger:                                   gormLogger.Default.LogMode(gormLogger.Silent),
		}

		if dsn := os.Getenv("TEST_POSTGRES_DSN"); dsn != "" {
			usingPostgres = true
			testDB, dbErr = gorm.Open(postgres.Open(dsn), cfg)
		} else {
			testDB, dbErr = gorm.Open(sqlite.Open("file:im2_registry_test?mode=memory&cache=shared&_busy_timeout=5000"), cfg)
		}
		if dbErr != nil {
			return
		}

		if dbErr = db.AutoMigrateAll(testDB); dbErr != nil {
			return
		}
		dbErr = db.EnsureJobIndexes(testDB)
	})

	if dbErr != nil {
		if usingPostgres {
			tb.Fatalf("failed to init test db: %v", dbErr)
		}
		tb.Skipf("sqlite test db unavailable: %v", dbErr)
	}
	return testDB
}

func Tx(tb testing.TB, db *gorm.DB) *gorm.DB {
	tb.Helper()
	tx := db.Begin()
	if tx.Error != nil {
		tb.Fatalf("begin tx: %v", tx.Error)
	}
	tb.Cleanup(func() {
		_ = tx.Rollback().Error
	})
	return tx
}

// Reset clears job tables for tests that commit outside a rollback tx.
func Reset(tb testing.TB, db *gorm.DB) {
	tb.Helper()
	for _, table := range []string{"job_history", "jobs"} {
		if err := db.Exec("DELETE FROM " + table).Error; err != nil {
			tb.Fatalf("reset %s: %v", table, err)
		}
	}
}
