package db

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/yungbote/im2-registry/internal/domain/jobs"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Job{},
		&types.JobHistory{},
	)
}

func EnsureJobIndexes(db *gorm.DB) error {
	// Candidate listing scans (stage, engine_hint) ordered by created_at.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_jobs_stage_engine_created
		ON jobs (stage, engine_hint, created_at);
	`).Error; err != nil {
		return fmt.Errorf("create idx_jobs_stage_engine_created: %w", err)
	}
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_jobs_owner_created
		ON jobs (owner, created_at DESC);
	`).Error; err != nil {
		return fmt.Errorf("create idx_jobs_owner_created: %w", err)
	}
	return nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	if err := AutoMigrateAll(s.db); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	if err := EnsureJobIndexes(s.db); err != nil {
		s.log.Error("Job index migration failed", "error", err)
		return err
	}
	return nil
}

func (s *SqliteService) AutoMigrateAll() error {
	s.log.Info("Auto migrating sqlite tables...")
	if err := AutoMigrateAll(s.db); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	if err := EnsureJobIndexes(s.db); err != nil {
		s.log.Error("Job index migration failed", "error", err)
		return err
	}
	return nil
}
