package jobs

import (
	"errors"
	"time"

	"gorm.io/gorm"

	types "github.com/yungbote/im2-registry/internal/domain/jobs"
	"github.com/yungbote/im2-registry/internal/platform/dbctx"
	"github.com/yungbote/im2-registry/internal/platform/logger"
)

type HistoryRepo interface {
	ListByJobID(dbc dbctx.Context, jobID string) ([]*types.JobHistory, error)
	// LastRewindStage returns the most recent recorded stage that is neither
	// failed nor canceled, i.e. the stage a retried job resumes from. ok is
	// false when no such entry exists.
	LastRewindStage(dbc dbctx.Context, jobID string) (types.Stage, bool, error)
}

type historyRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewHistoryRepo(db *gorm.DB, baseLog *logger.Logger) HistoryRepo {
	return &historyRepo{db: db, log: baseLog.With("repo", "HistoryRepo")}
}

func (r *historyRepo) ListByJobID(dbc dbctx.Context, jobID string) ([]*types.JobHistory, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == "" {
		return nil, types.NewError(types.CodeBadRequest, "HistoryRepo.ListByJobID", "missing job id", nil)
	}
	var out []*types.JobHistory
	if err := transaction.WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Order("seq ASC").
		Find(&out).Error; err != nil {
		return nil, MapError("HistoryRepo.ListByJobID", err)
	}
	return out, nil
}

func (r *historyRepo) LastRewindStage(dbc dbctx.Context, jobID string) (types.Stage, bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == "" {
		return "", false, types.NewError(types.CodeBadRequest, "HistoryRepo.LastRewindStage", "missing job id", nil)
	}
	var entry types.JobHistory
	err := transaction.WithContext(dbc.Ctx).
		Where("job_id = ? AND stage NOT IN ?", jobID, []types.Stage{types.StageFailed, types.StageCanceled}).
		Order("seq DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, MapError("HistoryRepo.LastRewindStage", err)
	}
	return entry.Stage, true, nil
}

// appendHistory records the job's current state as the next history entry.
// Callers hold the row lock (or the claim update) in txx, so MAX(seq) cannot
// race for the same job.
func appendHistory(txx *gorm.DB, job *types.Job) error {
	var maxSeq int64
	if err := txx.Model(&types.JobHistory{}).
		Where("job_id = ?", job.ID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&maxSeq).Error; err != nil {
		return err
	}
	at := job.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	snapshot := job.Bag
	if len(snapshot) == 0 {
		snapshot = emptyBag()
	}
	entry := &types.JobHistory{
		JobID:       job.ID,
		Seq:         maxSeq + 1,
		Stage:       job.Stage,
		At:          at,
		BagSnapshot: snapshot,
		Error:       job.LastError,
	}
	return txx.Create(entry).Error
}
