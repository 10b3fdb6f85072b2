package jobs

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/im2-registry/internal/domain/jobs"
	"github.com/yungbote/im2-registry/internal/platform/dbctx"
	"github.com/yungbote/im2-registry/internal/platform/logger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ListFilter narrows List reads. Zero values mean "no filter".
type ListFilter struct {
	Owner         string
	Stages        []types.Stage
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// MutateOptions tunes Mutate's guard behavior.
type MutateOptions struct {
	// ExpectNotTerminal fails the mutation with Terminal when the locked
	// stage is already terminal, before the mutator runs.
	ExpectNotTerminal bool
}

type JobRepo interface {
	// Insert persists a new job and its initial history entry in one
	// transaction. Conflict when the id already exists.
	Insert(dbc dbctx.Context, job *types.Job) error
	GetByID(dbc dbctx.Context, id string) (*types.Job, error)
	// Mutate serializes updates to one job: it locks the row, re-reads the
	// current state, and runs fn. When fn reports a change it persists the
	// row, bumps updated_at, and appends one history entry, all in the same
	// transaction. fn returning false commits nothing and appends nothing.
	Mutate(dbc dbctx.Context, id string, opts MutateOptions, fn func(job *types.Job) (bool, error)) (*types.Job, bool, error)
	// Claim is the worker serialization point: an atomic compare-and-set
	// from one stage to another. Contended when another worker moved the job
	// first.
	Claim(dbc dbctx.Context, id string, from, to types.Stage) (*types.Job, error)
	ListCandidates(dbc dbctx.Context, stage types.Stage, engineHint string, limit int) ([]*types.Job, error)
	List(dbc dbctx.Context, f ListFilter) ([]*types.Job, error)
	CountByStage(dbc dbctx.Context) (map[types.Stage]int64, error)
}

type jobRepo struct {
	db       *gorm.DB
	log      *logger.Logger
	rowLocks bool
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
		// SQLite serializes writers on its own; SELECT ... FOR UPDATE is not
		// in its grammar.
		rowLocks: db.Dialector.Name() != "sqlite",
	}
}

func (r *jobRepo) Insert(dbc dbctx.Context, job *types.Job) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if job == nil || job.ID == "" {
		return types.NewError(types.CodeBadRequest, "JobRepo.Insert", "missing job id", nil)
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	if len(job.Bag) == 0 {
		job.Bag = emptyBag()
	}
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Create(job).Error; err != nil {
			return err
		}
		return appendHistory(txx, job)
	})
	if err != nil {
		return MapError("JobRepo.Insert", err)
	}
	return nil
}

func (r *jobRepo) GetByID(dbc dbctx.Context, id string) (*types.Job, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == "" {
		return nil, types.NewError(types.CodeBadRequest, "JobRepo.GetByID", "missing job id", nil)
	}
	var job types.Job
	if err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&job).Error; err != nil {
		return nil, MapError("JobRepo.GetByID", err)
	}
	return &job, nil
}

func (r *jobRepo) Mutate(dbc dbctx.Context, id string, opts MutateOptions, fn func(job *types.Job) (bool, error)) (*types.Job, bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == "" {
		return nil, false, types.NewError(types.CodeBadRequest, "JobRepo.Mutate", "missing job id", nil)
	}
	if fn == nil {
		return nil, false, types.NewError(types.CodeBadRequest, "JobRepo.Mutate", "missing mutator", nil)
	}
	var (
		out     *types.Job
		changed bool
	)
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var job types.Job
		q := txx
		if r.rowLocks {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		// Lock before reading; the row cannot move under fn until commit.
		if err := q.Where("id = ?", id).First(&job).Error; err != nil {
			return err
		}
		if opts.ExpectNotTerminal && job.Stage.Terminal() {
			return types.NewError(types.CodeTerminal, "JobRepo.Mutate",
				fmt.Sprintf("job %s is %s", job.ID, job.Stage), nil)
		}
		mutated, err := fn(&job)
		if err != nil {
			return err
		}
		if !mutated {
			out = &job
			return nil
		}
		job.UpdatedAt = time.Now().UTC()
		if len(job.Bag) == 0 {
			job.Bag = emptyBag()
		}
		if err := txx.Model(&types.Job{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"stage":      job.Stage,
				"bag":        job.Bag,
				"last_error": job.LastError,
				"updated_at": job.UpdatedAt,
			}).Error; err != nil {
			return err
		}
		if err := appendHistory(txx, &job); err != nil {
			return err
		}
		out = &job
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, MapError("JobRepo.Mutate", err)
	}
	return out, changed, nil
}

func (r *jobRepo) Claim(dbc dbctx.Context, id string, from, to types.Stage) (*types.Job, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == "" {
		return nil, types.NewError(types.CodeBadRequest, "JobRepo.Claim", "missing job id", nil)
	}
	now := time.Now().UTC()
	var out *types.Job
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		res := txx.Model(&types.Job{}).
			Where("id = ? AND stage = ?", id, from).
			Updates(map[string]interface{}{
				"stage":      to,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var current types.Job
			if err := txx.Where("id = ?", id).First(&current).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return types.NewError(types.CodeNotFound, "JobRepo.Claim",
						fmt.Sprintf("job %s not found", id), nil)
				}
				return err
			}
			return types.NewError(types.CodeContended, "JobRepo.Claim",
				fmt.Sprintf("job %s is in stage %s, not %s", id, current.Stage, from), nil)
		}
		var job types.Job
		if err := txx.Where("id = ?", id).First(&job).Error; err != nil {
			return err
		}
		if err := appendHistory(txx, &job); err != nil {
			return err
		}
		out = &job
		return nil
	})
	if err != nil {
		return nil, MapError("JobRepo.Claim", err)
	}
	return out, nil
}

func (r *jobRepo) ListCandidates(dbc dbctx.Context, stage types.Stage, engineHint string, limit int) ([]*types.Job, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	q := transaction.WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Where("stage = ?", stage)
	if engineHint != "" {
		q = q.Where("engine_hint = ?", engineHint)
	}
	var out []*types.Job
	if err := q.Order("created_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, MapError("JobRepo.ListCandidates", err)
	}
	return out, nil
}

func (r *jobRepo) List(dbc dbctx.Context, f ListFilter) ([]*types.Job, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	limit := f.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	q := transaction.WithContext(dbc.Ctx).Model(&types.Job{})
	if f.Owner != "" {
		q = q.Where("owner = ?", f.Owner)
	}
	if len(f.Stages) == 1 {
		q = q.Where("stage = ?", f.Stages[0])
	} else if len(f.Stages) > 1 {
		q = q.Where("stage IN ?", f.Stages)
	}
	if f.CreatedAfter != nil {
		q = q.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		q = q.Where("created_at <= ?", *f.CreatedBefore)
	}
	var out []*types.Job
	if err := q.Order("created_at DESC").
		Limit(limit).
		Offset(f.Offset).
		Find(&out).Error; err != nil {
		return nil, MapError("JobRepo.List", err)
	}
	return out, nil
}

func (r *jobRepo) CountByStage(dbc dbctx.Context) (map[types.Stage]int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var rows []struct {
		Stage string
		Count int64
	}
	if err := transaction.WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Select("stage, COUNT(*) AS count").
		Group("stage").
		Scan(&rows).Error; err != nil {
		return nil, MapError("JobRepo.CountByStage", err)
	}
	out := make(map[types.Stage]int64, len(rows))
	for _, row := range rows {
		out[types.Stage(row.Stage)] = row.Count
	}
	return out, nil
}

func emptyBag() datatypes.JSON { return datatypes.JSON(`{}`) }
