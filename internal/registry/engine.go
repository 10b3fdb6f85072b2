package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	jobsrepo "github.com/yungbote/im2-registry/internal/data/repos/jobs"
	types "github.com/yungbote/im2-registry/internal/domain/jobs"
	"github.com/yungbote/im2-registry/internal/events"
	"github.com/yungbote/im2-registry/internal/platform/ctxutil"
	"github.com/yungbote/im2-registry/internal/platform/dbctx"
	"github.com/yungbote/im2-registry/internal/platform/logger"
)

type CreateInput struct {
	ID          string
	Owner       string
	SourceRef   string
	DisplayName string
	EngineHint  string
	TraceID     string
	Bag         map[string]any
}

type Stats struct {
	Total               int64                 `json:"total"`
	ByStage             map[types.Stage]int64 `json:"by_stage"`
	Active              int64                 `json:"active"`
	Completed           int64                 `json:"completed"`
	Failed              int64                 `json:"failed"`
	Paused              bool                  `json:"paused"`
	PollIntervalSeconds int                   `json:"poll_interval_seconds"`
}

// Instruments receives engine-side measurement callbacks. HTTP and bus
// metrics live with their own layers; these cover what only the engine sees.
type Instruments interface {
	TransitionObserved(event string)
	ClaimContended()
	SetPaused(paused bool)
}

type nopInstruments struct{}

func (nopInstruments) TransitionObserved(string) {}
func (nopInstruments) ClaimContended()           {}
func (nopInstruments) SetPaused(bool)            {}

func NopInstruments() Instruments { return nopInstruments{} }

type Config struct {
	RequestTimeout time.Duration
	MaxCandidates  int
	PollInterval   time.Duration
}

type Service interface {
	Create(ctx context.Context, in CreateInput) (*types.Job, error)
	Get(ctx context.Context, id string) (*types.Job, error)
	List(ctx context.Context, f jobsrepo.ListFilter) ([]*types.Job, error)
	History(ctx context.Context, id string) ([]*types.JobHistory, error)
	// Transition applies one state-machine step. target == current stage is
	// an idempotent no-op that touches nothing.
	Transition(ctx context.Context, id string, target types.Stage, bagPatch map[string]any, errMsg string) (*types.Job, error)
	// Claim atomically takes a job from one stage into its successor on
	// behalf of a worker. Losing the race surfaces Contended.
	Claim(ctx context.Context, id string, from, to types.Stage) (*types.Job, error)
	Candidates(ctx context.Context, stage types.Stage, engineHint string, limit int) ([]*types.Job, error)
	Retry(ctx context.Context, id string) (*types.Job, error)
	Cancel(ctx context.Context, id string) (*types.Job, error)
	Stats(ctx context.Context) (*Stats, error)
	Pause(ctx context.Context)
	Resume(ctx context.Context)
	Paused() bool
}

type service struct {
	db            *gorm.DB
	log           *logger.Logger
	jobs          jobsrepo.JobRepo
	history       jobsrepo.HistoryRepo
	bus           events.Bus
	pause         *PauseController
	inst          Instruments
	timeout       time.Duration
	maxCandidates int
	pollInterval  time.Duration
}

func NewService(
	db *gorm.DB,
	baseLog *logger.Logger,
	jobs jobsrepo.JobRepo,
	history jobsrepo.HistoryRepo,
	bus events.Bus,
	pause *PauseController,
	inst Instruments,
	cfg Config,
) Service {
	if inst == nil {
		inst = NopInstruments()
	}
	if pause != nil {
		inst.SetPaused(pause.Paused())
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &service{
		db:            db,
		log:           baseLog.With("service", "Registry"),
		jobs:          jobs,
		history:       history,
		bus:           bus,
		pause:         pause,
		inst:          inst,
		timeout:       cfg.RequestTimeout,
		maxCandidates: cfg.MaxCandidates,
		pollInterval:  cfg.PollInterval,
	}
}

func (s *service) Create(ctx context.Context, in CreateInput) (*types.Job, error) {
	const op = "Registry.Create"
	if in.Owner == "" {
		return nil, types.NewError(types.CodeBadRequest, op, "missing owner", nil)
	}
	if in.SourceRef == "" {
		return nil, types.NewError(types.CodeBadRequest, op, "missing source_ref", nil)
	}
	if s.pause.Paused() {
		return nil, types.NewError(types.CodePipelinePaused, op, "pipeline is paused", nil)
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	traceID := in.TraceID
	if traceID == "" {
		traceID = ctxutil.TraceID(ctx)
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}
	bag := datatypes.JSON(`{}`)
	if len(in.Bag) > 0 {
		raw, err := json.Marshal(in.Bag)
		if err != nil {
			return nil, types.NewError(types.CodeBadRequest, op, "bag is not serializable", err)
		}
		bag = datatypes.JSON(raw)
	}

	now := time.Now().UTC()
	job := &types.Job{
		ID:          id,
		Owner:       in.Owner,
		SourceRef:   in.SourceRef,
		DisplayName: in.DisplayName,
		EngineHint:  in.EngineHint,
		Stage:       types.StageSubmitted,
		TraceID:     traceID,
		Bag:         bag,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.jobs.Insert(dbctx.Context{Ctx: tctx}, job); err != nil {
		return nil, err
	}

	s.inst.TransitionObserved(events.EventCreated)
	s.publish(ctx, events.TopicJobs, jobEvent(events.EventCreated, job))
	s.log.Info("job created", "job_id", job.ID, "owner", job.Owner, "trace_id", job.TraceID)
	return job, nil
}

func (s *service) Get(ctx context.Context, id string) (*types.Job, error) {
	tctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.jobs.GetByID(dbctx.Context{Ctx: tctx}, id)
}

func (s *service) List(ctx context.Context, f jobsrepo.ListFilter) ([]*types.Job, error) {
	tctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.jobs.List(dbctx.Context{Ctx: tctx}, f)
}

func (s *service) History(ctx context.Context, id string) ([]*types.JobHistory, error) {
	tctx, cancel := s.opCtx(ctx)
	defer cancel()
	dbc := dbctx.Context{Ctx: tctx}
	if _, err := s.jobs.GetByID(dbc, id); err != nil {
		return nil, err
	}
	return s.history.ListByJobID(dbc, id)
}

func (s *service) Transition(ctx context.Context, id string, target types.Stage, bagPatch map[string]any, errMsg string) (*types.Job, error) {
	const op = "Registry.Transition"
	if !target.Valid() {
		return nil, types.NewError(types.CodeBadRequest, op, fmt.Sprintf("unknown stage %q", target), nil)
	}
	if target == types.StageFailed && errMsg == "" {
		return nil, types.NewError(types.CodeBadRequest, op, "transition to failed requires an error message", nil)
	}

	tctx, cancel := s.opCtx(ctx)
	defer cancel()
	job, changed, err := s.jobs.Mutate(dbctx.Context{Ctx: tctx}, id, jobsrepo.MutateOptions{}, func(j *types.Job) (bool, error) {
		if j.Stage == target {
			return false, nil
		}
		if !j.Stage.CanTransitionTo(target) {
			if j.Stage.Terminal() {
				return false, types.NewError(types.CodeTerminal, op,
					fmt.Sprintf("job %s is %s", j.ID, j.Stage), nil)
			}
			return false, types.NewError(types.CodeIllegalTransition, op,
				fmt.Sprintf("%s -> %s is not a legal transition", j.Stage, target), nil)
		}
		// Terminal targets pass while paused so in-flight work can drain.
		if s.pause.Paused() && !target.Terminal() {
			return false, types.NewError(types.CodePipelinePaused, op, "pipeline is paused", nil)
		}
		switch target {
		case types.StageFailed:
			msg := errMsg
			j.LastError = &msg
		case types.StageCanceled:
			// keep whatever error the job died with
		default:
			j.LastError = nil
		}
		if len(bagPatch) > 0 {
			merged, err := types.MergeBag(j.Bag, bagPatch)
			if err != nil {
				return false, types.NewError(types.CodeBadRequest, op, "bag patch is not serializable", err)
			}
			j.Bag = merged
		}
		j.Stage = target
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		s.log.Debug("transition no-op", "job_id", id, "stage", target.String())
		return job, nil
	}

	name := events.EventUpdated
	if job.Stage == types.StageCanceled {
		name = events.EventCanceled
	}
	s.inst.TransitionObserved(name)
	s.publish(ctx, events.TopicJobs, jobEvent(name, job))
	s.log.Info("job transitioned", "job_id", job.ID, "stage", job.Stage.String())
	return job, nil
}

func (s *service) Claim(ctx context.Context, id string, from, to types.Stage) (*types.Job, error) {
	const op = "Registry.Claim"
	if !from.Valid() || !to.Valid() {
		return nil, types.NewError(types.CodeBadRequest, op, "unknown stage", nil)
	}
	if next, ok := from.Next(); !ok || next != to {
		return nil, types.NewError(types.CodeBadRequest, op,
			fmt.Sprintf("%s -> %s is not a claimable advance", from, to), nil)
	}
	if s.pause.Paused() {
		return nil, types.NewError(types.CodePipelinePaused, op, "pipeline is paused", nil)
	}

	tctx, cancel := s.opCtx(ctx)
	defer cancel()
	job, err := s.jobs.Claim(dbctx.Context{Ctx: tctx}, id, from, to)
	if err != nil {
		if types.IsCode(err, types.CodeContended) {
			s.inst.ClaimContended()
			s.log.Debug("claim lost race", "job_id", id, "from", from.String(), "to", to.String())
		}
		return nil, err
	}

	s.inst.TransitionObserved(events.EventUpdated)
	s.publish(ctx, events.TopicJobs, jobEvent(events.EventUpdated, job))
	s.log.Info("job claimed", "job_id", job.ID, "stage", job.Stage.String())
	return job, nil
}

func (s *service) Candidates(ctx context.Context, stage types.Stage, engineHint string, limit int) ([]*types.Job, error) {
	const op = "Registry.Candidates"
	if !stage.Valid() {
		return nil, types.NewError(types.CodeBadRequest, op, fmt.Sprintf("unknown stage %q", stage), nil)
	}
	if limit <= 0 || limit > s.maxCandidates {
		limit = s.maxCandidates
	}
	tctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.jobs.ListCandidates(dbctx.Context{Ctx: tctx}, stage, engineHint, limit)
}

func (s *service) Retry(ctx context.Context, id string) (*types.Job, error) {
	const op = "Registry.Retry"
	if s.pause.Paused() {
		return nil, types.NewError(types.CodePipelinePaused, op, "pipeline is paused", nil)
	}

	tctx, cancel := s.opCtx(ctx)
	defer cancel()
	var out *types.Job
	err := s.db.WithContext(tctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: tctx, Tx: tx}
		job, _, err := s.jobs.Mutate(dbc, id, jobsrepo.MutateOptions{}, func(j *types.Job) (bool, error) {
			if j.Stage != types.StageFailed && j.Stage != types.StageCanceled {
				return false, types.NewError(types.CodeBadRequest, op,
					fmt.Sprintf("retry requires failed or canceled, job %s is %s", j.ID, j.Stage), nil)
			}
			// Rewind to the stage the job held before it went terminal;
			// the failure entries themselves stay in the log untouched.
			target := types.StageSubmitted
			if stage, ok, err := s.history.LastRewindStage(dbc, j.ID); err != nil {
				return false, err
			} else if ok {
				target = stage
			}
			j.Stage = target
			j.LastError = nil
			return true, nil
		})
		if err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, jobsrepo.MapError(op, err)
	}

	s.inst.TransitionObserved(events.EventRetried)
	s.publish(ctx, events.TopicJobs, jobEvent(events.EventRetried, out))
	s.log.Info("job retried", "job_id", out.ID, "stage", out.Stage.String())
	return out, nil
}

func (s *service) Cancel(ctx context.Context, id string) (*types.Job, error) {
	const op = "Registry.Cancel"

	tctx, cancel := s.opCtx(ctx)
	defer cancel()
	job, changed, err := s.jobs.Mutate(dbctx.Context{Ctx: tctx}, id, jobsrepo.MutateOptions{}, func(j *types.Job) (bool, error) {
		if j.Stage == types.StageCanceled {
			return false, nil
		}
		if j.Stage == types.StageComplete {
			return false, types.NewError(types.CodeTerminal, op,
				fmt.Sprintf("job %s is complete", j.ID), nil)
		}
		j.Stage = types.StageCanceled
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		s.log.Debug("cancel no-op", "job_id", id)
		return job, nil
	}

	s.inst.TransitionObserved(events.EventCanceled)
	s.publish(ctx, events.TopicJobs, jobEvent(events.EventCanceled, job))
	s.log.Info("job canceled", "job_id", job.ID)
	return job, nil
}

func (s *service) Stats(ctx context.Context) (*Stats, error) {
	tctx, cancel := s.opCtx(ctx)
	defer cancel()
	counts, err := s.jobs.CountByStage(dbctx.Context{Ctx: tctx})
	if err != nil {
		return nil, err
	}

	out := &Stats{
		ByStage:             make(map[types.Stage]int64, len(types.Stages())),
		Paused:              s.pause.Paused(),
		PollIntervalSeconds: int(s.pollInterval / time.Second),
	}
	for _, stage := range types.Stages() {
		n := counts[stage]
		out.ByStage[stage] = n
		out.Total += n
	}
	out.Completed = out.ByStage[types.StageComplete]
	out.Failed = out.ByStage[types.StageFailed]
	out.Active = out.Total - out.Completed - out.Failed - out.ByStage[types.StageCanceled]
	return out, nil
}

func (s *service) Pause(ctx context.Context) {
	s.pause.SetPaused(ctx, true)
	s.inst.SetPaused(true)
}

func (s *service) Resume(ctx context.Context) {
	s.pause.SetPaused(ctx, false)
	s.inst.SetPaused(false)
}

func (s *service) Paused() bool { return s.pause.Paused() }

func (s *service) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *service) publish(ctx context.Context, topic string, ev events.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := s.bus.Publish(ctx, topic, ev); err != nil {
		s.log.Warn("event publish failed", "topic", topic, "event", ev.Event, "job_id", ev.JobID, "error", err)
	}
}

func jobEvent(name string, job *types.Job) events.Event {
	return events.Event{
		Event:   name,
		JobID:   job.ID,
		Owner:   job.Owner,
		Stage:   job.Stage.String(),
		TraceID: job.TraceID,
	}
}
