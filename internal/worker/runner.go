package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	types "github.com/yungbote/im2-registry/internal/domain/jobs"
	"github.com/yungbote/im2-registry/internal/observability"
	"github.com/yungbote/im2-registry/internal/platform/logger"
	"github.com/yungbote/im2-registry/internal/registry"
)

// StageFunc does the actual work of an in-progress stage. The returned map
// is merged into the job bag when the runner commits the done transition.
type StageFunc func(ctx context.Context, job *types.Job) (map[string]any, error)

// EchoStage is the no-op engine used by the reference worker binary. It
// stamps the bag so local pipeline walks leave a visible trail.
func EchoStage(stage types.Stage) StageFunc {
	return func(ctx context.Context, job *types.Job) (map[string]any, error) {
		return map[string]any{fmt.Sprintf("%s_at", stage): time.Now().UTC().Format(time.RFC3339)}, nil
	}
}

type Runner struct {
	registry registry.Service
	log      *logger.Logger
	metrics  *observability.Metrics
	spec     *Spec

	mu       sync.Mutex
	funcs    map[types.Stage]StageFunc
	inflight map[string]struct{}
}

func NewRunner(svc registry.Service, baseLog *logger.Logger, metrics *observability.Metrics, spec *Spec) *Runner {
	return &Runner{
		registry: svc,
		log:      baseLog.With("component", "StageRunner"),
		metrics:  metrics,
		spec:     spec,
		funcs:    make(map[types.Stage]StageFunc),
		inflight: make(map[string]struct{}),
	}
}

// Register binds fn to an in-progress stage (the `to` of a claim pair).
func (r *Runner) Register(stage types.Stage, fn StageFunc) error {
	if fn == nil {
		return fmt.Errorf("nil stage func")
	}
	if !stage.Valid() {
		return fmt.Errorf("unknown stage %q", stage)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[stage]; exists {
		return fmt.Errorf("stage func already registered for %q", stage)
	}
	r.funcs[stage] = fn
	return nil
}

// Start launches one poll loop per spec stage and returns. Loops exit when
// ctx is canceled; jobs already claimed finish their current run first.
func (r *Runner) Start(ctx context.Context) {
	for _, st := range r.spec.Stages {
		if _, ok := r.stageFunc(st.To); !ok {
			r.log.Warn("no stage func registered, skipping stage",
				"from", st.From, "to", st.To)
			continue
		}
		go r.runStage(ctx, st)
	}
	r.log.Info("Stage runner started", "stages", len(r.spec.Stages))
}

func (r *Runner) runStage(ctx context.Context, st StageSpec) {
	ticker := time.NewTicker(st.Interval())
	defer ticker.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(st.Workers())
	defer func() { _ = g.Wait() }()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Stage loop stopped", "from", st.From, "to", st.To)
			return
		case <-ticker.C:
			r.poll(gctx, g, st)
		}
	}
}

func (r *Runner) poll(ctx context.Context, g *errgroup.Group, st StageSpec) {
	candidates, err := r.registry.Candidates(ctx, st.From, st.Engine, st.Workers())
	if err != nil {
		r.log.Warn("candidate poll failed", "from", st.From, "error", err)
		return
	}
	for _, job := range candidates {
		job := job
		if !r.track(job.ID) {
			continue
		}
		started := g.TryGo(func() error {
			defer r.untrack(job.ID)
			r.work(ctx, st, job.ID)
			return nil
		})
		if !started {
			// Pool is full; the next tick picks the job up again.
			r.untrack(job.ID)
			return
		}
	}
}

func (r *Runner) work(ctx context.Context, st StageSpec, jobID string) {
	claimed, err := r.registry.Claim(ctx, jobID, st.From, st.To)
	if err != nil {
		switch {
		case types.IsCode(err, types.CodeContended):
			r.log.Debug("claim lost race", "job_id", jobID, "from", st.From)
		case types.IsCode(err, types.CodePipelinePaused):
			r.log.Debug("pipeline paused, claim skipped", "job_id", jobID)
		case types.IsCode(err, types.CodeNotFound):
			r.log.Debug("candidate vanished before claim", "job_id", jobID)
		default:
			r.log.Warn("claim failed", "job_id", jobID, "error", err)
		}
		return
	}

	start := time.Now()
	patch, runErr := r.invoke(ctx, st.To, claimed)
	status := "ok"

	if runErr != nil {
		status = "failed"
		if _, isPanic := runErr.(*panicError); isPanic {
			status = "panic"
		}
		r.log.Warn("stage func failed", "job_id", jobID, "stage", st.To, "error", runErr)
		if _, err := r.registry.Transition(ctx, jobID, types.StageFailed, patch, runErr.Error()); err != nil {
			r.log.Warn("fail transition rejected", "job_id", jobID, "error", err)
		}
		r.observe(st.To, status, time.Since(start))
		return
	}

	if _, err := r.registry.Transition(ctx, jobID, st.Done, patch, ""); err != nil {
		switch {
		case types.IsCode(err, types.CodePipelinePaused):
			r.log.Debug("pipeline paused, done transition deferred", "job_id", jobID, "done", st.Done)
		case types.IsCode(err, types.CodeTerminal):
			// Canceled underneath us; the work is simply discarded.
			r.log.Debug("job reached a terminal stage mid-run", "job_id", jobID)
		default:
			r.log.Warn("done transition rejected", "job_id", jobID, "done", st.Done, "error", err)
		}
		r.observe(st.To, "failed", time.Since(start))
		return
	}
	r.observe(st.To, status, time.Since(start))
}

func (r *Runner) invoke(ctx context.Context, stage types.Stage, job *types.Job) (patch map[string]any, err error) {
	fn, ok := r.stageFunc(stage)
	if !ok {
		return nil, fmt.Errorf("no stage func registered for %q", stage)
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("stage func panic", "job_id", job.ID, "stage", stage, "panic", rec)
			patch = nil
			err = &panicError{Val: rec}
		}
	}()
	return fn(ctx, job)
}

func (r *Runner) stageFunc(stage types.Stage) (StageFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.funcs[stage]
	return fn, ok
}

func (r *Runner) track(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[jobID]; busy {
		return false
	}
	r.inflight[jobID] = struct{}{}
	return true
}

func (r *Runner) untrack(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, jobID)
}

func (r *Runner) observe(stage types.Stage, status string, dur time.Duration) {
	r.metrics.ObserveWorkerRun(string(stage), status, dur)
}

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
