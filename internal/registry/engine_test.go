package registry

import (
	"context"
	"os"
	"sync"
	"testing"

	"gorm.io/gorm"

	jobsrepo "github.com/yungbote/im2-registry/internal/data/repos/jobs"
	"github.com/yungbote/im2-registry/internal/data/repos/testutil"
	types "github.com/yungbote/im2-registry/internal/domain/jobs"
	"github.com/yungbote/im2-registry/internal/events"
)

type recordedEvent struct {
	topic string
	ev    events.Event
}

type captureBus struct {
	mu  sync.Mutex
	got []recordedEvent
}

func (b *captureBus) Publish(ctx context.Context, topic string, ev events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, recordedEvent{topic: topic, ev: ev})
	return nil
}

func (b *captureBus) Subscribe(ctx context.Context, topic string, onEvent func(ev events.Event)) error {
	return nil
}

func (b *captureBus) Close() error { return nil }

func (b *captureBus) named(name string) []recordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []recordedEvent
	for _, r := range b.got {
		if r.ev.Event == name {
			out = append(out, r)
		}
	}
	return out
}

func newTestService(t *testing.T, bus events.Bus) (Service, *gorm.DB) {
	t.Helper()
	db := testutil.DB(t)
	testutil.Reset(t, db)

	logg := testutil.Logger(t)
	if bus == nil {
		bus = events.NewNopBus()
	}
	jobs := jobsrepo.NewJobRepo(db, logg)
	history := jobsrepo.NewHistoryRepo(db, logg)
	pause := NewPauseController(logg, bus, false)
	svc := NewService(db, logg, jobs, history, bus, pause, nil, Config{})
	return svc, db
}

func mustCreate(t *testing.T, svc Service, owner, sourceRef string, bag map[string]any) *types.Job {
	t.Helper()
	job, err := svc.Create(context.Background(), CreateInput{
		Owner:     owner,
		SourceRef: sourceRef,
		Bag:       bag,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return job
}

// checkHistoryInvariants verifies the per-job invariants after an operation:
// head stage matches the job, seq is strictly monotonic from 1, and every
// consecutive stage pair is a legal transition.
func checkHistoryInvariants(t *testing.T, svc Service, id string) []*types.JobHistory {
	t.Helper()
	ctx := context.Background()
	job, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	entries, err := svc.History(ctx, id)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("history empty for %s", id)
	}
	if last := entries[len(entries)-1]; last.Stage != job.Stage {
		t.Fatalf("history head %s != job stage %s", last.Stage, job.Stage)
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Fatalf("seq not monotonic at %d: got %d", i, e.Seq)
		}
		if i == 0 {
			continue
		}
		prev := entries[i-1].Stage
		// A retry rewinds to an earlier recorded stage, which is the one
		// pair that is not a forward machine edge.
		if prev == types.StageFailed || prev == types.StageCanceled {
			if e.Stage.Terminal() {
				t.Fatalf("rewind into terminal stage %s", e.Stage)
			}
			continue
		}
		if !prev.CanTransitionTo(e.Stage) {
			t.Fatalf("illegal recorded pair %s -> %s", prev, e.Stage)
		}
	}
	return entries
}

func TestFullWalkToComplete(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	job := mustCreate(t, svc, "walker", "s3://in/full.zip", nil)
	cur := job.Stage
	for {
		next, ok := cur.Next()
		if !ok {
			break
		}
		updated, err := svc.Transition(ctx, job.ID, next, nil, "")
		if err != nil {
			t.Fatalf("Transition to %s: %v", next, err)
		}
		if updated.Stage != next {
			t.Fatalf("Transition to %s: stage=%s", next, updated.Stage)
		}
		cur = updated.Stage
	}
	if cur != types.StageComplete {
		t.Fatalf("walk ended at %s", cur)
	}

	entries := checkHistoryInvariants(t, svc, job.ID)
	if len(entries) != 13 {
		t.Fatalf("history length: got %d, want 13", len(entries))
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 1 || stats.Completed != 1 || stats.Active != 0 {
		t.Fatalf("stats: %+v", stats)
	}
	if len(stats.ByStage) != len(types.Stages()) {
		t.Fatalf("stats by_stage not zero-filled: %d stages", len(stats.ByStage))
	}
}

func TestFailThenRetryRewinds(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	job := mustCreate(t, svc, "retrier", "s3://in/retry.zip", map[string]any{"k": "v"})
	if _, err := svc.Transition(ctx, job.ID, types.StageCategorizing, nil, ""); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := svc.Transition(ctx, job.ID, types.StageCategorized, nil, ""); err != nil {
		t.Fatalf("advance: %v", err)
	}

	failed, err := svc.Transition(ctx, job.ID, types.StageFailed, nil, "categorizer exploded")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.LastError == nil || *failed.LastError != "categorizer exploded" {
		t.Fatalf("last_error after fail: %+v", failed.LastError)
	}

	before, err := svc.History(ctx, job.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}

	retried, err := svc.Retry(ctx, job.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.Stage != types.StageCategorized {
		t.Fatalf("retry rewound to %s, want %s", retried.Stage, types.StageCategorized)
	}
	if retried.LastError != nil {
		t.Fatalf("last_error not cleared: %v", *retried.LastError)
	}
	bag, err := types.BagMap(retried.Bag)
	if err != nil || bag["k"] != "v" {
		t.Fatalf("bag not preserved: err=%v bag=%v", err, bag)
	}

	after := checkHistoryInvariants(t, svc, job.ID)
	if len(after) != len(before)+1 {
		t.Fatalf("history grew by %d, want 1", len(after)-len(before))
	}
	// Append-only: the failure entry is still there, untouched.
	if after[len(before)-1].Stage != types.StageFailed || after[len(before)-1].Error == nil {
		t.Fatalf("failed entry rewritten: %+v", after[len(before)-1])
	}

	// Retry only applies to failed or canceled jobs.
	if _, err := svc.Retry(ctx, job.ID); !types.IsCode(err, types.CodeBadRequest) {
		t.Fatalf("retry of active job: expected bad_request, got %v", err)
	}
}

func TestRetryFromCanceledRewinds(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	job := mustCreate(t, svc, "retrier", "s3://in/cancel-retry.zip", nil)
	if _, err := svc.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	retried, err := svc.Retry(ctx, job.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	// Only the submitted entry is usable history here.
	if retried.Stage != types.StageSubmitted {
		t.Fatalf("retry rewound to %s, want %s", retried.Stage, types.StageSubmitted)
	}
	checkHistoryInvariants(t, svc, job.ID)
}

func TestSequentialClaimExactlyOneWins(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	job := mustCreate(t, svc, "claimer", "s3://in/claim.zip", nil)

	won, err := svc.Claim(ctx, job.ID, types.StageSubmitted, types.StageCategorizing)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if won.Stage != types.StageCategorizing {
		t.Fatalf("first claim stage: %s", won.Stage)
	}

	if _, err := svc.Claim(ctx, job.ID, types.StageSubmitted, types.StageCategorizing); !types.IsCode(err, types.CodeContended) {
		t.Fatalf("second claim: expected contended, got %v", err)
	}

	entries := checkHistoryInvariants(t, svc, job.ID)
	if len(entries) != 2 {
		t.Fatalf("history length: got %d, want 2", len(entries))
	}
}

func TestConcurrentClaimRace(t *testing.T) {
	if os.Getenv("TEST_POSTGRES_DSN") == "" {
		t.Skip("set TEST_POSTGRES_DSN to run the concurrent claim race")
	}
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	job := mustCreate(t, svc, "racer", "s3://in/race.zip", nil)

	start := make(chan struct{})
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			_, err := svc.Claim(ctx, job.ID, types.StageSubmitted, types.StageCategorizing)
			results <- err
		}()
	}
	close(start)

	var wins, contended int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			wins++
		case types.IsCode(err, types.CodeContended):
			contended++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 || contended != 1 {
		t.Fatalf("wins=%d contended=%d", wins, contended)
	}

	entries := checkHistoryInvariants(t, svc, job.ID)
	if len(entries) != 2 {
		t.Fatalf("history length: got %d, want 2", len(entries))
	}
}

func TestClaimValidation(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	job := mustCreate(t, svc, "claimer", "s3://in/claim-bad.zip", nil)

	if _, err := svc.Claim(ctx, job.ID, types.StageSubmitted, types.StageStaging); !types.IsCode(err, types.CodeBadRequest) {
		t.Fatalf("skip-ahead claim: expected bad_request, got %v", err)
	}
	if _, err := svc.Claim(ctx, job.ID, "bogus", types.StageCategorizing); !types.IsCode(err, types.CodeBadRequest) {
		t.Fatalf("bogus from: expected bad_request, got %v", err)
	}
	if _, err := svc.Claim(ctx, "no-such-job", types.StageSubmitted, types.StageCategorizing); !types.IsCode(err, types.CodeNotFound) {
		t.Fatalf("missing job: expected not_found, got %v", err)
	}
}

func TestPauseBlocksMutationsButNotDrain(t *testing.T) {
	bus := &captureBus{}
	svc, _ := newTestService(t, bus)
	ctx := context.Background()

	first := mustCreate(t, svc, "pauser", "s3://in/pause-a.zip", nil)
	second := mustCreate(t, svc, "pauser", "s3://in/pause-b.zip", nil)

	svc.Pause(ctx)
	if !svc.Paused() {
		t.Fatalf("expected paused")
	}

	if _, err := svc.Create(ctx, CreateInput{Owner: "pauser", SourceRef: "s3://in/late.zip"}); !types.IsCode(err, types.CodePipelinePaused) {
		t.Fatalf("create while paused: expected pipeline_paused, got %v", err)
	}
	if _, err := svc.Claim(ctx, first.ID, types.StageSubmitted, types.StageCategorizing); !types.IsCode(err, types.CodePipelinePaused) {
		t.Fatalf("claim while paused: expected pipeline_paused, got %v", err)
	}
	if _, err := svc.Transition(ctx, first.ID, types.StageCategorizing, nil, ""); !types.IsCode(err, types.CodePipelinePaused) {
		t.Fatalf("advance while paused: expected pipeline_paused, got %v", err)
	}

	// Terminal targets drain even while paused.
	failedJob, err := svc.Transition(ctx, second.ID, types.StageFailed, nil, "worker died mid-flight")
	if err != nil {
		t.Fatalf("fail while paused: %v", err)
	}
	if failedJob.Stage != types.StageFailed {
		t.Fatalf("fail while paused: stage=%s", failedJob.Stage)
	}
	if _, err := svc.Retry(ctx, second.ID); !types.IsCode(err, types.CodePipelinePaused) {
		t.Fatalf("retry while paused: expected pipeline_paused, got %v", err)
	}

	canceled, err := svc.Cancel(ctx, first.ID)
	if err != nil {
		t.Fatalf("cancel while paused: %v", err)
	}
	if canceled.Stage != types.StageCanceled {
		t.Fatalf("cancel while paused: stage=%s", canceled.Stage)
	}

	svc.Resume(ctx)
	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Paused {
		t.Fatalf("stats still paused")
	}
	if stats.ByStage[types.StageCanceled] != 1 || stats.Failed != 1 {
		t.Fatalf("stats after drain: %+v", stats)
	}

	if len(bus.named(events.EventPaused)) != 1 || len(bus.named(events.EventResumed)) != 1 {
		t.Fatalf("system events: %+v", bus.got)
	}
}

func TestBagMergeLeftFold(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	job := mustCreate(t, svc, "bagger", "s3://in/bag.zip", map[string]any{"a": 1})
	if _, err := svc.Transition(ctx, job.ID, types.StageCategorizing, map[string]any{"b": 2}, ""); err != nil {
		t.Fatalf("advance: %v", err)
	}
	updated, err := svc.Transition(ctx, job.ID, types.StageCategorized, map[string]any{"a": 3}, "")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}

	bag, err := types.BagMap(updated.Bag)
	if err != nil {
		t.Fatalf("BagMap: %v", err)
	}
	if bag["a"] != float64(3) || bag["b"] != float64(2) {
		t.Fatalf("bag fold: %v", bag)
	}

	// Snapshots record the bag as of each transition.
	entries, err := svc.History(ctx, job.ID)
	if err != nil || len(entries) != 3 {
		t.Fatalf("History: err=%v len=%d", err, len(entries))
	}
	mid, err := types.BagMap(entries[1].BagSnapshot)
	if err != nil {
		t.Fatalf("BagMap snapshot: %v", err)
	}
	if mid["a"] != float64(1) || mid["b"] != float64(2) {
		t.Fatalf("mid snapshot: %v", mid)
	}
}

func TestDoubleCancelIdempotent(t *testing.T) {
	bus := &captureBus{}
	svc, _ := newTestService(t, bus)
	ctx := context.Background()

	job := mustCreate(t, svc, "canceler", "s3://in/cancel.zip", nil)

	first, err := svc.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if first.Stage != types.StageCanceled {
		t.Fatalf("first cancel stage: %s", first.Stage)
	}
	entries := checkHistoryInvariants(t, svc, job.ID)
	if len(entries) != 2 {
		t.Fatalf("history after cancel: %d", len(entries))
	}

	second, err := svc.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if second.Stage != types.StageCanceled {
		t.Fatalf("second cancel stage: %s", second.Stage)
	}
	if again := checkHistoryInvariants(t, svc, job.ID); len(again) != 2 {
		t.Fatalf("second cancel appended history: %d", len(again))
	}
	if n := len(bus.named(events.EventCanceled)); n != 1 {
		t.Fatalf("canceled events: got %d, want 1", n)
	}
}

func TestCancelCompleteIsTerminal(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	job := mustCreate(t, svc, "finisher", "s3://in/done.zip", nil)
	cur := job.Stage
	for {
		next, ok := cur.Next()
		if !ok {
			break
		}
		if _, err := svc.Transition(ctx, job.ID, next, nil, ""); err != nil {
			t.Fatalf("advance to %s: %v", next, err)
		}
		cur = next
	}

	if _, err := svc.Cancel(ctx, job.ID); !types.IsCode(err, types.CodeTerminal) {
		t.Fatalf("cancel complete: expected terminal, got %v", err)
	}
}

func TestCancelFailedFinalizes(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	job := mustCreate(t, svc, "canceler", "s3://in/failed-cancel.zip", nil)
	if _, err := svc.Transition(ctx, job.ID, types.StageFailed, nil, "bad input"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	canceled, err := svc.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel failed job: %v", err)
	}
	if canceled.Stage != types.StageCanceled {
		t.Fatalf("cancel failed job: stage=%s", canceled.Stage)
	}
	entries := checkHistoryInvariants(t, svc, job.ID)
	if len(entries) != 3 {
		t.Fatalf("history: %d", len(entries))
	}
}

func TestTransitionValidation(t *testing.T) {
	bus := &captureBus{}
	svc, _ := newTestService(t, bus)
	ctx := context.Background()

	job := mustCreate(t, svc, "validator", "s3://in/validate.zip", nil)

	if _, err := svc.Transition(ctx, job.ID, "polishing", nil, ""); !types.IsCode(err, types.CodeBadRequest) {
		t.Fatalf("unknown stage: expected bad_request, got %v", err)
	}
	if _, err := svc.Transition(ctx, job.ID, types.StageFailed, nil, ""); !types.IsCode(err, types.CodeBadRequest) {
		t.Fatalf("fail without message: expected bad_request, got %v", err)
	}
	if _, err := svc.Transition(ctx, job.ID, types.StageStaging, nil, ""); !types.IsCode(err, types.CodeIllegalTransition) {
		t.Fatalf("skip-ahead: expected illegal_transition, got %v", err)
	}
	if _, err := svc.Transition(ctx, "no-such-job", types.StageCategorizing, nil, ""); !types.IsCode(err, types.CodeNotFound) {
		t.Fatalf("missing job: expected not_found, got %v", err)
	}

	// Idempotent repeat: same state back, no history, no event.
	evBefore := len(bus.got)
	same, err := svc.Transition(ctx, job.ID, types.StageSubmitted, nil, "")
	if err != nil {
		t.Fatalf("idempotent transition: %v", err)
	}
	if same.Stage != types.StageSubmitted {
		t.Fatalf("idempotent transition: stage=%s", same.Stage)
	}
	entries := checkHistoryInvariants(t, svc, job.ID)
	if len(entries) != 1 {
		t.Fatalf("idempotent transition appended history: %d", len(entries))
	}
	if len(bus.got) != evBefore {
		t.Fatalf("idempotent transition published events")
	}

	// Terminal source refuses everything.
	if _, err := svc.Transition(ctx, job.ID, types.StageCanceled, nil, ""); err != nil {
		t.Fatalf("cancel via transition: %v", err)
	}
	if _, err := svc.Transition(ctx, job.ID, types.StageCategorizing, nil, ""); !types.IsCode(err, types.CodeTerminal) {
		t.Fatalf("advance from canceled: expected terminal, got %v", err)
	}
}

func TestStatsZeroFillOnEmptyStore(t *testing.T) {
	svc, _ := newTestService(t, nil)

	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 0 || stats.Active != 0 {
		t.Fatalf("stats on empty store: %+v", stats)
	}
	if len(stats.ByStage) != len(types.Stages()) {
		t.Fatalf("by_stage missing stages: %d", len(stats.ByStage))
	}
	for stage, n := range stats.ByStage {
		if n != 0 {
			t.Fatalf("stage %s nonzero on empty store", stage)
		}
	}
	if stats.PollIntervalSeconds != 5 {
		t.Fatalf("poll interval default: %d", stats.PollIntervalSeconds)
	}
}
