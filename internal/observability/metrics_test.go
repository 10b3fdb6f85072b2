package observability

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/yungbote/im2-registry/internal/events"
	"github.com/yungbote/im2-registry/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	logg, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return logg
}

func TestInitDisabledByDefault(t *testing.T) {
	t.Setenv("METRICS_ENABLED", "")
	if Enabled() {
		t.Fatal("metrics should be disabled with empty METRICS_ENABLED")
	}
	if m := Init(nil); m != nil {
		t.Fatal("Init should return nil when disabled")
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveAPI("GET", "/api/jobs", "200", 10*time.Millisecond)
	m.ApiInflightInc()
	m.ApiInflightDec()
	m.TransitionObserved("updated")
	m.ClaimContended()
	m.EventPublished(events.TopicJobs)
	m.EventDropped()
	m.SetPaused(true)
	m.ObserveWorkerRun("categorizing", "ok", time.Second)
	var buf bytes.Buffer
	if err := m.WritePrometheus(&buf); err != nil {
		t.Fatalf("nil WritePrometheus: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("nil metrics wrote output: %q", buf.String())
	}
}

func TestExpositionCarriesRegistrySeries(t *testing.T) {
	t.Setenv("METRICS_ENABLED", "true")
	m := Init(testLogger(t))
	if m == nil {
		t.Fatal("Init returned nil with METRICS_ENABLED=true")
	}

	m.ObserveAPI("POST", "/api/jobs", "201", 20*time.Millisecond)
	m.TransitionObserved("created")
	m.TransitionObserved("created")
	m.ClaimContended()
	m.SetPaused(true)
	m.ObserveWorkerRun("categorizing", "failed", 2*time.Second)

	var buf bytes.Buffer
	if err := m.WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		`im2_api_requests_total{method="POST",route="/api/jobs",status="201"} 1.000000`,
		`im2_registry_transitions_total{event="created"} 2.000000`,
		"im2_registry_claim_contended_total 1.000000",
		"im2_registry_paused 1.000000",
		`im2_worker_runs_total{stage="categorizing",status="failed"} 1.000000`,
		"im2_worker_runs_error_total 1.000000",
		`im2_api_request_duration_seconds_bucket{method="POST",route="/api/jobs",status="201",le="+Inf"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("exposition missing %q\n%s", want, out)
		}
	}

	m.SetPaused(false)
	buf.Reset()
	if err := m.WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	if !strings.Contains(buf.String(), "im2_registry_paused 0.000000") {
		t.Fatal("paused gauge did not reset to 0")
	}
}

type fakeBus struct {
	err       error
	published []string
}

func (f *fakeBus) Publish(ctx context.Context, topic string, ev events.Event) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, topic)
	return nil
}

func (f *fakeBus) Subscribe(ctx context.Context, topic string, onEvent func(ev events.Event)) error {
	return nil
}

func (f *fakeBus) Close() error { return nil }

func TestInstrumentBusCountsPublishesAndDrops(t *testing.T) {
	t.Setenv("METRICS_ENABLED", "true")
	m := Init(testLogger(t))
	if m == nil {
		t.Fatal("Init returned nil with METRICS_ENABLED=true")
	}

	ok := &fakeBus{}
	wrapped := InstrumentBus(m, ok)
	if err := wrapped.Publish(context.Background(), "bus.test", events.Event{Event: events.EventUpdated}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(ok.published) != 1 || ok.published[0] != "bus.test" {
		t.Fatalf("inner bus publishes=%v", ok.published)
	}

	broken := &fakeBus{err: fmt.Errorf("redis gone")}
	wrapped = InstrumentBus(m, broken)
	if err := wrapped.Publish(context.Background(), "bus.test", events.Event{Event: events.EventUpdated}); err == nil {
		t.Fatal("expected publish error from broken bus")
	}

	var buf bytes.Buffer
	if err := m.WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `im2_registry_events_published_total{topic="bus.test"} 1.000000`) {
		t.Fatalf("published counter missing:\n%s", out)
	}
	if !strings.Contains(out, "im2_registry_events_dropped_total 1.000000") {
		t.Fatalf("dropped counter missing:\n%s", out)
	}
}

func TestInstrumentBusNilMetricsPassThrough(t *testing.T) {
	inner := &fakeBus{}
	if got := InstrumentBus(nil, inner); got != events.Bus(inner) {
		t.Fatal("nil metrics should return the bus unwrapped")
	}
}
