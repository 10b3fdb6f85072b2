package events

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/yungbote/im2-registry/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	logg, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return logg
}

func TestNewFallsBackWithoutRedis(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")

	bus := New(testLogger(t))
	if _, ok := bus.(nopBus); !ok {
		t.Fatalf("expected nop bus, got %T", bus)
	}
	if err := bus.Publish(context.Background(), TopicJobs, Event{Event: EventCreated}); err != nil {
		t.Fatalf("nop publish: %v", err)
	}
	if err := bus.Subscribe(context.Background(), TopicJobs, func(Event) {}); err != nil {
		t.Fatalf("nop subscribe: %v", err)
	}
}

func TestRedisBusRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis bus tests")
	}
	t.Setenv("REDIS_ADDR", addr)

	bus, err := NewRedisBus(testLogger(t))
	if err != nil {
		t.Fatalf("NewRedisBus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Event, 1)
	if err := bus.Subscribe(ctx, TopicJobs, func(ev Event) {
		select {
		case got <- ev:
		default:
		}
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	want := Event{
		Event: EventUpdated,
		JobID: "job-1",
		Stage: "categorizing",
	}
	if err := bus.Publish(ctx, TopicJobs, want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case ev := <-got:
		if ev.Event != want.Event || ev.JobID != want.JobID || ev.Stage != want.Stage {
			t.Fatalf("round trip: got %+v", ev)
		}
		if ev.At.IsZero() {
			t.Fatalf("round trip: zero At")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
}
