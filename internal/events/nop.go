package events

import (
	"context"
	"os"
	"strings"

	"github.com/yungbote/im2-registry/internal/platform/logger"
)

// New wires the Redis bus when REDIS_ADDR is set and reachable, and falls
// back to a no-op bus otherwise. A missing broker degrades delivery, never
// correctness.
func New(log *logger.Logger) Bus {
	if addr := strings.TrimSpace(os.Getenv("REDIS_ADDR")); addr == "" {
		log.Info("REDIS_ADDR not set, lifecycle events disabled")
		return NewNopBus()
	}
	bus, err := NewRedisBus(log)
	if err != nil {
		log.Warn("redis unavailable, lifecycle events disabled", "error", err)
		return NewNopBus()
	}
	return bus
}

type nopBus struct{}

func NewNopBus() Bus { return nopBus{} }

func (nopBus) Publish(ctx context.Context, topic string, ev Event) error { return nil }

func (nopBus) Subscribe(ctx context.Context, topic string, onEvent func(ev Event)) error {
	return nil
}

func (nopBus) Close() error { return nil }
