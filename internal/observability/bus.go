package observability

import (
	"context"

	"github.com/yungbote/im2-registry/internal/events"
)

// InstrumentBus wraps bus so lifecycle publishes and drops show up in the
// exposition. A nil Metrics leaves the bus unwrapped.
func InstrumentBus(m *Metrics, bus events.Bus) events.Bus {
	if m == nil || bus == nil {
		return bus
	}
	return &instrumentedBus{m: m, next: bus}
}

type instrumentedBus struct {
	m    *Metrics
	next events.Bus
}

func (b *instrumentedBus) Publish(ctx context.Context, topic string, ev events.Event) error {
	if err := b.next.Publish(ctx, topic, ev); err != nil {
		b.m.EventDropped()
		return err
	}
	b.m.EventPublished(topic)
	return nil
}

func (b *instrumentedBus) Subscribe(ctx context.Context, topic string, onEvent func(ev events.Event)) error {
	return b.next.Subscribe(ctx, topic, onEvent)
}

func (b *instrumentedBus) Close() error {
	return b.next.Close()
}
