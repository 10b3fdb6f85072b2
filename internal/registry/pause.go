package registry

import (
	"context"
	"sync/atomic"

	"github.com/yungbote/im2-registry/internal/events"
	"github.com/yungbote/im2-registry/internal/platform/logger"
)

// PauseController holds the process-wide pause flag. The flag is in-memory
// only; a fresh process starts un-paused unless PAUSED_ON_START says
// otherwise.
type PauseController struct {
	paused atomic.Bool
	log    *logger.Logger
	bus    events.Bus
}

func NewPauseController(baseLog *logger.Logger, bus events.Bus, pausedOnStart bool) *PauseController {
	pc := &PauseController{
		log: baseLog.With("service", "PauseController"),
		bus: bus,
	}
	pc.paused.Store(pausedOnStart)
	return pc
}

func (p *PauseController) Paused() bool { return p.paused.Load() }

// SetPaused flips the flag and reports whether the value changed. The system
// event publishes on every call so callers always see an acknowledgement,
// repeated or not.
func (p *PauseController) SetPaused(ctx context.Context, paused bool) bool {
	changed := p.paused.Swap(paused) != paused
	name := events.EventResumed
	if paused {
		name = events.EventPaused
	}
	if err := p.bus.Publish(ctx, events.TopicSystem, events.Event{Event: name}); err != nil {
		p.log.Warn("system event publish failed", "event", name, "error", err)
	}
	if changed {
		p.log.Info("pipeline pause flag flipped", "paused", paused)
	}
	return changed
}

// Follow applies a pause flip observed on the system topic without
// republishing it. Worker processes use this to track the API's flag.
func (p *PauseController) Follow(paused bool) {
	if p.paused.Swap(paused) != paused {
		p.log.Info("pipeline pause flag followed", "paused", paused)
	}
}
