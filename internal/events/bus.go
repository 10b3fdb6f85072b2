package events

import (
	"context"
	"time"
)

const (
	TopicJobs   = "jobs.lifecycle"
	TopicSystem = "system.lifecycle"
)

const (
	EventCreated  = "created"
	EventUpdated  = "updated"
	EventRetried  = "retried"
	EventCanceled = "canceled"
	EventPaused   = "paused"
	EventResumed  = "resumed"
)

// Event is the envelope published on job transitions and pause flips.
// Consumers treat it as advisory; the store is the source of truth.
type Event struct {
	Event   string    `json:"event"`
	JobID   string    `json:"job_id,omitempty"`
	Owner   string    `json:"owner,omitempty"`
	Stage   string    `json:"stage,omitempty"`
	At      time.Time `json:"at"`
	TraceID string    `json:"trace_id,omitempty"`
}

type Bus interface {
	Publish(ctx context.Context, topic string, ev Event) error
	// Subscribe starts a goroutine feeding onEvent until ctx is done.
	Subscribe(ctx context.Context, topic string, onEvent func(ev Event)) error
	Close() error
}
