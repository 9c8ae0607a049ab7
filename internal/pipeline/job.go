package pipeline

import (
	"time"

	"github.com/user/notibot/internal/resolver"
	"github.com/user/notibot/internal/types"
)

// JobStatus represents the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusComplete JobStatus = "complete"
	JobStatusFailed   JobStatus = "failed"
)

// Job tracks one notification through execution and delivery.
type Job struct {
	ID        types.RunID
	Event     *types.NotificationEvent
	Status    JobStatus
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Effect    resolver.Effect
	Error     error

	// OnComplete, if set, receives the effect after delivery was attempted.
	OnComplete func(resolver.Effect, error)
}

// NewJob creates a Job in the Queued state for ev.
func NewJob(ev *types.NotificationEvent) *Job {
	return &Job{
		ID:        types.NewRunID(),
		Event:     ev,
		Status:    JobStatusQueued,
		CreatedAt: time.Now(),
	}
}

// lane groups jobs that must run in arrival order.
func (j *Job) lane() string {
	return j.Event.SourceApp
}
