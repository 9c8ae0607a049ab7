// Package pipeline carries inbound notifications through the installed bot
// and out to a delivery sink.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/user/notibot/internal/delivery"
	"github.com/user/notibot/internal/resolver"
	"github.com/user/notibot/internal/types"
)

const DefaultMaxConcurrent = 2

type Config struct {
	Processor     *Processor
	Sink          delivery.Sink
	MaxConcurrent int64

	// Normalize, if set, derives the event the bot sees from the captured
	// one.
	Normalize func(*types.NotificationEvent) *types.NotificationEvent
}

// Pipeline wraps each notification in a Job and enqueues it.
type Pipeline struct {
	processor *Processor
	sink      delivery.Sink
	normalize func(*types.NotificationEvent) *types.NotificationEvent
	Queue     *Queue

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config) *Pipeline {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	p := &Pipeline{
		processor: cfg.Processor,
		sink:      cfg.Sink,
		normalize: cfg.Normalize,
		Queue:     NewQueue(cfg.MaxConcurrent),
	}
	p.Queue.SetProcessor(p.runJob)
	return p
}

// Start initialises the pipeline's context and starts the internal queue.
func (p *Pipeline) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.Queue.Start(p.ctx)
}

// Stop cancels the pipeline context and waits for in-flight jobs.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.Queue.Stop()
}

// JobOption configures optional behavior on a Job.
type JobOption func(*Job)

// WithOnComplete sets a callback invoked once the job's effect is known.
func WithOnComplete(fn func(resolver.Effect, error)) JobOption {
	return func(j *Job) { j.OnComplete = fn }
}

// Handle normalizes ev, wraps it in a Job and enqueues it.
func (p *Pipeline) Handle(ev *types.NotificationEvent, opts ...JobOption) (*Job, error) {
	if ev == nil {
		return nil, fmt.Errorf("nil notification")
	}
	if p.normalize != nil {
		ev = p.normalize(ev)
	}
	job := NewJob(ev)
	for _, opt := range opts {
		opt(job)
	}
	if err := p.Queue.Enqueue(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Process runs ev synchronously, bypassing the queue, and delivers the
// effect. Used by `notibot run`.
func (p *Pipeline) Process(ctx context.Context, ev *types.NotificationEvent) (resolver.Effect, error) {
	if p.normalize != nil {
		ev = p.normalize(ev)
	}
	job := NewJob(ev)
	err := p.runJob(ctx, job)
	return job.Effect, err
}

func (p *Pipeline) runJob(ctx context.Context, job *Job) error {
	started := time.Now()
	job.StartedAt = &started
	job.Status = JobStatusRunning

	job.Effect = p.processor.Process(ctx, job.ID, job.Event)
	if p.sink != nil {
		job.Error = p.sink.Deliver(ctx, job.Event, job.Effect)
	}

	ended := time.Now()
	job.EndedAt = &ended
	job.Status = JobStatusComplete
	if job.Error != nil {
		job.Status = JobStatusFailed
		job.Error = fmt.Errorf("deliver %s: %w", job.Effect.Kind(), job.Error)
	}
	if job.OnComplete != nil {
		job.OnComplete(job.Effect, job.Error)
	}
	return job.Error
}
