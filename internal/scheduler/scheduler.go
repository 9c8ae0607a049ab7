package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
)

// Cadence used by both background policies.
const Every6Hours = "@every 6h"

const (
	AutoUpdateName        = "bot-auto-update"
	AttachmentCleanupName = "attachment-cleanup"
)

// Constraints gate a policy's job at fire time.
type Constraints struct {
	RequireUnmetered     bool
	RequireBatteryNotLow bool
}

// Job is the work a policy performs when it fires.
type Job func(ctx context.Context) error

// Policy is a (cadence, constraints, job) tuple.
type Policy struct {
	Name        string
	Cadence     string
	Constraints Constraints
	Job         Job
	// Retry, when set, re-runs a failing job with backoff.
	Retry *RetryPolicy
}

// Conditions reports device state consulted by constraints.
type Conditions interface {
	Unmetered() bool
	BatteryLow() bool
}

// DeviceState is a Conditions whose values can be swapped at runtime, for
// example on config reload.
type DeviceState struct {
	unmetered  atomic.Bool
	batteryLow atomic.Bool
}

func NewDeviceState(unmetered, batteryLow bool) *DeviceState {
	d := &DeviceState{}
	d.Set(unmetered, batteryLow)
	return d
}

func (d *DeviceState) Set(unmetered, batteryLow bool) {
	d.unmetered.Store(unmetered)
	d.batteryLow.Store(batteryLow)
}

func (d *DeviceState) Unmetered() bool  { return d.unmetered.Load() }
func (d *DeviceState) BatteryLow() bool { return d.batteryLow.Load() }

// Satisfied reports whether c allows a job to run under cond.
func (c Constraints) Satisfied(cond Conditions) bool {
	if cond == nil {
		return !c.RequireUnmetered && !c.RequireBatteryNotLow
	}
	if c.RequireUnmetered && !cond.Unmetered() {
		return false
	}
	if c.RequireBatteryNotLow && cond.BatteryLow() {
		return false
	}
	return true
}

type entry struct {
	id          cron.EntryID
	cadence     string
	constraints Constraints
	policy      *atomic.Pointer[Policy]
}

// Scheduler keeps at most one cron entry per policy name.
type Scheduler struct {
	mu         sync.Mutex
	cron       *cron.Cron
	entries    map[string]*entry
	conditions Conditions
	logger     *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field, plus descriptors like
// "@every 6h".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler. cond may be nil, in which case any policy with
// constraints never runs.
func New(cond Conditions, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:       cron.New(cron.WithParser(cronParser)),
		entries:    make(map[string]*entry),
		conditions: cond,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start starts the cron ticker.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron ticker, cancels running jobs and waits for them.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// Ensure schedules p. Re-requesting the same cadence and constraints while
// already scheduled is a no-op and returns false; a changed cadence
// replaces the existing entry.
func (s *Scheduler) Ensure(p Policy) (bool, error) {
	if p.Name == "" {
		return false, fmt.Errorf("policy name is required")
	}
	if p.Job == nil {
		return false, fmt.Errorf("policy %s: job is required", p.Name)
	}
	sched, err := cronParser.Parse(p.Cadence)
	if err != nil {
		return false, fmt.Errorf("policy %s: invalid cadence %q: %w", p.Name, p.Cadence, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[p.Name]; ok {
		if e.cadence == p.Cadence && e.constraints == p.Constraints {
			// Same schedule; pick up the new job without re-arming the timer.
			e.policy.Store(&p)
			return false, nil
		}
		s.cron.Remove(e.id)
		delete(s.entries, p.Name)
	}

	ptr := &atomic.Pointer[Policy]{}
	ptr.Store(&p)
	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(ptr.Load()) }))
	s.entries[p.Name] = &entry{id: id, cadence: p.Cadence, constraints: p.Constraints, policy: ptr}
	s.logger.Info("scheduled policy", "name", p.Name, "cadence", p.Cadence)
	return true, nil
}

// Cancel removes the named policy. It reports whether one was scheduled.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	s.cron.Remove(e.id)
	delete(s.entries, name)
	s.logger.Info("cancelled policy", "name", name)
	return true
}

// Sync makes the scheduled set equal to policies: each is ensured and
// anything else is cancelled.
func (s *Scheduler) Sync(policies []Policy) error {
	want := make(map[string]bool, len(policies))
	for _, p := range policies {
		want[p.Name] = true
		if _, err := s.Ensure(p); err != nil {
			return err
		}
	}
	for _, name := range s.Scheduled() {
		if !want[name] {
			s.Cancel(name)
		}
	}
	return nil
}

// Scheduled returns the names of scheduled policies, sorted.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Trigger runs the named policy now, honouring its constraints. It reports
// whether the job ran.
func (s *Scheduler) Trigger(name string) (bool, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("policy %s is not scheduled", name)
	}
	return s.run(e.policy.Load())
}

func (s *Scheduler) fire(p *Policy) {
	s.logger.Info("policy firing", "name", p.Name)
	if _, err := s.run(p); err != nil {
		s.logger.Error("policy job failed", "name", p.Name, "error", err)
	}
}

func (s *Scheduler) run(p *Policy) (bool, error) {
	if !p.Constraints.Satisfied(s.conditions) {
		s.logger.Info("policy constraints not met, skipping", "name", p.Name)
		return false, nil
	}
	if p.Retry != nil {
		return true, p.Retry.Execute(s.ctx, p.Job)
	}
	return true, p.Job(s.ctx)
}
