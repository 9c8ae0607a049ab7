package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func counterJob(n *atomic.Int32) Job {
	return func(context.Context) error {
		n.Add(1)
		return nil
	}
}

func TestSchedulerFiresPolicy(t *testing.T) {
	sched := New(nil, nil)
	var fires atomic.Int32
	if _, err := sched.Ensure(Policy{Name: "every-second", Cadence: "* * * * * *", Job: counterJob(&fires)}); err != nil {
		t.Fatal(err)
	}
	sched.Start()
	defer sched.Stop()

	// Wait up to 2.5 seconds for at least one fire
	deadline := time.After(2500 * time.Millisecond)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			t.Fatalf("job did not fire within 2.5s, fires=%d", fires.Load())
		case <-ticker.C:
			if fires.Load() > 0 {
				return
			}
		}
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	sched := New(nil, nil)
	var fires atomic.Int32
	p := AttachmentCleanup(counterJob(&fires))

	added, err := sched.Ensure(p)
	if err != nil || !added {
		t.Fatalf("first Ensure: added=%v err=%v", added, err)
	}
	added, err = sched.Ensure(p)
	if err != nil || added {
		t.Fatalf("second Ensure: added=%v err=%v", added, err)
	}
	if n := len(sched.cron.Entries()); n != 1 {
		t.Fatalf("expected 1 cron entry, got %d", n)
	}

	p.Cadence = "@every 1h"
	added, err = sched.Ensure(p)
	if err != nil || !added {
		t.Fatalf("changed cadence: added=%v err=%v", added, err)
	}
	if n := len(sched.cron.Entries()); n != 1 {
		t.Fatalf("expected replaced entry, got %d entries", n)
	}
}

func TestEnsureRejectsBadCadence(t *testing.T) {
	sched := New(nil, nil)
	_, err := sched.Ensure(Policy{Name: "bad", Cadence: "not a cron", Job: func(context.Context) error { return nil }})
	if err == nil {
		t.Fatal("expected error for invalid cadence")
	}
	if len(sched.Scheduled()) != 0 {
		t.Fatal("invalid policy should not be scheduled")
	}
}

func TestCancel(t *testing.T) {
	sched := New(nil, nil)
	var fires atomic.Int32
	if _, err := sched.Ensure(AttachmentCleanup(counterJob(&fires))); err != nil {
		t.Fatal(err)
	}
	if !sched.Cancel(AttachmentCleanupName) {
		t.Fatal("expected Cancel to report a scheduled policy")
	}
	if sched.Cancel(AttachmentCleanupName) {
		t.Fatal("second Cancel should be a no-op")
	}
	if len(sched.cron.Entries()) != 0 {
		t.Fatal("cron entry not removed")
	}
}

func TestConstraintsGateAutoUpdate(t *testing.T) {
	device := NewDeviceState(false, false)
	sched := New(device, nil)
	var fires atomic.Int32
	if _, err := sched.Ensure(AutoUpdate(counterJob(&fires), nil)); err != nil {
		t.Fatal(err)
	}

	ran, err := sched.Trigger(AutoUpdateName)
	if err != nil || ran {
		t.Fatalf("metered network: ran=%v err=%v", ran, err)
	}

	device.Set(true, true)
	if ran, _ := sched.Trigger(AutoUpdateName); ran {
		t.Fatal("should not run on low battery")
	}

	device.Set(true, false)
	if ran, _ := sched.Trigger(AutoUpdateName); !ran {
		t.Fatal("expected run on unmetered network with healthy battery")
	}
	if fires.Load() != 1 {
		t.Fatalf("expected 1 run, got %d", fires.Load())
	}
}

func TestCleanupIgnoresDeviceState(t *testing.T) {
	sched := New(NewDeviceState(false, true), nil)
	var fires atomic.Int32
	if _, err := sched.Ensure(AttachmentCleanup(counterJob(&fires))); err != nil {
		t.Fatal(err)
	}
	if ran, err := sched.Trigger(AttachmentCleanupName); err != nil || !ran {
		t.Fatalf("cleanup: ran=%v err=%v", ran, err)
	}
}

func TestTriggerUnknown(t *testing.T) {
	sched := New(nil, nil)
	if _, err := sched.Trigger("nope"); err == nil {
		t.Fatal("expected error for unscheduled policy")
	}
}

func TestTriggerRetries(t *testing.T) {
	sched := New(NewDeviceState(true, false), nil)
	calls := 0
	retry := &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	job := func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("connection reset")
		}
		return nil
	}
	if _, err := sched.Ensure(AutoUpdate(job, retry)); err != nil {
		t.Fatal(err)
	}
	if _, err := sched.Trigger(AutoUpdateName); err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestDesiredAndSync(t *testing.T) {
	noop := func(context.Context) error { return nil }
	jobs := Jobs{Update: noop, Cleanup: noop}

	cases := []struct {
		name  string
		state State
		want  []string
	}{
		{"nothing", State{}, nil},
		{"opt-in without package", State{AutoUpdateOptIn: true}, nil},
		{"package without opt-in", State{PackageInstalled: true}, nil},
		{"auto-update", State{PackageInstalled: true, AutoUpdateOptIn: true}, []string{AutoUpdateName}},
		{"cleanup", State{AttachmentsEnabled: true}, []string{AttachmentCleanupName}},
		{"both", State{PackageInstalled: true, AutoUpdateOptIn: true, AttachmentsEnabled: true}, []string{AttachmentCleanupName, AutoUpdateName}},
	}

	sched := New(nil, nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := sched.Sync(Desired(tc.state, jobs)); err != nil {
				t.Fatal(err)
			}
			got := sched.Scheduled()
			if len(got) != len(tc.want) {
				t.Fatalf("scheduled %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("scheduled %v, want %v", got, tc.want)
				}
			}
			if n := len(sched.cron.Entries()); n != len(tc.want) {
				t.Fatalf("expected %d cron entries, got %d", len(tc.want), n)
			}
		})
	}
}
