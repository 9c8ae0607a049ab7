package kvstore

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// TurnLock is the per-store mutual exclusion shared by every bot
// invocation. A holder keeps it for one synchronous turn of its script,
// so a read-compare-write sequence between two awaits cannot interleave
// with another invocation.
//
// The lock also counts generations of the store's contents. Clearing the
// store for a different bot advances it, and runs pinned to an earlier
// generation lose storage access.
type TurnLock struct {
	sem   *semaphore.Weighted
	epoch atomic.Uint64
}

func NewTurnLock() *TurnLock {
	return &TurnLock{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the lock is free or ctx is done.
func (l *TurnLock) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire storage lock: %w", err)
	}
	return nil
}

func (l *TurnLock) Release() {
	l.sem.Release(1)
}

type epochKey struct{}

// Pin records the current generation in ctx. Take it before resolving
// which bot to run.
func (l *TurnLock) Pin(ctx context.Context) context.Context {
	return context.WithValue(ctx, epochKey{}, l.epoch.Load())
}

// Stale reports whether ctx was pinned to an earlier generation. Unpinned
// contexts are never stale. Call it with the lock held.
func (l *TurnLock) Stale(ctx context.Context) bool {
	e, ok := ctx.Value(epochKey{}).(uint64)
	return ok && e != l.epoch.Load()
}

// Advance starts a new generation. Call it with the lock held.
func (l *TurnLock) Advance() {
	l.epoch.Add(1)
}
