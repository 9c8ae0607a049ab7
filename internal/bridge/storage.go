package bridge

import (
	"context"
	"errors"
)

// ErrStorageReplaced is returned to a run whose bot was replaced by one
// from a different source while it was running.
var ErrStorageReplaced = errors.New("bot storage was reset for a newer bot")

// Storage calls take the store's turn lock on first use and keep it until
// EndTurn, so everything a script does with storage between two suspension
// points is one critical section.

func (s *Session) acquire(ctx context.Context) error {
	if s.holdsLock {
		return nil
	}
	if err := s.b.cfg.Lock.Acquire(ctx); err != nil {
		return err
	}
	if s.b.cfg.Lock.Stale(ctx) {
		s.b.cfg.Lock.Release()
		return ErrStorageReplaced
	}
	s.holdsLock = true
	return nil
}

// EndTurn releases the storage lock if this session holds it. The engine
// calls it whenever the guest yields back to the event loop.
func (s *Session) EndTurn() {
	if s.holdsLock {
		s.holdsLock = false
		s.b.cfg.Lock.Release()
	}
}

func (s *Session) StorageGet(ctx context.Context, key string) (string, bool, error) {
	if err := s.acquire(ctx); err != nil {
		return "", false, err
	}
	return s.b.cfg.Store.Get(ctx, key)
}

func (s *Session) StorageSet(ctx context.Context, key, value string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	return s.b.cfg.Store.Set(ctx, key, value)
}

func (s *Session) StorageRemove(ctx context.Context, key string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	return s.b.cfg.Store.Remove(ctx, key)
}

func (s *Session) StorageKeys(ctx context.Context) ([]string, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	return s.b.cfg.Store.Keys(ctx)
}
