// Package lock provides optional mutual exclusion around store reservations.
// The reservation itself is the correctness guarantee; a lock only keeps
// concurrent workers from racing for the same key.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotHeld is returned when releasing a lock the caller no longer owns.
	ErrNotHeld = errors.New("lock: not held")
	// ErrUnsupported is returned by lockers unavailable on this platform.
	ErrUnsupported = errors.New("lock: unsupported on this platform")
)

// Release gives up a held lock.
type Release func() error

// Locker acquires a named exclusive lock, blocking until it is held or ctx
// is done.
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// Noop never blocks.
type Noop struct{}

// Acquire implements Locker.
func (Noop) Acquire(ctx context.Context, _ string) (Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return func() error { return nil }, nil
}

// retry calls try until it reports success, an error, or ctx is done.
func retry(ctx context.Context, interval time.Duration, try func() (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
