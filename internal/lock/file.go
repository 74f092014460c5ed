//go:build unix

package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// FileLocker takes advisory flock locks on files under Dir. The lock is
// released by the kernel when the holding process exits.
type FileLocker struct {
	Dir      string
	Interval time.Duration // polling interval while contended, default 50ms
}

// NewFileLocker returns a FileLocker rooted at dir, creating it if needed.
func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lock: create dir: %w", err)
	}
	return &FileLocker{Dir: dir}, nil
}

// Acquire implements Locker.
func (l *FileLocker) Acquire(ctx context.Context, key string) (Release, error) {
	path := filepath.Join(l.Dir, sanitize(key)+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lock: open %s: %w", path, err)
	}
	interval := l.Interval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	err = retry(ctx, interval, func() (bool, error) {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return err == nil, err
	})
	if err != nil {
		f.Close()
		return nil, err
	}

	released := false
	return func() error {
		if released {
			return ErrNotHeld
		}
		released = true
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			f.Close()
			return fmt.Errorf("lock: unlock %s: %w", path, err)
		}
		return f.Close()
	}, nil
}

func sanitize(key string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == os.PathSeparator || r == 0 {
			return '_'
		}
		return r
	}, key)
}
