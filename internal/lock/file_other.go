//go:build !unix

package lock

import (
	"context"
	"time"
)

// FileLocker is not available on this platform.
type FileLocker struct {
	Dir      string
	Interval time.Duration
}

// NewFileLocker returns ErrUnsupported.
func NewFileLocker(string) (*FileLocker, error) { return nil, ErrUnsupported }

// Acquire implements Locker.
func (l *FileLocker) Acquire(context.Context, string) (Release, error) {
	return nil, ErrUnsupported
}
