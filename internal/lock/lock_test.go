package lock

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoop(t *testing.T) {
	release, err := Noop{}.Acquire(context.Background(), "a")
	require.NoError(t, err)
	require.NoError(t, release())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Noop{}.Acquire(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
}

// exclusive checks that at most one holder is inside the critical section.
func exclusive(t *testing.T, l Locker) {
	t.Helper()
	var inside, maxInside, total int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			release, err := l.Acquire(ctx, "original_id=7")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			atomic.AddInt32(&total, 1)
			assert.NoError(t, release())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, int32(6), total)
}

func TestFileLockerExclusive(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flock is unix only")
	}
	l, err := NewFileLocker(t.TempDir())
	require.NoError(t, err)
	l.Interval = time.Millisecond
	exclusive(t, l)
}

func TestFileLockerContendedTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flock is unix only")
	}
	l, err := NewFileLocker(t.TempDir())
	require.NoError(t, err)
	l.Interval = time.Millisecond

	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Acquire(context.Background(), "other")
	require.NoError(t, err, "distinct keys do not contend")
	require.NoError(t, other())

	require.NoError(t, release())
	assert.ErrorIs(t, release(), ErrNotHeld)

	again, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	require.NoError(t, again())
}

func TestFileLockerSanitizesKey(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flock is unix only")
	}
	dir := t.TempDir()
	l, err := NewFileLocker(dir)
	require.NoError(t, err)
	release, err := l.Acquire(context.Background(), "a/b")
	require.NoError(t, err)
	defer release()
	_, err = os.Stat(dir + "/a_b.lock")
	assert.NoError(t, err)
}

func TestRedisLockerUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedisLocker(ctx, RedisOptions{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

// TestRedisLocker runs against a live server named by ADSORBFLOW_REDIS_ADDR.
func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("ADSORBFLOW_REDIS_ADDR")
	if addr == "" {
		t.Skip("ADSORBFLOW_REDIS_ADDR not set")
	}
	l, err := NewRedisLocker(context.Background(), RedisOptions{
		Addr:     addr,
		Prefix:   "adsorbflow:test:" + t.Name() + ":",
		TTL:      5 * time.Second,
		Interval: time.Millisecond,
	})
	require.NoError(t, err)
	defer l.Close()
	exclusive(t, l)

	release, err := l.Acquire(context.Background(), "expiring")
	require.NoError(t, err)
	require.NoError(t, release())
	assert.ErrorIs(t, release(), ErrNotHeld)
}
