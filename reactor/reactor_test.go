//go:build unix

// SPDX-License-Identifier: GPL-3.0-or-later

package reactor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newTestLoop returns a loop that is closed when the test ends.
func newTestLoop(t *testing.T) *Loop {
	loop, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { loop.Close() })
	return loop
}

// newTestPipe returns a non-blocking pipe closed when the test ends.
func newTestPipe(t *testing.T) (r, w int) {
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	return fds[0], fds[1]
}

// Timers fire in deadline order and ties fire in scheduling order.
func TestLoopTimersOrder(t *testing.T) {
	loop := newTestLoop(t)

	var fired []string
	loop.AfterFunc(20*time.Millisecond, func() error {
		fired = append(fired, "c")
		loop.Stop()
		return nil
	})
	loop.AfterFunc(time.Millisecond, func() error {
		fired = append(fired, "a")
		return nil
	})
	loop.AfterFunc(time.Millisecond, func() error {
		fired = append(fired, "b")
		return nil
	})

	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, fired)
}

// A cancelled timer never fires and cancelling twice is safe.
func TestLoopTimerCancel(t *testing.T) {
	loop := newTestLoop(t)

	fired := false
	cancel := loop.AfterFunc(time.Millisecond, func() error {
		fired = true
		return nil
	})
	cancel()
	cancel()
	loop.AfterFunc(10*time.Millisecond, func() error {
		loop.Stop()
		return nil
	})

	require.NoError(t, loop.Run(context.Background()))
	assert.False(t, fired)
	assert.Equal(t, 0, loop.timers.Len())
}

// A timer does not fire before its deadline.
func TestLoopTimerDeadline(t *testing.T) {
	loop := newTestLoop(t)

	const delay = 50 * time.Millisecond
	t0 := time.Now()
	var elapsed time.Duration
	loop.AfterFunc(delay, func() error {
		elapsed = time.Since(t0)
		loop.Stop()
		return nil
	})

	require.NoError(t, loop.Run(context.Background()))
	assert.GreaterOrEqual(t, elapsed, delay)
}

// Post wakes up a loop blocked in poll from another goroutine.
func TestLoopPostFromGoroutine(t *testing.T) {
	loop := newTestLoop(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		loop.Post(func() error {
			loop.Stop()
			return nil
		})
	}()

	require.NoError(t, loop.Run(ctx))
}

// A callback error stops the loop and is returned by Run.
func TestLoopCallbackError(t *testing.T) {
	loop := newTestLoop(t)

	wantErr := errors.New("mocked error")
	loop.Post(func() error { return wantErr })

	err := loop.Run(context.Background())
	require.ErrorIs(t, err, wantErr)
}

// Run returns the context error once the context is done.
func TestLoopContextDone(t *testing.T) {
	loop := newTestLoop(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := loop.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// A readable watch fires until the data is consumed or the watch is cancelled.
func TestLoopWatchReadable(t *testing.T) {
	loop := newTestLoop(t)
	r, w := newTestPipe(t)

	_, err := unix.Write(w, []byte("abc"))
	require.NoError(t, err)

	count := 0
	var cancel func()
	cancel, err = loop.WatchReadable(r, func() error {
		count++
		if count == 3 {
			cancel()
			loop.Stop()
		}
		return nil
	})
	require.NoError(t, err)

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	require.NoError(t, loop.Run(ctx))

	// level triggered: the unread data keeps the descriptor readable
	assert.Equal(t, 3, count)
	assert.Empty(t, loop.watches)
}

// A writable watch fires for a pipe with room in its buffer.
func TestLoopWatchWritable(t *testing.T) {
	loop := newTestLoop(t)
	_, w := newTestPipe(t)

	var cancel func()
	var err error
	cancel, err = loop.WatchWritable(w, func() error {
		cancel()
		loop.Stop()
		return nil
	})
	require.NoError(t, err)

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	require.NoError(t, loop.Run(ctx))
}

// At most one watch per direction may exist for a descriptor.
func TestLoopWatchTwice(t *testing.T) {
	loop := newTestLoop(t)
	r, _ := newTestPipe(t)

	cancel, err := loop.WatchReadable(r, func() error { return nil })
	require.NoError(t, err)

	_, err = loop.WatchReadable(r, func() error { return nil })
	require.ErrorIs(t, err, ErrAlreadyWatched)

	// The other direction is independent
	cancelw, err := loop.WatchWritable(r, func() error { return nil })
	require.NoError(t, err)
	cancelw()

	// After cancel we can watch again
	cancel()
	cancel, err = loop.WatchReadable(r, func() error { return nil })
	require.NoError(t, err)
	cancel()
}

// A watch cancelled by an earlier callback in the same iteration does not fire.
func TestLoopCancelledWatchDoesNotFire(t *testing.T) {
	loop := newTestLoop(t)
	r1, w1 := newTestPipe(t)
	r2, w2 := newTestPipe(t)

	_, err := unix.Write(w1, []byte("x"))
	require.NoError(t, err)
	_, err = unix.Write(w2, []byte("x"))
	require.NoError(t, err)

	var cancels [2]func()
	var fired [2]int
	for idx, fd := range []int{r1, r2} {
		cancels[idx], err = loop.WatchReadable(fd, func() error {
			fired[idx]++
			cancels[0]()
			cancels[1]()
			loop.Stop()
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, 1, fired[0]+fired[1])
}

// Operations on a closed loop fail.
func TestLoopClosed(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	require.NoError(t, loop.Close())

	require.ErrorIs(t, loop.Close(), ErrClosed)
	require.ErrorIs(t, loop.Run(context.Background()), ErrClosed)
	_, err = loop.WatchReadable(0, func() error { return nil })
	require.ErrorIs(t, err, ErrClosed)
}

// Post and Stop on a closed loop do not write to descriptors that reuse
// the numbers of the former wakeup pipe.
func TestLoopPostAfterClose(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	require.NoError(t, loop.Close())
	r, _ := newTestPipe(t)

	loop.Post(func() error {
		panic("posted callback must not run")
	})
	loop.Stop()

	var buf [1]byte
	_, err = unix.Read(r, buf[:])
	require.ErrorIs(t, err, unix.EAGAIN)
	assert.Empty(t, loop.posted)
}
