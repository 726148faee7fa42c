//go:build unix

// SPDX-License-Identifier: GPL-3.0-or-later

// Package reactor provides a single-threaded, poll(2) based event loop.
//
// The [*Loop] dispatches three kinds of callbacks on the goroutine running
// [*Loop.Run]: readiness callbacks registered with [*Loop.WatchReadable]
// and [*Loop.WatchWritable], timer callbacks registered with
// [*Loop.AfterFunc], and callbacks handed over from other goroutines with
// [*Loop.Post].
//
// Readiness is level triggered: a watch fires on every iteration for as
// long as the descriptor stays ready, so the owner must either consume the
// readiness or cancel the watch.
//
// A callback returning a non-nil error stops the loop, and [*Loop.Run]
// returns that error to its caller.
//
// Only [*Loop.Post] and [*Loop.Stop] are safe to call from goroutines other
// than the one running the loop.
package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/udphandle/ioclass"
	"golang.org/x/sys/unix"
)

// ErrAlreadyWatched indicates that the descriptor already has an active
// watch for the requested direction.
var ErrAlreadyWatched = errors.New("reactor: descriptor already watched for this direction")

// ErrClosed indicates that the loop has been closed.
var ErrClosed = errors.New("reactor: loop closed")

// watch is a readiness registration.
type watch struct {
	active   bool
	callback func() error
}

// fdWatches holds the registrations of a descriptor.
type fdWatches struct {
	read  *watch
	write *watch
}

// Loop is a single-threaded event loop.
//
// Construct using [New].
type Loop struct {
	// TimeNow returns the current time (configurable for testing).
	//
	// Set by [New] to [time.Now].
	TimeNow func() time.Time

	closed  bool
	mu      sync.Mutex
	posted  []func() error
	stopped atomic.Bool
	timers  timerHeap
	tseq    uint64
	wakeR   int
	wakeW   int
	watches map[int]*fdWatches
}

// New creates a new [*Loop].
//
// The caller must call [*Loop.Close] when done.
func New() (*Loop, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, err
		}
	}
	return &Loop{
		TimeNow: time.Now,
		wakeR:   fds[0],
		wakeW:   fds[1],
		watches: make(map[int]*fdWatches),
	}, nil
}

// Close releases the resources used by the loop.
//
// Close must not be called while [*Loop.Run] is running.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.closed = true
	err1 := unix.Close(l.wakeR)
	err2 := unix.Close(l.wakeW)
	return errors.Join(err1, err2)
}

// WatchReadable arranges for callback to run whenever fd is readable.
//
// The returned cancel function is idempotent.
func (l *Loop) WatchReadable(fd int, callback func() error) (func(), error) {
	return l.watch(fd, callback, false)
}

// WatchWritable arranges for callback to run whenever fd is writable.
//
// The returned cancel function is idempotent.
func (l *Loop) WatchWritable(fd int, callback func() error) (func(), error) {
	return l.watch(fd, callback, true)
}

func (l *Loop) watch(fd int, callback func() error, writable bool) (func(), error) {
	if l.isClosed() {
		return nil, ErrClosed
	}
	fw := l.watches[fd]
	if fw == nil {
		fw = &fdWatches{}
		l.watches[fd] = fw
	}
	slot := &fw.read
	if writable {
		slot = &fw.write
	}
	if *slot != nil {
		return nil, ErrAlreadyWatched
	}
	w := &watch{active: true, callback: callback}
	*slot = w
	cancel := func() {
		if !w.active {
			return
		}
		w.active = false
		if *slot == w {
			*slot = nil
		}
		if fw.read == nil && fw.write == nil && l.watches[fd] == fw {
			delete(l.watches, fd)
		}
	}
	return cancel, nil
}

// AfterFunc arranges for callback to run once, after at least delay.
//
// The returned cancel function is idempotent.
func (l *Loop) AfterFunc(delay time.Duration, callback func() error) func() {
	l.tseq++
	t := &timer{
		callback: callback,
		index:    -1,
		seq:      l.tseq,
		when:     l.TimeNow().Add(delay),
	}
	l.timers.push(t)
	return func() {
		l.timers.remove(t)
	}
}

// Post schedules callback to run on the loop goroutine.
//
// Callbacks posted after [*Loop.Close] are dropped.
//
// This method is safe to call from any goroutine.
func (l *Loop) Post(callback func() error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.posted = append(l.posted, callback)
	l.wakeLocked()
}

// Stop causes [*Loop.Run] to return nil at the next iteration.
//
// This method is safe to call from any goroutine.
func (l *Loop) Stop() {
	l.stopped.Store(true)
	l.wake()
}

func (l *Loop) wake() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.wakeLocked()
	}
}

// wakeLocked writes to the wakeup pipe; the caller holds l.mu and has
// checked that the pipe is still open.
func (l *Loop) wakeLocked() {
	// A full pipe already guarantees a wakeup.
	_, _ = unix.Write(l.wakeW, []byte{0})
}

func (l *Loop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loop) drainWakeups() {
	var buf [64]byte
	for {
		_, err := unix.Read(l.wakeR, buf[:])
		if err != nil {
			return
		}
	}
}

// Run runs the loop until [*Loop.Stop] is called, ctx is done, or a
// callback returns an error.
func (l *Loop) Run(ctx context.Context) error {
	if l.isClosed() {
		return ErrClosed
	}
	stop := context.AfterFunc(ctx, l.wake)
	defer stop()
	l.stopped.Store(false)

	for {
		if l.stopped.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.runPosted(); err != nil {
			return err
		}
		if err := l.runTimers(); err != nil {
			return err
		}
		if l.stopped.Load() {
			return nil
		}
		if err := l.poll(); err != nil {
			return err
		}
	}
}

func (l *Loop) runPosted() error {
	l.mu.Lock()
	posted := l.posted
	l.posted = nil
	l.mu.Unlock()
	for idx, callback := range posted {
		if err := callback(); err != nil {
			// Keep the callbacks we did not run for the next Run.
			l.mu.Lock()
			l.posted = append(posted[idx+1:], l.posted...)
			l.mu.Unlock()
			return err
		}
	}
	return nil
}

func (l *Loop) runTimers() error {
	now := l.TimeNow()
	for {
		t := l.timers.peek()
		if t == nil || t.when.After(now) {
			return nil
		}
		l.timers.remove(t)
		if err := t.callback(); err != nil {
			return err
		}
	}
}

// pollTimeout returns the poll(2) timeout in milliseconds.
func (l *Loop) pollTimeout() int {
	l.mu.Lock()
	pending := len(l.posted)
	l.mu.Unlock()
	if pending > 0 {
		return 0
	}
	t := l.timers.peek()
	if t == nil {
		return -1
	}
	delta := t.when.Sub(l.TimeNow())
	if delta <= 0 {
		return 0
	}
	return int((delta + time.Millisecond - 1) / time.Millisecond)
}

func (l *Loop) poll() error {
	pfds := make([]unix.PollFd, 0, len(l.watches)+1)
	pfds = append(pfds, unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN})
	for fd, fw := range l.watches {
		var events int16
		if fw.read != nil {
			events |= unix.POLLIN
		}
		if fw.write != nil {
			events |= unix.POLLOUT
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: events})
	}

	_, err := unix.Poll(pfds, l.pollTimeout())
	if ioclass.IsTransient(err) {
		return nil
	}
	if err != nil {
		return err
	}

	const readMask = unix.POLLIN | unix.POLLERR | unix.POLLHUP
	const writeMask = unix.POLLOUT | unix.POLLERR | unix.POLLHUP
	if pfds[0].Revents != 0 {
		l.drainWakeups()
	}
	for _, pfd := range pfds[1:] {
		if pfd.Revents == 0 {
			continue
		}
		// Previous callbacks may have cancelled these watches.
		fw := l.watches[int(pfd.Fd)]
		if fw == nil {
			continue
		}
		if pfd.Revents&readMask != 0 && fw.read != nil && fw.read.active {
			if err := fw.read.callback(); err != nil {
				return err
			}
		}
		if pfd.Revents&writeMask != 0 && fw.write != nil && fw.write.active {
			if err := fw.write.callback(); err != nil {
				return err
			}
		}
	}
	return nil
}
