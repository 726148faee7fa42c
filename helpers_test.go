// SPDX-License-Identifier: GPL-3.0-or-later

package udphandle

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"golang.org/x/sys/unix"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

// recordMessages returns the messages of the captured records.
func recordMessages(records []slog.Record) []string {
	var out []string
	for _, record := range records {
		out = append(out, record.Message)
	}
	return out
}

// recordAttr returns the value of the given attribute of record.
func recordAttr(record slog.Record, key string) (slog.Value, bool) {
	var (
		value slog.Value
		found bool
	)
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == key {
			value, found = attr.Value, true
			return false
		}
		return true
	})
	return value, found
}

// newMinimalConn returns a [*netstub.FuncConn] with only LocalAddrFunc and
// RemoteAddrFunc set. This is the minimum needed for code that calls
// [safeconn.LocalAddr], [safeconn.RemoteAddr], and [safeconn.Network]
// during construction.
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.UDPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.UDPAddr{} },
	}
}

// fakeLoopEpoch is the initial time of every [*fakeLoop].
var fakeLoopEpoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeWatch is a readable or writable registration.
type fakeWatch struct {
	active   bool
	callback func() error
}

// fakeTimer is an AfterFunc registration.
type fakeTimer struct {
	active   bool
	callback func() error
	seq      int
	when     time.Time
}

// fakeLoop is an [EventLoop] with a virtual clock that tests drive by hand.
type fakeLoop struct {
	now      time.Time
	posted   []func() error
	readable map[int]*fakeWatch
	seq      int
	timers   []*fakeTimer
	writable map[int]*fakeWatch
}

var _ EventLoop = &fakeLoop{}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{
		now:      fakeLoopEpoch,
		readable: make(map[int]*fakeWatch),
		writable: make(map[int]*fakeWatch),
	}
}

// Now returns the virtual time. Use it as [Config.TimeNow].
func (l *fakeLoop) Now() time.Time {
	return l.now
}

// WatchReadable implements [EventLoop].
func (l *fakeLoop) WatchReadable(fd int, callback func() error) (func(), error) {
	return l.watch(l.readable, fd, callback)
}

// WatchWritable implements [EventLoop].
func (l *fakeLoop) WatchWritable(fd int, callback func() error) (func(), error) {
	return l.watch(l.writable, fd, callback)
}

func (l *fakeLoop) watch(watches map[int]*fakeWatch, fd int, callback func() error) (func(), error) {
	if _, found := watches[fd]; found {
		return nil, errors.New("fakeLoop: already watched")
	}
	w := &fakeWatch{active: true, callback: callback}
	watches[fd] = w
	return func() {
		w.active = false
		if watches[fd] == w {
			delete(watches, fd)
		}
	}, nil
}

// AfterFunc implements [EventLoop].
func (l *fakeLoop) AfterFunc(delay time.Duration, callback func() error) func() {
	l.seq++
	t := &fakeTimer{active: true, callback: callback, seq: l.seq, when: l.now.Add(delay)}
	l.timers = append(l.timers, t)
	return func() {
		t.active = false
	}
}

// Post implements [EventLoop].
func (l *fakeLoop) Post(callback func() error) {
	l.posted = append(l.posted, callback)
}

// runPosted runs posted callbacks, including the ones they post.
func (l *fakeLoop) runPosted() error {
	for len(l.posted) > 0 {
		callback := l.posted[0]
		l.posted = l.posted[1:]
		if err := callback(); err != nil {
			return err
		}
	}
	return nil
}

// isReadable returns whether fd is watched for reading.
func (l *fakeLoop) isReadable(fd int) bool {
	_, found := l.readable[fd]
	return found
}

// isWritable returns whether fd is watched for writing.
func (l *fakeLoop) isWritable(fd int) bool {
	_, found := l.writable[fd]
	return found
}

// fireReadable runs the readable callback of fd, if any.
func (l *fakeLoop) fireReadable(fd int) error {
	if w, found := l.readable[fd]; found && w.active {
		return w.callback()
	}
	return nil
}

// fireWritable runs the writable callback of fd, if any.
func (l *fakeLoop) fireWritable(fd int) error {
	if w, found := l.writable[fd]; found && w.active {
		return w.callback()
	}
	return nil
}

// pendingTimers returns the number of active timers.
func (l *fakeLoop) pendingTimers() int {
	var count int
	for _, t := range l.timers {
		if t.active {
			count++
		}
	}
	return count
}

// advance moves the virtual clock forward by d, firing due timers in
// deadline order with the clock set to each deadline.
func (l *fakeLoop) advance(d time.Duration) error {
	target := l.now.Add(d)
	for {
		l.timers = slices.DeleteFunc(l.timers, func(t *fakeTimer) bool { return !t.active })
		slices.SortFunc(l.timers, func(a, b *fakeTimer) int {
			if c := a.when.Compare(b.when); c != 0 {
				return c
			}
			return a.seq - b.seq
		})
		if len(l.timers) <= 0 || l.timers[0].when.After(target) {
			break
		}
		t := l.timers[0]
		t.active = false
		if t.when.After(l.now) {
			l.now = t.when
		}
		if err := t.callback(); err != nil {
			return err
		}
	}
	l.now = target
	return nil
}

// fakeDatagram is a datagram seen by [*fakeSyscalls].
type fakeDatagram struct {
	payload []byte
	addr    unix.Sockaddr
}

// fakeSocketCall records the arguments of a socket system call.
type fakeSocketCall struct {
	domain int
	typ    int
	proto  int
}

// fakeSyscalls is a [Syscalls] simulating a single socket in memory.
//
// Received datagrams come from inbox; when it is empty, Recvfrom fails
// with recvErr or, when that is nil, with EAGAIN. Each SendmsgN consumes
// the head of sendErrs, if any, and records the datagram when it succeeds.
type fakeSyscalls struct {
	binds      []unix.Sockaddr
	bindErr    error
	closed     []int
	connectErr error
	connects   []unix.Sockaddr
	inbox      []fakeDatagram
	nextFD     int
	peer       unix.Sockaddr
	recvErr    error
	sendErrs   []error
	sent       []fakeDatagram
	sockets    []fakeSocketCall
	socketErrs map[int]error
	sockopts   [][3]int
}

var _ Syscalls = &fakeSyscalls{}

func newFakeSyscalls() *fakeSyscalls {
	return &fakeSyscalls{nextFD: 7, socketErrs: make(map[int]error)}
}

// receive appends a datagram from addr to the inbox.
func (s *fakeSyscalls) receive(payload string, addr netip.AddrPort) {
	sa, err := sockaddrFor(unix.AF_INET6, addr)
	if addr.Addr().Is4() {
		sa, err = sockaddrFor(unix.AF_INET, addr)
	}
	if err != nil {
		panic(err)
	}
	s.inbox = append(s.inbox, fakeDatagram{payload: []byte(payload), addr: sa})
}

// sentPayloads returns the payloads sent so far.
func (s *fakeSyscalls) sentPayloads() []string {
	var out []string
	for _, d := range s.sent {
		out = append(out, string(d.payload))
	}
	return out
}

// Socket implements [Syscalls].
func (s *fakeSyscalls) Socket(domain, typ, proto int) (int, error) {
	s.sockets = append(s.sockets, fakeSocketCall{domain: domain, typ: typ, proto: proto})
	if err := s.socketErrs[domain]; err != nil {
		return -1, err
	}
	fd := s.nextFD
	s.nextFD++
	return fd, nil
}

// SetNonblock implements [Syscalls].
func (s *fakeSyscalls) SetNonblock(fd int, nonblocking bool) error {
	return nil
}

// SetsockoptInt implements [Syscalls].
func (s *fakeSyscalls) SetsockoptInt(fd, level, opt, value int) error {
	s.sockopts = append(s.sockopts, [3]int{level, opt, value})
	return nil
}

// Bind implements [Syscalls].
func (s *fakeSyscalls) Bind(fd int, sa unix.Sockaddr) error {
	s.binds = append(s.binds, sa)
	return s.bindErr
}

// Connect implements [Syscalls].
func (s *fakeSyscalls) Connect(fd int, sa unix.Sockaddr) error {
	s.connects = append(s.connects, sa)
	if s.connectErr == nil {
		s.peer = sa
	}
	return s.connectErr
}

// SendmsgN implements [Syscalls].
func (s *fakeSyscalls) SendmsgN(fd int, p []byte, to unix.Sockaddr) (int, error) {
	if len(s.sendErrs) > 0 {
		err := s.sendErrs[0]
		s.sendErrs = s.sendErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	s.sent = append(s.sent, fakeDatagram{payload: slices.Clone(p), addr: to})
	return len(p), nil
}

// Recvfrom implements [Syscalls].
func (s *fakeSyscalls) Recvfrom(fd int, p []byte) (int, unix.Sockaddr, error) {
	if len(s.inbox) <= 0 {
		if s.recvErr != nil {
			return 0, nil, s.recvErr
		}
		return 0, nil, unix.EAGAIN
	}
	d := s.inbox[0]
	s.inbox = s.inbox[1:]
	return copy(p, d.payload), d.addr, nil
}

// Getsockname implements [Syscalls].
func (s *fakeSyscalls) Getsockname(fd int) (unix.Sockaddr, error) {
	if len(s.binds) <= 0 {
		return &unix.SockaddrInet4{}, nil
	}
	return s.binds[len(s.binds)-1], nil
}

// Getpeername implements [Syscalls].
func (s *fakeSyscalls) Getpeername(fd int) (unix.Sockaddr, error) {
	if s.peer == nil {
		return nil, unix.ENOTCONN
	}
	return s.peer, nil
}

// Close implements [Syscalls].
func (s *fakeSyscalls) Close(fd int) error {
	s.closed = append(s.closed, fd)
	return nil
}

// fakeResolver is a [Resolver] posting a canned answer on the loop.
type fakeResolver struct {
	candidates []Candidate
	err        error
	loop       *fakeLoop
	queries    []string
}

var _ Resolver = &fakeResolver{}

// Resolve implements [Resolver].
func (r *fakeResolver) Resolve(host, port string, family Family, callback func([]Candidate, error) error) {
	r.queries = append(r.queries, net.JoinHostPort(host, port))
	candidates, err := r.candidates, r.err
	r.loop.Post(func() error {
		return callback(candidates, err)
	})
}

// handleFixture bundles the fakes used to test a [*Handle].
type handleFixture struct {
	cfg     *Config
	loop    *fakeLoop
	records *[]slog.Record
	logger  *slog.Logger
	sys     *fakeSyscalls
}

func newHandleFixture() *handleFixture {
	loop := newFakeLoop()
	sys := newFakeSyscalls()
	cfg := NewConfig()
	cfg.Syscalls = sys
	cfg.TimeNow = loop.Now
	cfg.Lookup = func(ctx context.Context, network, host string) ([]netip.Addr, error) {
		return nil, errors.New("unexpected lookup")
	}
	logger, records := newCapturingLogger()
	return &handleFixture{cfg: cfg, loop: loop, records: records, logger: logger, sys: sys}
}

// newOptions returns options with an OnRecv appending to received.
func (f *handleFixture) newOptions(received *[]string) *HandleOptions {
	opts := NewHandleOptions()
	opts.OnRecv = func(payload []byte, h *Handle, from netip.AddrPort) {
		if received != nil {
			*received = append(*received, string(payload))
		}
	}
	return opts
}

// newHandle creates a handle failing the test setup on error.
func (f *handleFixture) newHandle(opts *HandleOptions) *Handle {
	h, err := NewHandle(f.cfg, f.loop, opts, f.logger)
	if err != nil {
		panic(err)
	}
	return h
}
