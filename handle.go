// SPDX-License-Identifier: GPL-3.0-or-later

package udphandle

import (
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// defaultReceiveSize is the default size of the receive buffer, which
// matches the typical Ethernet MTU.
const defaultReceiveSize = 1500

// HandleOptions contains the options for [NewHandle].
//
// Construct using [NewHandleOptions], then modify the fields you need.
type HandleOptions struct {
	// Bind is the optional address to bind to at construction.
	Bind *AddressSpec

	// Connect is the optional address to connect to at construction.
	Connect *AddressSpec

	// OnRecv is invoked for each received datagram. The payload is a fresh
	// slice owned by the callback. This field is required.
	OnRecv func(payload []byte, h *Handle, from netip.AddrPort)

	// OnError is invoked for each error. When fatal is true, the handle is
	// destroyed after the callback returns. When nil, errors destroy the
	// handle and are returned to the caller or to the [EventLoop].
	OnError func(h *Handle, fatal bool, err error)

	// OnDrain is invoked when the send queue becomes empty.
	OnDrain func(h *Handle)

	// ReceiveSize is the maximum datagram size we read.
	//
	// Set by [NewHandleOptions] to 1500. Non-positive values mean 1500.
	ReceiveSize int

	// Family restricts the address family of resolved addresses.
	Family Family

	// Autoflush enables sending immediately when the send queue is empty.
	Autoflush bool

	// ReuseAddr enables SO_REUSEADDR when creating a socket to bind it.
	//
	// Set by [NewHandleOptions] to true.
	ReuseAddr bool

	// Timeout is the read or write inactivity timeout. Zero disables it.
	Timeout time.Duration

	// RTimeout is the read inactivity timeout. Zero disables it.
	RTimeout time.Duration

	// WTimeout is the write inactivity timeout. Zero disables it.
	WTimeout time.Duration

	// OnTimeout is invoked when Timeout expires.
	OnTimeout func(h *Handle)

	// OnRTimeout is invoked when RTimeout expires.
	OnRTimeout func(h *Handle)

	// OnWTimeout is invoked when WTimeout expires.
	OnWTimeout func(h *Handle)

	// Resolver resolves host and port pairs. When nil, [NewHandle]
	// uses a [*LoopResolver] created from the [*Config].
	Resolver Resolver
}

// NewHandleOptions returns [*HandleOptions] with sensible defaults.
func NewHandleOptions() *HandleOptions {
	return &HandleOptions{
		ReceiveSize: defaultReceiveSize,
		ReuseAddr:   true,
	}
}

// Handle is a non-blocking UDP socket driven by an [EventLoop].
//
// A handle owns at most one socket, created by the first successful bind
// or connect. The (domain, type, protocol) signature of the socket is fixed
// at creation: later binds and connects only accept addresses with the same
// signature.
//
// All methods must be called from the event loop goroutine. After
// [*Handle.Destroy], methods return [net.ErrClosed] or do nothing.
//
// Construct using [NewHandle].
type Handle struct {
	autoflush   bool
	classifier  ErrClassifier
	connected   bool
	connecting  int
	destroyed   bool
	family      Family
	fd          int
	logger      SLogger
	loop        EventLoop
	metrics     *Metrics
	onDrain     func(h *Handle)
	onError     func(h *Handle, fatal bool, err error)
	onRecv      func(payload []byte, h *Handle, from netip.AddrPort)
	queue       []*pendingSend
	readCancel  func()
	receiveSize int
	resolver    Resolver
	reuseAddr   bool
	sig         signature
	spanID      string
	sys         Syscalls
	timeNow     func() time.Time
	timeouts    [numTimeoutKinds]*inactivityTimer
	writeCancel func()
}

// NewHandle creates a new [*Handle] running on loop.
//
// The cfg argument contains the common configuration.
//
// The loop argument is the [EventLoop] driving the handle.
//
// The opts argument contains the handle options.
//
// The logger argument is the [SLogger] to use for structured logging.
//
// Timeouts are armed first, then the handle binds and connects as
// requested by opts. Literal addresses are bound or connected before
// NewHandle returns; host and port pairs complete asynchronously.
//
// On failure without [HandleOptions.OnError], the handle is destroyed and
// NewHandle returns the error. With OnError, the error is reported there
// and NewHandle returns the destroyed handle.
func NewHandle(cfg *Config, loop EventLoop, opts *HandleOptions, logger SLogger) (*Handle, error) {
	if opts.OnRecv == nil {
		return nil, ErrMissingOnRecv
	}
	if !opts.Family.valid() {
		return nil, ErrInvalidFamily
	}
	if opts.Timeout < 0 || opts.RTimeout < 0 || opts.WTimeout < 0 {
		return nil, ErrInvalidTimeout
	}

	spanID := NewSpanID()
	slogger := spanSLogger{logger: logger, spanID: spanID}
	receiveSize := opts.ReceiveSize
	if receiveSize <= 0 {
		receiveSize = defaultReceiveSize
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = NewLoopResolver(cfg, loop, slogger)
	}

	h := &Handle{
		autoflush:   opts.Autoflush,
		classifier:  cfg.ErrClassifier,
		family:      opts.Family,
		fd:          -1,
		logger:      slogger,
		loop:        loop,
		metrics:     cfg.Metrics,
		onDrain:     opts.OnDrain,
		onError:     opts.OnError,
		onRecv:      opts.OnRecv,
		receiveSize: receiveSize,
		resolver:    resolver,
		reuseAddr:   opts.ReuseAddr,
		spanID:      spanID,
		sys:         NewObserveSyscalls(cfg, cfg.Syscalls, slogger),
		timeNow:     cfg.TimeNow,
	}

	now := h.timeNow()
	h.timeouts[timeoutCombined] = newInactivityTimer(timeoutCombined, opts.Timeout, opts.OnTimeout, now)
	h.timeouts[timeoutRead] = newInactivityTimer(timeoutRead, opts.RTimeout, opts.OnRTimeout, now)
	h.timeouts[timeoutWrite] = newInactivityTimer(timeoutWrite, opts.WTimeout, opts.OnWTimeout, now)
	for _, t := range h.timeouts {
		if err := h.checkTimeout(t); err != nil {
			return nil, err
		}
	}

	if opts.Bind != nil {
		if err := h.BindTo(opts.Bind); err != nil {
			return nil, err
		}
	}
	if opts.Connect != nil && !h.destroyed {
		if err := h.ConnectTo(opts.Connect); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// SpanID returns the span ID attached to the events logged by the handle.
func (h *Handle) SpanID() string {
	return h.spanID
}

// FD returns the socket descriptor or -1 when there is no socket.
func (h *Handle) FD() int {
	return h.fd
}

// Destroyed returns whether the handle has been destroyed.
func (h *Handle) Destroyed() bool {
	return h.destroyed
}

// Autoflush returns whether autoflush is enabled.
func (h *Handle) Autoflush() bool {
	return h.autoflush
}

// SetAutoflush enables or disables autoflush.
func (h *Handle) SetAutoflush(value bool) {
	h.autoflush = value
}

// SetOnDrain replaces the drain callback. When the handle is live and its
// send queue is empty, fn is invoked immediately.
func (h *Handle) SetOnDrain(fn func(h *Handle)) {
	if h.destroyed {
		return
	}
	h.onDrain = fn
	if fn != nil && len(h.queue) <= 0 {
		fn(h)
	}
}

// QueueLen returns the number of datagrams waiting to be sent.
func (h *Handle) QueueLen() int {
	return len(h.queue)
}

// Sockname returns the local address of the socket.
func (h *Handle) Sockname() (netip.AddrPort, error) {
	return h.sockaddr("getsockname", h.sys.Getsockname)
}

// Peername returns the address of the connected peer.
func (h *Handle) Peername() (netip.AddrPort, error) {
	return h.sockaddr("getpeername", h.sys.Getpeername)
}

func (h *Handle) sockaddr(op string, fn func(fd int) (unix.Sockaddr, error)) (netip.AddrPort, error) {
	if h.destroyed {
		return netip.AddrPort{}, net.ErrClosed
	}
	if h.fd < 0 {
		return netip.AddrPort{}, os.NewSyscallError(op, unix.EBADF)
	}
	sa, err := fn(h.fd)
	if err != nil {
		return netip.AddrPort{}, os.NewSyscallError(op, err)
	}
	return addrPortFromSockaddr(sa), nil
}

// fail reports err through the error path.
//
// With an error callback, the callback decides what to do and the handle
// is destroyed afterwards if fatal is true. Without one, the handle is
// destroyed and the error is returned so that the caller (or the event
// loop) can surface it.
func (h *Handle) fail(fatal bool, err error) error {
	if h.destroyed {
		return nil
	}
	h.logger.Info(
		"handleError",
		slog.Any("err", err),
		slog.String("errClass", h.classifier.Classify(err)),
		slog.Bool("fatal", fatal),
		slog.Int("fd", h.fd),
		slog.Time("t", h.timeNow()),
	)
	h.metrics.reportError(fatal)

	if h.onError != nil {
		h.onError(h, fatal, err)
		if fatal {
			h.Destroy()
		}
		return nil
	}
	h.Destroy()
	return err
}

// Destroy releases the socket, cancels watches and timers, and drops the
// send queue and every callback.
//
// The completions of the queued datagrams are abandoned: their Done
// channel is never closed.
//
// Calling Destroy more than once is safe.
func (h *Handle) Destroy() {
	if h.destroyed {
		return
	}
	h.destroyed = true

	h.stopReading()
	h.stopWriting()
	for _, t := range h.timeouts {
		t.stop()
		t.callback = nil
	}
	h.metrics.queued(-len(h.queue))
	h.queue = nil
	if h.fd >= 0 {
		_ = h.sys.Close(h.fd)
		h.fd = -1
	}

	h.onDrain = nil
	h.onError = nil
	h.onRecv = nil
	h.resolver = nil
}
