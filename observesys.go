//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/measurexlite/conn.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/conn.go
//

package udphandle

import (
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// NewObserveSyscalls returns a new [*ObserveSyscalls] wrapping sys.
//
// The cfg argument contains the common configuration.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewObserveSyscalls(cfg *Config, sys Syscalls, logger SLogger) *ObserveSyscalls {
	return &ObserveSyscalls{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Syscalls:      sys,
		TimeNow:       cfg.TimeNow,
	}
}

// ObserveSyscalls is a [Syscalls] that logs the operations it forwards.
//
// Per-datagram operations (recvfrom, sendmsg) are logged at debug level,
// socket lifecycle operations at info level. Getsockname, Getpeername,
// SetNonblock, and SetsockoptInt are forwarded without logging.
//
// All fields are safe to modify after construction but before first use.
type ObserveSyscalls struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewObserveSyscalls] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewObserveSyscalls] to the user-provided logger.
	Logger SLogger

	// Syscalls is the wrapped [Syscalls].
	//
	// Set by [NewObserveSyscalls] to the user-provided value.
	Syscalls Syscalls

	// TimeNow is the function to get the current time.
	//
	// Set by [NewObserveSyscalls] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Syscalls = &ObserveSyscalls{}

// Socket implements [Syscalls].
func (o *ObserveSyscalls) Socket(domain, typ, proto int) (int, error) {
	t0 := o.TimeNow()
	fd, err := o.Syscalls.Socket(domain, typ, proto)
	o.Logger.Info(
		"socketDone",
		slog.Int("domain", domain),
		slog.Any("err", err),
		slog.String("errClass", o.ErrClassifier.Classify(err)),
		slog.Int("fd", fd),
		slog.String("protocol", "udp"),
		slog.Time("t0", t0),
		slog.Time("t", o.TimeNow()),
	)
	return fd, err
}

// SetNonblock implements [Syscalls].
func (o *ObserveSyscalls) SetNonblock(fd int, nonblocking bool) error {
	return o.Syscalls.SetNonblock(fd, nonblocking)
}

// SetsockoptInt implements [Syscalls].
func (o *ObserveSyscalls) SetsockoptInt(fd, level, opt, value int) error {
	return o.Syscalls.SetsockoptInt(fd, level, opt, value)
}

// Bind implements [Syscalls].
func (o *ObserveSyscalls) Bind(fd int, sa unix.Sockaddr) error {
	t0 := o.TimeNow()
	o.logLifecycleStart("bindStart", fd, "localAddr", sa, t0)
	err := o.Syscalls.Bind(fd, sa)
	o.logLifecycleDone("bindDone", fd, "localAddr", sa, t0, err)
	return err
}

// Connect implements [Syscalls].
func (o *ObserveSyscalls) Connect(fd int, sa unix.Sockaddr) error {
	t0 := o.TimeNow()
	o.logLifecycleStart("connectStart", fd, "remoteAddr", sa, t0)
	err := o.Syscalls.Connect(fd, sa)
	o.logLifecycleDone("connectDone", fd, "remoteAddr", sa, t0, err)
	return err
}

// SendmsgN implements [Syscalls].
func (o *ObserveSyscalls) SendmsgN(fd int, p []byte, to unix.Sockaddr) (int, error) {
	t0 := o.TimeNow()
	count, err := o.Syscalls.SendmsgN(fd, p, to)
	o.Logger.Debug(
		"sendmsgDone",
		slog.Int("ioBufferSize", len(p)),
		slog.Int("ioBytesCount", count),
		slog.Any("err", err),
		slog.String("errClass", o.ErrClassifier.Classify(err)),
		slog.Int("fd", fd),
		slog.String("protocol", "udp"),
		slog.String("remoteAddr", sockaddrString(to)),
		slog.Time("t0", t0),
		slog.Time("t", o.TimeNow()),
	)
	return count, err
}

// Recvfrom implements [Syscalls].
func (o *ObserveSyscalls) Recvfrom(fd int, p []byte) (int, unix.Sockaddr, error) {
	t0 := o.TimeNow()
	count, from, err := o.Syscalls.Recvfrom(fd, p)
	o.Logger.Debug(
		"recvfromDone",
		slog.Int("ioBufferSize", len(p)),
		slog.Int("ioBytesCount", count),
		slog.Any("err", err),
		slog.String("errClass", o.ErrClassifier.Classify(err)),
		slog.Int("fd", fd),
		slog.String("protocol", "udp"),
		slog.String("remoteAddr", sockaddrString(from)),
		slog.Time("t0", t0),
		slog.Time("t", o.TimeNow()),
	)
	return count, from, err
}

// Getsockname implements [Syscalls].
func (o *ObserveSyscalls) Getsockname(fd int) (unix.Sockaddr, error) {
	return o.Syscalls.Getsockname(fd)
}

// Getpeername implements [Syscalls].
func (o *ObserveSyscalls) Getpeername(fd int) (unix.Sockaddr, error) {
	return o.Syscalls.Getpeername(fd)
}

// Close implements [Syscalls].
func (o *ObserveSyscalls) Close(fd int) error {
	t0 := o.TimeNow()
	o.Logger.Info(
		"closeStart",
		slog.Int("fd", fd),
		slog.String("protocol", "udp"),
		slog.Time("t", t0),
	)

	err := o.Syscalls.Close(fd)

	o.Logger.Info(
		"closeDone",
		slog.Any("err", err),
		slog.String("errClass", o.ErrClassifier.Classify(err)),
		slog.Int("fd", fd),
		slog.String("protocol", "udp"),
		slog.Time("t0", t0),
		slog.Time("t", o.TimeNow()),
	)
	return err
}

func (o *ObserveSyscalls) logLifecycleStart(event string, fd int, addrKey string, sa unix.Sockaddr, t0 time.Time) {
	o.Logger.Info(
		event,
		slog.Int("fd", fd),
		slog.String(addrKey, sockaddrString(sa)),
		slog.String("protocol", "udp"),
		slog.Time("t", t0),
	)
}

func (o *ObserveSyscalls) logLifecycleDone(
	event string, fd int, addrKey string, sa unix.Sockaddr, t0 time.Time, err error) {
	o.Logger.Info(
		event,
		slog.Any("err", err),
		slog.String("errClass", o.ErrClassifier.Classify(err)),
		slog.Int("fd", fd),
		slog.String(addrKey, sockaddrString(sa)),
		slog.String("protocol", "udp"),
		slog.Time("t0", t0),
		slog.Time("t", o.TimeNow()),
	)
}

// sockaddrString formats a socket address for logging.
//
// A nil or non-IP address formats as the empty string.
func sockaddrString(sa unix.Sockaddr) string {
	addr := addrPortFromSockaddr(sa)
	if !addr.IsValid() {
		return ""
	}
	return addr.String()
}
