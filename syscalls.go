// SPDX-License-Identifier: GPL-3.0-or-later

package udphandle

import "golang.org/x/sys/unix"

// Syscalls abstracts the socket primitives used by [*Handle].
//
// By making [*Handle] depend on an abstract implementation we
// allow for unit testing without touching the network.
//
// All the methods are expected not to block: the handle sets its
// socket non-blocking right after creating it.
type Syscalls interface {
	Socket(domain, typ, proto int) (int, error)
	SetNonblock(fd int, nonblocking bool) error
	SetsockoptInt(fd, level, opt, value int) error
	Bind(fd int, sa unix.Sockaddr) error
	Connect(fd int, sa unix.Sockaddr) error
	SendmsgN(fd int, p []byte, to unix.Sockaddr) (int, error)
	Recvfrom(fd int, p []byte) (int, unix.Sockaddr, error)
	Getsockname(fd int) (unix.Sockaddr, error)
	Getpeername(fd int) (unix.Sockaddr, error)
	Close(fd int) error
}

// DefaultSyscalls returns the [Syscalls] backed by [golang.org/x/sys/unix].
func DefaultSyscalls() Syscalls {
	return unixSyscalls{}
}

// unixSyscalls implements [Syscalls] using [golang.org/x/sys/unix].
type unixSyscalls struct{}

var _ Syscalls = unixSyscalls{}

// Socket implements [Syscalls].
func (unixSyscalls) Socket(domain, typ, proto int) (int, error) {
	return socketCloexec(domain, typ, proto)
}

// SetNonblock implements [Syscalls].
func (unixSyscalls) SetNonblock(fd int, nonblocking bool) error {
	return unix.SetNonblock(fd, nonblocking)
}

// SetsockoptInt implements [Syscalls].
func (unixSyscalls) SetsockoptInt(fd, level, opt, value int) error {
	return unix.SetsockoptInt(fd, level, opt, value)
}

// Bind implements [Syscalls].
func (unixSyscalls) Bind(fd int, sa unix.Sockaddr) error {
	return unix.Bind(fd, sa)
}

// Connect implements [Syscalls].
func (unixSyscalls) Connect(fd int, sa unix.Sockaddr) error {
	return unix.Connect(fd, sa)
}

// SendmsgN implements [Syscalls].
//
// A nil destination sends to the connected peer.
func (unixSyscalls) SendmsgN(fd int, p []byte, to unix.Sockaddr) (int, error) {
	return unix.SendmsgN(fd, p, nil, to, 0)
}

// Recvfrom implements [Syscalls].
func (unixSyscalls) Recvfrom(fd int, p []byte) (int, unix.Sockaddr, error) {
	return unix.Recvfrom(fd, p, 0)
}

// Getsockname implements [Syscalls].
func (unixSyscalls) Getsockname(fd int) (unix.Sockaddr, error) {
	return unix.Getsockname(fd)
}

// Getpeername implements [Syscalls].
func (unixSyscalls) Getpeername(fd int) (unix.Sockaddr, error) {
	return unix.Getpeername(fd)
}

// Close implements [Syscalls].
func (unixSyscalls) Close(fd int) error {
	return unix.Close(fd)
}
