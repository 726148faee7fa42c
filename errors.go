// SPDX-License-Identifier: GPL-3.0-or-later

package udphandle

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

var (
	// ErrMissingOnRecv indicates that [HandleOptions.OnRecv] is nil.
	ErrMissingOnRecv = errors.New("udphandle: OnRecv callback is required")

	// ErrInvalidFamily indicates a family other than 0, 4, or 6.
	ErrInvalidFamily = errors.New("udphandle: family must be 0, 4, or 6")

	// ErrInvalidTimeout indicates a negative timeout.
	ErrInvalidTimeout = errors.New("udphandle: timeout must not be negative")

	// ErrDestinationRequired indicates a send without destination on a
	// handle that is neither connected nor connecting.
	ErrDestinationRequired = fmt.Errorf("udphandle: destination address required: %w", unix.EDESTADDRREQ)

	// ErrInvalidDestination indicates a send destination that cannot be
	// encoded without a DNS lookup.
	ErrInvalidDestination = errors.New("udphandle: destination host must be an IP address")

	// ErrSignatureMismatch indicates that no candidate address matched the
	// (domain, type, protocol) signature of the existing socket.
	ErrSignatureMismatch = errors.New("udphandle: address family does not match the existing socket")
)

// ResolveError indicates that resolving host and port produced no usable
// candidate address.
type ResolveError struct {
	// Host is the host we tried to resolve.
	Host string

	// Port is the port we tried to resolve.
	Port string

	// Err is the underlying error, if any.
	Err error
}

var _ error = &ResolveError{}

// Error implements error.
func (e *ResolveError) Error() string {
	msg := fmt.Sprintf("udphandle: could not resolve %s", net.JoinHostPort(e.Host, e.Port))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ResolveError) Unwrap() error {
	return e.Err
}

// TimeoutError is the non-fatal error reported when an inactivity timeout
// expires and no timeout callback is registered.
type TimeoutError struct {
	// Kind is "timeout", "rtimeout", or "wtimeout".
	Kind string
}

var _ net.Error = &TimeoutError{}

// Error implements error.
func (e *TimeoutError) Error() string {
	return "udphandle: " + e.Kind + ": " + unix.ETIMEDOUT.Error()
}

// Timeout implements [net.Error].
func (e *TimeoutError) Timeout() bool {
	return true
}

// Temporary implements [net.Error].
func (e *TimeoutError) Temporary() bool {
	return true
}

// Unwrap returns [unix.ETIMEDOUT].
func (e *TimeoutError) Unwrap() error {
	return unix.ETIMEDOUT
}
