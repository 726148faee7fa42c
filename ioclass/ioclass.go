//go:build unix

// SPDX-License-Identifier: GPL-3.0-or-later

// Package ioclass classifies errors returned by non-blocking socket primitives.
//
// A transient error (would-block, interrupted) means "try again when the
// event loop says the descriptor is ready". Every other error is fatal for
// the socket that produced it.
package ioclass

import (
	"errors"
	"syscall"
)

// IsTransient returns true when err wraps an errno that a non-blocking
// socket operation returns while it cannot make progress right now.
//
// A nil error is not transient.
func IsTransient(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	// EAGAIN and EWOULDBLOCK share a value on most systems.
	return errno == errEAGAIN || errno == errEWOULDBLOCK || errno == errEINTR
}
