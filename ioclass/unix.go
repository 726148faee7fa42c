//go:build unix

// SPDX-License-Identifier: GPL-3.0-or-later

package ioclass

import "golang.org/x/sys/unix"

const (
	errEAGAIN      = unix.EAGAIN
	errEINTR       = unix.EINTR
	errEWOULDBLOCK = unix.EWOULDBLOCK
)
