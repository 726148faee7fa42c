//go:build unix && !(dragonfly || freebsd || linux || netbsd || openbsd)

// SPDX-License-Identifier: GPL-3.0-or-later

package udphandle

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// socketCloexec creates a socket and marks it close-on-exec.
//
// Without SOCK_CLOEXEC, holding [syscall.ForkLock] keeps a concurrent
// fork from inheriting the descriptor before the flag is set.
func socketCloexec(domain, typ, proto int) (int, error) {
	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	return fd, nil
}
