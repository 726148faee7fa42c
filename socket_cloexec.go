//go:build dragonfly || freebsd || linux || netbsd || openbsd

// SPDX-License-Identifier: GPL-3.0-or-later

package udphandle

import "golang.org/x/sys/unix"

// socketCloexec creates a socket atomically marked close-on-exec.
func socketCloexec(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return -1, err
	}
	return fd, nil
}
