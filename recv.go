// SPDX-License-Identifier: GPL-3.0-or-later

package udphandle

import (
	"bytes"
	"os"

	"github.com/bassosimone/udphandle/ioclass"
)

// startReading registers the receive pump. Registering twice is a no-op.
func (h *Handle) startReading() error {
	if h.readCancel != nil {
		return nil
	}
	cancel, err := h.loop.WatchReadable(h.fd, h.onReadable)
	if err != nil {
		return err
	}
	h.readCancel = cancel
	return nil
}

func (h *Handle) stopReading() {
	if h.readCancel != nil {
		h.readCancel()
		h.readCancel = nil
	}
}

// onReadable drains every datagram available on the socket.
//
// The loop stops when the socket would block, when the system call is
// interrupted, or when a callback destroys the handle.
func (h *Handle) onReadable() error {
	buf := make([]byte, h.receiveSize)
	for !h.destroyed {
		count, from, err := h.sys.Recvfrom(h.fd, buf)
		if err != nil {
			if ioclass.IsTransient(err) {
				return nil
			}
			return h.fail(true, os.NewSyscallError("recvfrom", err))
		}

		now := h.timeNow()
		h.timeouts[timeoutCombined].activity = now
		h.timeouts[timeoutRead].activity = now
		h.metrics.received(count)

		h.onRecv(bytes.Clone(buf[:count]), h, addrPortFromSockaddr(from))
	}
	return nil
}
