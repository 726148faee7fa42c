// SPDX-License-Identifier: GPL-3.0-or-later

package udphandle

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"
	"os"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/udphandle/ioclass"
	"golang.org/x/sys/unix"
)

// Completion tracks a datagram queued by [*Handle.PushSend].
//
// The Done channel is closed once the kernel has accepted the datagram.
// When the handle is destroyed first, the channel is never closed.
type Completion struct {
	done chan struct{}
	sent int
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Done returns a channel closed when the datagram has been sent.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Sent returns the number of bytes sent. Only meaningful after Done is closed.
func (c *Completion) Sent() int {
	return c.sent
}

func (c *Completion) fulfill(count int) {
	c.sent = count
	close(c.done)
}

// pendingSend is a queued datagram.
type pendingSend struct {
	completion *Completion
	hasTo      bool
	message    []byte
	to         netip.AddrPort
}

// PushSend sends message to the given destination, or to the connected peer
// when to is nil.
//
// With autoflush enabled and an empty queue, PushSend tries to send right
// away. Otherwise, and when the socket would block, the datagram is queued
// and sent, in order, when the socket becomes writable. The returned
// [*Completion] tracks the outcome.
//
// The destination host must be an IP address or empty, which means the
// wildcard address of the socket domain. IPv4 destinations are mapped into
// IPv6 on IPv6 sockets.
//
// Without destination, the handle must be connected or connecting, otherwise
// PushSend returns [ErrDestinationRequired] and the handle stays usable.
// Send failures follow the error path and are fatal.
func (h *Handle) PushSend(message []byte, to *AddressSpec) (*Completion, error) {
	if h.destroyed {
		return nil, net.ErrClosed
	}

	ps := &pendingSend{completion: newCompletion(), message: message}
	if to != nil {
		dest, err := destination(to)
		if err != nil {
			return nil, err
		}
		ps.hasTo, ps.to = true, dest
	} else if !h.connected && h.connecting <= 0 {
		return nil, ErrDestinationRequired
	}

	// 1. try the fast path
	if h.autoflush && len(h.queue) <= 0 && h.fd >= 0 && h.canSend(ps) {
		count, err := h.send(ps)
		switch {
		case err == nil:
			h.sent(ps, count)
			if h.onDrain != nil {
				h.onDrain(h)
			}
			return ps.completion, nil
		case !ioclass.IsTransient(err):
			if err := h.fail(true, err); err != nil {
				return nil, err
			}
			return ps.completion, nil
		}
	}

	// 2. enqueue and wait for the socket to become writable
	ps.message = bytes.Clone(message)
	h.queue = append(h.queue, ps)
	h.metrics.queued(1)
	if err := h.startWriting(); err != nil {
		if err := h.fail(true, err); err != nil {
			return nil, err
		}
	}
	return ps.completion, nil
}

// destination parses the destination of a datagram.
func destination(to *AddressSpec) (netip.AddrPort, error) {
	if to.IsLiteral() {
		return to.Addr, nil
	}
	port, err := parsePort(to.Port)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %w", ErrInvalidDestination, err)
	}
	if to.Host == "" {
		return netip.AddrPortFrom(netip.Addr{}, port), nil
	}
	addr, err := netip.ParseAddr(to.Host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %w", ErrInvalidDestination, err)
	}
	return netip.AddrPortFrom(addr, port), nil
}

// canSend returns whether the socket has somewhere to send ps.
func (h *Handle) canSend(ps *pendingSend) bool {
	return ps.hasTo || h.connected
}

// send performs a single send system call.
func (h *Handle) send(ps *pendingSend) (int, error) {
	var sa unix.Sockaddr
	if ps.hasTo {
		var err error
		if sa, err = sockaddrFor(h.sig.domain, ps.to); err != nil {
			return 0, os.NewSyscallError("sendmsg", err)
		}
	}
	count, err := h.sys.SendmsgN(h.fd, ps.message, sa)
	if err != nil {
		return 0, os.NewSyscallError("sendmsg", err)
	}
	return count, nil
}

// sent records the successful send of ps.
func (h *Handle) sent(ps *pendingSend, count int) {
	now := h.timeNow()
	h.timeouts[timeoutCombined].activity = now
	h.timeouts[timeoutWrite].activity = now
	h.metrics.sent(count)
	ps.completion.fulfill(count)
}

// startWriting registers the write drain when there is something to send.
func (h *Handle) startWriting() error {
	if h.writeCancel != nil || h.fd < 0 || len(h.queue) <= 0 || !h.canSend(h.queue[0]) {
		return nil
	}
	cancel, err := h.loop.WatchWritable(h.fd, h.onWritable)
	if err != nil {
		return err
	}
	h.writeCancel = cancel
	return nil
}

func (h *Handle) stopWriting() {
	if h.writeCancel != nil {
		h.writeCancel()
		h.writeCancel = nil
	}
}

// onWritable sends queued datagrams in order until the queue is empty or
// the socket would block.
//
// A datagram without destination waiting for a pending connect suspends
// the drain, which restarts once the connect completes.
func (h *Handle) onWritable() error {
	runtimex.Assert(h.writeCancel != nil)
	for len(h.queue) > 0 && !h.destroyed {
		ps := h.queue[0]
		if !h.canSend(ps) {
			h.stopWriting()
			return nil
		}
		count, err := h.send(ps)
		if err != nil {
			if ioclass.IsTransient(err) {
				return nil
			}
			return h.fail(true, err)
		}
		h.queue[0] = nil
		h.queue = h.queue[1:]
		h.metrics.queued(-1)
		h.sent(ps, count)
	}
	if h.destroyed {
		return nil
	}
	h.queue = nil
	h.stopWriting()
	if h.onDrain != nil {
		h.onDrain(h)
	}
	return nil
}
