// SPDX-License-Identifier: GPL-3.0-or-later

package udphandle

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// attachMode is either bind or connect.
type attachMode int

const (
	attachBind = attachMode(iota)
	attachConnect
)

// String returns the name of the system call performed in this mode.
func (m attachMode) String() string {
	if m == attachConnect {
		return "connect"
	}
	return "bind"
}

// BindTo binds the socket to addr, creating the socket when needed.
//
// A literal address is bound before BindTo returns. A host and port pair
// is resolved first, and binding happens from the resolver callback.
//
// When binding fails, the error follows the error path: it is fatal and
// destroys the handle. The error is returned only when there is no
// [HandleOptions.OnError] callback.
func (h *Handle) BindTo(addr *AddressSpec) error {
	return h.attach(addr, attachBind)
}

// ConnectTo connects the socket to addr, creating the socket when needed.
//
// While a host and port pair is being resolved, sends without destination
// are accepted and wait in the queue for the connection.
//
// Errors follow the same rules as [*Handle.BindTo].
func (h *Handle) ConnectTo(addr *AddressSpec) error {
	return h.attach(addr, attachConnect)
}

func (h *Handle) attach(addr *AddressSpec, mode attachMode) error {
	if h.destroyed {
		return net.ErrClosed
	}

	if addr.IsLiteral() {
		return h.tryCandidates(addr, []Candidate{newCandidate(addr.Addr)}, mode)
	}

	if mode == attachConnect {
		h.connecting++
	}
	h.resolver.Resolve(addr.Host, addr.Port, h.family, func(candidates []Candidate, err error) error {
		if mode == attachConnect {
			h.connecting--
		}
		if h.destroyed {
			return nil
		}
		if err != nil {
			return h.fail(true, err)
		}
		return h.tryCandidates(addr, candidates, mode)
	})
	return nil
}

// tryCandidates binds or connects to the first candidate that works.
//
// The first candidate for which socket creation succeeds fixes the socket
// signature. Candidates with a different signature are skipped.
func (h *Handle) tryCandidates(addr *AddressSpec, candidates []Candidate, mode attachMode) error {
	if len(candidates) <= 0 {
		return h.fail(true, &ResolveError{Host: addr.Host, Port: addr.Port})
	}

	var lastErr error
	for _, c := range candidates {
		if h.fd < 0 {
			fd, err := h.sys.Socket(c.Domain, c.Type, c.Protocol)
			if err != nil {
				lastErr = os.NewSyscallError("socket", err)
				continue
			}
			h.fd = fd
			h.sig = c.signature()
			if err := h.setupSocket(mode); err != nil {
				return h.fail(true, err)
			}
		} else if h.sig != c.signature() {
			lastErr = ErrSignatureMismatch
			continue
		}
		return h.finishAttach(c, mode)
	}
	return h.fail(true, lastErr)
}

// setupSocket configures a freshly created socket and starts receiving.
func (h *Handle) setupSocket(mode attachMode) error {
	if err := h.sys.SetNonblock(h.fd, true); err != nil {
		return os.NewSyscallError("setnonblock", err)
	}
	if mode == attachBind && h.reuseAddr {
		if err := h.sys.SetsockoptInt(h.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return os.NewSyscallError("setsockopt", err)
		}
	}
	return h.startReading()
}

// finishAttach performs the bind or connect system call.
func (h *Handle) finishAttach(c Candidate, mode attachMode) error {
	sa, err := sockaddrFor(h.sig.domain, c.Addr)
	if err != nil {
		return h.fail(true, os.NewSyscallError(mode.String(), err))
	}
	switch mode {
	case attachConnect:
		err = h.sys.Connect(h.fd, sa)
	default:
		err = h.sys.Bind(h.fd, sa)
	}
	if err != nil {
		return h.fail(true, os.NewSyscallError(mode.String(), err))
	}
	if mode == attachConnect {
		h.connected = true
	}

	// the socket may now be able to send what was queued before
	if err := h.startWriting(); err != nil {
		return h.fail(true, err)
	}
	return nil
}
