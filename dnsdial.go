// SPDX-License-Identifier: GPL-3.0-or-later

package udphandle

import (
	"context"
	"net"
)

// Dialer abstracts the [*net.Dialer] behavior.
//
// By making [*DNSLookup] depend on an abstract implementation we
// allow for unit testing and for using alternative dialers.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// dnsUnusedDialer is a [Dialer] that panics if DialContext is called.
//
// [*DNSLookup] dials the server itself and hands the connection to the
// DNS transport. This type catches programming errors where the
// transport attempts to dial instead of using the provided connection.
type dnsUnusedDialer struct{}

var _ Dialer = dnsUnusedDialer{}

// DialContext implements [Dialer] and always panics.
func (dnsUnusedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	panic("udphandle: DNS transport must not dial; this is a programming error")
}
