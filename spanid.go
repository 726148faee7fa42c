// SPDX-License-Identifier: GPL-3.0-or-later

package udphandle

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 representing a span.
//
// Every [*Handle] is a span: it gets its own span ID at construction and
// attaches it to all the events it logs, from the first bind to destroy.
// Use [*Handle.SpanID] to correlate events with a given handle.
//
// The span terminology is borrowed from OTel.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
