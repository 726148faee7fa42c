// SPDX-License-Identifier: GPL-3.0-or-later

package udphandle

import "time"

// EventLoop abstracts the host event loop a [*Handle] runs on.
//
// All callbacks run on the loop goroutine. A callback returning a non-nil
// error stops the loop, which should surface the error to whoever is running
// it. Cancel functions are idempotent and a cancelled registration never
// fires afterwards.
//
// Only Post may be called from goroutines other than the loop goroutine.
//
// The [*reactor.Loop] type satisfies this interface.
type EventLoop interface {
	// WatchReadable runs callback whenever fd is readable.
	WatchReadable(fd int, callback func() error) (cancel func(), err error)

	// WatchWritable runs callback whenever fd is writable.
	WatchWritable(fd int, callback func() error) (cancel func(), err error)

	// AfterFunc runs callback once after delay.
	AfterFunc(delay time.Duration, callback func() error) (cancel func())

	// Post runs callback on the loop goroutine as soon as possible.
	Post(callback func() error)
}
