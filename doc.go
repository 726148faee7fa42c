// SPDX-License-Identifier: GPL-3.0-or-later

// Package udphandle provides non-blocking UDP socket handles driven by an
// event loop.
//
// # Core Abstraction
//
// A [*Handle] owns at most one UDP socket and runs on an [EventLoop]:
//
//	type EventLoop interface {
//		WatchReadable(fd int, callback func() error) (cancel func(), err error)
//		WatchWritable(fd int, callback func() error) (cancel func(), err error)
//		AfterFunc(delay time.Duration, callback func() error) (cancel func())
//		Post(callback func() error)
//	}
//
// The reactor subpackage implements this interface on top of poll(2).
// All handle methods and callbacks run on the loop goroutine, so handles
// need no locking. Callbacks may call any method on the handle invoking
// them, including [*Handle.Destroy].
//
// # Sending and Receiving
//
// [*Handle.PushSend] queues a datagram and returns a [*Completion] that is
// done once the kernel accepts the datagram. Queued datagrams are sent in
// order when the socket becomes writable, and [HandleOptions.OnDrain] runs
// whenever the queue becomes empty. With autoflush, a datagram pushed on an
// empty queue is sent right away.
//
// [HandleOptions.OnRecv] runs for every received datagram. Each readiness
// notification drains all the datagrams available on the socket.
//
// # Addresses
//
// Addresses are either literal ([LiteralAddress]) or host and port pairs
// ([HostPort]) resolved by a [Resolver]. The default [*LoopResolver] runs
// lookups in the background using [Config.Lookup], which may be the
// system resolver or a [*DNSLookup] querying a specific DNS-over-UDP server.
//
// The first candidate address for which socket creation succeeds fixes the
// (domain, type, protocol) signature of the socket. Later binds and connects
// only use candidates with the same signature.
//
// # Timeouts
//
// Each handle has three inactivity timeouts: Timeout (read or write),
// RTimeout (read), and WTimeout (write). A timeout expires when no matching
// activity happened for its duration. Expiration runs the matching callback
// or, when there is none, reports a non-fatal [*TimeoutError].
//
// # Errors
//
// Errors are either fatal or not. With [HandleOptions.OnError] set, errors
// are reported there and fatal errors destroy the handle afterwards.
// Without it, every error destroys the handle and is returned to the
// caller or, for asynchronous errors, by the loop callback, which stops
// the loop.
//
// # Observability
//
// Handles emit structured log events through [SLogger] (compatible with
// [log/slog]). Socket lifecycle events (socketDone, bindStart, bindDone,
// connectStart, connectDone, closeStart, closeDone), resolution events,
// timeout expirations, and error reports use [slog.LevelInfo]. Per-datagram
// events (sendmsgDone, recvfromDone) use [slog.LevelDebug]. Completion
// events carry t0, t, err, and errClass, where errClass comes from
// [ErrClassifier].
//
// Each handle is a span: it gets a UUIDv7 from [NewSpanID] and attaches it
// as the spanID field of every event it logs.
//
// Set [Config.Metrics] to a [*Metrics] created with [NewMetrics] to export
// Prometheus counters for datagrams, bytes, errors, and timeouts.
package udphandle
