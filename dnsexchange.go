// SPDX-License-Identifier: GPL-3.0-or-later

package udphandle

import (
	"log/slog"
	"time"
)

// dnsExchangeLogContext holds the logging state of the DNS exchanges
// performed by a single [*DNSLookup.LookupNetIP] call.
type dnsExchangeLogContext struct {
	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Host is the name being looked up.
	Host string

	// LocalAddr is the local address of the connection.
	LocalAddr string

	// Logger is the SLogger to use.
	Logger SLogger

	// Protocol is the network protocol (always "udp").
	Protocol string

	// RemoteAddr is the address of the DNS server.
	RemoteAddr string

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time
}

// logStart logs the start of the exchange for the given query type.
func (lc *dnsExchangeLogContext) logStart(qtype string, t0 time.Time, deadline time.Time) {
	lc.Logger.Info(
		"dnsExchangeStart",
		slog.Time("deadline", deadline),
		slog.String("dnsQueryName", lc.Host),
		slog.String("dnsQueryType", qtype),
		slog.String("localAddr", lc.LocalAddr),
		slog.String("protocol", lc.Protocol),
		slog.String("remoteAddr", lc.RemoteAddr),
		slog.Time("t", t0),
	)
}

// logDone logs the completion of the exchange for the given query type.
func (lc *dnsExchangeLogContext) logDone(
	qtype string, t0 time.Time, deadline time.Time, addrs []string, err error) {
	lc.Logger.Info(
		"dnsExchangeDone",
		slog.Time("deadline", deadline),
		slog.Any("dnsAddrs", addrs),
		slog.String("dnsQueryName", lc.Host),
		slog.String("dnsQueryType", qtype),
		slog.Any("err", err),
		slog.String("errClass", lc.ErrClassifier.Classify(err)),
		slog.String("localAddr", lc.LocalAddr),
		slog.String("protocol", lc.Protocol),
		slog.String("remoteAddr", lc.RemoteAddr),
		slog.Time("t0", t0),
		slog.Time("t", lc.TimeNow()),
	)
}

// makeQueryObserver returns an observer function for raw DNS queries.
//
// The rqr pointer is used to capture the raw query for correlation
// with the response observer.
func (lc *dnsExchangeLogContext) makeQueryObserver(t0 time.Time, rqr *[]byte) func([]byte) {
	return func(rawQuery []byte) {
		lc.Logger.Info(
			"dnsQuery",
			slog.Any("dnsRawQuery", rawQuery),
			slog.String("localAddr", lc.LocalAddr),
			slog.String("protocol", lc.Protocol),
			slog.String("remoteAddr", lc.RemoteAddr),
			slog.Time("t", t0),
		)
		*rqr = rawQuery
	}
}

// makeResponseObserver returns an observer function for raw DNS responses.
//
// The rqr pointer should be the same one passed to makeQueryObserver,
// allowing the response to be correlated with the original query.
func (lc *dnsExchangeLogContext) makeResponseObserver(t0 time.Time, rqr *[]byte) func([]byte) {
	return func(rawResp []byte) {
		lc.Logger.Info(
			"dnsResponse",
			slog.Any("dnsRawQuery", *rqr),
			slog.Any("dnsRawResponse", rawResp),
			slog.String("localAddr", lc.LocalAddr),
			slog.String("protocol", lc.Protocol),
			slog.String("remoteAddr", lc.RemoteAddr),
			slog.Time("t0", t0),
			slog.Time("t", lc.TimeNow()),
		)
	}
}
