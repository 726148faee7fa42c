// SPDX-License-Identifier: GPL-3.0-or-later

package udphandle

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/minest"
	"github.com/bassosimone/safeconn"
	"github.com/miekg/dns"
)

// NewDNSLookup returns a new [*DNSLookup] querying the given server.
//
// The cfg argument contains the common configuration.
//
// The server argument is the DNS-over-UDP server endpoint.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewDNSLookup(cfg *Config, server netip.AddrPort, logger SLogger) *DNSLookup {
	return &DNSLookup{
		Dialer:        cfg.Dialer,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Server:        server,
		TimeNow:       cfg.TimeNow,
	}
}

// DNSLookup resolves host names using a specific DNS-over-UDP server.
//
// Use its LookupNetIP method as [Config.Lookup] to bypass the system
// resolver when resolving the addresses a [*Handle] binds or connects to:
//
//	cfg.Lookup = udphandle.NewDNSLookup(cfg, server, logger).LookupNetIP
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to LookupNetIP.
type DNSLookup struct {
	// Dialer is the [Dialer] to use.
	//
	// Set by [NewDNSLookup] from [Config.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewDNSLookup] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewDNSLookup] to the user-provided logger.
	Logger SLogger

	// Server is the DNS server endpoint.
	//
	// Set by [NewDNSLookup] to the user-provided value.
	Server netip.AddrPort

	// TimeNow is the function to get the current time.
	//
	// Set by [NewDNSLookup] from [Config.TimeNow].
	TimeNow func() time.Time
}

// dnsLookupQuery is a query type and the function extracting its records.
//
// The records function receives both the parsed response and the raw
// response bytes, since not every record type has a parsed accessor.
type dnsLookupQuery struct {
	name    string
	qtype   uint16
	records func(resp *dnscodec.Response, raw []byte) ([]string, error)
}

var (
	dnsLookupQueryA = dnsLookupQuery{
		name:  "A",
		qtype: dns.TypeA,
		records: func(resp *dnscodec.Response, raw []byte) ([]string, error) {
			return resp.RecordsA()
		},
	}

	dnsLookupQueryAAAA = dnsLookupQuery{
		name:    "AAAA",
		qtype:   dns.TypeAAAA,
		records: dnsRecordsAAAA,
	}
)

// dnsRecordsAAAA extracts the AAAA records from a raw response.
func dnsRecordsAAAA(resp *dnscodec.Response, raw []byte) ([]string, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		return nil, err
	}
	if msg.Rcode != dns.RcodeSuccess {
		return nil, &net.DNSError{
			Err:        dns.RcodeToString[msg.Rcode],
			IsNotFound: msg.Rcode == dns.RcodeNameError,
		}
	}
	var addrs []string
	for _, rr := range msg.Answer {
		if aaaa, ok := rr.(*dns.AAAA); ok {
			addrs = append(addrs, aaaa.AAAA.String())
		}
	}
	if len(addrs) <= 0 {
		return nil, &net.DNSError{Err: "no AAAA records", IsNotFound: true}
	}
	return addrs, nil
}

// LookupNetIP looks up host and returns its IP addresses.
//
// The network must be "ip" (A then AAAA), "ip4" (A), or "ip6" (AAAA).
// When both query types are sent, the lookup succeeds as long as at
// least one of them returns addresses.
//
// The context bounds the whole lookup: when it is done, the connection
// is closed, which interrupts any pending exchange.
func (l *DNSLookup) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	var queries []dnsLookupQuery
	switch network {
	case "ip":
		queries = []dnsLookupQuery{dnsLookupQueryA, dnsLookupQueryAAAA}
	case "ip4":
		queries = []dnsLookupQuery{dnsLookupQueryA}
	case "ip6":
		queries = []dnsLookupQuery{dnsLookupQueryAAAA}
	default:
		return nil, net.UnknownNetworkError(network)
	}

	// 1. dial and arrange for the conn to be closed when ctx is done
	conn, err := l.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	// 2. send each query sequentially on the same connection
	lc := &dnsExchangeLogContext{
		ErrClassifier: l.ErrClassifier,
		Host:          host,
		LocalAddr:     safeconn.LocalAddr(conn),
		Logger:        l.Logger,
		Protocol:      safeconn.Network(conn),
		RemoteAddr:    safeconn.RemoteAddr(conn),
		TimeNow:       l.TimeNow,
	}
	var (
		addrs []netip.Addr
		errs  []error
	)
	for _, query := range queries {
		found, err := l.exchange(ctx, conn, lc, query, host)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		addrs = append(addrs, found...)
	}

	// 3. succeed if any query type returned addresses
	if len(addrs) > 0 {
		return addrs, nil
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

// dial connects to the server and logs the outcome.
func (l *DNSLookup) dial(ctx context.Context) (net.Conn, error) {
	t0 := l.TimeNow()
	deadline, _ := ctx.Deadline()
	address := l.Server.String()
	l.Logger.Info(
		"connectStart",
		slog.Time("deadline", deadline),
		slog.String("protocol", "udp"),
		slog.String("remoteAddr", address),
		slog.Time("t", t0),
	)

	conn, err := l.Dialer.DialContext(ctx, "udp", address)

	l.Logger.Info(
		"connectDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", l.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", "udp"),
		slog.String("remoteAddr", address),
		slog.Time("t0", t0),
		slog.Time("t", l.TimeNow()),
	)
	return conn, err
}

// exchange performs a single query and parses the returned records.
func (l *DNSLookup) exchange(ctx context.Context,
	conn net.Conn, lc *dnsExchangeLogContext, query dnsLookupQuery, host string) ([]netip.Addr, error) {
	t0 := l.TimeNow()
	deadline, _ := ctx.Deadline()
	var rqr, rawResp []byte

	// Note: we're not going to dial, so let's use a dialer that panics
	// if we attempt to dial (programmer error).
	txp := minest.NewDNSOverUDPTransport(dnsUnusedDialer{}, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
	txp.ObserveRawQuery = lc.makeQueryObserver(t0, &rqr)
	observeResponse := lc.makeResponseObserver(t0, &rqr)
	txp.ObserveRawResponse = func(raw []byte) {
		observeResponse(raw)
		rawResp = raw
	}

	lc.logStart(query.name, t0, deadline)
	var addrs []string
	resp, err := txp.ExchangeWithConn(ctx, conn, dnscodec.NewQuery(host, query.qtype))
	if err == nil {
		addrs, err = query.records(resp, rawResp)
	}
	lc.logDone(query.name, t0, deadline, addrs, err)

	if err != nil {
		return nil, err
	}
	var out []netip.Addr
	for _, s := range addrs {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			continue
		}
		out = append(out, addr.Unmap())
	}
	return out, nil
}
