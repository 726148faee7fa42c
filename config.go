// SPDX-License-Identifier: GPL-3.0-or-later

package udphandle

import (
	"net"
	"time"
)

// Config holds common configuration for handles and resolvers.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used by [*DNSLookup] to reach the DNS server.
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// Lookup maps a host name to IP addresses for [*LoopResolver].
	//
	// Set by [NewConfig] to [*net.Resolver.LookupNetIP] of [net.DefaultResolver].
	Lookup LookupFunc

	// Metrics collects handle metrics. A nil value disables metrics.
	//
	// Set by [NewConfig] to nil.
	Metrics *Metrics

	// ResolveCacheTTL is how long [*LoopResolver] caches successful
	// lookups. Zero disables caching.
	//
	// Set by [NewConfig] to 60 seconds.
	ResolveCacheTTL time.Duration

	// ResolveTimeout bounds each lookup performed by [*LoopResolver].
	//
	// Set by [NewConfig] to 10 seconds.
	ResolveTimeout time.Duration

	// Syscalls provides the socket primitives used by [*Handle].
	//
	// Set by [NewConfig] to [DefaultSyscalls].
	Syscalls Syscalls

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:          &net.Dialer{},
		ErrClassifier:   DefaultErrClassifier,
		Lookup:          net.DefaultResolver.LookupNetIP,
		Metrics:         nil,
		ResolveCacheTTL: 60 * time.Second,
		ResolveTimeout:  10 * time.Second,
		Syscalls:        DefaultSyscalls(),
		TimeNow:         time.Now,
	}
}
