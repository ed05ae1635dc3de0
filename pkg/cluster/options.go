// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package cluster

import (
	"context"
	"net"
	"time"
)

// NetworkSelection picks which of a node's advertised addresses the client
// dials (spec.md §4.8, point 4; §4.9, point 1).
type NetworkSelection string

const (
	NetworkDefault NetworkSelection = "default"
	NetworkAuto    NetworkSelection = "auto"
)

// SRVResolver resolves a DNS SRV record to a bootstrap address list. The
// client drives DNS SRV lookups through this injected interface rather than
// shipping its own resolver.
type SRVResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (cname string, addrs []*net.SRV, err error)
}

// Options is the single flat configuration struct every tunable in
// spec.md §4/§6 lives on. There is no fluent builder; callers construct one
// Options value, call WithDefaults, and pass it to New.
type Options struct {
	Username string
	Password string

	// ConnectTimeout bounds the TCP/TLS handshake for both binary and HTTP
	// sessions. ResolveTimeout and ConnectTimeout are kept distinct per
	// spec.md §4.9 point 3's dialer-phase split, even though this client
	// does not implement its own resolver (see SRVResolver).
	ResolveTimeout time.Duration
	ConnectTimeout time.Duration

	// IdleHTTPConnectionTimeout is the idle-eviction window an httpsession
	// is kept alive under after a non-sticky check-in (spec.md §4.6).
	IdleHTTPConnectionTimeout time.Duration

	// MaxQueueSize is defaulted when zero, but nothing in this module reads
	// it: it bounds no session operation queue and no HTTP pool.
	MaxQueueSize int

	Network NetworkSelection

	EnableDNSSRV bool
	SRVResolver  SRVResolver

	UseTLS                        bool
	TLSDisableDeprecatedProtocols bool
	IsCapellaHost                 bool
	// TrustCertificates, when set, is used as the sole trust root (PEM).
	// When empty, the system root pool is used. Loading the bundled
	// Capella/Mozilla CA lists spec.md §4.8 point 2 describes is out of
	// scope (see DESIGN.md): this client opens a TLS context from the
	// system trust store or an explicitly supplied bundle, not from an
	// embedded CA list.
	TrustCertificates []byte

	AppTelemetryEndpoint        string // ws://host:port/path; empty means auto-discover
	AppTelemetryBackoffInterval time.Duration
	PingInterval                time.Duration
	PingTimeout                 time.Duration
}

// WithDefaults returns a copy of o with every zero-valued tunable set to its
// documented default.
func (o Options) WithDefaults() Options {
	if o.ResolveTimeout == 0 {
		o.ResolveTimeout = 2 * time.Second
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.IdleHTTPConnectionTimeout == 0 {
		o.IdleHTTPConnectionTimeout = 4500 * time.Millisecond
	}
	if o.MaxQueueSize == 0 {
		o.MaxQueueSize = 2048
	}
	if o.Network == "" {
		o.Network = NetworkAuto
	}
	if o.AppTelemetryBackoffInterval == 0 {
		o.AppTelemetryBackoffInterval = 10 * time.Second
	}
	if o.PingInterval == 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PingTimeout == 0 {
		o.PingTimeout = 2 * time.Second
	}
	return o
}
