// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package cluster

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/nitrokv/nitrokv-go/pkg/kverr"
)

// buildTLSConfig assembles the TLS context per spec.md §4.8 point 2: SSLv2/3
// are never reachable through crypto/tls, so only the TLS 1.0/1.1/1.2 floor
// decisions need to be made explicitly.
func buildTLSConfig(opts Options) (*tls.Config, error) {
	if !opts.UseTLS {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS10}
	if opts.TLSDisableDeprecatedProtocols {
		cfg.MinVersion = tls.VersionTLS12
	}
	if opts.IsCapellaHost {
		cfg.MinVersion = tls.VersionTLS13
	}

	if len(opts.TrustCertificates) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(opts.TrustCertificates) {
			return nil, kverr.InvalidArgument.New("trust_certificates contains no usable PEM certificates")
		}
		cfg.RootCAs = pool
		return cfg, nil
	}

	pool, err := x509.SystemCertPool()
	if err != nil {
		return nil, kverr.ServiceNotAvailable.Wrap(err)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
