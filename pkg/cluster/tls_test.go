// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package cluster

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildTLSConfig_DisabledReturnsNil(t *testing.T) {
	cfg, err := buildTLSConfig(Options{UseTLS: false})
	require.NoError(t, err)
	require.Nil(t, cfg)
}

func TestBuildTLSConfig_DefaultFloorIsTLS10(t *testing.T) {
	cfg, err := buildTLSConfig(Options{UseTLS: true})
	require.NoError(t, err)
	require.Equal(t, uint16(tls.VersionTLS10), cfg.MinVersion)
}

func TestBuildTLSConfig_DisableDeprecatedRaisesFloorToTLS12(t *testing.T) {
	cfg, err := buildTLSConfig(Options{UseTLS: true, TLSDisableDeprecatedProtocols: true})
	require.NoError(t, err)
	require.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
}

func TestBuildTLSConfig_CapellaHostRaisesFloorToTLS13(t *testing.T) {
	cfg, err := buildTLSConfig(Options{UseTLS: true, IsCapellaHost: true})
	require.NoError(t, err)
	require.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
}

func TestBuildTLSConfig_InvalidExplicitTrustFails(t *testing.T) {
	_, err := buildTLSConfig(Options{UseTLS: true, TrustCertificates: []byte("not a cert")})
	require.Error(t, err)
}

func TestBuildTLSConfig_ValidExplicitTrustUsesOnlyThatPool(t *testing.T) {
	cfg, err := buildTLSConfig(Options{UseTLS: true, TrustCertificates: []byte(testCertPEM)})
	require.NoError(t, err)
	require.NotNil(t, cfg.RootCAs)
}

// testCertPEM is a self-signed cert, valid PEM structure only needed for
// AppendCertsFromPEM to accept it.
const testCertPEM = `-----BEGIN CERTIFICATE-----
MIIBhTCCASugAwIBAgIQIaCzRYJ5QVN5/q4ey2uCxDAKBggqhkjOPQQDAjASMRAw
DgYDVQQKEwdBY21lIENvMB4XDTIzMDEwMTAwMDAwMFoXDTMzMDEwMTAwMDAwMFow
EjEQMA4GA1UEChMHQWNtZSBDbzBZMBMGByqGSM49AgEGCCqGSM49AwEHA0IABFrz
V9TVy3hQ9+eWwY+Nj9cJ9YWn1xK7J2oVz3W2mCq4oZb3Iudd/0RaL2JZ2UcFvgZt
1qFQ62J6EuaAoEd5nAujUDBOMA4GA1UdDwEB/wQEAwIFoDATBgNVHSUEDDAKBggr
BgEFBQcDATAMBgNVHRMBAf8EAjAAMBkGA1UdEQQSMBCCDmV4YW1wbGUudGVzdDAK
BggqhkjOPQQDAgNIADBFAiEAwVhN+0zHqWW/S9eZp5s0/nLKKXQdL2bxxgD1rW5d
sNQCIBFXOuWWKj+0X6iN5Jzv4ITxlbMQjOKgF9Xe5MX9+t2Y
-----END CERTIFICATE-----`
