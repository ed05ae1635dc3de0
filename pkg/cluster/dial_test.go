// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package cluster

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nitrokv/nitrokv-go/pkg/topology"
)

func TestTelemetryEndpoints_SkipsNodesWithoutTheService(t *testing.T) {
	nodes := []topology.Node{
		{Hostname: "a", ManagementPort: 8091, Services: map[string]int{"app_telemetry": 8097}},
		{Hostname: "b", ManagementPort: 8091, Services: map[string]int{"n1ql": 8093}},
	}
	urls := telemetryEndpoints(nodes, "default")
	require.Len(t, urls, 1)
	require.Equal(t, "a:8097", urls[0].Host)
	require.Equal(t, "ws", urls[0].Scheme)
}

func TestTelemetryEndpoints_UsesAlternateHostnameForNamedNetwork(t *testing.T) {
	nodes := []topology.Node{
		{
			Hostname:       "internal-a",
			ManagementPort: 8091,
			Services:       map[string]int{"app_telemetry": 8097},
			AlternateAddress: map[string]topology.AltAddr{
				"external": {Hostname: "external-a", ManagementPort: 18091},
			},
		},
	}
	urls := telemetryEndpoints(nodes, "external")
	require.Len(t, urls, 1)
	require.Equal(t, "external-a:8097", urls[0].Host)
}

type fakeSRVResolver struct {
	cname string
	addrs []*net.SRV
	err   error
}

func (f *fakeSRVResolver) LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error) {
	return f.cname, f.addrs, f.err
}

func TestResolveSeeds_NoSeedsIsInvalidArgument(t *testing.T) {
	_, err := resolveSeeds(context.Background(), &fakeSRVResolver{}, nil)
	require.Error(t, err)
}

func TestResolveSeeds_PropagatesResolverError(t *testing.T) {
	resolver := &fakeSRVResolver{err: errConnRefused}
	_, err := resolveSeeds(context.Background(), resolver, []string{"_couchbase._tcp.example.com"})
	require.Error(t, err)
}

func TestResolveSeeds_EmptyResultIsNoEndpointsLeft(t *testing.T) {
	resolver := &fakeSRVResolver{}
	_, err := resolveSeeds(context.Background(), resolver, []string{"example.com"})
	require.Error(t, err)
}

func TestResolveSeeds_FormatsHostPortAndTrimsTrailingDot(t *testing.T) {
	resolver := &fakeSRVResolver{addrs: []*net.SRV{
		{Target: "node-a.example.com.", Port: 11210},
		{Target: "node-b.example.com.", Port: 11210},
	}}
	got, err := resolveSeeds(context.Background(), resolver, []string{"example.com"})
	require.NoError(t, err)
	require.Equal(t, []string{"node-a.example.com:11210", "node-b.example.com:11210"}, got)
}

func TestSplitHostPort_WithExplicitPort(t *testing.T) {
	host, port, err := splitHostPort("node-a:18091")
	require.NoError(t, err)
	require.Equal(t, "node-a", host)
	require.Equal(t, 18091, port)
}

func TestSplitHostPort_DefaultsToManagementPort(t *testing.T) {
	host, port, err := splitHostPort("node-a")
	require.NoError(t, err)
	require.Equal(t, "node-a", host)
	require.Equal(t, 8091, port)
}

var errConnRefused = &net.OpError{Op: "dial", Err: errString("connection refused")}

type errString string

func (e errString) Error() string { return string(e) }
