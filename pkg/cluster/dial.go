// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package cluster

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"

	"github.com/nitrokv/nitrokv-go/pkg/httpsession"
	"github.com/nitrokv/nitrokv-go/pkg/kverr"
	"github.com/nitrokv/nitrokv-go/pkg/topology"
	"github.com/nitrokv/nitrokv-go/pkg/wsproto"
)

// httpServiceKey maps an httpsession.Service to the topology `services` map
// key advertising its port, mirroring pkg/httppool's own table.
var httpServiceKey = map[httpsession.Service]string{
	httpsession.ServiceQuery:      "n1ql",
	httpsession.ServiceSearch:     "fts",
	httpsession.ServiceAnalytics:  "cbas",
	httpsession.ServiceViews:      "capi",
	httpsession.ServiceManagement: "mgmt",
}

// telemetryServiceKey is the topology `services` map key advertising the
// reverse-telemetry WebSocket port (spec.md §4.9, point 1).
const telemetryServiceKey = "app_telemetry"

// dialHTTPSession is the httppool.Dialer implementation: dial the node's
// advertised port for service, plain or TLS per the cluster's configuration.
func (c *Cluster) dialHTTPSession(service httpsession.Service, node topology.Node) (*httpsession.Session, error) {
	key := httpServiceKey[service]
	port, ok := node.Services[key]
	if !ok {
		return nil, kverr.ServiceNotAvailable.New("node %s does not expose service %q", node.Hostname, key)
	}
	addr := fmt.Sprintf("%s:%d", node.Hostname, port)

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	defer cancel()

	var conn net.Conn
	var err error
	if c.tlsCfg != nil {
		d := tls.Dialer{Config: c.tlsCfg}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, kverr.ServiceNotAvailable.Wrap(err)
	}
	return httpsession.New(c.exec, service, addr, conn), nil
}

// dialTelemetryWebSocket is the telemetry.Dialer implementation: a real
// client-side handshake over plain TCP using pkg/wsproto (spec.md §4.9,
// point 3).
func dialTelemetryWebSocket(ctx context.Context, endpoint *url.URL) (net.Conn, *bufio.Reader, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", endpoint.Host)
	if err != nil {
		return nil, nil, kverr.ServiceNotAvailable.Wrap(err)
	}
	key, err := wsproto.NewClientKey()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	var username, password string
	if endpoint.User != nil {
		username = endpoint.User.Username()
		password, _ = endpoint.User.Password()
	}
	req, err := wsproto.BuildUpgradeRequest(endpoint, username, password, key)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	br := bufio.NewReader(conn)
	if err := wsproto.ValidateUpgradeResponse(br, req, key); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, br, nil
}

// telemetryEndpoints computes the candidate reverse-telemetry endpoints for
// the current topology and network (spec.md §4.9, point 1).
func telemetryEndpoints(nodes []topology.Node, network string) []*url.URL {
	var out []*url.URL
	for _, n := range nodes {
		port, ok := n.Services[telemetryServiceKey]
		if !ok {
			continue
		}
		hostname, _ := n.HostForNetwork(network)
		out = append(out, &url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", hostname, port), Path: "/"})
	}
	return out
}

// resolveSeeds runs a DNS SRV lookup through the injected resolver (spec.md
// §4.8 point 1; no resolver implementation ships, per Non-goals).
func resolveSeeds(ctx context.Context, resolver SRVResolver, seeds []string) ([]string, error) {
	if len(seeds) == 0 {
		return nil, kverr.InvalidArgument.New("dns-srv enabled but no seed name provided")
	}
	_, addrs, err := resolver.LookupSRV(ctx, "couchbase", "tcp", seeds[0])
	if err != nil {
		return nil, kverr.ServiceNotAvailable.Wrap(err)
	}
	if len(addrs) == 0 {
		return nil, kverr.NoEndpointsLeft.New("dns-srv lookup for %q returned no records", seeds[0])
	}
	resolved := make([]string, 0, len(addrs))
	for _, a := range addrs {
		resolved = append(resolved, fmt.Sprintf("%s:%d", trimTrailingDot(a.Target), a.Port))
	}
	return resolved, nil
}

func trimTrailingDot(host string) string {
	if n := len(host); n > 0 && host[n-1] == '.' {
		return host[:n-1]
	}
	return host
}

// splitHostPort parses "host:port", defaulting to the management port when
// none is given.
func splitHostPort(addr string) (host string, port int, err error) {
	h, p, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		return addr, 8091, nil
	}
	var portNum int
	if _, scanErr := fmt.Sscanf(p, "%d", &portNum); scanErr != nil {
		return h, 8091, nil
	}
	return h, portNum, nil
}
