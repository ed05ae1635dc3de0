// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package topology parses and tracks the cluster's topology configuration
// (spec.md §3, "Topology configuration") and implements the vbucket routing
// functions that sit on top of it.
package topology

// Node describes one cluster node as seen in a topology document.
type Node struct {
	Hostname         string            `json:"hostname"`
	ManagementPort   int               `json:"management_port"`
	KVPort           int               `json:"kv_port,omitempty"`
	KVPortTLS        int               `json:"kv_ssl_port,omitempty"`
	Services         map[string]int    `json:"services,omitempty"`
	AlternateAddress map[string]AltAddr `json:"alternate_addresses,omitempty"`
}

// AltAddr is one named network's view of a node's hostname/ports (spec.md
// §4.9 "network selection").
type AltAddr struct {
	Hostname       string         `json:"hostname"`
	ManagementPort int            `json:"management_port,omitempty"`
	Ports          map[string]int `json:"ports,omitempty"`
}

// identity is the key used to diff nodes across topology revisions
// (spec.md §4.4 "Topology diff": "diff nodes by (hostname, management_port)").
type identity struct {
	hostname       string
	managementPort int
}

func (n Node) identity() identity {
	return identity{hostname: n.Hostname, managementPort: n.ManagementPort}
}

// HostForNetwork resolves the hostname/management-port pair a client on the
// given named network should dial. "default" (or an unknown network) always
// resolves to the node's primary address.
func (n Node) HostForNetwork(network string) (hostname string, managementPort int) {
	if network == "" || network == "default" {
		return n.Hostname, n.ManagementPort
	}
	if alt, ok := n.AlternateAddress[network]; ok {
		return alt.Hostname, alt.ManagementPort
	}
	return n.Hostname, n.ManagementPort
}

// MatchesNetworkHostname reports whether the bootstrap hostname used to dial
// the cluster matches this node under any of its addresses, used to resolve
// network == "auto" (spec.md §4.9, point 4).
func (n Node) MatchesNetworkHostname(bootstrapHost string) (network string, ok bool) {
	if n.Hostname == bootstrapHost {
		return "default", true
	}
	for name, alt := range n.AlternateAddress {
		if alt.Hostname == bootstrapHost {
			return name, true
		}
	}
	return "", false
}
