// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package topology

import (
	"encoding/json"

	"github.com/klauspost/crc32"
	"github.com/tidwall/gjson"

	"github.com/nitrokv/nitrokv-go/pkg/kverr"
)

const vbucketCount = 1024

// Config is the authoritative cluster/bucket snapshot (spec.md §3, "Topology
// configuration"). A nil VBucketMap means the map was absent on the wire.
type Config struct {
	Rev          int64
	Nodes        []Node
	VBucketMap   [][]int
	Capabilities map[string][]string

	// Force, when set on an incoming document, allows a same-rev update to
	// replace the current config (spec.md §3: "same-rev updates are ignored
	// unless force is set"). It is never itself part of the wire document;
	// callers set it explicitly after inspecting transport-level hints.
	Force bool
}

type wireConfig struct {
	Rev          int64               `json:"rev"`
	Nodes        []Node              `json:"nodes"`
	VBucketMap   *[][]int            `json:"vbmap"`
	Capabilities map[string][]string `json:"capabilities"`
}

// Parse decodes a topology JSON document. Required fields are "rev" and
// "nodes" (spec.md §6, "JSON configuration"); unknown fields are ignored.
func Parse(doc []byte) (*Config, error) {
	if !gjson.ValidBytes(doc) {
		return nil, kverr.ParsingFailure.New("invalid topology json")
	}
	if !gjson.GetBytes(doc, "rev").Exists() {
		return nil, kverr.ParsingFailure.New("topology json missing required field %q", "rev")
	}
	if !gjson.GetBytes(doc, "nodes").Exists() {
		return nil, kverr.ParsingFailure.New("topology json missing required field %q", "nodes")
	}

	var wire wireConfig
	if err := json.Unmarshal(doc, &wire); err != nil {
		return nil, kverr.ParsingFailure.Wrap(err)
	}

	cfg := &Config{
		Rev:          wire.Rev,
		Nodes:        wire.Nodes,
		Capabilities: wire.Capabilities,
	}
	if wire.VBucketMap != nil {
		cfg.VBucketMap = *wire.VBucketMap
	}
	return cfg, nil
}

// Supersedes reports whether next should replace current per spec.md §3/§8:
// a strictly newer rev always supersedes; an equal rev supersedes only when
// next.Force is set; an older rev never supersedes.
func Supersedes(current *Config, next *Config) bool {
	if current == nil {
		return true
	}
	if next.Rev > current.Rev {
		return true
	}
	return next.Rev == current.Rev && next.Force
}

// ValidateAgainst checks the vbmap-presence invariant (spec.md §8: "A
// topology without vbmap as the first update initializes; subsequent updates
// without vbmap are rejected with no state change").
func ValidateAgainst(current *Config, next *Config) error {
	if next.VBucketMap == nil && current != nil {
		return kverr.ConfigurationNotAvailable.New("topology update at rev %d carries no vbmap", next.Rev)
	}
	return nil
}

// ServerByVBucket returns vbmap[v][replicaIndex], and false if that slot is
// undefined (spec.md §3: "returns vbmap[v][i] if defined, else absent").
func (c *Config) ServerByVBucket(v int, replicaIndex int) (nodeIndex int, ok bool) {
	if c == nil || v < 0 || v >= len(c.VBucketMap) {
		return 0, false
	}
	row := c.VBucketMap[v]
	if replicaIndex < 0 || replicaIndex >= len(row) {
		return 0, false
	}
	idx := row[replicaIndex]
	if idx < 0 {
		return 0, false
	}
	return idx, true
}

// VBucketFor hashes key into its partition: crc32(key) mod 1024
// (spec.md §3, "map_key").
func VBucketFor(key []byte) int {
	return int(crc32.ChecksumIEEE(key) % vbucketCount)
}

// MapKey computes (v, node index) for key and a replica index
// (spec.md §3: "map_key(key, replica_index)").
func (c *Config) MapKey(key []byte, replicaIndex int) (vbucket int, nodeIndex int, ok bool) {
	v := VBucketFor(key)
	idx, ok := c.ServerByVBucket(v, replicaIndex)
	return v, idx, ok
}

// Diff computes the node-level diff between current and next by identity
// (hostname, management_port), per spec.md §4.4 "Topology diff".
type Diff struct {
	// Retained maps an index in next.Nodes to its index in current.Nodes.
	Retained map[int]int
	Added    []int // indices into next.Nodes
	Removed  []int // indices into current.Nodes
}

func DiffNodes(current []Node, next []Node) Diff {
	d := Diff{Retained: make(map[int]int)}

	byIdentity := make(map[identity]int, len(current))
	for i, n := range current {
		byIdentity[n.identity()] = i
	}

	seen := make(map[int]bool, len(current))
	for ni, n := range next {
		if ci, ok := byIdentity[n.identity()]; ok {
			d.Retained[ni] = ci
			seen[ci] = true
		} else {
			d.Added = append(d.Added, ni)
		}
	}
	for ci := range current {
		if !seen[ci] {
			d.Removed = append(d.Removed, ci)
		}
	}
	return d
}
