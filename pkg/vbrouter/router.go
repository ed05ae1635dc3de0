// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package vbrouter implements the per-bucket binary session owner and
// vbucket router (spec.md §4.4, C7).
package vbrouter

import (
	"sync"

	"github.com/nitrokv/nitrokv-go/pkg/kverr"
	"github.com/nitrokv/nitrokv-go/pkg/mcbp"
	"github.com/nitrokv/nitrokv-go/pkg/retry"
	"github.com/nitrokv/nitrokv-go/pkg/topology"
)

// Session is the subset of a binary session (pkg/kvsession) the router
// needs: dispatch a packet and stop the connection.
type Session interface {
	WriteAndSubscribe(p *mcbp.Packet, handler func(resp *mcbp.Packet, err error, reason retry.Reason))
	Stop(reason string)
	HostPort() (hostname string, managementPort int)
}

// SessionFactory dials and bootstraps a new Session for the given node.
type SessionFactory func(node topology.Node) (Session, error)

// DeferredRequest is a request that could not be routed immediately because
// the bucket has no config yet, or the target node has no session.
type DeferredRequest struct {
	// Key selects the target vbucket by hashing, the common case for CRUD
	// operations. VBucket, when non-nil, targets a specific partition
	// directly and takes precedence over Key — used by range-scan requests
	// that address a vbucket the create call already pinned, not a key.
	Key          []byte
	VBucket      *int
	ReplicaIndex int
	Packet       *mcbp.Packet
	Handler      func(resp *mcbp.Packet, err error, reason retry.Reason)
}

// Router owns one Session per configured node for a bucket and routes
// requests to the correct one by vbucket.
type Router struct {
	newSession SessionFactory

	mu       sync.Mutex
	config   *topology.Config
	sessions map[int]Session // node index -> session
	deferred []DeferredRequest
}

// New returns a Router with no configuration and no sessions yet.
func New(newSession SessionFactory) *Router {
	return &Router{
		newSession: newSession,
		sessions:   make(map[int]Session),
	}
}

// Dispatch routes req by hashing its key into a vbucket and picking the
// session that owns the resulting partition/replica slot. If routing is not
// currently possible, req is queued on the deferred list instead
// (spec.md §4.4, "Routing").
func (r *Router) Dispatch(req DeferredRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchLocked(req)
}

func (r *Router) dispatchLocked(req DeferredRequest) {
	if r.config == nil {
		r.deferred = append(r.deferred, req)
		return
	}
	var nodeIndex int
	var ok bool
	if req.VBucket != nil {
		nodeIndex, ok = r.config.ServerByVBucket(*req.VBucket, req.ReplicaIndex)
	} else {
		_, nodeIndex, ok = r.config.MapKey(req.Key, req.ReplicaIndex)
	}
	if !ok {
		r.deferred = append(r.deferred, req)
		return
	}
	session, ok := r.sessions[nodeIndex]
	if !ok {
		r.deferred = append(r.deferred, req)
		return
	}
	session.WriteAndSubscribe(req.Packet, req.Handler)
}

// drainDeferredLocked attempts to dispatch every deferred request again.
// Requests that still cannot be routed are re-deferred.
func (r *Router) drainDeferredLocked() {
	pending := r.deferred
	r.deferred = nil
	for _, req := range pending {
		r.dispatchLocked(req)
	}
}

// ApplyTopology installs a new configuration if it supersedes the current
// one, diffs nodes by (hostname, management_port), and reconciles sessions
// (spec.md §4.4, "Topology diff").
func (r *Router) ApplyTopology(next *topology.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !topology.Supersedes(r.config, next) {
		return nil
	}
	if err := topology.ValidateAgainst(r.config, next); err != nil {
		return err
	}

	var diff topology.Diff
	var previousNodes []topology.Node
	if r.config != nil {
		previousNodes = r.config.Nodes
	}
	diff = topology.DiffNodes(previousNodes, next.Nodes)

	newSessions := make(map[int]Session, len(next.Nodes))
	for newIdx, oldIdx := range diff.Retained {
		newSessions[newIdx] = r.sessions[oldIdx]
	}
	for _, oldIdx := range diff.Removed {
		if s, ok := r.sessions[oldIdx]; ok {
			s.Stop("topology_node_removed")
		}
	}
	for _, newIdx := range diff.Added {
		node := next.Nodes[newIdx]
		session, err := r.newSession(node)
		if err != nil {
			continue
		}
		newSessions[newIdx] = session
	}

	r.sessions = newSessions
	r.config = next
	r.drainDeferredLocked()
	return nil
}

// Close stops every session the router owns and fails any requests still
// waiting on a topology that never arrived.
func (r *Router) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[int]Session)
	deferred := r.deferred
	r.deferred = nil
	r.mu.Unlock()

	for _, s := range sessions {
		s.Stop("bucket_closed")
	}
	for _, req := range deferred {
		req.Handler(nil, kverr.BucketClosed.New("bucket closed"), retry.DoNotRetry)
	}
}

// CurrentConfig returns the router's last-applied topology, or nil if none
// has arrived yet.
func (r *Router) CurrentConfig() *topology.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// NotifySessionClosed restarts the session at host/port unless that host no
// longer appears in the current topology (spec.md §4.4, "Session restart").
func (r *Router) NotifySessionClosed(hostname string, managementPort int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.config == nil {
		return
	}
	for idx, node := range r.config.Nodes {
		if node.Hostname != hostname || node.ManagementPort != managementPort {
			continue
		}
		session, err := r.newSession(node)
		if err != nil {
			return
		}
		r.sessions[idx] = session
		return
	}
}

// ResolveRetryReason maps a response status to a retry reason per the
// §4.4 response-resolution table. It does not consult a server error map,
// so it never returns retry.KVErrorMapRetryIndicated.
func ResolveRetryReason(status mcbp.Status, opcode mcbp.Opcode) retry.Reason {
	switch status {
	case mcbp.StatusNotMyVbucket:
		return retry.KVNotMyVBucket
	case mcbp.StatusLocked:
		if opcode == mcbp.OpUnlock {
			return retry.DoNotRetry
		}
		return retry.KVLocked
	case mcbp.StatusTemporaryFailure:
		return retry.KVTemporaryFailure
	case mcbp.StatusSyncWriteInProgress:
		return retry.KVSyncWriteInProgress
	case mcbp.StatusSyncWriteReCommitInProgress:
		return retry.KVSyncWriteReCommitInProgress
	default:
		return retry.DoNotRetry
	}
}

// ResolveCancellation maps operation_aborted to the ambiguity-aware timeout
// reason (spec.md §4.4, "Cancellation").
func ResolveCancellation(opcode mcbp.Opcode) retry.Reason {
	return retry.FromCancellation(opcode.IsIdempotent())
}
