// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package vbrouter_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nitrokv/nitrokv-go/pkg/mcbp"
	"github.com/nitrokv/nitrokv-go/pkg/retry"
	"github.com/nitrokv/nitrokv-go/pkg/topology"
	"github.com/nitrokv/nitrokv-go/pkg/vbrouter"
)

type fakeSession struct {
	hostname       string
	managementPort int
	received       []*mcbp.Packet
	stopped        bool
}

func (s *fakeSession) WriteAndSubscribe(p *mcbp.Packet, handler func(*mcbp.Packet, error, retry.Reason)) {
	s.received = append(s.received, p)
	handler(&mcbp.Packet{Magic: mcbp.MagicClientResponse, Status: mcbp.StatusSuccess}, nil, retry.DoNotRetry)
}

func (s *fakeSession) Stop(reason string) { s.stopped = true }

func (s *fakeSession) HostPort() (string, int) { return s.hostname, s.managementPort }

func docWithVBMap(rev int64, nodes []map[string]any, vbmap [][]int) []byte {
	doc := map[string]any{"rev": rev, "nodes": nodes, "vbmap": vbmap}
	b, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return b
}

func twoNodeVBMap() [][]int {
	m := make([][]int, 1024)
	for i := range m {
		m[i] = []int{i % 2}
	}
	return m
}

func TestRouter_DefersUntilTopologyArrives(t *testing.T) {
	created := map[string]*fakeSession{}
	factory := func(n topology.Node) (vbrouter.Session, error) {
		s := &fakeSession{hostname: n.Hostname, managementPort: n.ManagementPort}
		created[n.Hostname] = s
		return s, nil
	}
	r := vbrouter.New(factory)

	var gotResponse bool
	r.Dispatch(vbrouter.DeferredRequest{
		Key:    []byte("doc-1"),
		Packet: &mcbp.Packet{Opcode: mcbp.OpGet},
		Handler: func(resp *mcbp.Packet, err error, reason retry.Reason) {
			gotResponse = true
		},
	})
	require.False(t, gotResponse)

	cfg, err := topology.Parse(docWithVBMap(1, []map[string]any{
		{"hostname": "node-a", "management_port": 8091},
		{"hostname": "node-b", "management_port": 8091},
	}, twoNodeVBMap()))
	require.NoError(t, err)
	require.NoError(t, r.ApplyTopology(cfg))

	require.True(t, gotResponse)
	require.Len(t, created, 2)
}

func TestRouter_TopologyDiff_CreatesSessionsOnlyForAddedNodes(t *testing.T) {
	var created []string
	factory := func(n topology.Node) (vbrouter.Session, error) {
		created = append(created, n.Hostname)
		return &fakeSession{hostname: n.Hostname, managementPort: n.ManagementPort}, nil
	}
	r := vbrouter.New(factory)

	cfg1, _ := topology.Parse(docWithVBMap(1, []map[string]any{
		{"hostname": "node-a", "management_port": 8091},
		{"hostname": "node-b", "management_port": 8091},
	}, twoNodeVBMap()))
	require.NoError(t, r.ApplyTopology(cfg1))
	require.Equal(t, []string{"node-a", "node-b"}, created)

	cfg2, _ := topology.Parse(docWithVBMap(2, []map[string]any{
		{"hostname": "node-b", "management_port": 8091},
		{"hostname": "node-c", "management_port": 8091},
	}, twoNodeVBMap()))
	require.NoError(t, r.ApplyTopology(cfg2))

	require.Equal(t, []string{"node-a", "node-b", "node-c"}, created)
}

func TestRouter_StaleRevIgnored(t *testing.T) {
	factory := func(n topology.Node) (vbrouter.Session, error) {
		return &fakeSession{hostname: n.Hostname, managementPort: n.ManagementPort}, nil
	}
	r := vbrouter.New(factory)

	singleNodeVBMap := make([][]int, 1024)
	for i := range singleNodeVBMap {
		singleNodeVBMap[i] = []int{0}
	}

	cfg2, _ := topology.Parse(docWithVBMap(2, []map[string]any{{"hostname": "a", "management_port": 1}}, singleNodeVBMap))
	require.NoError(t, r.ApplyTopology(cfg2))

	cfg1, _ := topology.Parse(docWithVBMap(1, []map[string]any{{"hostname": "b", "management_port": 1}}, singleNodeVBMap))
	require.NoError(t, r.ApplyTopology(cfg1))

	var resolved bool
	r.Dispatch(vbrouter.DeferredRequest{
		Key:    []byte("k"),
		Packet: &mcbp.Packet{},
		Handler: func(*mcbp.Packet, error, retry.Reason) { resolved = true },
	})
	require.True(t, resolved)
	require.Equal(t, int64(2), r.CurrentConfig().Rev) // rev 1 was never applied
}

func TestResolveRetryReason_Table(t *testing.T) {
	require.Equal(t, retry.KVNotMyVBucket, vbrouter.ResolveRetryReason(mcbp.StatusNotMyVbucket, mcbp.OpGet))
	require.Equal(t, retry.KVLocked, vbrouter.ResolveRetryReason(mcbp.StatusLocked, mcbp.OpGet))
	require.Equal(t, retry.DoNotRetry, vbrouter.ResolveRetryReason(mcbp.StatusLocked, mcbp.OpUnlock))
	require.Equal(t, retry.KVTemporaryFailure, vbrouter.ResolveRetryReason(mcbp.StatusTemporaryFailure, mcbp.OpGet))
	require.Equal(t, retry.DoNotRetry, vbrouter.ResolveRetryReason(mcbp.StatusSuccess, mcbp.OpGet))
}

func TestResolveCancellation_IdempotenceDrivesAmbiguity(t *testing.T) {
	require.Equal(t, retry.UnambiguousTimeout, vbrouter.ResolveCancellation(mcbp.OpGet))
	require.Equal(t, retry.AmbiguousTimeout, vbrouter.ResolveCancellation(mcbp.OpSet))
}

func TestDispatch_VBucketDirectTargetingBypassesKeyHash(t *testing.T) {
	var created []string
	factory := func(n topology.Node) (vbrouter.Session, error) {
		s := &fakeSession{hostname: n.Hostname, managementPort: n.ManagementPort}
		created = append(created, n.Hostname)
		return s, nil
	}
	r := vbrouter.New(factory)

	cfg, err := topology.Parse(docWithVBMap(1, []map[string]any{
		{"hostname": "node-a", "management_port": 8091},
		{"hostname": "node-b", "management_port": 8091},
	}, twoNodeVBMap()))
	require.NoError(t, err)
	require.NoError(t, r.ApplyTopology(cfg))

	var resolved bool
	vb := 3 // odd vbucket maps to node index 1 ("node-b") per twoNodeVBMap
	r.Dispatch(vbrouter.DeferredRequest{
		VBucket: &vb,
		Packet:  &mcbp.Packet{Opcode: mcbp.OpRangeScanContinue},
		Handler: func(*mcbp.Packet, error, retry.Reason) { resolved = true },
	})
	require.True(t, resolved)
}

func TestDispatch_VBucketOutOfRangeDefers(t *testing.T) {
	factory := func(n topology.Node) (vbrouter.Session, error) {
		return &fakeSession{hostname: n.Hostname, managementPort: n.ManagementPort}, nil
	}
	r := vbrouter.New(factory)
	cfg, _ := topology.Parse(docWithVBMap(1, []map[string]any{{"hostname": "a", "management_port": 1}}, twoNodeVBMap()))
	require.NoError(t, r.ApplyTopology(cfg))

	var resolved bool
	vb := 99999
	r.Dispatch(vbrouter.DeferredRequest{
		VBucket: &vb,
		Packet:  &mcbp.Packet{},
		Handler: func(*mcbp.Packet, error, retry.Reason) { resolved = true },
	})
	require.False(t, resolved, "out-of-range vbucket has no routable slot, so the request is deferred rather than dropped")
}

func TestCurrentConfig_NilBeforeTopologyArrives(t *testing.T) {
	factory := func(n topology.Node) (vbrouter.Session, error) {
		return &fakeSession{hostname: n.Hostname, managementPort: n.ManagementPort}, nil
	}
	r := vbrouter.New(factory)
	require.Nil(t, r.CurrentConfig())

	cfg, _ := topology.Parse(docWithVBMap(1, []map[string]any{{"hostname": "a", "management_port": 1}}, twoNodeVBMap()))
	require.NoError(t, r.ApplyTopology(cfg))
	require.NotNil(t, r.CurrentConfig())
	require.Equal(t, int64(1), r.CurrentConfig().Rev)
}

func TestClose_StopsSessionsAndFailsDeferred(t *testing.T) {
	var sessions []*fakeSession
	factory := func(n topology.Node) (vbrouter.Session, error) {
		s := &fakeSession{hostname: n.Hostname, managementPort: n.ManagementPort}
		sessions = append(sessions, s)
		return s, nil
	}
	r := vbrouter.New(factory)

	cfg, _ := topology.Parse(docWithVBMap(1, []map[string]any{{"hostname": "a", "management_port": 1}}, twoNodeVBMap()))
	require.NoError(t, r.ApplyTopology(cfg))
	require.Len(t, sessions, 1)

	var deferredErr error
	vb := 99999 // out of range: never resolves to a session
	r.Dispatch(vbrouter.DeferredRequest{
		VBucket: &vb,
		Packet:  &mcbp.Packet{},
		Handler: func(resp *mcbp.Packet, err error, reason retry.Reason) { deferredErr = err },
	})
	require.NoError(t, deferredErr) // still pending, no session resolved it yet

	r.Close()
	require.True(t, sessions[0].stopped)
	require.Error(t, deferredErr, "Close fails requests still waiting on a routable slot that never arrived")
}
