// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package cluster

import (
	"encoding/binary"
	"sync"

	"github.com/nitrokv/nitrokv-go/pkg/collections"
	"github.com/nitrokv/nitrokv-go/pkg/kverr"
	"github.com/nitrokv/nitrokv-go/pkg/mcbp"
	"github.com/nitrokv/nitrokv-go/pkg/retry"
	"github.com/nitrokv/nitrokv-go/pkg/vbrouter"
)

// bucketCollectionFetcher implements collections.Fetcher by issuing
// get_collection_id through a bucket's router (spec.md §4.3, "Dispatch
// algorithm": coalesced GET_COLLECTION_ID fetch). The response extras carry
// an 8-byte manifest uid followed by the 4-byte collection id.
type bucketCollectionFetcher struct {
	router *vbrouter.Router
}

const getCollectionIDExtrasLen = 12 // 8-byte manifest uid + 4-byte collection id

func (f *bucketCollectionFetcher) FetchCollectionID(scope, collection string, done func(id uint32, notFound bool, err error)) {
	key := []byte(collections.BuildKey(scope, collection))
	f.router.Dispatch(vbrouter.DeferredRequest{
		Key: key,
		Packet: &mcbp.Packet{
			Magic:  mcbp.MagicClientRequest,
			Opcode: mcbp.OpGetCollectionID,
			Key:    key,
		},
		Handler: func(resp *mcbp.Packet, err error, reason retry.Reason) {
			if err != nil {
				done(0, false, err)
				return
			}
			if resp.Status == mcbp.StatusCollectionNotFound {
				done(0, true, nil)
				return
			}
			if resp.Status != mcbp.StatusSuccess {
				done(0, false, kverr.InvalidArgument.New("server status %s", resp.Status))
				return
			}
			if len(resp.Extras) < getCollectionIDExtrasLen {
				done(0, false, kverr.DecodingFailure.New("truncated get_collection_id response"))
				return
			}
			done(binary.BigEndian.Uint32(resp.Extras[8:12]), false, nil)
		},
	})
}

// collectionRetryTracker bounds the resolver's collection_not_found retry
// to exactly one attempt per (scope, collection) (spec.md §4.3: "attempt
// one retry ... with reason key_value_collection_outdated"). Orchestrator
// .Decide alone can't enforce this bound, since key_value_collection_outdated
// is in the always-retry set and a request with no deadline would otherwise
// be granted a requeue indefinitely.
type collectionRetryTracker struct {
	mu      sync.Mutex
	retried map[string]bool
}

func newCollectionRetryTracker() *collectionRetryTracker {
	return &collectionRetryTracker{retried: make(map[string]bool)}
}

// allow reports whether this (scope, collection) pair has not yet spent its
// one grant, and records the grant if so.
func (t *collectionRetryTracker) allow(scope, collection string) bool {
	k := collections.BuildKey(scope, collection)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retried[k] {
		return false
	}
	t.retried[k] = true
	return true
}

// clear resets the bound, letting scope/collection earn another single
// retry the next time it resolves successfully.
func (t *collectionRetryTracker) clear(scope, collection string) {
	k := collections.BuildKey(scope, collection)
	t.mu.Lock()
	delete(t.retried, k)
	t.mu.Unlock()
}
