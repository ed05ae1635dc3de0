// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/nitrokv/nitrokv-go/pkg/collections"
	"github.com/nitrokv/nitrokv-go/pkg/crud"
	"github.com/nitrokv/nitrokv-go/pkg/retry"
	"github.com/nitrokv/nitrokv-go/pkg/topology"
	"github.com/nitrokv/nitrokv-go/pkg/vbrouter"
)

// Bucket is an open, routed handle to one bucket's vbucket map. It
// implements pkg/crud.Router, so crud.Get/Upsert/... dispatch through it
// directly.
type Bucket struct {
	name         string
	router       *vbrouter.Router
	resolver     *collections.Resolver
	orchestrator *retry.Orchestrator
	retryTracker *collectionRetryTracker

	mu     sync.Mutex
	closed bool
}

// Name returns the bucket's name.
func (b *Bucket) Name() string { return b.name }

// CurrentConfig returns the bucket's last-applied topology, or nil if none
// has arrived yet.
func (b *Bucket) CurrentConfig() *topology.Config { return b.router.CurrentConfig() }

// Dispatch satisfies pkg/crud.Router, routing req by key or explicit
// vbucket through the bucket's node map.
func (b *Bucket) Dispatch(req vbrouter.DeferredRequest) {
	b.router.Dispatch(req)
}

// Close stops every per-node session the bucket's router owns.
func (b *Bucket) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.router.Close()
}

// retryState is the minimal retry.Request carrier for one logical
// operation's lifetime: it accumulates the retry count Decide needs to
// compute backoff across however many requeues that operation takes.
type retryState struct {
	deadline   time.Time
	retryCount int
}

func (s *retryState) RetryCount() int          { return s.retryCount }
func (s *retryState) Strategy() retry.Strategy { return retry.NewBestEffort() }
func (s *retryState) Deadline() time.Time      { return s.deadline }

// withRetry drives attempt through the cluster's retry orchestrator
// (spec.md §4.5). attempt is handed a decide function: it must call decide
// with the failure's reason exactly when it sees a non-nil error, and must
// deliver its own terminal outcome only when decide returns false (the
// orchestrator declined, either because the deadline has passed or the
// strategy is exhausted). Returning true from decide means withRetry will
// call attempt again once the scheduled backoff elapses — the re-queue path
// spec.md §4.5 point 4 requires, re-dispatched through the bucket router
// since attempt closes over the same crud call each time.
func (b *Bucket) withRetry(deadline time.Time, attempt func(decide func(reason retry.Reason) bool)) {
	state := &retryState{deadline: deadline}
	var run func()
	run = func() {
		attempt(func(reason retry.Reason) bool {
			if reason == retry.DoNotRetry {
				return false
			}
			if !b.orchestrator.Decide(state, reason, run) {
				return false
			}
			state.retryCount++
			return true
		})
	}
	run()
}

// resolveCollection implements the id-resolution half of the dispatch
// algorithm (spec.md §4.3): the default/explicit collection short-circuits
// to id 0 without touching the resolver; everything else goes through the
// cache/fetch path C6 owns.
func (b *Bucket) resolveCollection(scope, collection string, done func(id uint32, err error)) {
	if collections.IsDefaultOrExplicit(scope, collection) {
		done(0, nil)
		return
	}
	b.resolver.Resolve(collections.Request{
		Scope:      scope,
		Collection: collection,
		OnResolved: func(id uint32) {
			if b.retryTracker != nil {
				b.retryTracker.clear(scope, collection)
			}
			done(id, nil)
		},
		OnFailed: func(err error) { done(0, err) },
	})
}

// resolveAndRetry resolves scope/collection to a numeric collection id
// (spec.md §4.3, "C6 sits between C14 and C7") and drives op through retry
// orchestration (spec.md §4.5), delivering exactly one final outcome to
// done.
func (b *Bucket) resolveAndRetry(ctx context.Context, scope, collection string, op func(collectionID uint32, h func(crud.Result, error, retry.Reason)), done func(crud.Result, error)) {
	deadline, _ := ctx.Deadline()
	b.resolveCollection(scope, collection, func(collectionID uint32, err error) {
		if err != nil {
			done(crud.Result{}, err)
			return
		}
		b.withRetry(deadline, func(decide func(retry.Reason) bool) {
			op(collectionID, func(res crud.Result, err error, reason retry.Reason) {
				if err != nil && decide(reason) {
					return
				}
				done(res, err)
			})
		})
	})
}

// Get fetches a document by scope/collection name and key.
func (b *Bucket) Get(ctx context.Context, scope, collection string, key []byte, done func(crud.Result, error)) {
	b.resolveAndRetry(ctx, scope, collection, func(cid uint32, h func(crud.Result, error, retry.Reason)) {
		crud.Get(b, cid, key, h)
	}, done)
}

// Upsert creates or overwrites a document by scope/collection name and key.
func (b *Bucket) Upsert(ctx context.Context, scope, collection string, key, value []byte, opts crud.UpsertOptions, done func(crud.Result, error)) {
	b.resolveAndRetry(ctx, scope, collection, func(cid uint32, h func(crud.Result, error, retry.Reason)) {
		crud.Upsert(b, cid, key, value, opts, h)
	}, done)
}

// Add creates a document, failing with StatusExists if it already exists.
func (b *Bucket) Add(ctx context.Context, scope, collection string, key, value []byte, opts crud.UpsertOptions, done func(crud.Result, error)) {
	b.resolveAndRetry(ctx, scope, collection, func(cid uint32, h func(crud.Result, error, retry.Reason)) {
		crud.Add(b, cid, key, value, opts, h)
	}, done)
}

// Replace overwrites an existing document, optionally CAS-guarded.
func (b *Bucket) Replace(ctx context.Context, scope, collection string, key, value []byte, opts crud.UpsertOptions, done func(crud.Result, error)) {
	b.resolveAndRetry(ctx, scope, collection, func(cid uint32, h func(crud.Result, error, retry.Reason)) {
		crud.Replace(b, cid, key, value, opts, h)
	}, done)
}

// Remove deletes a document, optionally CAS-guarded.
func (b *Bucket) Remove(ctx context.Context, scope, collection string, key []byte, cas uint64, done func(crud.Result, error)) {
	b.resolveAndRetry(ctx, scope, collection, func(cid uint32, h func(crud.Result, error, retry.Reason)) {
		crud.Remove(b, cid, key, cas, h)
	}, done)
}

// Touch refreshes a document's expiry without fetching its value.
func (b *Bucket) Touch(ctx context.Context, scope, collection string, key []byte, expirySeconds uint32, done func(crud.Result, error)) {
	b.resolveAndRetry(ctx, scope, collection, func(cid uint32, h func(crud.Result, error, retry.Reason)) {
		crud.Touch(b, cid, key, expirySeconds, h)
	}, done)
}

// GetAndTouch fetches a document's value while refreshing its expiry.
func (b *Bucket) GetAndTouch(ctx context.Context, scope, collection string, key []byte, expirySeconds uint32, done func(crud.Result, error)) {
	b.resolveAndRetry(ctx, scope, collection, func(cid uint32, h func(crud.Result, error, retry.Reason)) {
		crud.GetAndTouch(b, cid, key, expirySeconds, h)
	}, done)
}

// Unlock releases a pessimistic lock previously acquired via a locking get.
func (b *Bucket) Unlock(ctx context.Context, scope, collection string, key []byte, cas uint64, done func(crud.Result, error)) {
	b.resolveAndRetry(ctx, scope, collection, func(cid uint32, h func(crud.Result, error, retry.Reason)) {
		crud.Unlock(b, cid, key, cas, h)
	}, done)
}

// Increment adds delta to the numeric value stored at key, seeding it with
// initial if absent.
func (b *Bucket) Increment(ctx context.Context, scope, collection string, key []byte, delta, initial uint64, expirySeconds uint32, done func(crud.Result, error)) {
	b.resolveAndRetry(ctx, scope, collection, func(cid uint32, h func(crud.Result, error, retry.Reason)) {
		crud.Increment(b, cid, key, delta, initial, expirySeconds, h)
	}, done)
}

// Decrement subtracts delta from the numeric value stored at key.
func (b *Bucket) Decrement(ctx context.Context, scope, collection string, key []byte, delta, initial uint64, expirySeconds uint32, done func(crud.Result, error)) {
	b.resolveAndRetry(ctx, scope, collection, func(cid uint32, h func(crud.Result, error, retry.Reason)) {
		crud.Decrement(b, cid, key, delta, initial, expirySeconds, h)
	}, done)
}

// CreateRangeScan resolves scope/collection and issues a range_scan_create
// request against the resolved id (spec.md §4.10, "Create").
func (b *Bucket) CreateRangeScan(ctx context.Context, scope, collection string, opts crud.CreateOptions, done func(scanUUID [16]byte, err error)) {
	deadline, _ := ctx.Deadline()
	b.resolveCollection(scope, collection, func(collectionID uint32, err error) {
		if err != nil {
			done([16]byte{}, err)
			return
		}
		opts.CollectionID = collectionID
		b.withRetry(deadline, func(decide func(retry.Reason) bool) {
			crud.Create(b, opts, func(uuid [16]byte, err error, reason retry.Reason) {
				if err != nil && decide(reason) {
					return
				}
				done(uuid, err)
			})
		})
	})
}

// ReplicaResult pairs a replica index with its outcome for a
// get-all-replicas compound request.
type ReplicaResult struct {
	ReplicaIndex int
	Result       crud.Result
	Err          error
}

// dispatchReplica wraps one replica's crud call with retry orchestration
// and reports its outcome through report once a final result (success, a
// non-retryable failure, or a retry the orchestrator declined) is reached.
func (b *Bucket) dispatchReplica(deadline time.Time, idx int, call func(h func(crud.Result, error, retry.Reason)), report func(ReplicaResult)) {
	b.withRetry(deadline, func(decide func(retry.Reason) bool) {
		call(func(res crud.Result, err error, reason retry.Reason) {
			if err != nil && decide(reason) {
				return
			}
			report(ReplicaResult{ReplicaIndex: idx, Result: res, Err: err})
		})
	})
}

// GetAnyReplica races the active copy against every replica and returns the
// first success, orchestrating multiple inner requests as a single compound
// request (spec.md §4.8, "Execute dispatch": "compound requests ...
// orchestrate multiple inner requests").
func (b *Bucket) GetAnyReplica(ctx context.Context, collectionID uint32, key []byte, replicaCount int, done func(crud.Result, error)) {
	deadline, _ := ctx.Deadline()
	results := make(chan ReplicaResult, replicaCount+1)

	b.dispatchReplica(deadline, 0, func(h func(crud.Result, error, retry.Reason)) {
		crud.Get(b, collectionID, key, h)
	}, func(r ReplicaResult) { results <- r })
	for i := 1; i <= replicaCount; i++ {
		i := i
		b.dispatchReplica(deadline, i, func(h func(crud.Result, error, retry.Reason)) {
			crud.GetReplica(b, collectionID, key, i, h)
		}, func(r ReplicaResult) { results <- r })
	}

	go func() {
		var lastErr error
		for i := 0; i <= replicaCount; i++ {
			r := <-results
			if r.Err == nil {
				done(r.Result, nil)
				return
			}
			lastErr = r.Err
		}
		done(crud.Result{}, lastErr)
	}()
}

// GetAllReplicas fetches the active copy and every replica, delivering one
// ReplicaResult per copy as it arrives.
func (b *Bucket) GetAllReplicas(ctx context.Context, collectionID uint32, key []byte, replicaCount int, onResult func(ReplicaResult)) {
	deadline, _ := ctx.Deadline()
	b.dispatchReplica(deadline, 0, func(h func(crud.Result, error, retry.Reason)) {
		crud.Get(b, collectionID, key, h)
	}, onResult)
	for i := 1; i <= replicaCount; i++ {
		i := i
		b.dispatchReplica(deadline, i, func(h func(crud.Result, error, retry.Reason)) {
			crud.GetReplica(b, collectionID, key, i, h)
		}, onResult)
	}
}
