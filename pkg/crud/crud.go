// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package crud maps high-level CRUD operations onto binary protocol packets
// and drives the range-scan create/continue/cancel flow (spec.md §4.10, C14).
package crud

import (
	"encoding/binary"

	"github.com/nitrokv/nitrokv-go/pkg/kverr"
	"github.com/nitrokv/nitrokv-go/pkg/mcbp"
	"github.com/nitrokv/nitrokv-go/pkg/retry"
	"github.com/nitrokv/nitrokv-go/pkg/vbrouter"
)

// Router is the subset of pkg/vbrouter.Router the CRUD front dispatches
// through.
type Router interface {
	Dispatch(req vbrouter.DeferredRequest)
}

// Result is the outcome of a single (non-streaming) CRUD operation.
type Result struct {
	Value  []byte
	Cas    uint64
	Status mcbp.Status
}

func dispatch(r Router, opcode mcbp.Opcode, collectionID uint32, key, extras, value []byte, cas uint64, replicaIndex int, done func(Result, error, retry.Reason)) {
	p := &mcbp.Packet{
		Magic:        mcbp.MagicClientRequest,
		Opcode:       opcode,
		Key:          key,
		Extras:       extras,
		Value:        value,
		Cas:          cas,
		CollectionID: collectionID,
	}
	r.Dispatch(vbrouter.DeferredRequest{
		Key:          key,
		ReplicaIndex: replicaIndex,
		Packet:       p,
		Handler: func(resp *mcbp.Packet, err error, reason retry.Reason) {
			if err != nil {
				done(Result{}, err, reason)
				return
			}
			res := Result{Value: resp.Value, Cas: resp.Cas, Status: resp.Status}
			if resp.Status != mcbp.StatusSuccess {
				done(res, kverr.InvalidArgument.New("server status %s", resp.Status), vbrouter.ResolveRetryReason(resp.Status, opcode))
				return
			}
			done(res, nil, retry.DoNotRetry)
		},
	})
}

// Get fetches a document by key.
func Get(r Router, collectionID uint32, key []byte, done func(Result, error, retry.Reason)) {
	dispatch(r, mcbp.OpGet, collectionID, key, nil, nil, 0, 0, done)
}

// GetReplica fetches a document from the given replica index (1-based;
// spec.md §4.10 treats replica reads as a compound request elsewhere, but
// a single replica fetch maps directly to one packet).
func GetReplica(r Router, collectionID uint32, key []byte, replicaIndex int, done func(Result, error, retry.Reason)) {
	dispatch(r, mcbp.OpGetReplica, collectionID, key, nil, nil, 0, replicaIndex, done)
}

// upsertExtras builds the flags+expiry extras shared by set/add/replace.
func upsertExtras(flags uint32, expirySeconds uint32) []byte {
	var extras [8]byte
	binary.BigEndian.PutUint32(extras[0:4], flags)
	binary.BigEndian.PutUint32(extras[4:8], expirySeconds)
	return extras[:]
}

// UpsertOptions configures Upsert/Add/Replace.
type UpsertOptions struct {
	Flags         uint32
	ExpirySeconds uint32
	Cas           uint64 // 0 for Upsert/Add; required for Replace's CAS check
	Compress      bool
}

func upsertLike(r Router, opcode mcbp.Opcode, collectionID uint32, key, value []byte, opts UpsertOptions, done func(Result, error, retry.Reason)) {
	p := &mcbp.Packet{
		Magic:         mcbp.MagicClientRequest,
		Opcode:        opcode,
		Key:           key,
		Extras:        upsertExtras(opts.Flags, opts.ExpirySeconds),
		Value:         value,
		CompressValue: opts.Compress,
		Cas:           opts.Cas,
		CollectionID:  collectionID,
	}
	r.Dispatch(vbrouter.DeferredRequest{
		Key:    key,
		Packet: p,
		Handler: func(resp *mcbp.Packet, err error, reason retry.Reason) {
			if err != nil {
				done(Result{}, err, reason)
				return
			}
			if resp.Status != mcbp.StatusSuccess {
				done(Result{Status: resp.Status}, kverr.InvalidArgument.New("server status %s", resp.Status), vbrouter.ResolveRetryReason(resp.Status, opcode))
				return
			}
			done(Result{Cas: resp.Cas, Status: resp.Status}, nil, retry.DoNotRetry)
		},
	})
}

// Upsert creates or overwrites key.
func Upsert(r Router, collectionID uint32, key, value []byte, opts UpsertOptions, done func(Result, error, retry.Reason)) {
	upsertLike(r, mcbp.OpSet, collectionID, key, value, opts, done)
}

// Add creates key, failing with StatusExists if it already exists.
func Add(r Router, collectionID uint32, key, value []byte, opts UpsertOptions, done func(Result, error, retry.Reason)) {
	upsertLike(r, mcbp.OpAdd, collectionID, key, value, opts, done)
}

// Replace overwrites an existing key, optionally CAS-guarded.
func Replace(r Router, collectionID uint32, key, value []byte, opts UpsertOptions, done func(Result, error, retry.Reason)) {
	upsertLike(r, mcbp.OpReplace, collectionID, key, value, opts, done)
}

// Remove deletes key, optionally CAS-guarded.
func Remove(r Router, collectionID uint32, key []byte, cas uint64, done func(Result, error, retry.Reason)) {
	dispatch(r, mcbp.OpDelete, collectionID, key, nil, nil, cas, 0, done)
}

// Touch refreshes key's expiry without fetching its value.
func Touch(r Router, collectionID uint32, key []byte, expirySeconds uint32, done func(Result, error, retry.Reason)) {
	var extras [4]byte
	binary.BigEndian.PutUint32(extras[:], expirySeconds)
	dispatch(r, mcbp.OpTouch, collectionID, key, extras[:], nil, 0, 0, done)
}

// GetAndTouch fetches key's value while refreshing its expiry.
func GetAndTouch(r Router, collectionID uint32, key []byte, expirySeconds uint32, done func(Result, error, retry.Reason)) {
	var extras [4]byte
	binary.BigEndian.PutUint32(extras[:], expirySeconds)
	dispatch(r, mcbp.OpGetAndTouch, collectionID, key, extras[:], nil, 0, 0, done)
}

// Unlock releases a pessimistic lock previously acquired via a locking get,
// CAS-guarded.
func Unlock(r Router, collectionID uint32, key []byte, cas uint64, done func(Result, error, retry.Reason)) {
	dispatch(r, mcbp.OpUnlock, collectionID, key, nil, nil, cas, 0, done)
}

// deltaExtras builds the extras word for increment/decrement: delta (8),
// initial value (8), expiry (4).
func deltaExtras(delta, initial uint64, expirySeconds uint32) []byte {
	var extras [20]byte
	binary.BigEndian.PutUint64(extras[0:8], delta)
	binary.BigEndian.PutUint64(extras[8:16], initial)
	binary.BigEndian.PutUint32(extras[16:20], expirySeconds)
	return extras[:]
}

// Increment adds delta to the numeric value stored at key, seeding it with
// initial if absent.
func Increment(r Router, collectionID uint32, key []byte, delta, initial uint64, expirySeconds uint32, done func(Result, error, retry.Reason)) {
	dispatch(r, mcbp.OpIncrement, collectionID, key, deltaExtras(delta, initial, expirySeconds), nil, 0, 0, done)
}

// Decrement subtracts delta from the numeric value stored at key.
func Decrement(r Router, collectionID uint32, key []byte, delta, initial uint64, expirySeconds uint32, done func(Result, error, retry.Reason)) {
	dispatch(r, mcbp.OpDecrement, collectionID, key, deltaExtras(delta, initial, expirySeconds), nil, 0, 0, done)
}
