// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package crud_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nitrokv/nitrokv-go/pkg/crud"
	"github.com/nitrokv/nitrokv-go/pkg/mcbp"
	"github.com/nitrokv/nitrokv-go/pkg/retry"
	"github.com/nitrokv/nitrokv-go/pkg/vbrouter"
)

type fakeRouter struct {
	last *vbrouter.DeferredRequest
	resp func(p *mcbp.Packet) (*mcbp.Packet, error, retry.Reason)
}

func (f *fakeRouter) Dispatch(req vbrouter.DeferredRequest) {
	f.last = &req
	resp, err, reason := f.resp(req.Packet)
	req.Handler(resp, err, reason)
}

func success(value []byte, cas uint64) func(p *mcbp.Packet) (*mcbp.Packet, error, retry.Reason) {
	return func(p *mcbp.Packet) (*mcbp.Packet, error, retry.Reason) {
		return &mcbp.Packet{Magic: mcbp.MagicClientResponse, Status: mcbp.StatusSuccess, Value: value, Cas: cas}, nil, retry.DoNotRetry
	}
}

func TestGet_DispatchesByKeyAndReturnsValue(t *testing.T) {
	r := &fakeRouter{resp: success([]byte(`{"a":1}`), 7)}

	var got crud.Result
	crud.Get(r, 0, []byte("doc-1"), func(res crud.Result, err error, reason retry.Reason) {
		got = res
		require.NoError(t, err)
	})

	require.Equal(t, []byte("doc-1"), r.last.Key)
	require.Equal(t, mcbp.OpGet, r.last.Packet.Opcode)
	require.Equal(t, []byte(`{"a":1}`), got.Value)
	require.Equal(t, uint64(7), got.Cas)
}

func TestGetReplica_SetsReplicaIndex(t *testing.T) {
	r := &fakeRouter{resp: success(nil, 1)}
	crud.GetReplica(r, 0, []byte("doc-1"), 2, func(crud.Result, error, retry.Reason) {})
	require.Equal(t, mcbp.OpGetReplica, r.last.Packet.Opcode)
	require.Equal(t, 2, r.last.ReplicaIndex)
}

func TestUpsert_EncodesFlagsAndExpiryExtrasAndWiresCompressFlag(t *testing.T) {
	r := &fakeRouter{resp: success(nil, 1)}
	crud.Upsert(r, 0, []byte("doc-1"), []byte("payload"), crud.UpsertOptions{
		Flags:         0x1234,
		ExpirySeconds: 60,
		Compress:      true,
	}, func(crud.Result, error, retry.Reason) {})

	require.Equal(t, mcbp.OpSet, r.last.Packet.Opcode)
	require.Len(t, r.last.Packet.Extras, 8)
	require.Equal(t, uint32(0x1234), binary.BigEndian.Uint32(r.last.Packet.Extras[0:4]))
	require.Equal(t, uint32(60), binary.BigEndian.Uint32(r.last.Packet.Extras[4:8]))
	require.True(t, r.last.Packet.CompressValue)
	require.Equal(t, []byte("payload"), r.last.Packet.Value, "codec handles compression, not crud")
}

func TestAdd_UsesAddOpcode(t *testing.T) {
	r := &fakeRouter{resp: success(nil, 1)}
	crud.Add(r, 0, []byte("doc-1"), []byte("v"), crud.UpsertOptions{}, func(crud.Result, error, retry.Reason) {})
	require.Equal(t, mcbp.OpAdd, r.last.Packet.Opcode)
}

func TestReplace_CarriesCASAndUsesReplaceOpcode(t *testing.T) {
	r := &fakeRouter{resp: success(nil, 1)}
	crud.Replace(r, 0, []byte("doc-1"), []byte("v"), crud.UpsertOptions{Cas: 99}, func(crud.Result, error, retry.Reason) {})
	require.Equal(t, mcbp.OpReplace, r.last.Packet.Opcode)
	require.Equal(t, uint64(99), r.last.Packet.Cas)
}

func TestUpsertLike_ExistsStatusReturnsRetryReasonDoNotRetry(t *testing.T) {
	r := &fakeRouter{resp: func(p *mcbp.Packet) (*mcbp.Packet, error, retry.Reason) {
		return &mcbp.Packet{Magic: mcbp.MagicClientResponse, Status: mcbp.StatusExists}, nil, retry.DoNotRetry
	}}

	var gotErr error
	var gotReason retry.Reason
	crud.Add(r, 0, []byte("doc-1"), []byte("v"), crud.UpsertOptions{}, func(res crud.Result, err error, reason retry.Reason) {
		gotErr = err
		gotReason = reason
	})
	require.Error(t, gotErr)
	require.Equal(t, retry.DoNotRetry, gotReason)
}

func TestRemove_CarriesCASOnDeleteOpcode(t *testing.T) {
	r := &fakeRouter{resp: success(nil, 0)}
	crud.Remove(r, 0, []byte("doc-1"), 42, func(crud.Result, error, retry.Reason) {})
	require.Equal(t, mcbp.OpDelete, r.last.Packet.Opcode)
	require.Equal(t, uint64(42), r.last.Packet.Cas)
}

func TestTouch_EncodesExpiryOnlyExtras(t *testing.T) {
	r := &fakeRouter{resp: success(nil, 0)}
	crud.Touch(r, 0, []byte("doc-1"), 120, func(crud.Result, error, retry.Reason) {})
	require.Equal(t, mcbp.OpTouch, r.last.Packet.Opcode)
	require.Len(t, r.last.Packet.Extras, 4)
	require.Equal(t, uint32(120), binary.BigEndian.Uint32(r.last.Packet.Extras))
}

func TestGetAndTouch_UsesGetAndTouchOpcodeWithExpiryExtras(t *testing.T) {
	r := &fakeRouter{resp: success([]byte("v"), 0)}
	crud.GetAndTouch(r, 0, []byte("doc-1"), 30, func(crud.Result, error, retry.Reason) {})
	require.Equal(t, mcbp.OpGetAndTouch, r.last.Packet.Opcode)
	require.Equal(t, uint32(30), binary.BigEndian.Uint32(r.last.Packet.Extras))
}

func TestUnlock_CarriesCASOnUnlockOpcodeAndLockedStatusDoesNotRetry(t *testing.T) {
	r := &fakeRouter{resp: func(p *mcbp.Packet) (*mcbp.Packet, error, retry.Reason) {
		return &mcbp.Packet{Magic: mcbp.MagicClientResponse, Status: mcbp.StatusLocked}, nil, retry.DoNotRetry
	}}
	var gotReason retry.Reason
	crud.Unlock(r, 0, []byte("doc-1"), 7, func(res crud.Result, err error, reason retry.Reason) {
		gotReason = reason
	})
	require.Equal(t, mcbp.OpUnlock, r.last.Packet.Opcode)
	require.Equal(t, uint64(7), r.last.Packet.Cas)
	require.Equal(t, retry.DoNotRetry, gotReason) // unlock never retries a locked response
}

func TestIncrement_EncodesDeltaInitialAndExpiryExtras(t *testing.T) {
	r := &fakeRouter{resp: success(nil, 0)}
	crud.Increment(r, 0, []byte("counter"), 5, 100, 0, func(crud.Result, error, retry.Reason) {})
	require.Equal(t, mcbp.OpIncrement, r.last.Packet.Opcode)
	require.Len(t, r.last.Packet.Extras, 20)
	require.Equal(t, uint64(5), binary.BigEndian.Uint64(r.last.Packet.Extras[0:8]))
	require.Equal(t, uint64(100), binary.BigEndian.Uint64(r.last.Packet.Extras[8:16]))
}

func TestDecrement_UsesDecrementOpcode(t *testing.T) {
	r := &fakeRouter{resp: success(nil, 0)}
	crud.Decrement(r, 0, []byte("counter"), 1, 0, 0, func(crud.Result, error, retry.Reason) {})
	require.Equal(t, mcbp.OpDecrement, r.last.Packet.Opcode)
}

func TestDispatch_TransportErrorSkipsStatusInspection(t *testing.T) {
	r := &fakeRouter{resp: func(p *mcbp.Packet) (*mcbp.Packet, error, retry.Reason) {
		return nil, errors.New("connection reset"), retry.UnambiguousTimeout
	}}
	var gotReason retry.Reason
	var gotErr error
	crud.Get(r, 0, []byte("doc-1"), func(res crud.Result, err error, reason retry.Reason) {
		gotErr = err
		gotReason = reason
	})
	require.Error(t, gotErr)
	require.Equal(t, retry.UnambiguousTimeout, gotReason)
}
