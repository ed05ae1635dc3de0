// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package crud_test

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/require"

	"github.com/nitrokv/nitrokv-go/pkg/crud"
	"github.com/nitrokv/nitrokv-go/pkg/mcbp"
	"github.com/nitrokv/nitrokv-go/pkg/retry"
)

func uuidResponse(uuid [16]byte) func(p *mcbp.Packet) (*mcbp.Packet, error, retry.Reason) {
	return func(p *mcbp.Packet) (*mcbp.Packet, error, retry.Reason) {
		return &mcbp.Packet{Magic: mcbp.MagicClientResponse, Status: mcbp.StatusSuccess, Value: uuid[:]}, nil, retry.DoNotRetry
	}
}

func TestCreate_RangeScan_RoutesByVBucketAndEncodesBody(t *testing.T) {
	r := &fakeRouter{resp: uuidResponse([16]byte{1, 2, 3})}

	var gotUUID [16]byte
	crud.Create(r, crud.CreateOptions{
		VBucket:  42,
		Type:     crud.ScanRange,
		StartKey: []byte("a"),
		EndKey:   []byte("z"),
	}, func(uuid [16]byte, err error, reason retry.Reason) {
		gotUUID = uuid
		require.NoError(t, err)
	})

	require.Equal(t, [16]byte{1, 2, 3}, gotUUID)
	require.NotNil(t, r.last.VBucket)
	require.Equal(t, 42, *r.last.VBucket)
	require.Equal(t, mcbp.OpRangeScanCreate, r.last.Packet.Opcode)

	var body map[string]any
	require.NoError(t, json.Unmarshal(r.last.Packet.Value, &body))
	rng := body["range"].(map[string]any)
	require.Equal(t, "a", rng["start"])
	require.Equal(t, "z", rng["end"])
}

func TestCreate_PrefixScan_EncodesPrefix(t *testing.T) {
	r := &fakeRouter{resp: uuidResponse([16]byte{9})}
	crud.Create(r, crud.CreateOptions{VBucket: 1, Type: crud.ScanPrefix, Prefix: []byte("user::")},
		func([16]byte, error, retry.Reason) {})

	var body map[string]any
	require.NoError(t, json.Unmarshal(r.last.Packet.Value, &body))
	prefix := body["prefix"].(map[string]any)
	require.Equal(t, "user::", prefix["prefix"])
}

func TestCreate_SamplingScan_RequiresLimit(t *testing.T) {
	r := &fakeRouter{resp: uuidResponse([16]byte{})}

	var gotErr error
	crud.Create(r, crud.CreateOptions{VBucket: 1, Type: crud.ScanSampling, Limit: 0},
		func(uuid [16]byte, err error, reason retry.Reason) { gotErr = err })

	require.Error(t, gotErr)
	require.Nil(t, r.last) // never dispatched
}

func TestCreate_SamplingScan_GeneratesSeedWhenZero(t *testing.T) {
	r := &fakeRouter{resp: uuidResponse([16]byte{1})}
	crud.Create(r, crud.CreateOptions{VBucket: 1, Type: crud.ScanSampling, Limit: 10},
		func([16]byte, error, retry.Reason) {})

	var body map[string]any
	require.NoError(t, json.Unmarshal(r.last.Packet.Value, &body))
	sampling := body["sampling"].(map[string]any)
	require.EqualValues(t, 10, sampling["limit"])
	require.NotEqual(t, float64(0), sampling["seed"])
}

func TestContinue_DecodesIDsOnlyBody(t *testing.T) {
	var body []byte
	body = append(body, mcbp.AppendLEB128(nil, 3)...)
	body = append(body, []byte("doc")...)

	r := &fakeRouter{resp: func(p *mcbp.Packet) (*mcbp.Packet, error, retry.Reason) {
		return &mcbp.Packet{
			Magic:  mcbp.MagicClientResponse,
			Status: mcbp.StatusRangeScanMore,
			Extras: []byte{0, 0, 0, 0x01},
			Value:  body,
		}, nil, retry.DoNotRetry
	}}

	var got crud.ContinueResult
	crud.Continue(r, 7, [16]byte{1}, func(res crud.ContinueResult, err error, reason retry.Reason) {
		got = res
		require.NoError(t, err)
	})

	require.NotNil(t, r.last.VBucket)
	require.Equal(t, 7, *r.last.VBucket)
	require.True(t, got.IDsOnly)
	require.Equal(t, [][]byte{[]byte("doc")}, got.Keys)
	require.False(t, got.Done)
}

func itemFrame(t *testing.T, key, value []byte, compress bool) []byte {
	t.Helper()
	var buf []byte
	var fixed [25]byte
	datatype := byte(mcbp.DatatypeJSON)
	v := value
	if compress {
		v = snappy.Encode(nil, value)
		datatype |= byte(mcbp.DatatypeSnappy)
	}
	binary.BigEndian.PutUint32(fixed[0:4], 0)  // flags
	binary.BigEndian.PutUint32(fixed[4:8], 0)  // expiry
	binary.BigEndian.PutUint64(fixed[8:16], 1) // seqno
	binary.BigEndian.PutUint64(fixed[16:24], 2) // cas
	fixed[24] = datatype
	buf = append(buf, fixed[:]...)
	buf = append(buf, mcbp.AppendLEB128(nil, uint32(len(key)))...)
	buf = append(buf, key...)
	buf = append(buf, mcbp.AppendLEB128(nil, uint32(len(v)))...)
	buf = append(buf, v...)
	return buf
}

func TestContinue_DecodesItemFrameAndDecompressesSnappy(t *testing.T) {
	frame := itemFrame(t, []byte("doc-1"), []byte(`{"x":1}`), true)

	r := &fakeRouter{resp: func(p *mcbp.Packet) (*mcbp.Packet, error, retry.Reason) {
		return &mcbp.Packet{
			Magic:  mcbp.MagicClientResponse,
			Status: mcbp.StatusRangeScanComplete,
			Extras: []byte{0, 0, 0, 0},
			Value:  frame,
		}, nil, retry.DoNotRetry
	}}

	var got crud.ContinueResult
	crud.Continue(r, 0, [16]byte{}, func(res crud.ContinueResult, err error, reason retry.Reason) {
		got = res
		require.NoError(t, err)
	})

	require.True(t, got.Done)
	require.Len(t, got.Items, 1)
	require.Equal(t, []byte("doc-1"), got.Items[0].Key)
	require.Equal(t, []byte(`{"x":1}`), got.Items[0].Value)
	require.False(t, got.Items[0].Datatype.HasSnappy(), "snappy bit cleared after decompression")
}

func TestCancel_RoutesByVBucketAndCarriesUUID(t *testing.T) {
	r := &fakeRouter{resp: func(p *mcbp.Packet) (*mcbp.Packet, error, retry.Reason) {
		return &mcbp.Packet{Magic: mcbp.MagicClientResponse, Status: mcbp.StatusSuccess}, nil, retry.DoNotRetry
	}}

	var gotErr error
	crud.Cancel(r, 5, [16]byte{7, 7}, func(err error, reason retry.Reason) { gotErr = err })

	require.NoError(t, gotErr)
	require.NotNil(t, r.last.VBucket)
	require.Equal(t, 5, *r.last.VBucket)
	require.Equal(t, mcbp.OpRangeScanCancel, r.last.Packet.Opcode)
	require.Equal(t, []byte{7, 7, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, r.last.Packet.Extras)
}
