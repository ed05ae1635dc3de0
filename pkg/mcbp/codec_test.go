// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package mcbp_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nitrokv/nitrokv-go/pkg/mcbp"
)

func fullFeatureSet() mcbp.FeatureSet {
	return mcbp.NewFeatureSet(mcbp.DefaultHelloFeatures)
}

func randomPacket(rng *rand.Rand, isRequest bool) *mcbp.Packet {
	p := &mcbp.Packet{
		Opcode:   mcbp.OpSet,
		Datatype: mcbp.DatatypeJSON,
		Opaque:   rng.Uint32(),
		Cas:      rng.Uint64(),
		Key:      []byte("doc-" + string(rune('a'+rng.Intn(26)))),
		Value:    []byte(`{"hello":"world"}`),
	}
	if isRequest {
		p.Magic = mcbp.MagicClientRequest
		p.VBucket = uint16(rng.Intn(1024))
	} else {
		p.Magic = mcbp.MagicClientResponse
		p.Status = mcbp.StatusSuccess
	}
	return p
}

func TestCodec_RoundTrip_Fuzz_NoFrames(t *testing.T) {
	features := fullFeatureSet()
	rng := rand.New(rand.NewSource(3))

	for i := 0; i < 2000; i++ {
		isRequest := i%2 == 0
		p := randomPacket(rng, isRequest)

		buf, err := mcbp.Encode(p, features)
		require.NoError(t, err)

		got, n, err := mcbp.Decode(buf, features)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)

		require.Equal(t, p.Magic, got.Magic)
		require.Equal(t, p.Opcode, got.Opcode)
		require.Equal(t, p.Opaque, got.Opaque)
		require.Equal(t, p.Cas, got.Cas)
		require.Equal(t, p.Key, got.Key)
		require.Equal(t, p.Value, got.Value)
		if isRequest {
			require.Equal(t, p.VBucket, got.VBucket)
		} else {
			require.Equal(t, p.Status, got.Status)
		}
	}
}

func TestCodec_CollectionID_LEB128Prefix(t *testing.T) {
	features := fullFeatureSet()
	p := &mcbp.Packet{
		Magic:        mcbp.MagicClientRequest,
		Opcode:       mcbp.OpGet,
		Key:          []byte("my-doc"),
		CollectionID: 0x2a,
	}

	buf, err := mcbp.Encode(p, features)
	require.NoError(t, err)

	got, _, err := mcbp.Decode(buf, features)
	require.NoError(t, err)
	require.Equal(t, uint32(0x2a), got.CollectionID)
	require.Equal(t, []byte("my-doc"), got.Key)
}

func TestCodec_EmptyKey_CollectionAware_NoPrefixNeeded(t *testing.T) {
	features := fullFeatureSet()
	p := &mcbp.Packet{
		Magic:  mcbp.MagicClientRequest,
		Opcode: mcbp.OpGet,
		Key:    nil,
	}
	buf, err := mcbp.Encode(p, features)
	require.NoError(t, err)

	got, _, err := mcbp.Decode(buf, features)
	require.NoError(t, err)
	require.Empty(t, got.Key)
	require.Zero(t, got.CollectionID)
}

func TestCodec_NonZeroCollectionID_OnUnsupportedOpcode_Fails(t *testing.T) {
	features := fullFeatureSet()
	p := &mcbp.Packet{
		Magic:        mcbp.MagicClientRequest,
		Opcode:       mcbp.OpHello,
		CollectionID: 7,
	}
	_, err := mcbp.Encode(p, features)
	require.Error(t, err)
}

func TestCodec_FrameExtras_UpgradesToAltMagicAndRoundTrips(t *testing.T) {
	features := fullFeatureSet()
	dur := &mcbp.DurabilityRequirements{Level: mcbp.DurabilityMajority, Timeout: 2500 * time.Millisecond}
	p := &mcbp.Packet{
		Magic:  mcbp.MagicClientRequest,
		Opcode: mcbp.OpSet,
		Key:    []byte("k"),
		Value:  []byte("v"),
		Frames: &mcbp.FrameExtras{Barrier: true, Durability: dur},
	}

	buf, err := mcbp.Encode(p, features)
	require.NoError(t, err)
	require.Equal(t, mcbp.MagicAltClientRequest, mcbp.Magic(buf[0]))

	got, _, err := mcbp.Decode(buf, features)
	require.NoError(t, err)
	require.True(t, got.Frames.Barrier)
	require.NotNil(t, got.Frames.Durability)
	require.Equal(t, mcbp.DurabilityMajority, got.Frames.Durability.Level)
	require.Equal(t, 2500*time.Millisecond, got.Frames.Durability.Timeout)
}

func TestCodec_AltMagicWithoutFeature_Fails(t *testing.T) {
	features := mcbp.NewFeatureSet(nil)
	p := &mcbp.Packet{
		Magic:  mcbp.MagicClientRequest,
		Opcode: mcbp.OpSet,
		Frames: &mcbp.FrameExtras{Barrier: true},
	}
	_, err := mcbp.Encode(p, features)
	require.Error(t, err)
}

func TestCodec_DurabilityWithoutFeature_Fails(t *testing.T) {
	features := mcbp.NewFeatureSet([]mcbp.Feature{mcbp.FeatureAltRequestSupport})
	p := &mcbp.Packet{
		Magic:  mcbp.MagicClientRequest,
		Opcode: mcbp.OpSet,
		Frames: &mcbp.FrameExtras{Durability: &mcbp.DurabilityRequirements{Level: mcbp.DurabilityMajority}},
	}
	_, err := mcbp.Encode(p, features)
	require.Error(t, err)
}

func TestCodec_RequestMustCarryZeroStatus(t *testing.T) {
	features := fullFeatureSet()
	p := &mcbp.Packet{Magic: mcbp.MagicClientRequest, Status: mcbp.StatusNotFound}
	_, err := mcbp.Encode(p, features)
	require.Error(t, err)
}

func TestCodec_ResponseMustCarryZeroVBucket(t *testing.T) {
	features := fullFeatureSet()
	p := &mcbp.Packet{Magic: mcbp.MagicClientResponse, VBucket: 3}
	_, err := mcbp.Encode(p, features)
	require.Error(t, err)
}

func TestCodec_SnappyRoundTrip(t *testing.T) {
	features := fullFeatureSet()
	value := make([]byte, 4096)
	for i := range value {
		value[i] = 'a'
	}
	p := &mcbp.Packet{
		Magic:         mcbp.MagicClientRequest,
		Opcode:        mcbp.OpSet,
		Key:           []byte("k"),
		Value:         value,
		CompressValue: true,
	}

	buf, err := mcbp.Encode(p, features)
	require.NoError(t, err)
	require.Less(t, len(buf), headerPlusLen(p.Key, value))

	got, _, err := mcbp.Decode(buf, features)
	require.NoError(t, err)
	require.Equal(t, value, got.Value)
	require.False(t, got.Datatype.HasSnappy())
}

func headerPlusLen(key, value []byte) int {
	return 24 + len(key) + len(value)
}

func TestCodec_UnsupportedFrameType_Preserved(t *testing.T) {
	features := fullFeatureSet()
	// Manually craft a request with one unknown frame (type 9, zero length)
	// followed by a key, to prove the decoder doesn't drop it.
	header := []byte{
		byte(mcbp.MagicAltClientRequest), byte(mcbp.OpGet),
		1, 1, // frames len=1, key len=1
		0, byte(mcbp.DatatypeRaw),
		0, 0, // vbucket
		0, 0, 0, 2, // body len
		0, 0, 0, 0, // opaque
		0, 0, 0, 0, 0, 0, 0, 0, // cas
	}
	body := []byte{0x90, 'k'} // frame header: type=9,len=0 ; key="k"
	buf := append(header, body...)

	got, n, err := mcbp.Decode(buf, features)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Len(t, got.Frames.Unsupported, 1)
	require.Equal(t, byte(9), got.Frames.Unsupported[0].Type)
}
