// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package mcbp implements the cluster's binary protocol: bit-exact framing
// of requests/responses, optional frame extras, leb128 collection-id
// prefixes, and the Snappy/server-duration wire conventions (spec.md §4.1).
package mcbp

import (
	"encoding/binary"

	"github.com/nitrokv/nitrokv-go/pkg/kverr"
)

const headerLen = 24

// Encode serializes p into the binary wire format, honoring the negotiated
// feature set. It returns the encoded bytes.
func Encode(p *Packet, features FeatureSet) ([]byte, error) {
	if p.IsRequest() && p.Status != 0 {
		return nil, kverr.InvalidArgument.New("requests must carry status == 0")
	}
	if !p.IsRequest() && p.VBucket != 0 {
		return nil, kverr.InvalidArgument.New("responses must carry vbucket == 0")
	}

	key := p.Key
	extras := p.Extras
	if p.CollectionID != 0 && !p.Opcode.SupportsCollectionID() {
		return nil, kverr.InvalidArgument.New("opcode %s does not support a collection id", p.Opcode)
	}
	if p.Opcode.SupportsCollectionID() && features.Has(FeatureCollections) {
		if p.Opcode == OpGetRandomKey {
			var cidBuf [4]byte
			binary.BigEndian.PutUint32(cidBuf[:], p.CollectionID)
			extras = append(append([]byte(nil), extras...), cidBuf[:]...)
		} else if len(p.Key) > 0 {
			key = AppendLEB128(nil, p.CollectionID)
			key = append(key, p.Key...)
		}
	}

	value := p.Value
	datatype := p.Datatype
	if p.CompressValue && features.Has(FeatureSnappy) && len(value) > 0 {
		compressed, ok := maybeCompress(value)
		if ok {
			value = compressed
			datatype = datatype.withSnappy(true)
		}
	}

	magic := p.Magic
	frameLen := frameExtrasWireLen(p.Frames, p.IsRequest())
	if frameLen > 0 {
		magic = magic.altForm()
		if p.IsRequest() && !features.Has(FeatureAltRequestSupport) {
			return nil, kverr.UnsupportedOperation.New("alt request magic requires alt-request-support feature")
		}
	}

	if p.Frames != nil {
		if p.Frames.Durability != nil && !features.Has(FeatureSyncReplication) {
			return nil, kverr.FeatureNotAvailable.New("sync replication feature not negotiated")
		}
		if p.Frames.PreserveExpiry && !features.Has(FeaturePreserveTTL) {
			return nil, kverr.FeatureNotAvailable.New("preserve ttl feature not negotiated")
		}
		if p.Frames.OpenTracingContext != nil && !features.Has(FeatureOpenTracing) {
			return nil, kverr.FeatureNotAvailable.New("open tracing feature not negotiated")
		}
	}

	totalBody := frameLen + len(extras) + len(key) + len(value)

	out := make([]byte, 0, headerLen+totalBody)
	out = append(out, byte(magic))
	out = append(out, byte(p.Opcode))
	if magic.IsAlt() {
		out = append(out, byte(frameLen), byte(len(key)))
	} else {
		var keyLenBuf [2]byte
		binary.BigEndian.PutUint16(keyLenBuf[:], uint16(len(key)))
		out = append(out, keyLenBuf[:]...)
	}
	out = append(out, byte(len(extras)))
	out = append(out, byte(datatype))

	var vbOrStatusBuf [2]byte
	if p.IsRequest() {
		binary.BigEndian.PutUint16(vbOrStatusBuf[:], p.VBucket)
	} else {
		binary.BigEndian.PutUint16(vbOrStatusBuf[:], uint16(p.Status))
	}
	out = append(out, vbOrStatusBuf[:]...)

	var bodyLenBuf [4]byte
	binary.BigEndian.PutUint32(bodyLenBuf[:], uint32(totalBody))
	out = append(out, bodyLenBuf[:]...)

	var opaqueBuf [4]byte
	binary.BigEndian.PutUint32(opaqueBuf[:], p.Opaque)
	out = append(out, opaqueBuf[:]...)

	var casBuf [8]byte
	binary.BigEndian.PutUint64(casBuf[:], p.Cas)
	out = append(out, casBuf[:]...)

	var err error
	out, err = encodeFrameExtras(out, p.Frames, p.IsRequest(), features)
	if err != nil {
		return nil, err
	}

	out = append(out, extras...)
	out = append(out, key...)
	out = append(out, value...)

	return out, nil
}

// Decode parses a complete packet (header + body) out of buf and returns
// the packet plus the number of bytes consumed.
func Decode(buf []byte, features FeatureSet) (*Packet, int, error) {
	if len(buf) < headerLen {
		return nil, 0, kverr.NeedMoreData.New("short header")
	}

	magic := Magic(buf[0])
	if !magic.IsRequest() && !magic.IsResponse() {
		return nil, 0, kverr.ProtocolError.New("unknown magic 0x%02x", buf[0])
	}
	isRequest := magic.IsRequest()

	opcode := Opcode(buf[1])

	var frameLen, keyLen int
	if magic.IsAlt() {
		frameLen = int(buf[2])
		keyLen = int(buf[3])
	} else {
		keyLen = int(binary.BigEndian.Uint16(buf[2:4]))
	}
	extrasLen := int(buf[4])
	datatype := Datatype(buf[5])

	vbOrStatus := binary.BigEndian.Uint16(buf[6:8])
	totalBody := int(binary.BigEndian.Uint32(buf[8:12]))
	opaque := binary.BigEndian.Uint32(buf[12:16])
	cas := binary.BigEndian.Uint64(buf[16:24])

	if len(buf) < headerLen+totalBody {
		return nil, 0, kverr.NeedMoreData.New("short body")
	}
	body := buf[headerLen : headerLen+totalBody]

	pos := 0
	var frames *FrameExtras
	if frameLen > 0 {
		if pos+frameLen > len(body) {
			return nil, 0, kverr.ProtocolError.New("frame extras run past body")
		}
		var err error
		frames, err = decodeFrameExtras(body[pos:pos+frameLen], isRequest)
		if err != nil {
			return nil, 0, err
		}
		pos += frameLen
	}

	if pos+extrasLen > len(body) {
		return nil, 0, kverr.ProtocolError.New("extras run past body")
	}
	extras := body[pos : pos+extrasLen]
	pos += extrasLen

	if pos+keyLen > len(body) {
		return nil, 0, kverr.ProtocolError.New("key runs past body")
	}
	rawKey := body[pos : pos+keyLen]
	pos += keyLen

	value := body[pos:]

	var collectionID uint32
	key := rawKey
	if opcode.SupportsCollectionID() && features.Has(FeatureCollections) {
		if opcode == OpGetRandomKey {
			if len(extras) >= 4 {
				collectionID = binary.BigEndian.Uint32(extras[len(extras)-4:])
			}
		} else if len(rawKey) > 0 {
			id, n, err := ReadLEB128(rawKey)
			if err != nil {
				return nil, 0, kverr.ProtocolError.Wrap(err)
			}
			collectionID = id
			key = rawKey[n:]
		}
	}

	if datatype.HasSnappy() {
		decoded, err := decompress(value)
		if err != nil {
			return nil, 0, err
		}
		value = decoded
		datatype = datatype &^ DatatypeSnappy
	}

	p := &Packet{
		Magic:        magic,
		Opcode:       opcode,
		Datatype:     datatype,
		Opaque:       opaque,
		Cas:          cas,
		Extras:       append([]byte(nil), extras...),
		Key:          append([]byte(nil), key...),
		Value:        append([]byte(nil), value...),
		CollectionID: collectionID,
		Frames:       frames,
	}
	if isRequest {
		p.VBucket = vbOrStatus
	} else {
		p.Status = Status(vbOrStatus)
	}

	return p, headerLen + totalBody, nil
}
