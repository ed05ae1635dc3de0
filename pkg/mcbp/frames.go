// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package mcbp

import (
	"encoding/binary"
	"time"

	"github.com/nitrokv/nitrokv-go/pkg/kverr"
)

// DurabilityLevel is the level field of a durability frame extra.
type DurabilityLevel byte

const (
	DurabilityNone DurabilityLevel = iota
	DurabilityMajority
	DurabilityMajorityAndPersistActive
	DurabilityPersistToMajority
)

// DurabilityRequirements is the optional durability frame extra.
type DurabilityRequirements struct {
	Level   DurabilityLevel
	Timeout time.Duration // zero means "use server default", omitted on the wire
}

// RawFrame preserves a frame extra of a type this codec does not know how
// to interpret, per spec.md §4.1 ("unknown frame types are preserved in an
// unsupported_frames list (do not drop silently)").
type RawFrame struct {
	Type byte
	Data []byte
}

// FrameExtras carries the optional typed trailers a packet may attach
// (spec.md §3, "Optional frame-extras"). Declaration order here is the
// wire encoding order.
type FrameExtras struct {
	Barrier            bool
	Durability         *DurabilityRequirements
	StreamID           *uint16
	OpenTracingContext []byte
	PreserveExpiry     bool
	Impersonate        string

	// Response-only.
	ServerDuration *time.Duration
	ReadUnits      *uint16
	WriteUnits     *uint16

	Unsupported []RawFrame
}

// Empty reports whether no optional frame is set.
func (f *FrameExtras) Empty() bool {
	if f == nil {
		return true
	}
	return !f.Barrier && f.Durability == nil && f.StreamID == nil &&
		f.OpenTracingContext == nil && !f.PreserveExpiry && f.Impersonate == "" &&
		f.ServerDuration == nil && f.ReadUnits == nil && f.WriteUnits == nil &&
		len(f.Unsupported) == 0
}

// Request-side frame type ids.
const (
	frameTypeBarrier        byte = 0x0
	frameTypeDurability     byte = 0x1
	frameTypeStreamID       byte = 0x2
	frameTypeOpenTracing    byte = 0x3
	frameTypeImpersonate    byte = 0x4
	frameTypePreserveExpiry byte = 0x5
)

// Response-side frame type ids.
const (
	frameTypeServerDuration byte = 0x0
	frameTypeReadUnits      byte = 0x1
	frameTypeWriteUnits     byte = 0x2
)

func appendFrameHeader(dst []byte, frameType byte, length int) []byte {
	typeNibble := frameType
	var typeExtra byte
	hasTypeExtra := false
	if typeNibble >= 15 {
		hasTypeExtra = true
		typeExtra = frameType - 15
		typeNibble = 15
	}
	lenNibble := byte(length)
	var lenExtra byte
	hasLenExtra := false
	if length >= 15 {
		hasLenExtra = true
		lenExtra = byte(length - 15)
		lenNibble = 15
	}
	dst = append(dst, (typeNibble<<4)|lenNibble)
	if hasTypeExtra {
		dst = append(dst, typeExtra)
	}
	if hasLenExtra {
		dst = append(dst, lenExtra)
	}
	return dst
}

// encodeFrameExtras writes every present optional frame in declaration
// order and returns the extended buffer. isRequest selects which frame
// type ids and which fields are legal to encode.
func encodeFrameExtras(dst []byte, f *FrameExtras, isRequest bool, features FeatureSet) ([]byte, error) {
	if f == nil {
		return dst, nil
	}

	if f.Barrier {
		if !isRequest {
			return nil, kverr.InvalidArgument.New("barrier frame is request-only")
		}
		dst = appendFrameHeader(dst, frameTypeBarrier, 0)
	}

	if f.Durability != nil {
		if !isRequest {
			return nil, kverr.InvalidArgument.New("durability frame is request-only")
		}
		if !features.Has(FeatureSyncReplication) {
			return nil, kverr.FeatureNotAvailable.New("sync replication feature not negotiated")
		}
		body := []byte{byte(f.Durability.Level)}
		if f.Durability.Timeout > 0 {
			var tb [2]byte
			binary.BigEndian.PutUint16(tb[:], uint16(f.Durability.Timeout.Milliseconds()))
			body = append(body, tb[:]...)
		}
		dst = appendFrameHeader(dst, frameTypeDurability, len(body))
		dst = append(dst, body...)
	}

	if f.StreamID != nil {
		if !isRequest {
			return nil, kverr.InvalidArgument.New("stream id frame is request-only")
		}
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], *f.StreamID)
		dst = appendFrameHeader(dst, frameTypeStreamID, 2)
		dst = append(dst, b[:]...)
	}

	if f.OpenTracingContext != nil {
		if !isRequest {
			return nil, kverr.InvalidArgument.New("open tracing frame is request-only")
		}
		if !features.Has(FeatureOpenTracing) {
			return nil, kverr.FeatureNotAvailable.New("open tracing feature not negotiated")
		}
		dst = appendFrameHeader(dst, frameTypeOpenTracing, len(f.OpenTracingContext))
		dst = append(dst, f.OpenTracingContext...)
	}

	if f.PreserveExpiry {
		if !isRequest {
			return nil, kverr.InvalidArgument.New("preserve expiry frame is request-only")
		}
		if !features.Has(FeaturePreserveTTL) {
			return nil, kverr.FeatureNotAvailable.New("preserve ttl feature not negotiated")
		}
		dst = appendFrameHeader(dst, frameTypePreserveExpiry, 0)
	}

	if f.Impersonate != "" {
		if !isRequest {
			return nil, kverr.InvalidArgument.New("impersonation frame is request-only")
		}
		user := []byte(f.Impersonate)
		dst = appendFrameHeader(dst, frameTypeImpersonate, len(user))
		dst = append(dst, user...)
	}

	if f.ServerDuration != nil {
		if isRequest {
			return nil, kverr.InvalidArgument.New("server duration frame is response-only")
		}
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], EncodeServerDuration(*f.ServerDuration))
		dst = appendFrameHeader(dst, frameTypeServerDuration, 2)
		dst = append(dst, b[:]...)
	}

	if f.ReadUnits != nil {
		if isRequest {
			return nil, kverr.InvalidArgument.New("read units frame is response-only")
		}
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], *f.ReadUnits)
		dst = appendFrameHeader(dst, frameTypeReadUnits, 2)
		dst = append(dst, b[:]...)
	}

	if f.WriteUnits != nil {
		if isRequest {
			return nil, kverr.InvalidArgument.New("write units frame is response-only")
		}
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], *f.WriteUnits)
		dst = appendFrameHeader(dst, frameTypeWriteUnits, 2)
		dst = append(dst, b[:]...)
	}

	return dst, nil
}

// frameExtrasWireLen computes the total encoded size without writing
// anything, so the header's total-body-length field can be computed ahead
// of time.
func frameExtrasWireLen(f *FrameExtras, isRequest bool) int {
	if f == nil {
		return 0
	}
	n := 0
	add := func(frameType byte, bodyLen int) {
		n++
		if frameType >= 15 {
			n++
		}
		if bodyLen >= 15 {
			n++
		}
		n += bodyLen
	}
	if f.Barrier {
		add(frameTypeBarrier, 0)
	}
	if f.Durability != nil {
		body := 1
		if f.Durability.Timeout > 0 {
			body += 2
		}
		add(frameTypeDurability, body)
	}
	if f.StreamID != nil {
		add(frameTypeStreamID, 2)
	}
	if f.OpenTracingContext != nil {
		add(frameTypeOpenTracing, len(f.OpenTracingContext))
	}
	if f.PreserveExpiry {
		add(frameTypePreserveExpiry, 0)
	}
	if f.Impersonate != "" {
		add(frameTypeImpersonate, len(f.Impersonate))
	}
	if f.ServerDuration != nil {
		add(frameTypeServerDuration, 2)
	}
	if f.ReadUnits != nil {
		add(frameTypeReadUnits, 2)
	}
	if f.WriteUnits != nil {
		add(frameTypeWriteUnits, 2)
	}
	return n
}

// decodeFrameExtras reads every frame extra out of buf (which holds exactly
// the frame-extras region of the packet) and returns the decoded value.
func decodeFrameExtras(buf []byte, isRequest bool) (*FrameExtras, error) {
	out := &FrameExtras{}
	pos := 0
	for pos < len(buf) {
		header := buf[pos]
		pos++
		frameType := header >> 4
		length := int(header & 0x0f)
		if frameType == 15 {
			if pos >= len(buf) {
				return nil, kverr.ProtocolError.New("truncated frame type escape")
			}
			frameType = 15 + buf[pos]
			pos++
		}
		if length == 15 {
			if pos >= len(buf) {
				return nil, kverr.ProtocolError.New("truncated frame length escape")
			}
			length = 15 + int(buf[pos])
			pos++
		}
		if pos+length > len(buf) {
			return nil, kverr.ProtocolError.New("frame body runs past end of frame extras")
		}
		body := buf[pos : pos+length]
		pos += length

		known := true
		switch {
		case isRequest && frameType == frameTypeBarrier:
			out.Barrier = true
		case isRequest && frameType == frameTypeDurability:
			dr := &DurabilityRequirements{}
			if len(body) >= 1 {
				dr.Level = DurabilityLevel(body[0])
			}
			if len(body) >= 3 {
				dr.Timeout = time.Duration(binary.BigEndian.Uint16(body[1:3])) * time.Millisecond
			}
			out.Durability = dr
		case isRequest && frameType == frameTypeStreamID:
			if len(body) == 2 {
				v := binary.BigEndian.Uint16(body)
				out.StreamID = &v
			}
		case isRequest && frameType == frameTypeOpenTracing:
			out.OpenTracingContext = append([]byte(nil), body...)
		case isRequest && frameType == frameTypeImpersonate:
			out.Impersonate = string(body)
		case isRequest && frameType == frameTypePreserveExpiry:
			out.PreserveExpiry = true
		case !isRequest && frameType == frameTypeServerDuration:
			if len(body) == 2 {
				d := DecodeServerDuration(binary.BigEndian.Uint16(body))
				out.ServerDuration = &d
			}
		case !isRequest && frameType == frameTypeReadUnits:
			if len(body) == 2 {
				v := binary.BigEndian.Uint16(body)
				out.ReadUnits = &v
			}
		case !isRequest && frameType == frameTypeWriteUnits:
			if len(body) == 2 {
				v := binary.BigEndian.Uint16(body)
				out.WriteUnits = &v
			}
		default:
			known = false
		}
		if !known {
			out.Unsupported = append(out.Unsupported, RawFrame{Type: frameType, Data: append([]byte(nil), body...)})
		}
	}
	return out, nil
}
