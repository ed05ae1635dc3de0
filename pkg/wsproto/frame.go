// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package wsproto implements a client-side RFC 6455 WebSocket codec:
// handshake key/accept derivation and frame encode/decode (spec.md §4.9,
// C11). The frame codec is hand-rolled rather than delegated to
// gorilla/websocket because C11 is one of the components this module exists
// to implement (see DESIGN.md); gorilla/websocket is instead used as an
// independent reference implementation in this package's own tests.
package wsproto

import (
	"encoding/binary"
	"io"

	"github.com/nitrokv/nitrokv-go/pkg/kverr"
)

// Opcode is the RFC 6455 frame opcode.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (op Opcode) isControl() bool { return op >= OpClose }

// Frame is one decoded RFC 6455 frame.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Payload []byte
}

// EncodeClient serializes f as a client-to-server frame: masked, with the
// mask key drawn from maskKey (must be 4 bytes, caller-supplied so tests can
// pin it; production callers pass random bytes).
func EncodeClient(f Frame, maskKey [4]byte) []byte {
	return encode(f, &maskKey)
}

// EncodeServer serializes f as a server-to-client frame: unmasked.
func EncodeServer(f Frame) []byte {
	return encode(f, nil)
}

func encode(f Frame, maskKey *[4]byte) []byte {
	var out []byte

	first := byte(f.Opcode) & 0x0F
	if f.Fin {
		first |= 0x80
	}
	out = append(out, first)

	length := len(f.Payload)
	maskBit := byte(0)
	if maskKey != nil {
		maskBit = 0x80
	}

	switch {
	case length <= 125:
		out = append(out, maskBit|byte(length))
	case length <= 0xFFFF:
		out = append(out, maskBit|126)
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(length))
		out = append(out, lenBuf[:]...)
	default:
		out = append(out, maskBit|127)
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(length))
		out = append(out, lenBuf[:]...)
	}

	if maskKey == nil {
		out = append(out, f.Payload...)
		return out
	}

	out = append(out, maskKey[:]...)
	masked := make([]byte, length)
	for i, b := range f.Payload {
		masked[i] = b ^ maskKey[i%4]
	}
	out = append(out, masked...)
	return out
}

// Decode parses exactly one frame from the front of buf. It returns the
// frame, the number of bytes consumed, and an error. A short buffer is
// reported via kverr.NeedMoreData so callers loop the same way pkg/mcbp's
// decoder does. Frames with any reserved bit set are a protocol error
// (spec.md §4.9, "Frames MUST have no reserved bits").
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < 2 {
		return Frame{}, 0, kverr.NeedMoreData.New("need at least 2 bytes for a frame header")
	}

	first := buf[0]
	if first&0x70 != 0 {
		return Frame{}, 0, kverr.ProtocolError.New("reserved bits set in frame header")
	}
	fin := first&0x80 != 0
	opcode := Opcode(first & 0x0F)

	second := buf[1]
	masked := second&0x80 != 0
	lenField := second & 0x7F

	offset := 2
	var length uint64
	switch {
	case lenField <= 125:
		length = uint64(lenField)
	case lenField == 126:
		if len(buf) < offset+2 {
			return Frame{}, 0, kverr.NeedMoreData.New("need 2 more bytes for extended length")
		}
		length = uint64(binary.BigEndian.Uint16(buf[offset : offset+2]))
		offset += 2
	default: // 127
		if len(buf) < offset+8 {
			return Frame{}, 0, kverr.NeedMoreData.New("need 8 more bytes for extended length")
		}
		length = binary.BigEndian.Uint64(buf[offset : offset+8])
		offset += 8
	}

	var maskKey [4]byte
	if masked {
		if len(buf) < offset+4 {
			return Frame{}, 0, kverr.NeedMoreData.New("need 4 more bytes for mask key")
		}
		copy(maskKey[:], buf[offset:offset+4])
		offset += 4
	}

	if uint64(len(buf)-offset) < length {
		return Frame{}, 0, kverr.NeedMoreData.New("need %d more bytes of payload", length-uint64(len(buf)-offset))
	}

	payload := make([]byte, length)
	copy(payload, buf[offset:uint64(offset)+length])
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}
	offset += int(length)

	if opcode.isControl() && (!fin || length > 125) {
		return Frame{}, 0, kverr.ProtocolError.New("control frame must be final and <=125 bytes")
	}

	return Frame{Fin: fin, Opcode: opcode, Payload: payload}, offset, nil
}

// ReadFrame reads exactly one frame from r, growing buf as needed. It is a
// convenience for callers without their own accumulation buffer (tests,
// simple request/response exchanges); long-lived sessions should instead
// reuse Decode directly over their own read buffer, the way pkg/kvsession
// drives pkg/mcbp.
func ReadFrame(r io.Reader) (Frame, error) {
	buf := make([]byte, 0, 512)
	chunk := make([]byte, 1)
	for {
		f, consumed, err := Decode(buf)
		if err == nil {
			_ = consumed
			return f, nil
		}
		if !kverr.NeedMoreData.Has(err) {
			return Frame{}, err
		}
		n, rerr := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr != nil {
			return Frame{}, rerr
		}
	}
}
