// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package mcbp

import "github.com/nitrokv/nitrokv-go/pkg/kverr"

// AppendLEB128 appends the unsigned LEB128 encoding of v to dst and returns
// the extended slice. Encoding is 7 bits per byte, MSb set on every byte
// but the last (spec.md glossary, "LEB128").
func AppendLEB128(dst []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			dst = append(dst, b|0x80)
			continue
		}
		dst = append(dst, b)
		return dst
	}
}

// ReadLEB128 decodes an unsigned LEB128 value from the front of buf and
// returns the value and the number of bytes consumed. It fails with
// kverr.ProtocolError if buf runs out before a terminating byte is found or
// the encoding would overflow 32 bits.
func ReadLEB128(buf []byte) (value uint32, n int, err error) {
	var shift uint
	for n = 0; n < len(buf); n++ {
		b := buf[n]
		if shift >= 32 {
			return 0, 0, kverr.ProtocolError.New("leb128 value overflows 32 bits")
		}
		if shift == 28 && b&0x70 != 0 {
			return 0, 0, kverr.ProtocolError.New("leb128 value overflows 32 bits")
		}
		value |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, n + 1, nil
		}
		shift += 7
	}
	return 0, 0, kverr.ProtocolError.New("leb128 sequence truncated")
}
