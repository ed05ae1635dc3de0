// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package mcbp

import (
	"github.com/golang/snappy"

	"github.com/nitrokv/nitrokv-go/pkg/kverr"
)

// snappyCompressionThreshold is the spec.md §4.1 Snappy decision: only keep
// the compressed form if it is strictly smaller than 83% of the input.
const snappyCompressionThreshold = 0.83

// maybeCompress returns the (possibly) compressed value and whether
// compression was applied.
func maybeCompress(value []byte) (out []byte, compressed bool) {
	if len(value) == 0 {
		return value, false
	}
	candidate := snappy.Encode(nil, value)
	if float64(len(candidate)) < float64(len(value))*snappyCompressionThreshold {
		return candidate, true
	}
	return value, false
}

// decompress reverses Snappy compression, as decode must always do
// transparently when the datatype snappy bit is set.
func decompress(value []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, value)
	if err != nil {
		return nil, kverr.DecodingFailure.Wrap(err)
	}
	return out, nil
}
