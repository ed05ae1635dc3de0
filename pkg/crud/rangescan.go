// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package crud

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"

	"github.com/golang/snappy"

	"github.com/nitrokv/nitrokv-go/pkg/kverr"
	"github.com/nitrokv/nitrokv-go/pkg/mcbp"
	"github.com/nitrokv/nitrokv-go/pkg/retry"
	"github.com/nitrokv/nitrokv-go/pkg/vbrouter"
)

// ScanType selects the range-scan variant (spec.md §4.10, "Create").
type ScanType int

const (
	ScanRange ScanType = iota
	ScanPrefix
	ScanSampling
)

// SnapshotRequirements pins a scan to a consistent point in the data
// (spec.md §4.10, "snapshot_requirements").
type SnapshotRequirements struct {
	VBUUID      uint64 `json:"vb_uuid"`
	Seqno       uint64 `json:"seqno"`
	TimeoutMS   uint32 `json:"timeout_ms,omitempty"`
	SeqnoExists bool   `json:"seqno_exists,omitempty"`
}

// CreateOptions configures a range-scan create call.
type CreateOptions struct {
	// VBucket is the partition this scan runs against; range-scans are
	// inherently per-vbucket, so there is no key to hash for routing.
	VBucket      int
	Type         ScanType
	CollectionID uint32
	KeyOnly      bool

	// Range scan.
	StartKey []byte
	EndKey   []byte

	// Prefix scan.
	Prefix []byte

	// Sampling scan.
	Limit uint64
	Seed  uint64 // generated if zero and Type == ScanSampling

	Snapshot *SnapshotRequirements
}

type createBody struct {
	Range *struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"range,omitempty"`
	Prefix *struct {
		Prefix string `json:"prefix"`
	} `json:"prefix,omitempty"`
	Sampling *struct {
		Seed  uint64 `json:"seed"`
		Limit uint64 `json:"limit"`
	} `json:"sampling,omitempty"`
	CollectionID         string                `json:"collection,omitempty"`
	KeyOnly              bool                  `json:"key_only,omitempty"`
	SnapshotRequirements *SnapshotRequirements `json:"snapshot_requirements,omitempty"`
}

// randomSeed64 is overridable in tests; production uses a real random source.
var randomSeed64 = defaultRandomSeed64

// Create issues a range_scan_create request and returns the 16-byte scan
// UUID on success (spec.md §4.10, "Create").
func Create(r Router, opts CreateOptions, done func(scanUUID [16]byte, err error, reason retry.Reason)) {
	body := createBody{KeyOnly: opts.KeyOnly, SnapshotRequirements: opts.Snapshot}
	body.CollectionID = leb128Hex(opts.CollectionID)

	switch opts.Type {
	case ScanRange:
		body.Range = &struct {
			Start string `json:"start"`
			End   string `json:"end"`
		}{Start: string(opts.StartKey), End: string(opts.EndKey)}
	case ScanPrefix:
		body.Prefix = &struct {
			Prefix string `json:"prefix"`
		}{Prefix: string(opts.Prefix)}
	case ScanSampling:
		if opts.Limit == 0 {
			done([16]byte{}, kverr.InvalidArgument.New("sampling scan requires limit > 0"), retry.DoNotRetry)
			return
		}
		seed := opts.Seed
		if seed == 0 {
			seed = randomSeed64()
		}
		body.Sampling = &struct {
			Seed  uint64 `json:"seed"`
			Limit uint64 `json:"limit"`
		}{Seed: seed, Limit: opts.Limit}
	default:
		done([16]byte{}, kverr.InvalidArgument.New("unknown range-scan type %d", opts.Type), retry.DoNotRetry)
		return
	}

	value, err := json.Marshal(body)
	if err != nil {
		done([16]byte{}, kverr.EncodingFailure.Wrap(err), retry.DoNotRetry)
		return
	}

	p := &mcbp.Packet{
		Magic:        mcbp.MagicClientRequest,
		Opcode:       mcbp.OpRangeScanCreate,
		Value:        value,
		CollectionID: opts.CollectionID,
	}
	vb := opts.VBucket
	r.Dispatch(vbrouter.DeferredRequest{
		VBucket: &vb,
		Packet:  p,
		Handler: func(resp *mcbp.Packet, err error, reason retry.Reason) {
			if err != nil {
				done([16]byte{}, err, reason)
				return
			}
			if resp.Status != mcbp.StatusSuccess {
				done([16]byte{}, kverr.InvalidArgument.New("server status %s", resp.Status), vbrouter.ResolveRetryReason(resp.Status, mcbp.OpRangeScanCreate))
				return
			}
			var uuid [16]byte
			copy(uuid[:], resp.Value)
			done(uuid, nil, retry.DoNotRetry)
		},
	})
}

func leb128Hex(id uint32) string {
	buf := mcbp.AppendLEB128(nil, id)
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, len(buf)*2)
	for _, b := range buf {
		out = append(out, hexDigits[b>>4], hexDigits[b&0x0f])
	}
	return string(out)
}

func defaultRandomSeed64() uint64 {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return binary.BigEndian.Uint64(buf[:])
}

// Item is one decoded range-scan result in item-frame (non-ids-only) mode.
type Item struct {
	Flags    uint32
	Expiry   uint32
	Seqno    uint64
	Cas      uint64
	Datatype mcbp.Datatype
	Key      []byte
	Value    []byte
}

// ContinueResult is delivered once per range_scan_continue response frame.
type ContinueResult struct {
	IDsOnly bool
	Keys    [][]byte // populated when IDsOnly
	Items   []Item   // populated when !IDsOnly
	Done    bool     // true on range_scan_complete
}

// Continue issues a persistent range_scan_continue request; onResponse is
// invoked once per response frame the server sends until the scan completes
// or is canceled (spec.md §4.10, "Continue").
func Continue(r Router, vbucket int, scanUUID [16]byte, onResponse func(ContinueResult, error, retry.Reason)) {
	p := &mcbp.Packet{
		Magic:  mcbp.MagicClientRequest,
		Opcode: mcbp.OpRangeScanContinue,
		Extras: scanUUID[:],
	}
	r.Dispatch(vbrouter.DeferredRequest{
		VBucket: &vbucket,
		Packet:  p,
		Handler: func(resp *mcbp.Packet, err error, reason retry.Reason) {
			if err != nil {
				onResponse(ContinueResult{}, err, reason)
				return
			}
			switch resp.Status {
			case mcbp.StatusRangeScanMore, mcbp.StatusRangeScanComplete:
				result, perr := decodeContinueBody(resp)
				if perr != nil {
					onResponse(ContinueResult{}, perr, retry.DoNotRetry)
					return
				}
				result.Done = resp.Status == mcbp.StatusRangeScanComplete
				onResponse(result, nil, retry.DoNotRetry)
			default:
				onResponse(ContinueResult{}, kverr.InvalidArgument.New("server status %s", resp.Status), vbrouter.ResolveRetryReason(resp.Status, mcbp.OpRangeScanContinue))
			}
		},
	})
}

func decodeContinueBody(resp *mcbp.Packet) (ContinueResult, error) {
	idsOnly := len(resp.Extras) >= 4 && resp.Extras[3]&0x01 != 0
	body := resp.Value

	if idsOnly {
		var keys [][]byte
		for len(body) > 0 {
			n, consumed, err := mcbp.ReadLEB128(body)
			if err != nil {
				return ContinueResult{}, kverr.DecodingFailure.Wrap(err)
			}
			body = body[consumed:]
			if uint32(len(body)) < n {
				return ContinueResult{}, kverr.DecodingFailure.New("truncated key in ids-only continue body")
			}
			keys = append(keys, body[:n])
			body = body[n:]
		}
		return ContinueResult{IDsOnly: true, Keys: keys}, nil
	}

	var items []Item
	for len(body) > 0 {
		item, rest, err := decodeItemFrame(body)
		if err != nil {
			return ContinueResult{}, err
		}
		items = append(items, item)
		body = rest
	}
	return ContinueResult{Items: items}, nil
}

const itemFixedLen = 4 + 4 + 8 + 8 + 1 // flags, expiry, seqno, cas, datatype

func decodeItemFrame(buf []byte) (Item, []byte, error) {
	if len(buf) < itemFixedLen {
		return Item{}, nil, kverr.DecodingFailure.New("truncated item frame header")
	}
	item := Item{
		Flags:    binary.BigEndian.Uint32(buf[0:4]),
		Expiry:   binary.BigEndian.Uint32(buf[4:8]),
		Seqno:    binary.BigEndian.Uint64(buf[8:16]),
		Cas:      binary.BigEndian.Uint64(buf[16:24]),
		Datatype: mcbp.Datatype(buf[24]),
	}
	rest := buf[itemFixedLen:]

	keyLen, consumed, err := mcbp.ReadLEB128(rest)
	if err != nil {
		return Item{}, nil, kverr.DecodingFailure.Wrap(err)
	}
	rest = rest[consumed:]
	if uint32(len(rest)) < keyLen {
		return Item{}, nil, kverr.DecodingFailure.New("truncated item key")
	}
	item.Key = rest[:keyLen]
	rest = rest[keyLen:]

	valueLen, consumed, err := mcbp.ReadLEB128(rest)
	if err != nil {
		return Item{}, nil, kverr.DecodingFailure.Wrap(err)
	}
	rest = rest[consumed:]
	if uint32(len(rest)) < valueLen {
		return Item{}, nil, kverr.DecodingFailure.New("truncated item value")
	}
	value := rest[:valueLen]
	rest = rest[valueLen:]

	if item.Datatype.HasSnappy() {
		decoded, err := snappy.Decode(nil, value)
		if err != nil {
			return Item{}, nil, kverr.DecodingFailure.Wrap(err)
		}
		value = decoded
		item.Datatype &^= mcbp.DatatypeSnappy
	}
	item.Value = value

	return item, rest, nil
}

// Cancel issues a range_scan_cancel request bearing scanUUID in extras
// (spec.md §4.10, "Cancel").
func Cancel(r Router, vbucket int, scanUUID [16]byte, done func(error, retry.Reason)) {
	p := &mcbp.Packet{
		Magic:  mcbp.MagicClientRequest,
		Opcode: mcbp.OpRangeScanCancel,
		Extras: scanUUID[:],
	}
	r.Dispatch(vbrouter.DeferredRequest{
		VBucket: &vbucket,
		Packet:  p,
		Handler: func(resp *mcbp.Packet, err error, reason retry.Reason) {
			if err != nil {
				done(err, reason)
				return
			}
			if resp.Status != mcbp.StatusSuccess {
				done(kverr.InvalidArgument.New("server status %s", resp.Status), vbrouter.ResolveRetryReason(resp.Status, mcbp.OpRangeScanCancel))
				return
			}
			done(nil, retry.DoNotRetry)
		},
	})
}
