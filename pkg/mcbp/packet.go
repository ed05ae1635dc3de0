// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package mcbp

// Packet is the in-memory representation of a binary protocol packet
// (spec.md §3, "Binary packet").
type Packet struct {
	Magic    Magic
	Opcode   Opcode
	Datatype Datatype

	// VBucket is meaningful for requests, Status for responses; both
	// occupy the same two wire bytes.
	VBucket uint16
	Status  Status

	Opaque uint32
	Cas    uint64

	Extras []byte
	Key    []byte
	Value  []byte

	CollectionID uint32 // zero means "no collection prefix to add/was none present"

	Frames *FrameExtras

	// CompressValue asks the encoder to attempt Snappy compression of
	// Value per the §4.1 Snappy decision; it is never itself put on the
	// wire.
	CompressValue bool
}

// IsRequest reports whether this packet uses a request magic.
func (p *Packet) IsRequest() bool { return p.Magic.IsRequest() }
