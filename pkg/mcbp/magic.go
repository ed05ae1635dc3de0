// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package mcbp

// Magic identifies the wire form of a packet header. The "alt" forms signal
// the presence of frame extras ahead of the usual extras/key/value body
// (spec.md §3, "Alt magic" in the glossary).
type Magic byte

const (
	MagicClientRequest     Magic = 0x80
	MagicClientResponse    Magic = 0x81
	MagicAltClientRequest  Magic = 0x08
	MagicAltClientResponse Magic = 0x18
)

// IsRequest reports whether m is one of the two request magic values.
func (m Magic) IsRequest() bool {
	return m == MagicClientRequest || m == MagicAltClientRequest
}

// IsResponse reports whether m is one of the two response magic values.
func (m Magic) IsResponse() bool {
	return m == MagicClientResponse || m == MagicAltClientResponse
}

// IsAlt reports whether m carries frame extras.
func (m Magic) IsAlt() bool {
	return m == MagicAltClientRequest || m == MagicAltClientResponse
}

// altForm returns the alt-magic equivalent of m.
func (m Magic) altForm() Magic {
	switch m {
	case MagicClientRequest:
		return MagicAltClientRequest
	case MagicClientResponse:
		return MagicAltClientResponse
	default:
		return m
	}
}

func (m Magic) String() string {
	switch m {
	case MagicClientRequest:
		return "client_request"
	case MagicClientResponse:
		return "client_response"
	case MagicAltClientRequest:
		return "alt_client_request"
	case MagicAltClientResponse:
		return "alt_client_response"
	default:
		return "unknown_magic"
	}
}
