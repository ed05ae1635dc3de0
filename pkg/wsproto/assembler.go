// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package wsproto

import "github.com/nitrokv/nitrokv-go/pkg/kverr"

// Message is a fully reassembled data message (spec.md §4.9: "Continuation
// frames reassemble into a complete message before delivery").
type Message struct {
	Opcode  Opcode // OpText or OpBinary
	Payload []byte
}

// Assembler reassembles a sequence of frames into complete messages,
// tracking at most one in-flight fragmented message at a time.
type Assembler struct {
	partial       []byte
	partialOpcode Opcode
	inProgress    bool
}

// Feed processes one decoded frame. For a complete, unfragmented data frame
// it returns the message immediately. For a fragment sequence it returns
// ok=false until the final (Fin) fragment arrives. Control frames are never
// buffered here; callers dispatch them directly from the raw Frame.
func (a *Assembler) Feed(f Frame) (msg Message, ok bool, err error) {
	if f.Opcode.isControl() {
		return Message{}, false, kverr.ProtocolError.New("control frames must not be fed to the assembler")
	}

	if f.Opcode == OpContinuation {
		if !a.inProgress {
			return Message{}, false, kverr.ProtocolError.New("continuation frame without a pending partial message")
		}
		a.partial = append(a.partial, f.Payload...)
		if !f.Fin {
			return Message{}, false, nil
		}
		msg = Message{Opcode: a.partialOpcode, Payload: a.partial}
		a.reset()
		return msg, true, nil
	}

	if a.inProgress {
		return Message{}, false, kverr.ProtocolError.New("new data frame while a fragmented message is pending")
	}

	if f.Fin {
		return Message{Opcode: f.Opcode, Payload: f.Payload}, true, nil
	}

	a.inProgress = true
	a.partialOpcode = f.Opcode
	a.partial = append([]byte(nil), f.Payload...)
	return Message{}, false, nil
}

func (a *Assembler) reset() {
	a.partial = nil
	a.inProgress = false
}
