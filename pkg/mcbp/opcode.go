// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package mcbp

// Opcode identifies the operation carried by a packet.
type Opcode byte

// The subset of opcodes the core needs to route, retry, and encode
// collection-awareness for. Each value is the byte Encode writes into the
// packet header's opcode field.
const (
	OpGet                 Opcode = 0x00
	OpSet                 Opcode = 0x01
	OpAdd                 Opcode = 0x02
	OpReplace             Opcode = 0x03
	OpDelete              Opcode = 0x04
	OpIncrement           Opcode = 0x05
	OpDecrement           Opcode = 0x06
	OpAppend              Opcode = 0x0e
	OpPrepend             Opcode = 0x0f
	OpTouch               Opcode = 0x1c
	OpGetAndTouch         Opcode = 0x1d
	OpHello               Opcode = 0x1f
	OpSASLListMechs       Opcode = 0x20
	OpSASLAuth            Opcode = 0x21
	OpSASLStep            Opcode = 0x22
	OpGetClusterConfig    Opcode = 0x32
	OpGetRandomKey        Opcode = 0xb6
	OpSelectBucket        Opcode = 0x89
	OpObserve             Opcode = 0x92
	OpGetCollectionID     Opcode = 0xbb
	OpSubdocMultiLookup   Opcode = 0xd0
	OpSubdocMultiMutation Opcode = 0xd1
	OpUnlock              Opcode = 0x95
	OpGetReplica          Opcode = 0x83
	OpRangeScanCreate     Opcode = 0xda
	OpRangeScanContinue   Opcode = 0xdb
	OpRangeScanCancel     Opcode = 0xdc
)

var collectionAwareOpcodes = map[Opcode]bool{
	OpGet: true, OpSet: true, OpAdd: true, OpReplace: true, OpDelete: true,
	OpIncrement: true, OpDecrement: true, OpAppend: true, OpPrepend: true,
	OpTouch: true, OpGetAndTouch: true, OpGetRandomKey: true, OpObserve: true,
	OpSubdocMultiLookup: true, OpSubdocMultiMutation: true,
	OpUnlock: true, OpGetReplica: true, OpRangeScanCreate: true,
}

// SupportsCollectionID reports whether op carries a collection id, either
// leb128-prefixed on the key or (for get_random_key) in extras.
//
// spec.md §9 flags this enumeration as an Open Question the original source
// left implicit; SPEC_FULL.md D-SUP-3 resolves it by listing the opcodes
// explicitly rather than guessing at a blanket rule.
func (op Opcode) SupportsCollectionID() bool {
	return collectionAwareOpcodes[op]
}

var idempotentOpcodes = map[Opcode]bool{
	OpGet: true, OpGetReplica: true, OpGetRandomKey: true,
	OpObserve: true, OpSubdocMultiLookup: true, OpRangeScanContinue: true,
	OpGetClusterConfig: true, OpGetCollectionID: true,
}

// IsIdempotent reports whether a request with this opcode can be safely
// retried after an ambiguous failure without side effects accumulating.
// See SPEC_FULL.md D-SUP-1: the distilled spec references "idempotent
// opcodes" without enumerating them.
func (op Opcode) IsIdempotent() bool {
	return idempotentOpcodes[op]
}

func (op Opcode) String() string {
	switch op {
	case OpGet:
		return "get"
	case OpSet:
		return "set"
	case OpAdd:
		return "add"
	case OpReplace:
		return "replace"
	case OpDelete:
		return "delete"
	case OpIncrement:
		return "increment"
	case OpDecrement:
		return "decrement"
	case OpAppend:
		return "append"
	case OpPrepend:
		return "prepend"
	case OpTouch:
		return "touch"
	case OpGetAndTouch:
		return "get_and_touch"
	case OpHello:
		return "hello"
	case OpSASLListMechs:
		return "sasl_list_mechs"
	case OpSASLAuth:
		return "sasl_auth"
	case OpSASLStep:
		return "sasl_step"
	case OpGetClusterConfig:
		return "get_cluster_config"
	case OpGetRandomKey:
		return "get_random_key"
	case OpSelectBucket:
		return "select_bucket"
	case OpObserve:
		return "observe"
	case OpGetCollectionID:
		return "get_collection_id"
	case OpSubdocMultiLookup:
		return "subdoc_multi_lookup"
	case OpSubdocMultiMutation:
		return "subdoc_multi_mutation"
	case OpUnlock:
		return "unlock"
	case OpGetReplica:
		return "get_replica"
	case OpRangeScanCreate:
		return "range_scan_create"
	case OpRangeScanContinue:
		return "range_scan_continue"
	case OpRangeScanCancel:
		return "range_scan_cancel"
	default:
		return "unknown_opcode"
	}
}
