// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package retry implements the uniform retry decision shared by every
// request type (spec.md §4.5, C5 "Retry orchestrator").
package retry

// Reason identifies why a request is being considered for retry.
type Reason int

const (
	DoNotRetry Reason = iota
	KVNotMyVBucket
	KVCollectionOutdated
	KVLocked
	KVTemporaryFailure
	KVSyncWriteInProgress
	KVSyncWriteReCommitInProgress
	KVErrorMapRetryIndicated
	ViewsNoActivePartition
	AmbiguousTimeout
	UnambiguousTimeout
)

// alwaysRetry is "the always-retry set" (spec.md §4.5, point 1).
var alwaysRetry = map[Reason]bool{
	KVNotMyVBucket:       true,
	KVCollectionOutdated: true,
	ViewsNoActivePartition: true,
}

// AlwaysRetry reports whether r is unconditionally retried on the controlled
// schedule rather than through a per-request Strategy.
func AlwaysRetry(r Reason) bool {
	return alwaysRetry[r]
}

func (r Reason) String() string {
	switch r {
	case DoNotRetry:
		return "do_not_retry"
	case KVNotMyVBucket:
		return "key_value_not_my_vbucket"
	case KVCollectionOutdated:
		return "key_value_collection_outdated"
	case KVLocked:
		return "key_value_locked"
	case KVTemporaryFailure:
		return "key_value_temporary_failure"
	case KVSyncWriteInProgress:
		return "key_value_sync_write_in_progress"
	case KVSyncWriteReCommitInProgress:
		return "key_value_sync_write_re_commit_in_progress"
	case KVErrorMapRetryIndicated:
		return "key_value_error_map_retry_indicated"
	case ViewsNoActivePartition:
		return "views_no_active_partition"
	case AmbiguousTimeout:
		return "ambiguous_timeout"
	case UnambiguousTimeout:
		return "unambiguous_timeout"
	default:
		return "unknown_retry_reason"
	}
}

// FromCancellation maps operation_aborted to the ambiguity-aware timeout
// reason per spec.md §4.4 ("Cancellation").
func FromCancellation(idempotent bool) Reason {
	if idempotent {
		return UnambiguousTimeout
	}
	return AmbiguousTimeout
}
