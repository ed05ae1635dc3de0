// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package kverr defines the error taxonomy shared by every component of the
// client core, following spec.md §7. Each class wraps github.com/zeebo/errs
// so callers can both compare by class (errors.Is-style) and unwrap to the
// underlying cause.
package kverr

import "github.com/zeebo/errs"

// Common errors, independent of transport.
var (
	InvalidArgument      = errs.Class("invalid argument")
	UnsupportedOperation = errs.Class("unsupported operation")
	FeatureNotAvailable  = errs.Class("feature not available")
	AmbiguousTimeout     = errs.Class("ambiguous timeout")
	UnambiguousTimeout   = errs.Class("unambiguous timeout")
	RequestCanceled      = errs.Class("request canceled")
	ParsingFailure       = errs.Class("parsing failure")
	DecodingFailure      = errs.Class("decoding failure")
	EncodingFailure      = errs.Class("encoding failure")
	ServiceNotAvailable  = errs.Class("service not available")
)

// Network/transport errors.
var (
	ProtocolError             = errs.Class("protocol error")
	EndOfStream               = errs.Class("end of stream")
	NeedMoreData              = errs.Class("need more data")
	NoEndpointsLeft           = errs.Class("no endpoints left")
	ConfigurationNotAvailable = errs.Class("configuration not available")
	ClusterClosed             = errs.Class("cluster closed")
	BucketClosed              = errs.Class("bucket closed")
	OperationQueueClosed      = errs.Class("operation queue closed")
	OperationQueueFull        = errs.Class("operation queue full")
	RequestAlreadyQueued      = errs.Class("request already queued")
)

// Is reports whether err was produced by class c, looking through wraps.
func Is(c errs.Class, err error) bool {
	return c.Has(err)
}
