// Package protocol implements the three logical request/response
// protocols (IoT, Smart, SmartCam) that ride on top of pkg/tapo/transport,
// plus the (family, encryption, https) selection factory (spec.md
// §4.6-§4.9).
package protocol

import (
	"context"
)

// Protocol issues a logical query (one or more named methods with
// parameters) and returns the decoded per-method results. Implementations
// serialize internally: at most one Query is in flight per instance
// (spec.md §5 "Per-protocol mutual exclusion").
type Protocol interface {
	// Query sends the named methods (method -> params) and returns their
	// decoded results (method -> result), or an error if the call could
	// not be attributed to any single method (a transport-level failure,
	// or a batch-level error with more than one outstanding method).
	Query(ctx context.Context, methods map[string]interface{}) (map[string]interface{}, error)

	// Close releases the underlying transport.
	Close() error
}

// MethodResult is a single named method's outcome within a multi-method
// Query: exactly one of Result/Err is meaningful.
type MethodResult struct {
	Result interface{}
	Err    error
}
