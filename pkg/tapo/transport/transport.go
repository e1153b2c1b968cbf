// Package transport implements the three device-facing wire transports
// (spec.md §4.3/§4.4/§4.5): legacy XOR-TCP, AES-passthrough over HTTP, and
// KLAP over HTTP. Each owns its own connection/session material and is
// single-use per device instance but reusable across many Send calls.
package transport

import (
	"context"
	"sync"
)

// State is the AES/KLAP transport session state machine (spec.md §3).
type State int

const (
	StateHandshakeRequired State = iota
	StateLoginRequired
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateHandshakeRequired:
		return "HANDSHAKE_REQUIRED"
	case StateLoginRequired:
		return "LOGIN_REQUIRED"
	case StateEstablished:
		return "ESTABLISHED"
	default:
		return "UNKNOWN"
	}
}

// Transport sends an opaque JSON request payload to a device and returns
// its decoded JSON response. Implementations serialize internally: at
// most one Send is ever in flight (spec.md §5 "Per-protocol mutual
// exclusion" — Protocol holds the lock, Transport only needs to be safe
// for that single caller).
type Transport interface {
	// Send transmits request (already-serialized JSON bytes) and returns
	// the raw response bytes (JSON), ready for the caller to unmarshal.
	Send(ctx context.Context, request []byte) ([]byte, error)

	// Reset drops session/handshake state (but keeps any underlying HTTP
	// client/socket alive) so the next Send re-drives a full handshake.
	Reset()

	// Close releases the underlying connection/client. Idempotent
	// (SPEC_FULL.md §13).
	Close() error
}

// mutex is embedded by every transport implementation to provide the
// single-writer guarantee spec.md §5 describes. It is exported as a named
// type (rather than sync.Mutex directly) so zero-value transports are
// still safe to use.
type mutex struct {
	mu sync.Mutex
}

func (m *mutex) lock()   { m.mu.Lock() }
func (m *mutex) unlock() { m.mu.Unlock() }
