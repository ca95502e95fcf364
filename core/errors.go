package core

import (
	"errors"
	"fmt"
)

// Kind classifies a NetError per the error taxonomy in §7: Transport,
// Protocol, Reliability, Auth, Replication, Resource, Cancelled.
type Kind int

const (
	KindTransport Kind = iota
	KindProtocol
	KindReliability
	KindAuth
	KindReplication
	KindResource
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindReliability:
		return "reliability"
	case KindAuth:
		return "auth"
	case KindReplication:
		return "replication"
	case KindResource:
		return "resource"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// NetError is the discriminated result every fallible core operation
// returns instead of raising an exception-like mechanism (§7).
type NetError struct {
	Kind       Kind
	ConnID     uint32
	NetID      NetworkEntityID
	Op         string
	err        error
}

func (e *NetError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.err)
}

func (e *NetError) Unwrap() error { return e.err }

// NewError builds a NetError of the given kind.
func NewError(kind Kind, op string, err error) *NetError {
	return &NetError{Kind: kind, Op: op, err: err}
}

// WithConn attaches a connection id for diagnostics/callbacks (§7).
func (e *NetError) WithConn(id uint32) *NetError {
	e.ConnID = id
	return e
}

// WithNetID attaches a NetworkEntityID for diagnostics/callbacks.
func (e *NetError) WithNetID(id NetworkEntityID) *NetError {
	e.NetID = id
	return e
}

// Wrap adds context to err without discarding it, returning nil for a nil
// err. Mirrors the teacher's pkg/utils.Wrap helper.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsKind reports whether err (or any error it wraps) is a NetError of kind k.
func IsKind(err error, k Kind) bool {
	var ne *NetError
	if errors.As(err, &ne) {
		return ne.Kind == k
	}
	return false
}

var (
	// ErrWouldBlock denotes that no packet is currently available. No
	// function in this package returns it; the Endpoint delivers datagrams
	// over its Recv channel instead.
	ErrWouldBlock = errors.New("core: would block")
	// ErrQueueFull is returned when a bounded queue's overflow policy is
	// "disconnect" or the caller needs to observe backpressure directly.
	ErrQueueFull = errors.New("core: queue full")
	// ErrUnknownNetID is returned when a message references a net_id outside
	// the reorder window and no pending Spawn can resolve it.
	ErrUnknownNetID = errors.New("core: unknown network entity id")
	// ErrMissingDeltaBase denotes a delta whose base version is not held
	// locally. No function in this package returns it: a delta whose base
	// does not match the stored version is rejected with ErrStaleDelta.
	ErrMissingDeltaBase = errors.New("core: missing delta base")
	// ErrNotOwner is returned by the authority system when a mutation is
	// rejected because the sender is not the recorded owner (§4.8).
	ErrNotOwner = errors.New("core: sender is not entity owner")
	// ErrShuttingDown denotes an operation invoked after shutdown began. No
	// function in this package returns it.
	ErrShuttingDown = errors.New("core: shutting down")
	// ErrStaleDelta is returned when an inbound component update's version
	// does not strictly advance the stored version, or a delta's base_version
	// does not match the receiver's current version for that component (§3
	// monotonicity invariant).
	ErrStaleDelta = errors.New("core: stale or duplicate component update")
)
