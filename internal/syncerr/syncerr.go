// Package syncerr classifies failures raised anywhere in the sync pipeline so
// that the orchestrator can decide whether to retry, route to conflict
// resolution, or report the failure to the user.
package syncerr

import (
	"context"
	"errors"
	"net"
	"os"
)

// Kind is the failure class of an error.
type Kind int

const (
	// KindUnknown is used for errors that carry no classification. They are
	// treated like protocol errors (not retried).
	KindUnknown Kind = iota
	// KindTransport covers network unreachability and timeouts. Retried.
	KindTransport
	// KindProtocol covers malformed responses and unexpected status codes.
	KindProtocol
	// KindPrecondition is an entity-tag mismatch on a conditional write.
	KindPrecondition
	// KindLocalStore is a cache or device-native store failure.
	KindLocalStore
	// KindItem is a single-item parse or validation failure.
	KindItem
	// KindCancelled marks a run stopped by context cancellation.
	KindCancelled
	// KindConfig is a misconfigured account or collection.
	KindConfig
)

// String returns the lower-case label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindPrecondition:
		return "precondition"
	case KindLocalStore:
		return "local_store"
	case KindItem:
		return "item"
	case KindCancelled:
		return "cancelled"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind may succeed on a later
// attempt without any change of state.
func (k Kind) Retryable() bool {
	return k == KindTransport || k == KindLocalStore
}

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind and op. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transport wraps err as a transport failure.
func Transport(op string, err error) error { return New(KindTransport, op, err) }

// Protocol wraps err as a protocol failure.
func Protocol(op string, err error) error { return New(KindProtocol, op, err) }

// LocalStore wraps err as a local store failure.
func LocalStore(op string, err error) error { return New(KindLocalStore, op, err) }

// KindOf returns the classification of err. Explicit [Error] wrappers win;
// otherwise context, network and timeout errors are recognised.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTransport
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransport
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransport
	}
	return KindUnknown
}

// IsRetryable is shorthand for KindOf(err).Retryable().
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
