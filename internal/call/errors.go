package call

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the call-control error taxonomy. The control plane
// maps these to HTTP statuses; inside the session runtime they become state
// transitions rather than propagated panics.
var (
	// ErrNotFound indicates a command referenced an unknown call id.
	ErrNotFound = errors.New("call not found")

	// ErrCapacityExceeded indicates admission control refused a new call.
	ErrCapacityExceeded = errors.New("call capacity exceeded")

	// ErrInvalidArgument indicates a malformed command parameter, such as a
	// bad phone number or DTMF string.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnauthorized indicates a bad or missing shared secret.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrProviderUnavailable indicates the realtime provider connection was
	// refused or closed before it became ready.
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// TransportError reports a malformed frame on the carrier media stream.
// The frame is dropped and logged; the call continues.
type TransportError struct {
	// Kind labels the failure ("unmarshal", "decode", "unknown-event").
	Kind string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("carrier transport: %s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StorageError wraps a failure in the persistence gateway. Sessions log it
// and continue in memory; finalization is retried once.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("call storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
