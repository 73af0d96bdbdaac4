package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrLockTimeout is returned when a lock could not be acquired before the
	// acquisition ceiling elapsed.
	ErrLockTimeout = errors.New("latch: lock acquisition timed out")
	// ErrStoreUnavailable wraps transport failures talking to the shared store.
	ErrStoreUnavailable = errors.New("latch: store unavailable")
	// ErrDeserialization is returned when a stored value cannot be decoded
	// into the requested type.
	ErrDeserialization = errors.New("latch: cannot decode stored value")
)
