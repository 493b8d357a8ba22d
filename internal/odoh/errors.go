package odoh

import "errors"

var (
	// ErrInvalidMessage is returned when a query or response is malformed, truncated or fails
	// authentication. The exchange is abandoned.
	ErrInvalidMessage = errors.New("odoh: invalid message")

	// ErrStaleKey is returned when a query was encrypted against a configuration that is no
	// longer current. The client should refetch the configuration and retry.
	ErrStaleKey = errors.New("odoh: stale key")

	// ErrConfigSerialization is returned when key material or its public configuration cannot
	// be produced.
	ErrConfigSerialization = errors.New("odoh: config serialization failed")
)

// IsInvalidMessage returns true if the error is or wraps ErrInvalidMessage.
func IsInvalidMessage(err error) bool {
	return errors.Is(err, ErrInvalidMessage)
}

// IsStaleKey returns true if the error is or wraps ErrStaleKey.
func IsStaleKey(err error) bool {
	return errors.Is(err, ErrStaleKey)
}

// IsConfigSerialization returns true if the error is or wraps ErrConfigSerialization.
func IsConfigSerialization(err error) bool {
	return errors.Is(err, ErrConfigSerialization)
}
