package transport

import "errors"

// Transport status errors. Stacks wrap these so callers can use errors.Is.
var (
	// ErrAddressInUse indicates the local address is already bound. It is
	// the only status the harness retries.
	ErrAddressInUse = errors.New("address in use")

	// ErrInvalidState indicates the operation is not valid in the current
	// connection state (e.g. path operations before the handshake).
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidParameter indicates a malformed argument.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNotFound indicates the referenced path does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotSupported indicates the stack does not implement the operation.
	ErrNotSupported = errors.New("not supported")

	// ErrClosed indicates the connection, listener or stack was closed.
	ErrClosed = errors.New("closed")
)

// IsAddressInUse reports whether err carries ErrAddressInUse.
func IsAddressInUse(err error) bool {
	return errors.Is(err, ErrAddressInUse)
}
