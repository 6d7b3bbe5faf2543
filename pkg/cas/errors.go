package cas

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidHost is returned when the device proxy cannot be reached at
	// the transport level (name resolution, refused or unreachable).
	ErrInvalidHost = errors.New("invalid IP or hostname")

	// ErrProtocolDecode is returned when a response is not the expected XML
	// or lacks the session key fields.
	ErrProtocolDecode = errors.New("cas protocol decode error")

	// ErrTransportTimeout is returned when a read or write on an established
	// connection exceeds its deadline.
	ErrTransportTimeout = errors.New("cas transport timeout")

	// ErrInvalidKeyMaterial is returned when the negotiated key, the derived
	// IV or the plaintext cannot be used with AES-128-CBC.
	ErrInvalidKeyMaterial = errors.New("invalid cas key material")

	// ErrInvalidField is returned for request fields that are empty or not
	// representable as single bytes.
	ErrInvalidField = errors.New("invalid cas request field")
)

// OpError records the state a control operation was in when it failed
type OpError struct {
	State  SessionState
	Serial string
	Err    error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("cas %s %s: %v", e.State, e.Serial, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
