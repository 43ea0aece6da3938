package proq

import (
	"errors"
	"fmt"
)

// The error taxonomy, coarsest to finest:
//
//   - ConfigurationError: invalid construction. Fatal, surfaced before any
//     network traffic.
//   - StateError: API misuse detected at construction or compile time,
//     never deferred to send/receive time.
//   - TransportError: connection or session failure. Session creation is
//     retried once on a fresh connection; a second failure is fatal to the
//     in-flight call.
//   - EncodingError: payload encode/decode failure. Producer-side it
//     surfaces before any network call; consumer-side it routes through the
//     same rollback path as a handler failure.
//   - ApplicationError: the caller's handler failed; the batch or delivery
//     was rolled back.

// ConfigurationError reports missing or contradictory construction input.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return "proq: configuration: " + e.Reason }

// StateError reports API misuse, such as compiling an invalid selector.
type StateError struct {
	Reason string
	Err    error
}

func (e *StateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("proq: state: %s: %v", e.Reason, e.Err)
	}
	return "proq: state: " + e.Reason
}

func (e *StateError) Unwrap() error { return e.Err }

// TransportError wraps a connection- or session-level broker failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("proq: transport: %s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// EncodingError wraps a codec failure. Op is "encode" or "decode".
type EncodingError struct {
	Op  string
	Err error
}

func (e *EncodingError) Error() string { return fmt.Sprintf("proq: %s: %v", e.Op, e.Err) }

func (e *EncodingError) Unwrap() error { return e.Err }

// ApplicationError wraps an error raised by a caller-supplied handler after
// the associated session was rolled back.
type ApplicationError struct {
	Err error
}

func (e *ApplicationError) Error() string { return "proq: handler: " + e.Err.Error() }

func (e *ApplicationError) Unwrap() error { return e.Err }

// ErrUnknownBroker reports a broker name nobody registered.
type ErrUnknownBroker struct{ name string }

func (e ErrUnknownBroker) Error() string { return "proq: unknown broker: " + e.name }

var (
	// ErrClosed is returned from operations on a closed client or engine.
	ErrClosed = errors.New("proq: closed")
	// ErrListenerDead is returned when dispatch hits a faulted or closed
	// listener. Re-subscribe to resume delivery.
	ErrListenerDead = errors.New("proq: listener is not subscribed")
)

func transportErr(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

func encodeErr(err error) error { return &EncodingError{Op: "encode", Err: err} }

func decodeErr(err error) error { return &EncodingError{Op: "decode", Err: err} }
