package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for different categories
var (
	// ErrInvalidInput - request failed validation (400 to the caller)
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound - resource not found
	ErrNotFound = errors.New("not found")

	// ErrTransient - transient error, retry may succeed
	ErrTransient = errors.New("transient error")

	// ErrConnection - upstream agent connection could not be opened or used
	ErrConnection = errors.New("connection error")

	// ErrDisconnected - upstream connection was closed while a stream was reading it
	ErrDisconnected = errors.New("session disconnected")

	// ErrNormalization - upstream event could not be mapped to a canonical event
	ErrNormalization = errors.New("normalization error")

	// ErrParse - stream frame could not be parsed
	ErrParse = errors.New("parse error")

	// ErrTransportClosed - write attempted on an already closed outbound stream
	ErrTransportClosed = errors.New("transport closed")

	// ErrPoolClosed - session pool has been shut down
	ErrPoolClosed = errors.New("session pool closed")

	// ErrInternal - internal error
	ErrInternal = errors.New("internal error")
)

// ConnectionError reports a failure to open or drive an upstream connection.
type ConnectionError struct {
	Op    string
	Model string
	Cause error
}

func (e *ConnectionError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("connection %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("connection %s (model %s): %v", e.Op, e.Model, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrConnection) match any ConnectionError.
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// NewConnectionError wraps cause as a ConnectionError.
func NewConnectionError(op, model string, cause error) *ConnectionError {
	return &ConnectionError{Op: op, Model: model, Cause: cause}
}
