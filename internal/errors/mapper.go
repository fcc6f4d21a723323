package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Mapper maps internal errors to the categories exposed on the HTTP surface.
type Mapper interface {
	HTTPStatus(err error) int
	Category(err error) string
	IsRetryable(err error) bool
}

// DefaultMapper implements Mapper over the sentinel taxonomy.
type DefaultMapper struct{}

// NewDefaultMapper creates a new error mapper
func NewDefaultMapper() *DefaultMapper {
	return &DefaultMapper{}
}

// HTTPStatus returns the response status for err.
func (m *DefaultMapper) HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrConnection), errors.Is(err, ErrDisconnected):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTransient):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Category returns the error category name for err.
func (m *DefaultMapper) Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidInput):
		return "ErrInvalidInput"
	case errors.Is(err, ErrNotFound):
		return "ErrNotFound"
	case errors.Is(err, ErrPoolClosed):
		return "ErrPoolClosed"
	case errors.Is(err, ErrConnection):
		return "ErrConnection"
	case errors.Is(err, ErrDisconnected):
		return "ErrDisconnected"
	case errors.Is(err, ErrNormalization):
		return "ErrNormalization"
	case errors.Is(err, ErrParse):
		return "ErrParse"
	case errors.Is(err, ErrTransportClosed):
		return "ErrTransportClosed"
	case errors.Is(err, ErrTransient):
		return "ErrTransient"
	case errors.Is(err, ErrInternal):
		return "ErrInternal"
	default:
		return "Unknown"
	}
}

// IsRetryable determines if an error should trigger a retry
func (m *DefaultMapper) IsRetryable(err error) bool {
	return IsRetryable(err)
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", message, err)
}

// IsCategory checks if error belongs to specific category
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// NotFound wraps error as not found
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// InvalidInput wraps error as invalid input
func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

// Transient wraps error as transient
func Transient(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTransient)
}

// Internal wraps error as internal
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// Parse wraps error as a frame parse failure
func Parse(message string, cause error) error {
	return fmt.Errorf("%s: %w: %w", message, ErrParse, cause)
}

// IsRetryable checks if an error is transient or connection related
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrConnection)
}
