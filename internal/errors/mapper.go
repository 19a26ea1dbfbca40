package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorMapper maps external errors to the karakuri error taxonomy
type ErrorMapper interface {
	MapError(err error) error
	IsRetryable(err error) bool
	Category(err error) string
	HTTPStatus(err error) int
}

// DefaultErrorMapper implements the taxonomy mapping
type DefaultErrorMapper struct{}

// NewDefaultErrorMapper creates a new error mapper
func NewDefaultErrorMapper() *DefaultErrorMapper {
	return &DefaultErrorMapper{}
}

// MapError maps driver and client errors onto a sentinel category.
// Errors that already carry a category are returned unchanged.
func (m *DefaultErrorMapper) MapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	if Category(err) != "Unknown" {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%v: %w", err, ErrTimeout)
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "no rows"), strings.Contains(errStr, "not found"), strings.Contains(errStr, "does not exist"):
		return fmt.Errorf("%v: %w", err, ErrNotFound)

	case strings.Contains(errStr, "database is locked"), strings.Contains(errStr, "busy"),
		strings.Contains(errStr, "connection"), strings.Contains(errStr, "broken pipe"),
		strings.Contains(errStr, "deadlock"), strings.Contains(errStr, "rate limit"),
		strings.Contains(errStr, "too many requests"):
		return fmt.Errorf("%v: %w", err, ErrTransient)

	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return fmt.Errorf("%v: %w", err, ErrTimeout)

	case strings.Contains(errStr, "unique constraint"), strings.Contains(errStr, "duplicate"):
		return fmt.Errorf("%v: %w", err, ErrConflict)

	case strings.Contains(errStr, "invalid"), strings.Contains(errStr, "bad request"):
		return fmt.Errorf("%v: %w", err, ErrInvalidInput)

	default:
		return fmt.Errorf("%v: %w", err, ErrInternal)
	}
}

// IsRetryable determines if an error should trigger a retry
func (m *DefaultErrorMapper) IsRetryable(err error) bool {
	return IsRetryable(err)
}

// Category returns the taxonomy category name for an error
func (m *DefaultErrorMapper) Category(err error) string {
	return Category(err)
}

// HTTPStatus maps a categorized error onto a response code
func (m *DefaultErrorMapper) HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicateEvent):
		return http.StatusConflict
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Category returns the taxonomy category name for an error
func Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrDuplicateEvent):
		return "ErrDuplicateEvent"
	case errors.Is(err, ErrInvalidInput):
		return "ErrInvalidInput"
	case errors.Is(err, ErrNotFound):
		return "ErrNotFound"
	case errors.Is(err, ErrConflict):
		return "ErrConflict"
	case errors.Is(err, ErrTransient):
		return "ErrTransient"
	case errors.Is(err, ErrTimeout):
		return "ErrTimeout"
	case errors.Is(err, ErrExecution):
		return "ErrExecution"
	case errors.Is(err, ErrInternal):
		return "ErrInternal"
	default:
		return "Unknown"
	}
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", message, err)
}

// WrapWithCategory wraps an error with a specific category, keeping the cause text
func WrapWithCategory(err error, message string, category error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %v: %w", message, err, category)
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

// Conflict wraps error as conflict
func Conflict(message string) error {
	return fmt.Errorf("%s: %w", message, ErrConflict)
}

// Transient wraps error as transient
func Transient(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTransient)
}

// Timeout wraps error as timeout
func Timeout(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTimeout)
}

// Execution wraps error as execution failure
func Execution(message string) error {
	return fmt.Errorf("%s: %w", message, ErrExecution)
}

// Internal wraps error as internal
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// IsRetryable reports whether the operation may be retried as-is.
// Transient faults and lost races are retryable; everything else is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrConflict)
}
