package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an engine error
type ErrorType string

const (
	// ErrorTypeValidation indicates invalid input (missing id, amount, currency).
	// Fatal: never retried.
	ErrorTypeValidation ErrorType = "VALIDATION"

	// ErrorTypeNotFound indicates a flow or resource was not found
	ErrorTypeNotFound ErrorType = "NOT_FOUND"

	// ErrorTypeLockContention indicates an operation is already in progress
	// for the flow. Surfaced immediately, never auto-retried by the lock layer.
	ErrorTypeLockContention ErrorType = "LOCK_CONTENTION"

	// ErrorTypeConnection indicates the transport or a remote endpoint is
	// unreachable or timed out. Recoverable: retried with backoff, eventually
	// degrading to polling.
	ErrorTypeConnection ErrorType = "CONNECTION"

	// ErrorTypeProvider indicates the payment provider rejected or failed
	// the operation
	ErrorTypeProvider ErrorType = "PROVIDER"

	// ErrorTypeStateConsistency indicates the flow state went missing or a
	// rename verification failed mid-update. Triggers a bounded recovery
	// attempt from a preserved snapshot.
	ErrorTypeStateConsistency ErrorType = "STATE_CONSISTENCY"

	// ErrorTypeTimeout indicates an operation exceeded its deadline
	ErrorTypeTimeout ErrorType = "TIMEOUT"

	// ErrorTypeRateLimit indicates an attempt budget was exhausted
	ErrorTypeRateLimit ErrorType = "RATE_LIMIT"

	// ErrorTypeInternal indicates an unexpected internal failure
	ErrorTypeInternal ErrorType = "INTERNAL"
)

// AppError is the normalized error shape used across the engine so retry
// logic can branch uniformly on Recoverable.
type AppError struct {
	Type        ErrorType              `json:"type"`
	Message     string                 `json:"message"`
	Code        string                 `json:"code,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Cause       error                  `json:"-"`
	Recoverable bool                   `json:"recoverable"`
	HTTPStatus  int                    `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithCode adds a provider or engine error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// WithDetail adds a single detail entry
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

// Constructor functions for the engine taxonomy

// NewValidationError creates a validation error
func NewValidationError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
	}
}

// NewLockContentionError creates an operation-in-progress error for a flow
func NewLockContentionError(flowID, purpose string) *AppError {
	return &AppError{
		Type:       ErrorTypeLockContention,
		Message:    fmt.Sprintf("%s already in progress for flow %s", purpose, flowID),
		Code:       "OPERATION_IN_PROGRESS",
		HTTPStatus: http.StatusConflict,
	}
}

// NewConnectionError creates a recoverable connection error
func NewConnectionError(message string, err error) *AppError {
	return &AppError{
		Type:        ErrorTypeConnection,
		Message:     message,
		Cause:       err,
		Recoverable: true,
		HTTPStatus:  http.StatusBadGateway,
	}
}

// NewProviderError creates a payment provider error. Declines are not
// recoverable; transient provider failures are.
func NewProviderError(code, message string, recoverable bool, err error) *AppError {
	return &AppError{
		Type:        ErrorTypeProvider,
		Message:     message,
		Code:        code,
		Cause:       err,
		Recoverable: recoverable,
		HTTPStatus:  http.StatusBadGateway,
	}
}

// NewStateConsistencyError creates a state consistency error
func NewStateConsistencyError(message string, err error) *AppError {
	return &AppError{
		Type:       ErrorTypeStateConsistency,
		Message:    message,
		Cause:      err,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(operation string) *AppError {
	return &AppError{
		Type:        ErrorTypeTimeout,
		Message:     fmt.Sprintf("operation '%s' timed out", operation),
		Recoverable: true,
		HTTPStatus:  http.StatusRequestTimeout,
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(limit int, window string) *AppError {
	return &AppError{
		Type:       ErrorTypeRateLimit,
		Message:    fmt.Sprintf("rate limit exceeded: %d attempts per %s", limit, window),
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// NewInternalError creates an internal error
func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Helper functions

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts an AppError from an error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsType checks if an error is of a specific type
func IsType(err error, errType ErrorType) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Type == errType
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return IsType(err, ErrorTypeValidation)
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// IsLockContention checks if an error is an operation-in-progress error
func IsLockContention(err error) bool {
	return IsType(err, ErrorTypeLockContention)
}

// IsConnection checks if an error is a connection error
func IsConnection(err error) bool {
	return IsType(err, ErrorTypeConnection)
}

// IsProvider checks if an error is a provider error
func IsProvider(err error) bool {
	return IsType(err, ErrorTypeProvider)
}

// IsRecoverable reports whether retry logic may attempt the operation again
func IsRecoverable(err error) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Recoverable
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	if appErr := GetAppError(err); appErr != nil {
		appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
		return appErr
	}

	return NewInternalError(message).WithCause(err)
}

// Wrapf wraps an error with a formatted message
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}
