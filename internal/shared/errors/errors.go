package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common error types
var (
	ErrNotFound    = errors.New("resource not found")
	ErrBadRequest  = errors.New("bad request")
	ErrValidation  = errors.New("validation error")
	ErrTooLarge    = errors.New("payload too large")
	ErrUnavailable = errors.New("service unavailable")
	ErrInternal    = errors.New("internal error")

	// ErrContract marks deployment or build defects: a malformed report schema,
	// an impossible configuration. These are the only errors allowed to abort.
	ErrContract = errors.New("contract violation")
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		Code:       "NOT_FOUND",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Message:    message,
		Code:       "BAD_REQUEST",
		HTTPStatus: http.StatusBadRequest,
	}
}

// Validation creates a validation error with field details
func Validation(message string, details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Message:    message,
		Code:       "VALIDATION_ERROR",
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

// TooLarge creates a payload too large error
func TooLarge(limit int64) *AppError {
	return &AppError{
		Err:        ErrTooLarge,
		Message:    fmt.Sprintf("upload exceeds %d bytes", limit),
		Code:       "PAYLOAD_TOO_LARGE",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}
}

// Unavailable creates a service unavailable error
func Unavailable(message string, err error) *AppError {
	return &AppError{
		Err:        fmt.Errorf("%w: %v", ErrUnavailable, err),
		Message:    message,
		Code:       "UNAVAILABLE",
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Internal creates an internal error
func Internal(err error) *AppError {
	return &AppError{
		Err:        err,
		Message:    "internal server error",
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Contract reports a programming or configuration defect.
func Contract(message string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrContract, message)
	}
	return fmt.Errorf("%w: %s: %v", ErrContract, message, err)
}

// IsContract reports whether err is a contract violation.
func IsContract(err error) bool {
	return errors.Is(err, ErrContract)
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
		return appErr
	}
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}
