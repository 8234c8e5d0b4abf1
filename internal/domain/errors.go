package domain

import (
	"errors"
	"fmt"
)

// Error codes grouped by origin: caller input, missing resources,
// infrastructure.
const (
	CodeAuth           = 40100
	CodeValidation     = 40000
	CodeNotFound       = 40400
	CodeTransientStore = 50300
	CodePushDelivery   = 50200
)

// AppError carries a stable code, a message safe to show the caller and
// the underlying cause for logs.
type AppError struct {
	Code    int
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewError(code int, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// WithCause returns a copy carrying the original error for logging while
// keeping the caller-visible code and message.
func (e *AppError) WithCause(err error) *AppError {
	return &AppError{Code: e.Code, Message: e.Message, Err: err}
}

func NewAuthError(message string) *AppError {
	return NewError(CodeAuth, message)
}

func NewValidationError(message string) *AppError {
	return NewError(CodeValidation, message)
}

func NewNotFoundError(message string) *AppError {
	return NewError(CodeNotFound, message)
}

func NewTransientStoreError(message string, cause error) *AppError {
	return &AppError{Code: CodeTransientStore, Message: message, Err: cause}
}

func NewPushDeliveryError(message string, cause error) *AppError {
	return &AppError{Code: CodePushDelivery, Message: message, Err: cause}
}

// CodeOf extracts the AppError code, defaulting to CodeTransientStore for
// unclassified failures so they surface as opaque retryable errors.
func CodeOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeTransientStore
}

// MessageOf returns the caller-safe message for an error. Unclassified
// failures never leak internals.
func MessageOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "service temporarily unavailable"
}

func IsCode(err error, code int) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
