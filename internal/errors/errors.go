// Package errors provides the error taxonomy for sync orchestration.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
)

// ErrorCode represents a stable, user-visible error category.
type ErrorCode string

const (
	// General errors
	ErrInternal  ErrorCode = "INTERNAL_ERROR"
	ErrInvalid   ErrorCode = "INVALID_INPUT"
	ErrNotFound  ErrorCode = "NOT_FOUND"
	ErrDuplicate ErrorCode = "DUPLICATE"
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrConfig    ErrorCode = "CONFIG_INVALID"

	// Sync errors
	ErrLockConflict   ErrorCode = "LOCK_CONFLICT"
	ErrAdapterNetwork ErrorCode = "ADAPTER_NETWORK"
	ErrAdapterAuth    ErrorCode = "ADAPTER_AUTH"
	ErrRecordPersist  ErrorCode = "RECORD_PERSIST"
	ErrCancelled      ErrorCode = "CANCELLED"
	ErrThrottled      ErrorCode = "THROTTLED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error, or anything it wraps, carries a specific code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the outermost AppError in the chain.
// Context cancellation maps to ErrCancelled; anything else unrecognised is
// ErrInternal. A nil error has no code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	if stderrors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	return ErrInternal
}

// IsRetryable reports whether err is a transient adapter-level failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == ErrAdapterNetwork
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}
	return stderrors.Is(err, io.ErrUnexpectedEOF)
}

// Summary renders err for user-visible status: code plus message, without
// the wrapped chain.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return fmt.Sprintf("%s: %s", appErr.Code, appErr.Message)
	}
	return fmt.Sprintf("%s: %s", CodeOf(err), err.Error())
}

// MessageOf returns the message of the outermost AppError, or err.Error().
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
