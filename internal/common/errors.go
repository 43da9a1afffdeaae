package common

import (
	"errors"
	"fmt"
)

// Code classifies an application error. The values are stable: they are stored
// on failed jobs and returned to the chat client.
type Code string

const (
	CodeRateLimited           Code = "RateLimited"
	CodeContention            Code = "Contention"
	CodeResourceExhausted     Code = "ResourceExhausted"
	CodeNotOwner              Code = "NotOwner"
	CodeInvalidTransition     Code = "InvalidTransition"
	CodeCapabilityTimeout     Code = "CapabilityTimeout"
	CodeCapabilityError       Code = "CapabilityError"
	CodeCapabilityUnavailable Code = "CapabilityUnavailable"
	CodeTimeout               Code = "Timeout"
	CodeNotFound              Code = "NotFound"
	CodeInvalidInput          Code = "InvalidInput"
	CodeConflict              Code = "Conflict"
	CodeInternal              Code = "Internal"
)

// Sentinel errors, one per code. Match with errors.Is.
var (
	ErrRateLimited           = errors.New("rate limited")
	ErrContention            = errors.New("storage contention")
	ErrResourceExhausted     = errors.New("resource exhausted")
	ErrNotOwner              = errors.New("caller does not own the job")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrCapabilityTimeout     = errors.New("transcription timed out")
	ErrCapabilityError       = errors.New("transcription failed")
	ErrCapabilityUnavailable = errors.New("transcription unavailable")
	ErrTimeout               = errors.New("job timed out")
	ErrNotFound              = errors.New("resource not found")
	ErrInvalidInput          = errors.New("invalid input")
	ErrConflict              = errors.New("conflict")
	ErrInternal              = errors.New("internal error")
)

var sentinels = map[Code]error{
	CodeRateLimited:           ErrRateLimited,
	CodeContention:            ErrContention,
	CodeResourceExhausted:     ErrResourceExhausted,
	CodeNotOwner:              ErrNotOwner,
	CodeInvalidTransition:     ErrInvalidTransition,
	CodeCapabilityTimeout:     ErrCapabilityTimeout,
	CodeCapabilityError:       ErrCapabilityError,
	CodeCapabilityUnavailable: ErrCapabilityUnavailable,
	CodeTimeout:               ErrTimeout,
	CodeNotFound:              ErrNotFound,
	CodeInvalidInput:          ErrInvalidInput,
	CodeConflict:              ErrConflict,
	CodeInternal:              ErrInternal,
}

// AppError represents application-specific errors
type AppError struct {
	Code    Code
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for e's code, so that
// errors.Is(err, ErrNotOwner) works without the sentinel being the cause.
func (e *AppError) Is(target error) bool {
	s, ok := sentinels[e.Code]
	return ok && s == target
}

// NewAppError builds an AppError.
func NewAppError(code Code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Errorf builds an AppError with a formatted message and no cause.
func Errorf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// CodeOf extracts the code from err, falling back to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	for code, s := range sentinels {
		if errors.Is(err, s) {
			return code
		}
	}
	return CodeInternal
}

// MessageOf returns the human part of an AppError, or err.Error().
func MessageOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return err.Error()
}
