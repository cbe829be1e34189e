package types

import (
	"errors"
	"fmt"
)

// Code classifies an error for clients. It travels in error frames and maps
// to HTTP statuses in the REST surface.
type Code string

const (
	CodeAuthRequired   Code = "AUTH_REQUIRED"
	CodeInvalidMessage Code = "INVALID_MESSAGE"
	CodeInvalidFrame   Code = "INVALID_FRAME"
	CodeNotFound       Code = "NOT_FOUND"
	CodeForbidden      Code = "FORBIDDEN"
	CodeConflict       Code = "CONFLICT"
	CodeRateLimited    Code = "RATE_LIMITED"
	CodeStorage        Code = "STORAGE_FAILURE"
)

// Error carries a Code alongside a client-safe message.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same code and message, so wrapped copies of
// a sentinel still satisfy errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// NewError builds an *Error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches cause to a copy of the sentinel err. Non-*Error values are
// classified as storage failures.
func Wrap(err error, cause error) error {
	var e *Error
	if errors.As(err, &e) {
		return &Error{Code: e.Code, Message: e.Message, Cause: cause}
	}
	return &Error{Code: CodeStorage, Message: err.Error(), Cause: cause}
}

// CodeOf returns the classification of err. Anything unclassified is a
// storage failure, which is the only genuine failure the coordinator expects.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStorage
}

var (
	ErrAuthRequired     = NewError(CodeAuthRequired, "authentication required")
	ErrInvalidMessage   = NewError(CodeInvalidMessage, "message must carry content or an image")
	ErrContentTooLarge  = NewError(CodeInvalidMessage, "message content exceeds 4000 bytes")
	ErrImageRefTooLarge = NewError(CodeInvalidMessage, "image reference exceeds 2048 bytes")
	ErrSelfMessage      = NewError(CodeInvalidMessage, "cannot message yourself")
	ErrInvalidUserID    = NewError(CodeInvalidFrame, "user ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidFrame     = NewError(CodeInvalidFrame, "frame is not valid JSON")
	ErrUnknownFrameType = NewError(CodeInvalidFrame, "unknown frame type")
	ErrNotFound         = NewError(CodeNotFound, "not found")
	ErrForbidden        = NewError(CodeForbidden, "not allowed")
	ErrConsentResolved  = NewError(CodeConflict, "chat request already answered")
	ErrRateLimited      = NewError(CodeRateLimited, "too many messages, slow down")
	ErrStorage          = NewError(CodeStorage, "storage failure")
)
