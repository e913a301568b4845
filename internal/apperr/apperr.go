// Package apperr defines the error taxonomy shared by the messaging core and
// its HTTP and WebSocket surfaces.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeUnknown         Code = "UNKNOWN"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeAlreadyExists   Code = "ALREADY_EXISTS"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeResourceLimit   Code = "RESOURCE_EXHAUSTED"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeInternal        Code = "INTERNAL"
)

type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is reports a match when target is an *AppError with the same code and
// message, so wrapped sentinels still satisfy errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches cause to a copy of the sentinel err.
func Wrap(err error, cause error) error {
	var ae *AppError
	if !errors.As(err, &ae) {
		return &AppError{Code: CodeInternal, Message: err.Error(), Cause: cause}
	}
	return &AppError{Code: ae.Code, Message: ae.Message, Cause: cause}
}

var (
	ErrAuth             = New(CodeUnauthenticated, "authentication failed")
	ErrInvalidArgument  = New(CodeInvalidArgument, "invalid argument")
	ErrInvalidKey       = New(CodeInvalidArgument, "invalid public key")
	ErrEmptyMessage     = New(CodeInvalidArgument, "message content is empty")
	ErrMessageTooLarge  = New(CodeInvalidArgument, "message content too large")
	ErrUnknownRecipient = New(CodeNotFound, "unknown recipient")
	ErrKeyNotFound      = New(CodeNotFound, "public key not found")
	ErrUserNotFound     = New(CodeNotFound, "user not found")
	ErrUsernameTaken    = New(CodeAlreadyExists, "username is already taken")
	ErrRateLimited      = New(CodeResourceLimit, "rate limit exceeded")
	ErrStoreUnavailable = New(CodeUnavailable, "store unavailable")
	ErrTransport        = New(CodeUnavailable, "transport error")
)

// CodeOf returns the code of the first AppError in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeUnknown
}

// HTTPStatus maps err to the status used by the HTTP API.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeResourceLimit:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Reason returns the short snake_case reason carried in failed acks.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownRecipient):
		return "unknown_recipient"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrMessageTooLarge), errors.Is(err, ErrInvalidArgument):
		return "invalid_frame"
	case errors.Is(err, ErrTransport):
		return "transport_error"
	default:
		return "internal"
	}
}
