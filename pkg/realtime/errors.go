package realtime

import (
	"errors"
	"fmt"
)

// Code classifies manager failures for callers and the HTTP surface.
type Code string

const (
	CodePoolExhausted        Code = "POOL_EXHAUSTED"
	CodeAuthRequired         Code = "AUTH_REQUIRED"
	CodeRateLimitExceeded    Code = "RATE_LIMIT_EXCEEDED"
	CodeNotFound             Code = "NOT_FOUND"
	CodeTransportUnavailable Code = "TRANSPORT_UNAVAILABLE"
	CodePayloadTooLarge      Code = "PAYLOAD_TOO_LARGE"
	CodeInvalidChannel       Code = "INVALID_CHANNEL"
	CodeInvalidArgument      Code = "INVALID_ARGUMENT"
)

// Error is the failure type returned by manager operations. Policy
// violations (capacity, auth, quota, not-found) surface synchronously as
// errors; transport failures during sends are recorded per-event inside
// DeliveryResult instead of being returned.
type Error struct {
	Code    Code
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Op != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	default:
		return e.Message
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports a match for any *Error carrying the same code, so
// errors.Is(err, ErrRateLimitExceeded) works on operation-wrapped errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinel errors, one per failure code. Compare with errors.Is.
var (
	ErrPoolExhausted        = &Error{Code: CodePoolExhausted, Message: "connection pool at capacity"}
	ErrAuthRequired         = &Error{Code: CodeAuthRequired, Message: "channel requires an authenticated user"}
	ErrRateLimitExceeded    = &Error{Code: CodeRateLimitExceeded, Message: "rate limit exceeded"}
	ErrNotFound             = &Error{Code: CodeNotFound, Message: "not found"}
	ErrTransportUnavailable = &Error{Code: CodeTransportUnavailable, Message: "transport unavailable"}
	ErrPayloadTooLarge      = &Error{Code: CodePayloadTooLarge, Message: "payload exceeds size limit"}
	ErrInvalidChannel       = &Error{Code: CodeInvalidChannel, Message: "invalid channel name"}
	ErrInvalidArgument      = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
)

// opErr builds an operation-scoped error with the given code.
func opErr(op string, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the failure code from err, or "" when err is not a
// manager error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
