package message

import "fmt"

// ErrorKind classifies a failed call.
type ErrorKind string

const (
	KindBadRequest       ErrorKind = "bad_request"
	KindServiceNotFound  ErrorKind = "service_not_found"
	KindMethodNotFound   ErrorKind = "method_not_found"
	KindInvalidParams    ErrorKind = "invalid_params"
	KindInvocationFailed ErrorKind = "invocation_failed"
	KindRateLimited      ErrorKind = "rate_limited"
	KindTimeout          ErrorKind = "timeout"
)

// Error is the error descriptor carried by a failed Response.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Is matches another *Error of the same kind, so errors.Is works against kind sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}
