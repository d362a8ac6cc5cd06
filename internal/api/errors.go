package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/retention/internal/retention"
)

var (
	ErrInvalidRequest  = errors.New("invalid_request")
	ErrSessionNotFound = errors.New("session_not_found")
	ErrSessionLimit    = errors.New("session limit reached")
)

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// statusFor maps errors from the request and retention layers onto an HTTP
// status and error type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, ErrSessionLimit):
		return http.StatusTooManyRequests, "rate_limit_error"
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, retention.ErrShapeMismatch),
		errors.Is(err, retention.ErrInvalidConfig):
		return http.StatusBadRequest, "invalid_request_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
