// Package autherr defines the typed failures shared by the authentication
// flows and their mapping onto HTTP responses.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the stable machine-readable error identifier returned to clients.
type Code string

const (
	InvalidRequest   Code = "invalid_request"
	InvalidParameter Code = "invalid_parameter"
	InvalidAssertion Code = "invalid_assertion"
	StateMismatch    Code = "state_mismatch"
	NonceMismatch    Code = "nonce_mismatch"
	ExchangeFailed   Code = "exchange_failed"
	SessionExpired   Code = "session_expired"
	Unavailable      Code = "unavailable"
	ProviderError    Code = "provider_error"
	Internal         Code = "internal"
)

// Error is a classified failure. Status carries the upstream HTTP status for
// ExchangeFailed and is zero otherwise.
type Error struct {
	Code    Code
	Message string
	Status  int
	Cause   error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code so callers can write
// errors.Is(err, autherr.New(autherr.StateMismatch, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatus maps the error code onto the response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case InvalidRequest, InvalidParameter:
		return http.StatusBadRequest
	case InvalidAssertion, StateMismatch, NonceMismatch, SessionExpired, ProviderError:
		return http.StatusUnauthorized
	case ExchangeFailed:
		return http.StatusBadGateway
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New builds an error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap classifies cause under code.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Exchange reports a non-2xx answer from an upstream token endpoint.
func Exchange(status int, message string) *Error {
	return &Error{Code: ExchangeFailed, Message: message, Status: status}
}

// CodeOf returns the code of the first *Error in err's chain, or Internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// StatusOf returns the HTTP status for err; unclassified errors are 500.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}
