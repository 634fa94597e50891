package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an expected failure of the linking or relay protocol
type Kind string

const (
	Unauthenticated      Kind = "unauthenticated"
	Unauthorized         Kind = "unauthorized"
	InvalidOrExpiredCode Kind = "invalid_or_expired_code"
	Forbidden            Kind = "forbidden"
	BadRequest           Kind = "bad_request"
	UpstreamFailure      Kind = "upstream_failure"
	RefreshFailure       Kind = "refresh_failure"
	Internal             Kind = "internal"
)

// Error is the tagged error returned across component boundaries.
// Status and Body carry the collaborator's response when there was one.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Body    []byte
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind around a cause
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind to the status code used by the HTTP surface
func HTTPStatus(kind Kind) int {
	switch kind {
	case Unauthenticated, Unauthorized, RefreshFailure:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case BadRequest:
		return http.StatusBadRequest
	case InvalidOrExpiredCode:
		return http.StatusNotFound
	case UpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
