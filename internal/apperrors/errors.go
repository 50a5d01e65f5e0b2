// Package apperrors classifies service failures so transports can map them to responses
// without leaking causes to clients.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the category of a failure.
type Kind string

const (
	// KindValidation marks malformed input that could not be defaulted (HTTP 400).
	KindValidation Kind = "validation"
	// KindAuth marks bad credentials or tokens (HTTP 401).
	KindAuth Kind = "auth"
	// KindForbidden marks requests rejected by access policy (HTTP 403).
	KindForbidden Kind = "forbidden"
	// KindRateLimit marks requests over a limit (HTTP 429).
	KindRateLimit Kind = "rate_limit"
	// KindNotFound marks unknown resources (HTTP 404).
	KindNotFound Kind = "not_found"
	// KindPersistence marks database failures (HTTP 500).
	KindPersistence Kind = "persistence"
)

// Error carries a kind, an operation.reason code and the wrapped cause.
type Error struct {
	kind Kind
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind returns the failure category.
func (e *Error) Kind() Kind {
	return e.kind
}

// Code returns the operation.reason code.
func (e *Error) Code() string {
	return e.code
}

// New builds an Error with code "<operation>.<reason>".
func New(kind Kind, operation, reason string, cause error) error {
	return &Error{kind: kind, code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Persistence is shorthand for a database failure.
func Persistence(operation, reason string, cause error) error {
	return New(KindPersistence, operation, reason, cause)
}

// NotFound is shorthand for an unknown resource.
func NotFound(operation, reason string, cause error) error {
	return New(KindNotFound, operation, reason, cause)
}

// KindOf reports the kind of err, defaulting to persistence for unclassified errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.kind
	}
	return KindPersistence
}

// HTTPStatus maps err to a status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
