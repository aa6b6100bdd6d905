// Package apierr defines the closed set of error kinds every subsystem
// surfaces across process and HTTP boundaries.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the error kinds named by the component design. It is a
// closed, spec-enumerated set, not open for ad-hoc extension.
type Kind string

const (
	AuthFailed         Kind = "auth_failed"
	NotFound           Kind = "not_found"
	AlreadyExists      Kind = "already_exists"
	VaultLocked        Kind = "vault_locked"
	InvalidPassword    Kind = "invalid_password"
	InvalidSignature   Kind = "invalid_signature"
	Expired            Kind = "expired"
	ScopeDenied        Kind = "scope_denied"
	CeilingExceeded    Kind = "ceiling_exceeded"
	EscalationRequired Kind = "escalation_required"
	Revoked            Kind = "revoked"
	CallLimitExceeded  Kind = "call_limit_exceeded"
	Timeout            Kind = "timeout"
	RelayUnreachable   Kind = "relay_unreachable"
	CircuitOpen        Kind = "circuit_open"
	RateLimited        Kind = "rate_limited"
	ResourceBusy       Kind = "resource_busy"
	MustBeRunning      Kind = "must_be_running"
	InvalidInput       Kind = "invalid_input"
	NotForMe           Kind = "not_for_me"
)

// Error carries a Kind plus whatever structured fields the caller attached.
// It implements the standard error interface and unwraps to the wrapped
// cause, so errors.Is/errors.As work across the stack.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a Kind-tagged error with no extra fields.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a Kind-tagged error that unwraps to cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithFields attaches structured fields (e.g. escalationRequestId, ceiling,
// escalatedPermissions) and returns the same error for chaining.
func (e *Error) WithFields(fields map[string]any) *Error {
	e.Fields = fields
	return e
}

// Is supports errors.Is(err, apierr.New(Kind, "")) style matching on Kind
// alone — callers typically compare via KindOf instead, but this keeps
// errors.Is ergonomic for sentinel-style checks.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; returns ("", false) otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Retryable reports whether err's kind is safe to retry with backoff.
// Authorization failures are never retried — they are surfaced immediately.
func Retryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return true // unknown errors are assumed transient at the client layer
	}
	switch kind {
	case AuthFailed, InvalidSignature, ScopeDenied, CeilingExceeded, Revoked,
		InvalidInput, NotForMe, AlreadyExists, Expired, CallLimitExceeded:
		return false
	default:
		return true
	}
}

// HTTPStatus maps a Kind to the status code an HTTP handler should return.
func HTTPStatus(kind Kind) int {
	switch kind {
	case AuthFailed, InvalidSignature:
		return http.StatusUnauthorized
	case ScopeDenied, CeilingExceeded, Revoked, NotForMe:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case AlreadyExists:
		return http.StatusConflict
	case VaultLocked:
		return http.StatusLocked
	case RateLimited, CircuitOpen:
		return http.StatusTooManyRequests
	case Timeout:
		return http.StatusGatewayTimeout
	case RelayUnreachable:
		return http.StatusBadGateway
	case MustBeRunning, ResourceBusy:
		return http.StatusConflict
	case InvalidInput, InvalidPassword, Expired, CallLimitExceeded, EscalationRequired:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// StatusAndBody returns the status code (picked by HTTPStatus) and a standard
// {error, message, fields?} JSON body for err. Handlers call this once at the
// boundary rather than re-deriving status codes ad hoc.
func StatusAndBody(err error) (int, map[string]any) {
	kind, ok := KindOf(err)
	if !ok {
		return http.StatusInternalServerError, map[string]any{
			"error":   string(InvalidInput),
			"message": err.Error(),
		}
	}
	var e *Error
	errors.As(err, &e)
	body := map[string]any{
		"error":   string(kind),
		"message": e.Message,
	}
	if len(e.Fields) > 0 {
		body["fields"] = e.Fields
	}
	return HTTPStatus(kind), body
}
