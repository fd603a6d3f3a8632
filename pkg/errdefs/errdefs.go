// Package errdefs is the gateway's single error taxonomy. Every terminal
// pipeline failure is one of the kinds below; the HTTP layer translates a
// kind into a status code and an opaque short code without leaking upstream
// detail to the client.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Kind classifies a gateway error.
type Kind string

const (
	AuthenticationFailed Kind = "authentication_failed"
	AuthorizationDenied  Kind = "authorization_denied"
	SecurityRejected     Kind = "security_rejected"
	QuotaExceeded        Kind = "quota_exceeded"
	UpstreamFailed       Kind = "upstream_failed"
	AllProvidersFailed   Kind = "all_providers_failed"
	Overloaded           Kind = "overloaded"
	MalformedRequest     Kind = "malformed_request"
	Internal             Kind = "internal_error"
)

// Error is a classified gateway error. Detail is safe to return to the
// client; the wrapped cause is not and only reaches the structured log.
type Error struct {
	Kind   Kind
	Detail string
	// CorrelationID is set on internal errors so the client-visible code
	// can be matched against the server log.
	CorrelationID string
	cause         error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a classified error with a client-visible detail message.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf creates a classified error with a formatted detail message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a classified error. One level of wrapping only:
// wrapping an already classified error returns it unchanged.
func Wrap(kind Kind, detail string, cause error) *Error {
	var ge *Error
	if errors.As(cause, &ge) {
		return ge
	}
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// Internalf creates an internal error with a fresh correlation id. The
// client sees only the id; the cause stays server-side.
func Internalf(cause error, format string, args ...any) *Error {
	return &Error{
		Kind:          Internal,
		Detail:        fmt.Sprintf(format, args...),
		CorrelationID: uuid.NewString(),
		cause:         cause,
	}
}

// KindOf extracts the kind from any error, defaulting to Internal.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// AsError extracts the classified error, classifying unknown errors as
// internal along the way.
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return Internalf(err, "unexpected error")
}

// HTTPStatus maps a kind to its fixed HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case AuthenticationFailed:
		return http.StatusUnauthorized
	case AuthorizationDenied:
		return http.StatusForbidden
	case SecurityRejected, MalformedRequest:
		return http.StatusBadRequest
	case QuotaExceeded:
		return http.StatusTooManyRequests
	case UpstreamFailed, AllProvidersFailed, Overloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
