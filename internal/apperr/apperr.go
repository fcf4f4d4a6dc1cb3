// Package apperr provides the stable error-kind tokens used across the
// host. Handlers switch on Kind, not on Go types, so that the token
// survives refactors and crosses the HTTP boundary unchanged.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a stable, user-facing error token.
type Kind string

const (
	KindNotFound                   Kind = "NotFound"
	KindAlreadyExists              Kind = "AlreadyExists"
	KindInvalidArgument             Kind = "InvalidArgument"
	KindInvalidSecretName           Kind = "InvalidSecretName"
	KindServerDisabledForWorkspace Kind = "ServerDisabledForWorkspace"
	KindPortExhausted              Kind = "PortExhausted"
	KindSpawnFailed                Kind = "SpawnFailed"
	KindReadinessTimeout           Kind = "ReadinessTimeout"
	KindUpstreamUnavailable        Kind = "UpstreamUnavailable"
	KindInstanceBusy               Kind = "InstanceBusy"
	KindPersisted                  Kind = "Persisted"
	KindInternal                   Kind = "Internal"
)

// Error wraps a Kind, a human-readable message, and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind with an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, walking the error chain.
// Returns KindInternal if err does not carry a known Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func NotFound(format string, a ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, a...))
}

func AlreadyExists(format string, a ...any) *Error {
	return New(KindAlreadyExists, fmt.Sprintf(format, a...))
}

func InvalidArgument(format string, a ...any) *Error {
	return New(KindInvalidArgument, fmt.Sprintf(format, a...))
}

func InvalidSecretName(format string, a ...any) *Error {
	return New(KindInvalidSecretName, fmt.Sprintf(format, a...))
}

func ServerDisabledForWorkspace(serverID, workspaceID string) *Error {
	return New(KindServerDisabledForWorkspace, fmt.Sprintf("server %q is disabled for workspace %q", serverID, workspaceID))
}

func PortExhausted() *Error {
	return New(KindPortExhausted, "no free port available in configured range")
}

func SpawnFailed(format string, a ...any) *Error {
	return New(KindSpawnFailed, fmt.Sprintf(format, a...))
}

func ReadinessTimeout(serverID, workspaceID string) *Error {
	return New(KindReadinessTimeout, fmt.Sprintf("instance %s/%s did not become ready in time", serverID, workspaceID))
}

func UpstreamUnavailable(format string, a ...any) *Error {
	return New(KindUpstreamUnavailable, fmt.Sprintf(format, a...))
}

func InstanceBusy(serverID, workspaceID string) *Error {
	return New(KindInstanceBusy, fmt.Sprintf("another operation is in flight for %s/%s", serverID, workspaceID))
}

func Persisted(format string, a ...any) *Error {
	return New(KindPersisted, fmt.Sprintf(format, a...))
}

func Internal(format string, a ...any) *Error {
	return New(KindInternal, fmt.Sprintf(format, a...))
}

// HTTPStatus maps a Kind to its prescribed HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidArgument, KindInvalidSecretName:
		return 400
	case KindNotFound:
		return 404
	case KindAlreadyExists, KindServerDisabledForWorkspace, KindPortExhausted, KindInstanceBusy:
		return 409
	case KindUpstreamUnavailable:
		return 502
	default:
		return 500
	}
}
