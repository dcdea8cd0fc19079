// Package archerr defines the vendor-neutral error taxonomy used at component
// boundaries. Every error that crosses a package boundary carries a Kind so
// the HTTP layer can map it to a status code and the pipeline can decide
// whether to retry, record a per-item failure, or abort the operation.
package archerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for recovery purposes.
type Kind int

const (
	// KindInternal is the default for unexpected failures. Details are
	// logged, never returned to callers.
	KindInternal Kind = iota

	// KindValidation covers bad input: malformed requests, dangerous URLs,
	// rejected glob patterns. Not retried.
	KindValidation

	// KindNotFound covers missing sources, pages, progress records.
	KindNotFound

	// KindConflict covers operations that cannot overlap, such as a second
	// concurrent re-embed run.
	KindConflict

	// KindProviderAuth covers rejected credentials. Surfaced, not retried.
	KindProviderAuth

	// KindProviderTransient covers provider 5xx responses and timeouts.
	// Retried with backoff, then recorded as a per-item failure.
	KindProviderTransient

	// KindProviderRateLimit covers provider 429 responses. Retried honouring
	// Retry-After when present.
	KindProviderRateLimit

	// KindStore covers vector/SQL store failures. Retried once, then
	// propagated.
	KindStore

	// KindCancelled marks cooperative cancellation. A clean terminal state,
	// not an error to the caller who requested it.
	KindCancelled
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindProviderAuth:
		return "provider_auth_error"
	case KindProviderTransient:
		return "provider_transient_error"
	case KindProviderRateLimit:
		return "provider_rate_limit"
	case KindStore:
		return "store_error"
	case KindCancelled:
		return "cancelled"
	default:
		return "internal_error"
	}
}

// Error is a classified error. The message is already safe to surface: the
// constructors run Redact over it.
type Error struct {
	kind Kind
	msg  string
	err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.err }

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: Redact(fmt.Sprintf(format, args...))}
}

// Wrap classifies an existing error, preserving it as the cause. A nil cause
// returns nil so call sites can wrap unconditionally.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{
		kind: kind,
		msg:  Redact(fmt.Sprintf(format, args...)),
		err:  errors.New(Redact(err.Error())),
	}
}

// GetKind extracts the Kind from an error chain. Unclassified errors are
// KindInternal; context cancellation maps to KindCancelled.
func GetKind(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.kind
	}
	if errors.Is(err, ErrCancelled) {
		return KindCancelled
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return err != nil && GetKind(err) == kind
}

// ErrCancelled is the sentinel for cooperative cancellation. Producers that
// observe a stopped operation return this (possibly wrapped).
var ErrCancelled = errors.New("operation cancelled")

// Retryable reports whether the pipeline should retry the failed call.
func Retryable(err error) bool {
	switch GetKind(err) {
	case KindProviderTransient, KindProviderRateLimit, KindStore:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error kind to the response status code.
func HTTPStatus(err error) int {
	switch GetKind(err) {
	case KindValidation:
		return 400
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindProviderAuth:
		return 502
	case KindProviderRateLimit:
		return 429
	case KindCancelled:
		return 200
	default:
		return 500
	}
}
