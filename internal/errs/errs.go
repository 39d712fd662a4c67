// Package errs defines the error-kind taxonomy shared across the
// conversation control plane. Components fail locally and wrap their errors
// with the nearest kind below; C9/C10/C11 translate wrapped errors to the
// user-visible event/response at their boundary, per the propagation policy.
package errs

import "errors"

// Kind is one of the fixed taxonomy values.
type Kind string

const (
	// KindPolicy is an admission refusal by the breaker, rate limiter, or
	// budget. Surfaced to the caller verbatim; never retried.
	KindPolicy Kind = "policy"
	// KindProviderTransient is a network/5xx/rate-limit provider error.
	// Retried once inside the orchestrator; counts toward breaker failures.
	KindProviderTransient Kind = "provider_transient"
	// KindProviderPermanent is a 4xx/invalid-model provider error. Never
	// retried; terminates the conversation with provider_error.
	KindProviderPermanent Kind = "provider_permanent"
	// KindPricingUnknown means no active pricing record exists for a
	// (provider, model) pair. Admission denies; an operator alert fires.
	KindPricingUnknown Kind = "pricing_unknown"
	// KindStoreUnavailable is a memory/ledger read or write failure. Reads
	// degrade silently; writes surface as internal after one retry.
	KindStoreUnavailable Kind = "store_unavailable"
	// KindInternal is an invariant violation. Logged with full context;
	// never leaked to the client verbatim.
	KindInternal Kind = "internal"
	// KindCancelled is cooperative cancellation. Not an error from the
	// client's standpoint, but recorded as a terminal status.
	KindCancelled Kind = "cancelled"
)

// Error wraps an underlying cause with a taxonomy Kind and an optional
// machine-readable reason code (e.g. "turn_limit_exceeded").
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind) + ": " + e.Reason
	}
	return string(e.Kind) + ": " + e.Reason + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a taxonomy error with the given kind, reason, and cause.
func New(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: cause}
}

// Is reports whether err (or anything it wraps) is a taxonomy Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the taxonomy Kind from err, defaulting to KindInternal
// for errors that never passed through New.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf extracts the machine-readable reason code from err, if any.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
