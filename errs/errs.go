// Package errs defines the receiving pipeline's closed set of error kinds.
// Every failure path across admission, OCR, parsing, planning, reconciliation,
// and commit surfaces exactly one Kind, so callers can switch exhaustively
// instead of pattern-matching error strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a closed enumeration of receiving-pipeline error kinds. See
// section 7 of the design for the full surfaced/recoverable table.
type Kind string

const (
	UnsupportedMime       Kind = "unsupported_mime"
	TooLarge              Kind = "too_large"
	DecodeFailed          Kind = "decode_failed"
	TooSmall              Kind = "too_small"
	LowQuality            Kind = "low_quality"
	QuotaExceeded         Kind = "quota_exceeded"
	Duplicate             Kind = "duplicate"
	OCRFailed             Kind = "ocr_failed"
	NormalisationFailed   Kind = "normalisation_failed"
	BudgetExhausted       Kind = "budget_exhausted"
	Unauthorised          Kind = "unauthorised"
	Forbidden             Kind = "forbidden"
	SessionStateViolation Kind = "session_state_violation"
	AlreadyCommitted      Kind = "already_committed"
	InsufficientStock     Kind = "insufficient_stock"
	Conflict              Kind = "conflict"
	QueueFull             Kind = "queue_full"
	DeadlineExceeded      Kind = "deadline_exceeded"
	Internal              Kind = "internal"
)

// Error is the concrete error type carried through the pipeline. Details
// holds kind-specific structured data (sub-scores for LowQuality, the
// existing artifact id for Duplicate, retry_after for QuotaExceeded, …)
// so callers don't need to parse the message.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, errs.New(Kind, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an Error with the given kind and message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that wraps cause, preserving it for errors.As/Unwrap.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithDetails attaches structured detail fields and returns the same Error
// for chaining at the call site, e.g. errs.New(...).WithDetails(...).
func (e *Error) WithDetails(d map[string]any) *Error {
	e.Details = d
	return e
}

// As reports whether err (or something it wraps) is a *Error of kind k.
func As(err error, k Kind) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == k {
		return e, true
	}
	return nil, false
}

// KindOf extracts the Kind from err, or Internal if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
