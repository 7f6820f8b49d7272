// Package apperr classifies errors into the handful of classes the rest
// of the system needs to act on: whether to log-and-drop, fail one
// operation without failing its batch, treat as a no-op, retry with
// backoff, or fail fast because a core invariant broke.
package apperr

import (
	"errors"
	"fmt"
)

// Class is the dispatch key callers switch on to decide how to react to
// an error.
type Class int

const (
	// ClassUnknown is the zero value: an error apperr did not produce
	// and has no opinion on. Callers should treat it conservatively
	// (log and propagate).
	ClassUnknown Class = iota

	// ClassMalformed is an unparsable message, payload, or enum value.
	// Logged with the raw payload and dropped; never retried.
	ClassMalformed

	// ClassConstraint is a violated data constraint — zero quantity,
	// non-positive price, a duplicate unique config. Fails the single
	// operation; does not fail the batch it's part of.
	ClassConstraint

	// ClassDuplicate is not really an error: a sequence number or
	// request already seen. Callers treat it as a no-op, typically with
	// a debug-level log only.
	ClassDuplicate

	// ClassTransient is a transport or store failure that is expected
	// to succeed on retry: connection reset, deadlock, timeout.
	ClassTransient

	// ClassInvariant is a broken core-logic invariant, e.g. a metric
	// that went negative where that can never happen. This is a bug,
	// not a user error; callers fail fast rather than commit partial
	// state.
	ClassInvariant
)

func (c Class) String() string {
	switch c {
	case ClassMalformed:
		return "malformed"
	case ClassConstraint:
		return "constraint"
	case ClassDuplicate:
		return "duplicate"
	case ClassTransient:
		return "transient"
	case ClassInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error is a classified error wrapping an underlying cause.
type Error struct {
	class Class
	op    string
	err   error
}

func (e *Error) Error() string {
	if e.op == "" {
		return fmt.Sprintf("%s: %v", e.class, e.err)
	}
	return fmt.Sprintf("%s: %s: %v", e.class, e.op, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// ClassOf returns err's class if it (or something it wraps) is an
// *Error, or ClassUnknown otherwise.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.class
	}
	return ClassUnknown
}

func newErr(class Class, op string, err error) *Error {
	return &Error{class: class, op: op, err: err}
}

// Malformed wraps err as a class-Malformed failure.
func Malformed(op string, err error) *Error { return newErr(ClassMalformed, op, err) }

// Constraint wraps err as a class-Constraint failure.
func Constraint(op string, err error) *Error { return newErr(ClassConstraint, op, err) }

// Duplicate wraps err (or a nil cause) as a class-Duplicate no-op.
func Duplicate(op string, err error) *Error { return newErr(ClassDuplicate, op, err) }

// Transient wraps err as a class-Transient failure eligible for retry.
func Transient(op string, err error) *Error { return newErr(ClassTransient, op, err) }

// Invariant wraps err as a class-Invariant failure: fail fast, do not
// commit partial state.
func Invariant(op string, err error) *Error { return newErr(ClassInvariant, op, err) }

// Malformedf, Constraintf, Transientf, Invariantf build classified
// errors directly from a format string, mirroring fmt.Errorf.
func Malformedf(op, format string, args ...any) *Error {
	return newErr(ClassMalformed, op, fmt.Errorf(format, args...))
}

func Constraintf(op, format string, args ...any) *Error {
	return newErr(ClassConstraint, op, fmt.Errorf(format, args...))
}

func Transientf(op, format string, args ...any) *Error {
	return newErr(ClassTransient, op, fmt.Errorf(format, args...))
}

func Invariantf(op, format string, args ...any) *Error {
	return newErr(ClassInvariant, op, fmt.Errorf(format, args...))
}

// IsRetryable reports whether err should be retried with backoff at the
// consumer level rather than surfaced as a permanent failure.
func IsRetryable(err error) bool {
	return ClassOf(err) == ClassTransient
}

// IsDuplicate reports whether err represents an already-seen item that
// should be treated as a no-op.
func IsDuplicate(err error) bool {
	return ClassOf(err) == ClassDuplicate
}
