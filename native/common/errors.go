package common

import "errors"

// ErrorKind classifies protocol errors so callers can tell bad input apart from
// policy failures and unavailable dependencies.
type ErrorKind uint8

const (
	// KindUnknown is reported for errors that carry no classification.
	KindUnknown ErrorKind = iota
	// KindValidation covers caller-correctable input problems.
	KindValidation
	// KindInvariant covers requests rejected because they would break, or
	// require, a protocol invariant (ratio broken, insufficient balance).
	KindInvariant
	// KindAuthorization covers permission and lifecycle gate failures.
	KindAuthorization
	// KindDependency covers stale oracles and failed transfers.
	KindDependency
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInvariant:
		return "invariant"
	case KindAuthorization:
		return "authorization"
	case KindDependency:
		return "dependency"
	default:
		return "unknown"
	}
}

// Error is a classified sentinel error. Sentinels are compared by identity so
// errors.Is works across wrapping.
type Error struct {
	kind ErrorKind
	msg  string
}

// NewError constructs a classified sentinel.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Kind returns the error classification.
func (e *Error) Kind() ErrorKind { return e.kind }

// Kinded is implemented by errors that expose a classification.
type Kinded interface {
	Kind() ErrorKind
}

// KindOf returns the classification of the first classified error in the
// chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var kinded Kinded
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}
	return KindUnknown
}
