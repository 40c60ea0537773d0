// Package apperr defines the error taxonomy shared by every command of the
// tour core. All errors are per-operation and recoverable; none are fatal.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for presentation.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindInvalidTransition Kind = "invalid_transition"
	KindGuideInactive     Kind = "guide_inactive"
	KindTourNotAssignable Kind = "tour_not_assignable"
	KindClientBlacklisted Kind = "client_blacklisted"
	KindNotFound          Kind = "not_found"
	KindTransport         Kind = "transport"
	KindUnknown           Kind = "unknown"
)

// Kinded is implemented by every typed error in the core.
type Kinded interface {
	ErrorKind() Kind
}

// Error is a kind-coded error with an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Entity names what was missing for NotFound ("tour", "guide", ...).
	Entity string
}

// Sentinels for errors.Is checks. Comparison is by Kind.
var (
	ErrValidation        = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition, Message: "invalid status transition"}
	ErrGuideInactive     = &Error{Kind: KindGuideInactive, Message: "guide is not active"}
	ErrTourNotAssignable = &Error{Kind: KindTourNotAssignable, Message: "tour is not assignable"}
	ErrClientBlacklisted = &Error{Kind: KindClientBlacklisted, Message: "client is black-listed"}
	ErrNotFound          = &Error{Kind: KindNotFound, Message: "not found"}
	ErrTransport         = &Error{Kind: KindTransport, Message: "transport error"}
)

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) ErrorKind() Kind {
	return e.Kind
}

// Is matches any target carrying the same Kind.
func (e *Error) Is(target error) bool {
	var k Kinded
	if errors.As(target, &k) {
		return k.ErrorKind() == e.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

// NotFound builds a NotFound error naming the missing entity.
func NotFound(entity string, id int64) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %d not found", entity, id), Entity: entity}
}

// Transport wraps a network or service failure.
func Transport(op string, cause error) *Error {
	return &Error{Kind: KindTransport, Message: op, Cause: cause}
}

// KindOf returns the kind of the first typed error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return KindUnknown
}

// MatchKind reports whether target is a Kinded error of the given kind.
// Typed errors outside this package use it to implement Is.
func MatchKind(target error, kind Kind) bool {
	k, ok := target.(Kinded)
	return ok && k.ErrorKind() == kind
}
