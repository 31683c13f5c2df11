// Package apperror classifies failures so every surface (live channel,
// fallback gateway, client) reacts to them the same way.
package apperror

import (
	"errors"
	"fmt"
)

// Kind is the failure class.
type Kind int

const (
	Unknown Kind = iota
	Authentication
	Validation
	NotFound
	Ownership
	Transient
	Delivery
)

func (k Kind) String() string {
	switch k {
	case Authentication:
		return "authentication"
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Ownership:
		return "ownership"
	case Transient:
		return "transient"
	case Delivery:
		return "delivery"
	default:
		return "unknown"
	}
}

// ParseKind maps a Kind's String form back to the Kind, for errors that
// crossed the wire as a code.
func ParseKind(code string) Kind {
	for k := Authentication; k <= Delivery; k++ {
		if k.String() == code {
			return k
		}
	}
	return Unknown
}

// Error carries a Kind, the operation that failed and a caller-safe message.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error.
func New(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func AuthenticationFailure(op string, err error) *Error {
	return New(Authentication, op, "invalid credentials", err)
}

func ValidationFailure(op, message string) *Error {
	return New(Validation, op, message, nil)
}

func NotFoundFailure(op, message string) *Error {
	return New(NotFound, op, message, nil)
}

func OwnershipFailure(op, message string) *Error {
	return New(Ownership, op, message, nil)
}

func TransientFailure(op, message string, err error) *Error {
	return New(Transient, op, message, err)
}

func DeliveryFailure(op string, err error) *Error {
	return New(Delivery, op, "channel could not receive event", err)
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Unknown
}

// MessageOf returns the caller-safe message, or fallback for foreign errors.
func MessageOf(err error, fallback string) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return fallback
}

// IsRetryable reports whether the caller may retry the same request.
func IsRetryable(err error) bool {
	return KindOf(err) == Transient
}
