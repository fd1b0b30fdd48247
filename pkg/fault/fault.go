// Package fault defines the error categories that cross component
// boundaries. Collaborator failures are converted into exactly one
// category before they continue up the stack; only the HTTP edge maps
// categories to status codes.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	AuthMissing        Kind = "AUTH_MISSING"
	AuthInvalid        Kind = "AUTH_INVALID"
	Forbidden          Kind = "FORBIDDEN"
	NotFound           Kind = "NOT_FOUND"
	ValidationFailed   Kind = "VALIDATION_FAILED"
	BudgetExceeded     Kind = "BUDGET_EXCEEDED"
	LockConflict       Kind = "LOCK_CONFLICT"
	Conflict           Kind = "CONFLICT"
	Unavailable        Kind = "UNAVAILABLE"
	Upstream           Kind = "UPSTREAM"
	ConfigurationError Kind = "CONFIGURATION_ERROR"
	Internal           Kind = "INTERNAL"
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, fault.New(kind, ...)) match on kind alone.
func (e *Error) Is(target error) bool {
	var fe *Error
	if !errors.As(target, &fe) {
		return false
	}
	return e.Kind == fe.Kind
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the category from an error chain. Uncategorized
// errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Detail returns the client-safe message for an error. Raw collaborator
// messages never cross the HTTP boundary.
func Detail(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Msg != "" {
		return fe.Msg
	}
	return "internal error"
}

func Status(err error) int {
	switch KindOf(err) {
	case AuthMissing, AuthInvalid:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case ValidationFailed:
		return http.StatusUnprocessableEntity
	case BudgetExceeded:
		return http.StatusPaymentRequired
	case LockConflict:
		return http.StatusLocked
	case Conflict:
		return http.StatusConflict
	case Unavailable:
		return http.StatusServiceUnavailable
	case Upstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
