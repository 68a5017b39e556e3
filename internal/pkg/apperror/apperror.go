package apperror

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the loops react to it.
type Kind string

const (
	// KindTransientExternal covers timeouts and provider 5xx responses.
	// The affected item is retried on the next cycle.
	KindTransientExternal Kind = "transient_external"
	// KindConstraint is a data-model invariant violation. The operation is
	// skipped and logged.
	KindConstraint Kind = "constraint"
	// KindConfiguration is a missing or invalid setting. Fatal at startup only.
	KindConfiguration Kind = "configuration"
	// KindNotFound means there is nothing to do.
	KindNotFound Kind = "not_found"
)

// Error is a classified error carrying the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works
// for wrapped errors created with New.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels usable with errors.Is.
var (
	ErrTransientExternal = &Error{Kind: KindTransientExternal}
	ErrConstraint        = &Error{Kind: KindConstraint}
	ErrConfiguration     = &Error{Kind: KindConfiguration}
	ErrNotFound          = &Error{Kind: KindNotFound}
)

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transient(op string, err error) error {
	return New(KindTransientExternal, op, err)
}

func Constraint(op, format string, args ...any) error {
	return New(KindConstraint, op, fmt.Errorf(format, args...))
}

func Configuration(op string, err error) error {
	return New(KindConfiguration, op, err)
}

func NotFound(op, format string, args ...any) error {
	return New(KindNotFound, op, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the first classified error in the chain, or ""
// for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsTransient(err error) bool     { return errors.Is(err, ErrTransientExternal) }
func IsConstraint(err error) bool    { return errors.Is(err, ErrConstraint) }
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }
func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
