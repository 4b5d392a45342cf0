package photprep

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure returned by this package wraps exactly one of them.
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrIO            = errors.New("i/o failure")
	ErrEngine        = errors.New("engine failure")
)

// Error carries the failing operation and its kind. The underlying cause, when
// present, stays reachable through errors.Is and errors.As.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind.Error())
	case e.Kind == ErrEngine:
		// engine messages are surfaced verbatim; Op stays readable via errors.As
		return e.Err.Error()
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind.Error(), e.Err)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func invalidf(op, format string, args ...any) error {
	return &Error{Kind: ErrInvalidInput, Op: op, Err: fmt.Errorf(format, args...)}
}

func shapef(op, format string, args ...any) error {
	return &Error{Kind: ErrShapeMismatch, Op: op, Err: fmt.Errorf(format, args...)}
}

func ioError(op string, err error) error {
	return &Error{Kind: ErrIO, Op: op, Err: err}
}

func engineError(op string, err error) error {
	return &Error{Kind: ErrEngine, Op: op, Err: err}
}
