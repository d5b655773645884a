// Package errs defines the two error kinds the core boundary promises:
// an InternalError for violated invariants (fatal, surfaced, never silently
// recovered from) and an InputError for caller-supplied values that are out
// of range (recoverable).
package errs

import (
	"errors"
	"fmt"
)

// InternalError signals that an invariant of the core was violated: an
// iterator misaligned after a group mutation, an unchoke count that would
// go negative, a hash verdict for a piece that isn't in flight. Callers
// should treat it as fatal and not attempt to continue the operation that
// raised it.
type InternalError struct {
	msg   string
	cause error
}

func Internal(format string, args ...interface{}) *InternalError {
	return &InternalError{msg: fmt.Sprintf(format, args...)}
}

func WrapInternal(cause error, format string, args ...interface{}) *InternalError {
	return &InternalError{msg: fmt.Sprintf(format, args...), cause: cause}
}

func (e *InternalError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.cause)
	}
	return e.msg
}

func (e *InternalError) Unwrap() error { return e.cause }

// InputError signals that a caller supplied a value outside the range the
// core accepts: an unknown group, a priority above 65535, a duplicate group
// name, an unparseable tracker URL explicitly marked "extra". Recoverable:
// the caller can fix the input and retry.
type InputError struct {
	msg   string
	cause error
}

func Input(format string, args ...interface{}) *InputError {
	return &InputError{msg: fmt.Sprintf(format, args...)}
}

func WrapInput(cause error, format string, args ...interface{}) *InputError {
	return &InputError{msg: fmt.Sprintf(format, args...), cause: cause}
}

func (e *InputError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.cause)
	}
	return e.msg
}

func (e *InputError) Unwrap() error { return e.cause }

// IsInternal reports whether err is, or wraps, an *InternalError.
func IsInternal(err error) bool {
	var e *InternalError
	return errors.As(err, &e)
}

// IsInput reports whether err is, or wraps, an *InputError.
func IsInput(err error) bool {
	var e *InputError
	return errors.As(err, &e)
}
