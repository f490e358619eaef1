// Package sbmaerr defines the error taxonomy shared by every SBMA
// component: OutOfMemory, IoError, LockError, Invalid and Fatal, per the
// error handling design. Every exported constructor records its underlying
// cause (IoError additionally attaches a github.com/pkg/errors stack), and
// Error implements both Unwrap and Cause so that errors.Unwrap and
// github.com/pkg/errors.Cause still recover the original syscall error.
package sbmaerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind distinguishes the five error classes.
type Kind int

const (
	// KindOutOfMemory: IPC could not satisfy madmit even after evicting
	// every eligible peer.
	KindOutOfMemory Kind = iota
	// KindIoError: a read/write/open/rename/unlink/mmap/mremap/mprotect/
	// madvise call failed.
	KindIoError
	// KindLockError: timed lock acquisition failed for a reason other
	// than a timeout.
	KindLockError
	// KindInvalid: bad option, or address not within any live
	// allocation.
	KindInvalid
	// KindFatal: an unrecoverable inconsistency; the caller must abort
	// the process.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindOutOfMemory:
		return "out-of-memory"
	case KindIoError:
		return "io-error"
	case KindLockError:
		return "lock-error"
	case KindInvalid:
		return "invalid"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the concrete type every sbmaerr constructor returns.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("sbma: %s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("sbma: %s: %s", e.Kind, e.msg)
}

// Unwrap lets errors.Is/errors.As see through to the underlying syscall
// error.
func (e *Error) Unwrap() error { return e.err }

// Cause implements github.com/pkg/errors' causer interface, which
// errors.Cause walks instead of Unwrap.
func (e *Error) Cause() error { return e.err }

func newErr(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), err: cause}
}

// OutOfMemory wraps cause (which may be nil) as a KindOutOfMemory error.
func OutOfMemory(cause error, format string, args ...interface{}) *Error {
	return newErr(KindOutOfMemory, cause, format, args...)
}

// IoError wraps cause as a KindIoError error.
func IoError(cause error, format string, args ...interface{}) *Error {
	return newErr(KindIoError, errors.WithStack(cause), format, args...)
}

// LockError wraps cause as a KindLockError error.
func LockError(cause error, format string, args ...interface{}) *Error {
	return newErr(KindLockError, cause, format, args...)
}

// Invalid returns a KindInvalid error; there is rarely an underlying cause.
func Invalid(format string, args ...interface{}) *Error {
	return newErr(KindInvalid, nil, format, args...)
}

// Fatal wraps cause as a KindFatal error. Callers that receive a Fatal
// error are expected to log it and abort, per §7 of the specification.
func Fatal(cause error, format string, args ...interface{}) *Error {
	return newErr(KindFatal, cause, format, args...)
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
