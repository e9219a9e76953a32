// Package jlyerr defines the error-kind taxonomy used across jellyj
// instead of letting raw errors or panics cross package boundaries. Every
// fallible operation returns a *jlyerr.Error (or nil); only Kind Fatal is
// meant to propagate all the way to the daemon's exit path.
package jlyerr

import "fmt"

// Kind classifies an error the way spec.md §7 enumerates them.
type Kind int

const (
	KindProtocol Kind = iota
	KindPermission
	KindStaleResume
	KindTimeout
	KindIO
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindPermission:
		return "permission"
	case KindStaleResume:
		return "stale_resume"
	case KindTimeout:
		return "timeout"
	case KindIO:
		return "io"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Protocolf(op, format string, args ...any) *Error {
	return New(KindProtocol, op, fmt.Errorf(format, args...))
}

func Timeoutf(op, format string, args ...any) *Error {
	return New(KindTimeout, op, fmt.Errorf(format, args...))
}

func IOf(op, format string, args ...any) *Error {
	return New(KindIO, op, fmt.Errorf(format, args...))
}

func Fatalf(op, format string, args ...any) *Error {
	return New(KindFatal, op, fmt.Errorf(format, args...))
}

func Permissionf(op, format string, args ...any) *Error {
	return New(KindPermission, op, fmt.Errorf(format, args...))
}

func StaleResumef(op, format string, args ...any) *Error {
	return New(KindStaleResume, op, fmt.Errorf(format, args...))
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
