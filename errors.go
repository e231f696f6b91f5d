package yodb

import (
	"fmt"
	"syscall"
)

// Code categorizes an Error into one of the classes spec.md §7 defines.
type Code string

const (
	ErrCodeIOFailure  Code = "io failure"
	ErrCodeCorruption Code = "corruption"
	ErrCodeInvariant  Code = "invariant violation"
	ErrCodeNotFound   Code = "not found"
	ErrCodeConfig     Code = "invalid configuration"
)

// Error is the structured error type returned across the public Open,
// Put, Get and Del surface. Internal packages propagate plain errors
// (or booleans, per spec.md §7) and only the root facade wraps them
// into an Error with an operation and a Code.
type Error struct {
	Op    string // operation that failed, e.g. "Open", "Put"
	Code  Code
	Errno syscall.Errno // kernel errno, 0 if not applicable
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Inner != nil {
		msg = e.Inner.Error()
	}
	if e.Errno != 0 {
		return fmt.Sprintf("yodb: %s: %s (errno=%d)", e.Op, msg, e.Errno)
	}
	return fmt.Sprintf("yodb: %s: %s", e.Op, msg)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparisons against another *Error by Code.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

func newError(op string, code Code, inner error) *Error {
	return &Error{Op: op, Code: code, Inner: inner}
}

func newErrorMsg(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

func newErrnoError(op string, code Code, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error()}
}
