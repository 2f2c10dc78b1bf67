package mamu

import (
	"syscall"

	"github.com/fuqiuluo/mamu-core/internal/errs"
)

// Error is a structured error carrying the failing operation, a
// high-level category code, and an optional wrapped errno.
type Error = errs.Error

// ErrorCode re-exports the high-level error categories from internal/errs
// for public API use.
type ErrorCode = errs.Code

const (
	ErrCodeNotInitialised  = errs.CodeNotInitialised
	ErrCodePoisoned        = errs.CodePoisoned
	ErrCodeInvalidArgument = errs.CodeInvalidArgument
	ErrCodeIOFailure       = errs.CodeIOFailure
	ErrCodeCancelled       = errs.CodeCancelled
	ErrCodeExhausted       = errs.CodeExhausted
)

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return errs.Is(err, code)
}

// NewError constructs a structured error for the given operation.
func NewError(op string, code ErrorCode, msg string) *Error {
	return errs.New(op, code, msg)
}

// NewErrnoError constructs a structured error from a kernel errno.
func NewErrnoError(op string, errno syscall.Errno) *Error {
	return errs.WrapErrno(op, errno)
}

// WrapError wraps an existing error with an operation name.
func WrapError(op string, inner error) *Error {
	return errs.Wrap(op, inner)
}
