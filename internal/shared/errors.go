package shared

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures for the request boundary.
type ErrorKind string

const (
	KindInput      ErrorKind = "input_error"
	KindData       ErrorKind = "data_error"
	KindRewardLoad ErrorKind = "reward_load_error"
	KindRewardEval ErrorKind = "reward_eval_error"
	KindInternal   ErrorKind = "internal_error"
)

// Error is a kinded error carrying diagnostic detail. The request boundary
// maps its kind to the error code of the JSON error object.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewInputError reports a missing or invalid request field.
func NewInputError(format string, args ...any) *Error {
	return &Error{Kind: KindInput, Message: fmt.Sprintf(format, args...)}
}

// NewDataError reports insufficient or malformed data.
func NewDataError(format string, args ...any) *Error {
	return &Error{Kind: KindData, Message: fmt.Sprintf(format, args...)}
}

// NewRewardLoadError reports a reward source that failed to compile.
func NewRewardLoadError(msg string, cause error) *Error {
	return &Error{Kind: KindRewardLoad, Message: msg, Cause: cause}
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(msg string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Cause: cause}
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
