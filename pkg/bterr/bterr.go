// Package bterr defines the stable error categories of the btq pipeline.
package bterr

import (
	"errors"
	"fmt"
)

// Code represents a stable error category that callers can switch on.
type Code string

const (
	CodeUnknown Code = "unknown"

	// Resolution errors (fatal to the pipeline run).
	CodeUnresolvedRef Code = "unresolved_ref"
	CodeAmbiguousRef  Code = "ambiguous_ref"

	// Build and publish errors (fatal; no partial image is ever published).
	CodeBuild Code = "build"
	CodeAuth  Code = "auth"
	CodePush  Code = "push"

	// Submission errors are partial-failure, not fatal.
	CodeSubmission Code = "submission"

	// Collection errors.
	CodeIncomplete           Code = "incomplete"
	CodeDeterminismViolation Code = "determinism_violation"

	// Provisioning errors.
	CodeProvisioning Code = "provisioning"
)

// Error is a simple value type that carries a Code plus the underlying error.
type Error struct {
	Code Code
	err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// New wraps an error with the provided code. If err is nil a nil is returned.
func New(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, err: err}
}

// Newf is shorthand for New(code, fmt.Errorf(...)).
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, err: fmt.Errorf(format, args...)}
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the code carried by err, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Fatal reports whether err ends the pipeline run. Resolution, build and
// publish errors are fatal, as is a determinism violation. Submission errors
// are partial-failure and incomplete results are a liveness signal.
func Fatal(err error) bool {
	switch CodeOf(err) {
	case CodeUnresolvedRef, CodeAmbiguousRef, CodeBuild, CodeAuth, CodePush, CodeDeterminismViolation:
		return true
	}
	return false
}
