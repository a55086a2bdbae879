// Package errors provides the error taxonomy shared by the dispatch core and
// utilities for error handling in binmcp.
//
// Every failure that crosses the dispatch boundary is an *Error carrying a
// stable Kind string, so transports can encode it without inspecting causes.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a failure. Values are stable and appear on the wire.
type Kind string

const (
	// KindValidation reports bad plugin metadata or bad operation arguments.
	KindValidation Kind = "validation_error"
	// KindNotFound reports an unknown session or operation.
	KindNotFound Kind = "not_found"
	// KindState reports an operation attempted against a handle or registry
	// in the wrong state, e.g. no active session.
	KindState Kind = "state_error"
	// KindResource reports a failure of the opaque analysis resource.
	KindResource Kind = "resource_error"
	// KindInternal reports any other failure inside an operation body or hook.
	KindInternal Kind = "internal_error"
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Payload is the normalized error shape returned to callers.
type Payload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Payload returns the wire representation of the error.
func (e *Error) Payload() Payload {
	return Payload{Kind: string(e.Kind), Message: e.Error()}
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation returns a KindValidation error.
func Validation(format string, args ...any) *Error {
	return newf(KindValidation, format, args...)
}

// NotFound returns a KindNotFound error.
func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

// State returns a KindState error.
func State(format string, args ...any) *Error {
	return newf(KindState, format, args...)
}

// Resource returns a KindResource error.
func Resource(format string, args ...any) *Error {
	return newf(KindResource, format, args...)
}

// Internal returns a KindInternal error.
func Internal(format string, args ...any) *Error {
	return newf(KindInternal, format, args...)
}

// Wrap classifies err under kind with a context message.
// A nil err yields nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Normalize converts any error into an *Error. Classified errors keep their
// kind; anything else becomes KindInternal.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		if e == err {
			return e
		}
		// Keep the outer context while preserving the classification.
		return &Error{Kind: e.Kind, Message: err.Error()}
	}
	return &Error{Kind: KindInternal, Err: err}
}
