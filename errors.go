// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package capmesh

import (
	"errors"
	"fmt"
)

// Domain is the error domain of errors generated by the engine itself.
const Domain = "capmesh"

// Error codes reported in the capmesh [Domain].
const (
	CodeMalformedMessage    = 1 // a request was missing or had an invalid attribute
	CodeUnknownCapability   = 2 // no adapter or proxy exists for the capability
	CodeInvocationTimeout   = 3 // the invocation deadline passed without a reply
	CodeDuplicateInvocation = 4 // the invocation ID is already pending
	CodeRecipientGone       = 5 // the target of the invocation no longer exists
	CodeServiceError        = 6 // the adapter reported an error
	CodeUnknownAspect       = 7 // the capability does not define the aspect
)

var codeNames = map[int]string{
	CodeMalformedMessage:    "malformed message",
	CodeUnknownCapability:   "unknown capability",
	CodeInvocationTimeout:   "invocation timed out",
	CodeDuplicateInvocation: "duplicate invocation",
	CodeRecipientGone:       "recipient gone",
	CodeServiceError:        "service error",
	CodeUnknownAspect:       "unknown aspect",
}

// CallError is the concrete type of errors delivered to the caller of an
// invocation. Errors received from the remote peer carry the domain, code, and
// message of the wire Error; errors synthesized by the local engine use the
// capmesh [Domain].
type CallError struct {
	Domain  string
	Code    int
	Message string

	Err error // the underlying local cause, if any
}

// Error satisfies the error interface.
func (c *CallError) Error() string {
	label := fmt.Sprintf("%s:%d", c.Domain, c.Code)
	if c.Domain == Domain {
		if name, ok := codeNames[c.Code]; ok {
			label = name
		}
	}
	if c.Message == "" {
		return label
	}
	return label + ": " + c.Message
}

// Unwrap reports the underlying cause of c, which may be nil.
func (c *CallError) Unwrap() error { return c.Err }

// Is reports whether target is a *CallError with the same domain and code as
// c. This permits comparison with the sentinels defined by this package.
func (c *CallError) Is(target error) bool {
	t, ok := target.(*CallError)
	return ok && t.Domain == c.Domain && t.Code == c.Code
}

func newError(code int, format string, args ...any) *CallError {
	return &CallError{Domain: Domain, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinel errors for use with errors.Is. Only the domain and code of an
// error are compared.
var (
	ErrMalformedMessage    = &CallError{Domain: Domain, Code: CodeMalformedMessage}
	ErrUnknownCapability   = &CallError{Domain: Domain, Code: CodeUnknownCapability}
	ErrInvocationTimeout   = &CallError{Domain: Domain, Code: CodeInvocationTimeout}
	ErrDuplicateInvocation = &CallError{Domain: Domain, Code: CodeDuplicateInvocation}
	ErrRecipientGone       = &CallError{Domain: Domain, Code: CodeRecipientGone}
	ErrServiceError        = &CallError{Domain: Domain, Code: CodeServiceError}
	ErrUnknownAspect       = &CallError{Domain: Domain, Code: CodeUnknownAspect}
)

// ErrStopped is the cause reported for invocations that were pending or
// issued after the engine stopped.
var ErrStopped = errors.New("engine stopped")

// UnknownAspect returns an error reporting that capability does not define
// aspect. Adapters may return this for calls they do not recognize.
func UnknownAspect(capability, aspect string) error {
	return newError(CodeUnknownAspect, "%s has no aspect %q", capability, aspect)
}

// asCallError converts err to a *CallError, treating errors that are not
// already of that type as service errors.
func asCallError(err error) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	return &CallError{Domain: Domain, Code: CodeServiceError, Message: err.Error(), Err: err}
}
