// Package errs defines the error taxonomy shared by the agent manager and
// token monitor. Contract violations (validation, authorization) fail fast;
// infrastructure failures (persistence) are recoverable and carry enough
// context to be logged and diagnosed without interrupting accounting.
package errs

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Kind classifies an error for propagation policy decisions.
type Kind string

const (
	// KindValidation indicates a malformed or missing identifier/argument.
	KindValidation Kind = "validation"

	// KindNotAuthorized indicates an agent-to-agent target with no live handle.
	KindNotAuthorized Kind = "not_authorized"

	// KindPersistence indicates a store read/write failure. Callers recover
	// locally; in-memory state remains authoritative.
	KindPersistence Kind = "persistence"

	// KindDisposal indicates a handle disposal failure. Logged with full
	// context, then re-raised to the disposer's caller.
	KindDisposal Kind = "disposal"

	// KindLimitExceeded indicates a call blocked by the token budget.
	KindLimitExceeded Kind = "limit_exceeded"

	// KindProvider indicates an opaque failure from the provider collaborator.
	KindProvider Kind = "provider"
)

// Error carries the diagnostic context every raised or logged error needs:
// conversation ID, operation name, timestamp, and call stack.
type Error struct {
	Kind           Kind
	Op             string
	ConversationID string
	Timestamp      time.Time
	Stack          string
	Message        string
	Err            error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.ConversationID != "" {
		fmt.Fprintf(&b, " [conversation %s]", e.ConversationID)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Details returns the structured logging fields for this error.
func (e *Error) Details() map[string]any {
	return map[string]any{
		"kind":            string(e.Kind),
		"operation":       e.Op,
		"conversation_id": e.ConversationID,
		"message":         e.Message,
		"stack":           e.Stack,
	}
}

func newError(kind Kind, op, conversationID, message string, cause error) *Error {
	return &Error{
		Kind:           kind,
		Op:             op,
		ConversationID: conversationID,
		Timestamp:      time.Now(),
		Stack:          captureStack(3),
		Message:        message,
		Err:            cause,
	}
}

// Validation creates a fail-fast contract violation error.
func Validation(op, conversationID, format string, args ...any) *Error {
	return newError(KindValidation, op, conversationID, fmt.Sprintf(format, args...), nil)
}

// NotAuthorized creates an authorization failure for agent-to-agent messaging.
func NotAuthorized(op, conversationID, format string, args ...any) *Error {
	return newError(KindNotAuthorized, op, conversationID, fmt.Sprintf(format, args...), nil)
}

// Persistence wraps a store failure.
func Persistence(op, conversationID string, cause error) *Error {
	return newError(KindPersistence, op, conversationID, "", cause)
}

// Disposal wraps a handle disposal failure.
func Disposal(op, conversationID string, cause error) *Error {
	return newError(KindDisposal, op, conversationID, "", cause)
}

// LimitExceeded creates a budget-blocked error carrying the check's reason.
func LimitExceeded(op, conversationID, reason string) *Error {
	return newError(KindLimitExceeded, op, conversationID, reason, nil)
}

// Provider wraps an opaque provider failure.
func Provider(op, conversationID string, cause error) *Error {
	return newError(KindProvider, op, conversationID, "", cause)
}

// KindOf extracts the Kind from err, or "" if err is not a taxonomy error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsValidation(err error) bool    { return KindOf(err) == KindValidation }
func IsNotAuthorized(err error) bool { return KindOf(err) == KindNotAuthorized }
func IsPersistence(err error) bool   { return KindOf(err) == KindPersistence }
func IsDisposal(err error) bool      { return KindOf(err) == KindDisposal }
func IsLimitExceeded(err error) bool { return KindOf(err) == KindLimitExceeded }

// Retriable reports whether an operation that produced err is worth retrying.
// Contract violations and budget blocks are permanent; context cancellation
// means the caller gave up.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindValidation, KindNotAuthorized, KindLimitExceeded:
		return false
	}
	return true
}

func captureStack(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return b.String()
}
