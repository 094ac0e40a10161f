// Package errorir defines the classified error model shared by every
// warrant component: an error kind, a stable code, a retry classification
// and a structured recovery object usable by humans and automated callers.
package errorir

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind names the failure category.
type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindPreconditionFailed  Kind = "PreconditionFailed"
	KindAuthorization       Kind = "AuthorizationError"
	KindIsolationConflict   Kind = "IsolationConflict"
	KindTimeoutExceeded     Kind = "TimeoutExceeded"
	KindExecution           Kind = "ExecutionError"
	KindConsensusNotReached Kind = "ConsensusNotReached"
	KindRateLimited         Kind = "RateLimited"
	KindCancelled           Kind = "Cancelled"
	KindNotFound            Kind = "NotFound"
	KindInternal            Kind = "InternalError"
)

// Class is the retry classification of a failure. This layer never retries;
// the class tells the caller whether retrying can help.
type Class string

const (
	ClassRetriable Class = "RETRIABLE"
	ClassFatal     Class = "FATAL"
)

// Error codes, WARRANT/<AREA>/<NAME>.
const (
	CodeSchemaMismatch      = "WARRANT/VALIDATION/SCHEMA_MISMATCH"
	CodeInvalidRequest      = "WARRANT/VALIDATION/INVALID_REQUEST"
	CodePreconditionFailed  = "WARRANT/GUARD/PRECONDITION_FAILED"
	CodeUnauthorized        = "WARRANT/AUTH/DELEGATION_INVALID"
	CodeIsolationConflict   = "WARRANT/EFFECT/ISOLATION_CONFLICT"
	CodeTimeout             = "WARRANT/EFFECT/TIMEOUT"
	CodeExecutionFailed     = "WARRANT/EFFECT/EXECUTION_FAILED"
	CodeOutputDrift         = "WARRANT/EFFECT/OUTPUT_CONTRACT_DRIFT"
	CodeCancelled           = "WARRANT/SESSION/CANCELLED"
	CodeConsensusNotReached = "WARRANT/CONSENSUS/QUORUM_NOT_MET"
	CodeRateLimited         = "WARRANT/ADMISSION/RATE_LIMITED"
	CodeNotFound            = "WARRANT/REGISTRY/NOT_FOUND"
	CodeInternal            = "WARRANT/CORE/INTERNAL"
)

// Recovery actions.
const (
	ActionFixInput          = "fix_input"
	ActionSatisfyGuard      = "satisfy_guard"
	ActionObtainDelegation  = "obtain_delegation"
	ActionRetryLater        = "retry_later"
	ActionRetryIfIdempotent = "retry_if_idempotent"
	ActionCollectMoreVotes  = "collect_more_votes"
	ActionCheckCapabilityID = "check_capability_id"
	ActionNone              = "none"
	ActionContactOperator   = "contact_operator"
)

// Recovery is a structured remediation hint.
type Recovery struct {
	Action       string   `json:"action"`
	Hint         string   `json:"hint,omitempty"`
	RetryAfterMs int64    `json:"retry_after_ms,omitempty"`
	Requires     []string `json:"requires,omitempty"`
}

// Error is a classified failure.
type Error struct {
	Kind         Kind
	Code         string
	Class        Class
	Field        string
	Message      string
	CapabilityID string
	Recovery     Recovery
	Cause        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %s)", e.Field)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Retriable reports whether the caller may retry.
func (e *Error) Retriable() bool { return e.Class == ClassRetriable }

type defaults struct {
	code   string
	class  Class
	action string
	status int
}

var kindDefaults = map[Kind]defaults{
	KindValidation:          {CodeSchemaMismatch, ClassFatal, ActionFixInput, http.StatusBadRequest},
	KindPreconditionFailed:  {CodePreconditionFailed, ClassRetriable, ActionSatisfyGuard, http.StatusPreconditionFailed},
	KindAuthorization:       {CodeUnauthorized, ClassFatal, ActionObtainDelegation, http.StatusForbidden},
	KindIsolationConflict:   {CodeIsolationConflict, ClassRetriable, ActionRetryLater, http.StatusConflict},
	KindTimeoutExceeded:     {CodeTimeout, ClassFatal, ActionRetryIfIdempotent, http.StatusGatewayTimeout},
	KindExecution:           {CodeExecutionFailed, ClassFatal, ActionRetryIfIdempotent, http.StatusInternalServerError},
	KindConsensusNotReached: {CodeConsensusNotReached, ClassRetriable, ActionCollectMoreVotes, http.StatusUnprocessableEntity},
	KindRateLimited:         {CodeRateLimited, ClassRetriable, ActionRetryLater, http.StatusTooManyRequests},
	KindCancelled:           {CodeCancelled, ClassFatal, ActionRetryIfIdempotent, http.StatusConflict},
	KindNotFound:            {CodeNotFound, ClassFatal, ActionCheckCapabilityID, http.StatusNotFound},
	KindInternal:            {CodeInternal, ClassFatal, ActionContactOperator, http.StatusInternalServerError},
}

// New creates an Error with the kind's default code, class and recovery action.
func New(kind Kind, format string, args ...any) *Error {
	d, ok := kindDefaults[kind]
	if !ok {
		d = kindDefaults[KindInternal]
	}
	return &Error{
		Kind:     kind,
		Code:     d.code,
		Class:    d.class,
		Message:  fmt.Sprintf(format, args...),
		Recovery: Recovery{Action: d.action},
	}
}

// WithCode overrides the error code.
func (e *Error) WithCode(code string) *Error { e.Code = code; return e }

// WithField names the offending input field (JSON pointer or parameter name).
func (e *Error) WithField(field string) *Error { e.Field = field; return e }

// WithCause attaches the underlying error.
func (e *Error) WithCause(err error) *Error { e.Cause = err; return e }

// WithClass overrides the retry classification.
func (e *Error) WithClass(c Class) *Error { e.Class = c; return e }

// WithCapability records the capability the failure belongs to.
func (e *Error) WithCapability(id string) *Error { e.CapabilityID = id; return e }

// WithHint sets the recovery hint.
func (e *Error) WithHint(hint string) *Error { e.Recovery.Hint = hint; return e }

// WithRetryAfter sets the recovery retry delay.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.Recovery.RetryAfterMs = d.Milliseconds()
	return e
}

// WithRequires lists what the caller must provide before retrying.
func (e *Error) WithRequires(items ...string) *Error {
	e.Recovery.Requires = append(e.Recovery.Requires, items...)
	return e
}

// HTTPStatus maps the error kind to an HTTP status code.
func (e *Error) HTTPStatus() int {
	if d, ok := kindDefaults[e.Kind]; ok {
		return d.status
	}
	return http.StatusInternalServerError
}

// Converter is implemented by domain error types that know their own
// classification.
type Converter interface {
	ErrorIR() *Error
}

// classified marks an arbitrary handler error with a retry class.
type classified struct {
	err   error
	class Class
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Retriable marks a handler error as safe to retry.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ClassRetriable}
}

// Fatal marks a handler error as not worth retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ClassFatal}
}

// ClassOf returns the retry class carried by err, defaulting to Fatal.
func ClassOf(err error) Class {
	var c *classified
	if errors.As(err, &c) {
		return c.class
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassFatal
}

// From converts any error into an *Error. Typed errors pass through;
// context deadline becomes TimeoutExceeded; anything else is an
// ExecutionError carrying the class set by Retriable/Fatal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var conv Converter
	if errors.As(err, &conv) {
		return conv.ErrorIR()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindTimeoutExceeded, "operation exceeded its deadline").WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return New(KindCancelled, "operation cancelled").WithCause(err)
	}
	out := New(KindExecution, "effect failed").WithCause(err)
	out.Class = ClassOf(err)
	if out.Class == ClassRetriable {
		out.Recovery.Action = ActionRetryLater
	}
	return out
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	e := From(err)
	return e != nil && e.Kind == kind
}
