package ir

import (
	"errors"
	"fmt"
)

// Code categorizes governance errors. Codes are stable strings surfaced to
// callers and the CLI.
type Code string

const (
	// CodeUnauthorized: policy denied the action, or the policy provider was
	// unreachable (fail closed).
	CodeUnauthorized Code = "UNAUTHORIZED"

	// CodeConflict: duplicate creation, decision on an already decided step,
	// or a lost dispatch CAS. Never retried by the core.
	CodeConflict Code = "CONFLICT"

	// CodeInvalidState: the record is not in a state that allows the operation.
	CodeInvalidState Code = "INVALID_STATE"

	CodeNotFound        Code = "NOT_FOUND"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// CodePayloadMismatch: a request identifier was reused with a different payload.
	CodePayloadMismatch Code = "PAYLOAD_MISMATCH"

	// CodeBusy: an identical submission is still in flight and did not finish
	// within the wait bound.
	CodeBusy Code = "BUSY"

	// CodePlanMismatch: the stored plan no longer matches its approved hash.
	CodePlanMismatch Code = "PLAN_MISMATCH"

	CodeTransientConnector Code = "TRANSIENT_CONNECTOR"
	CodePermanentConnector Code = "PERMANENT_CONNECTOR"
	CodeTimeout            Code = "TIMEOUT"

	// CodeStoreUnavailable: the store could not be reached at a point where a
	// durable write is required. The engine refuses to proceed.
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
)

// Error is the structured error returned across package boundaries.
type Error struct {
	Code       Code
	Message    string
	ApprovalID string
	RequestID  string
	Details    map[string]string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	switch {
	case e.ApprovalID != "":
		msg += fmt.Sprintf(" (approval=%s)", e.ApprovalID)
	case e.RequestID != "":
		msg += fmt.Sprintf(" (request=%s)", e.RequestID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so errors.Is(err, ir.ErrConflict)
// works through wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// With returns a copy carrying an approval identifier.
func (e *Error) With(approvalID string) *Error {
	cp := *e
	cp.ApprovalID = approvalID
	return &cp
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnauthorized     = &Error{Code: CodeUnauthorized, Message: "unauthorized"}
	ErrConflict         = &Error{Code: CodeConflict, Message: "conflict"}
	ErrInvalidState     = &Error{Code: CodeInvalidState, Message: "invalid state"}
	ErrNotFound         = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInvalidArgument  = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrPayloadMismatch  = &Error{Code: CodePayloadMismatch, Message: "payload mismatch"}
	ErrBusy             = &Error{Code: CodeBusy, Message: "busy"}
	ErrPlanMismatch     = &Error{Code: CodePlanMismatch, Message: "plan mismatch"}
	ErrTimeout          = &Error{Code: CodeTimeout, Message: "timeout"}
	ErrStoreUnavailable = &Error{Code: CodeStoreUnavailable, Message: "store unavailable"}
)

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around a cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries code anywhere in its chain.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
