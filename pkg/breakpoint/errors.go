package breakpoint

import (
	"errors"
	"fmt"
)

// ErrorCode identifies why a breakpoint could not be set or completed.
type ErrorCode string

const (
	ErrInvalidBreakpoint      ErrorCode = "INVALID_BREAKPOINT"
	ErrSourceFileNotFound     ErrorCode = "SOURCE_FILE_NOT_FOUND"
	ErrSourceFileAmbiguous    ErrorCode = "SOURCE_FILE_AMBIGUOUS"
	ErrInvalidLineNumber      ErrorCode = "INVALID_LINE_NUMBER"
	ErrSyntaxErrorInCondition ErrorCode = "SYNTAX_ERROR_IN_CONDITION"
	ErrDisallowedExpression   ErrorCode = "DISALLOWED_EXPRESSION"
	ErrExpressionsNotAllowed  ErrorCode = "EXPRESSIONS_NOT_ALLOWED"
	ErrNativeBreakpoint       ErrorCode = "NATIVE_BREAKPOINT_ERROR"
	ErrConditionEvaluation    ErrorCode = "CONDITION_EVALUATION_ERROR"
	ErrCapture                ErrorCode = "CAPTURE_ERROR"
	ErrExpired                ErrorCode = "BREAKPOINT_EXPIRED"
)

// Error is a failure local to one breakpoint. It is reported to the backend
// through the breakpoint's status and never stops the agent.
type Error struct {
	Code     ErrorCode
	RefersTo Reference
	Message  string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidBreakpoint is returned when the id or location is missing.
func NewInvalidBreakpoint() *Error {
	return &Error{
		Code:     ErrInvalidBreakpoint,
		RefersTo: RefersToUnspecified,
		Message:  "invalid snapshot - id or location missing",
	}
}

// NewSourceFileNotFound is returned when no loaded script matches the path.
func NewSourceFileNotFound() *Error {
	return &Error{
		Code:     ErrSourceFileNotFound,
		RefersTo: RefersToSourceLocation,
		Message:  "A script matching the source file was not found loaded on the debuggee",
	}
}

// NewSourceFileAmbiguous is returned when several scripts match the path.
func NewSourceFileAmbiguous() *Error {
	return &Error{
		Code:     ErrSourceFileAmbiguous,
		RefersTo: RefersToSourceLocation,
		Message:  "Multiple files match the path specified",
	}
}

// NewInvalidLineNumber is returned when the line lies past the end of file.
func NewInvalidLineNumber(path string, line, lineCount int) *Error {
	return &Error{
		Code:     ErrInvalidLineNumber,
		RefersTo: RefersToSourceLocation,
		Message:  fmt.Sprintf("Invalid snapshot position: %s:%d, the file has %d lines", path, line, lineCount),
	}
}

// NewSyntaxErrorInCondition wraps a parse failure of the condition.
func NewSyntaxErrorInCondition(err error) *Error {
	return &Error{
		Code:     ErrSyntaxErrorInCondition,
		RefersTo: RefersToCondition,
		Message:  "Syntax error in condition: " + err.Error(),
	}
}

// NewDisallowedExpression is returned when the condition might mutate state.
func NewDisallowedExpression(err error) *Error {
	return &Error{
		Code:     ErrDisallowedExpression,
		RefersTo: RefersToCondition,
		Message:  "Expression not allowed: " + err.Error(),
	}
}

// NewExpressionsNotAllowed is returned when expressions are disabled.
func NewExpressionsNotAllowed() *Error {
	return &Error{
		Code:     ErrExpressionsNotAllowed,
		RefersTo: RefersToCondition,
		Message:  "Expressions and conditions are not allowed by default. Please set allow_expressions to true.",
	}
}

// NewNativeBreakpoint wraps a protocol failure while installing.
func NewNativeBreakpoint(err error) *Error {
	return &Error{
		Code:     ErrNativeBreakpoint,
		RefersTo: RefersToSourceLocation,
		Message:  "Unable to set breakpoint in the debuggee: " + err.Error(),
	}
}

// NewConditionEvaluation wraps a live failure evaluating the condition.
func NewConditionEvaluation(err error) *Error {
	return &Error{
		Code:     ErrConditionEvaluation,
		RefersTo: RefersToCondition,
		Message:  "Error evaluating condition: " + err.Error(),
	}
}

// NewCapture wraps a failure while walking frames or variables.
func NewCapture(err error) *Error {
	return &Error{
		Code:     ErrCapture,
		RefersTo: RefersToUnspecified,
		Message:  "Error capturing program state: " + err.Error(),
	}
}

// NewExpired marks a breakpoint that was not hit before it expired.
func NewExpired() *Error {
	return &Error{
		Code:     ErrExpired,
		RefersTo: RefersToAge,
		Message:  "The snapshot has expired",
	}
}

// StatusFromError converts err into the status reported to the backend.
func StatusFromError(err error) *StatusMessage {
	if err == nil {
		return nil
	}
	var bpErr *Error
	if errors.As(err, &bpErr) {
		return NewStatus(true, bpErr.RefersTo, bpErr.Message)
	}
	return NewStatus(true, RefersToUnspecified, err.Error())
}

// HasCode reports whether err is a breakpoint error with the given code.
func HasCode(err error, code ErrorCode) bool {
	var bpErr *Error
	return errors.As(err, &bpErr) && bpErr.Code == code
}
