// Package breakpoint provides the snapshot and logpoint model exchanged with
// the AIVory backend, and the lifecycle manager that keeps the debuggee's
// breakpoints in sync with it.
package breakpoint

import "time"

// Action is what a breakpoint does when it is hit.
type Action string

const (
	ActionCapture Action = "CAPTURE"
	ActionLog     Action = "LOG"
)

// LogLevel of a logpoint.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Reference tells which part of a breakpoint a status message refers to.
type Reference string

const (
	RefersToUnspecified    Reference = "UNSPECIFIED"
	RefersToSourceLocation Reference = "BREAKPOINT_SOURCE_LOCATION"
	RefersToCondition      Reference = "BREAKPOINT_CONDITION"
	RefersToExpression     Reference = "BREAKPOINT_EXPRESSION"
	RefersToAge            Reference = "BREAKPOINT_AGE"
	RefersToVariableName   Reference = "VARIABLE_NAME"
	RefersToVariableValue  Reference = "VARIABLE_VALUE"
)

// SourceLocation is a position in user source. Line and Column are 1-based,
// a zero Column means "any column".
type SourceLocation struct {
	Path   string `json:"path"`
	Line   int    `json:"line"`
	Column int    `json:"column,omitempty"`
}

// FormatMessage is a human readable message with $N placeholders.
type FormatMessage struct {
	Format     string   `json:"format"`
	Parameters []string `json:"parameters,omitempty"`
}

// StatusMessage reports an error or informational condition.
type StatusMessage struct {
	IsError     bool          `json:"isError"`
	RefersTo    Reference     `json:"refersTo"`
	Description FormatMessage `json:"description"`
}

// NewStatus returns a status message with the given description.
func NewStatus(isError bool, refersTo Reference, format string, params ...string) *StatusMessage {
	return &StatusMessage{
		IsError:     isError,
		RefersTo:    refersTo,
		Description: FormatMessage{Format: format, Parameters: params},
	}
}

// Variable is one captured value. Either Value is set inline, or
// VarTableIndex points into the snapshot's variable table.
type Variable struct {
	Name          string         `json:"name,omitempty"`
	Value         string         `json:"value,omitempty"`
	Type          string         `json:"type,omitempty"`
	VarTableIndex *int           `json:"varTableIndex,omitempty"`
	Members       []*Variable    `json:"members,omitempty"`
	Status        *StatusMessage `json:"status,omitempty"`
}

// Index returns the variable table index, or -1 when the value is inline.
func (v *Variable) Index() int {
	if v == nil || v.VarTableIndex == nil {
		return -1
	}
	return *v.VarTableIndex
}

// SetIndex points the variable at a variable table slot.
func (v *Variable) SetIndex(i int) {
	v.VarTableIndex = &i
}

// StackFrame is one frame of a captured call stack, innermost first.
type StackFrame struct {
	Function  string          `json:"function"`
	Location  *SourceLocation `json:"location"`
	Arguments []*Variable     `json:"arguments"`
	Locals    []*Variable     `json:"locals"`
}

// Breakpoint is the unit of work received from the backend. The result
// fields are filled in by the agent before the breakpoint is reported back.
type Breakpoint struct {
	ID               string            `json:"id"`
	Action           Action            `json:"action,omitempty"`
	Location         *SourceLocation   `json:"location,omitempty"`
	Condition        string            `json:"condition,omitempty"`
	Expressions      []string          `json:"expressions,omitempty"`
	LogMessageFormat string            `json:"logMessageFormat,omitempty"`
	LogLevel         LogLevel          `json:"logLevel,omitempty"`
	CreateTime       time.Time         `json:"createTime,omitempty"`
	FinalTime        time.Time         `json:"finalTime,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`

	IsFinalState         bool           `json:"isFinalState,omitempty"`
	Status               *StatusMessage `json:"status,omitempty"`
	StackFrames          []*StackFrame  `json:"stackFrames,omitempty"`
	VariableTable        []*Variable    `json:"variableTable,omitempty"`
	EvaluatedExpressions []*Variable    `json:"evaluatedExpressions,omitempty"`
}

// IsLogpoint reports whether the breakpoint logs instead of capturing.
func (b *Breakpoint) IsLogpoint() bool {
	return b.Action == ActionLog
}

// HasExpressions reports whether evaluating the breakpoint needs the
// expression evaluator.
func (b *Breakpoint) HasExpressions() bool {
	return b.Condition != "" || len(b.Expressions) > 0
}
