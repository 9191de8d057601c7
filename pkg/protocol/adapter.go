// Package protocol abstracts the live debugger the agent is attached to.
//
// Everything the capture engine knows about the debuggee goes through the
// Adapter interface: values are opaque handles, and the only persistent
// side effect an adapter performs is installing and removing breakpoints.
package protocol

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// NativeID identifies a breakpoint installed in the debugger.
type NativeID string

// Kind classifies a Value.
type Kind int

const (
	KindUndefined Kind = iota
	KindNull
	KindBoolean
	KindNumber
	KindString
	KindSymbol
	KindBigInt
	KindFunction
	KindObject
)

var kindNames = [...]string{"undefined", "null", "boolean", "number", "string", "symbol", "bigint", "function", "object"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a handle to a live value in the paused debuggee.
type Value interface {
	Kind() Kind
	// ID addresses the object in adapter calls and is empty for
	// primitives. Two handles to one object may carry different IDs; use
	// Adapter.Identity to compare objects.
	ID() string
	// Primitive renders a primitive value as text. Strings are returned
	// without quotes.
	Primitive() string
	// ClassName is the constructor name of an object or function.
	ClassName() string
	// Description is the debugger's one line summary of the value.
	Description() string
}

// IsPrimitive reports whether v renders inline.
func IsPrimitive(v Value) bool {
	return v == nil || (v.Kind() != KindObject && v.Kind() != KindFunction)
}

// IsObject reports whether v is a non-null object.
func IsObject(v Value) bool {
	return v != nil && v.Kind() == KindObject
}

// IsFunction reports whether v is callable.
func IsFunction(v Value) bool {
	return v != nil && v.Kind() == KindFunction
}

// Truthy applies JavaScript truthiness to v.
func Truthy(v Value) bool {
	if v == nil {
		return false
	}
	switch v.Kind() {
	case KindUndefined, KindNull:
		return false
	case KindBoolean:
		return v.Primitive() == "true"
	case KindNumber:
		f, err := strconv.ParseFloat(v.Primitive(), 64)
		if err != nil {
			// Infinity and -Infinity
			return v.Primitive() != "NaN"
		}
		return f != 0 && !math.IsNaN(f)
	case KindString:
		return v.Primitive() != ""
	case KindBigInt:
		return strings.TrimSuffix(v.Primitive(), "n") != "0"
	}
	return true
}

// Property is one entry of an object's property list.
type Property struct {
	Name  string
	Value Value
	IsOwn bool
	// HasGetter is set for accessor properties. Their value is never read.
	HasGetter bool
	// IsNative is set for properties implemented by the runtime whose value
	// the debugger cannot show.
	IsNative bool
}

// ScopeType is the kind of a scope in a frame's scope chain.
type ScopeType string

const (
	ScopeLocal   ScopeType = "local"
	ScopeClosure ScopeType = "closure"
	ScopeBlock   ScopeType = "block"
	ScopeCatch   ScopeType = "catch"
	ScopeWith    ScopeType = "with"
	ScopeScript  ScopeType = "script"
	ScopeModule  ScopeType = "module"
	ScopeGlobal  ScopeType = "global"
)

// Scope is one entry of a frame's scope chain, innermost first.
type Scope struct {
	Type   ScopeType
	Name   string
	Object Value
}

// Location is a position in a loaded script. Line and Column are 1-based;
// Column 0 means the first breakable column of the line.
type Location struct {
	ScriptID string
	URL      string
	Line     int
	Column   int
}

// Path returns the file system path of the script, stripping a file://
// scheme when present.
func (l Location) Path() string {
	return strings.TrimPrefix(l.URL, "file://")
}

func (l Location) String() string {
	if l.Column > 0 {
		return fmt.Sprintf("%s:%d:%d", l.URL, l.Line, l.Column)
	}
	return fmt.Sprintf("%s:%d", l.URL, l.Line)
}

// CallFrame is one frame of the paused call stack.
type CallFrame struct {
	ID           string
	FunctionName string
	Location     Location
	Scopes       []Scope
	This         Value
}

// PauseEvent is delivered once per debugger pause.
type PauseEvent struct {
	Reason         string
	HitBreakpoints []NativeID
	CallFrames     []*CallFrame
}

// PauseHandler runs while the debuggee is paused. The debuggee resumes once
// it returns.
type PauseHandler func(ctx context.Context, ev *PauseEvent)

// EvaluationError is returned by Evaluate when the expression throws in the
// debuggee.
type EvaluationError struct {
	Message string
}

func (e *EvaluationError) Error() string {
	return e.Message
}

// Adapter is a live debugger connection.
type Adapter interface {
	// SetBreakpoint installs a breakpoint at loc. An empty condition means
	// the breakpoint always pauses.
	SetBreakpoint(ctx context.Context, loc Location, condition string) (NativeID, error)
	RemoveBreakpoint(ctx context.Context, id NativeID) error
	// Evaluate runs expression in frame without resuming the debuggee.
	Evaluate(ctx context.Context, frame *CallFrame, expression string) (Value, error)
	GetProperties(ctx context.Context, obj Value) ([]Property, error)
	// Identity returns a key that is equal for every handle to the same
	// object for the duration of a pause.
	Identity(ctx context.Context, obj Value) (string, error)
	// OnPause sets the handler for pause events. It must be set before the
	// first breakpoint is installed.
	OnPause(h PauseHandler)
	Close() error
}
