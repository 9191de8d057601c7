// Package protocoltest provides an in-memory protocol.Adapter whose object
// graphs, call stacks and pauses are scripted by tests.
package protocoltest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/aivorynet/debug-agent/pkg/protocol"
)

// Value is a primitive or function handle.
type Value struct {
	kind  protocol.Kind
	prim  string
	class string
	desc  string
	id    string
}

func (v *Value) Kind() protocol.Kind { return v.kind }
func (v *Value) ID() string          { return v.id }
func (v *Value) Primitive() string   { return v.prim }
func (v *Value) ClassName() string   { return v.class }
func (v *Value) Description() string { return v.desc }

// Object is a scripted object. Properties keep insertion order.
type Object struct {
	id    string
	class string
	desc  string
	props []protocol.Property
}

func (o *Object) Kind() protocol.Kind { return protocol.KindObject }
func (o *Object) ID() string          { return o.id }
func (o *Object) Primitive() string   { return "" }
func (o *Object) ClassName() string   { return o.class }
func (o *Object) Description() string { return o.desc }

// Set adds or replaces a data property.
func (o *Object) Set(name string, v protocol.Value) *Object {
	for i := range o.props {
		if o.props[i].Name == name {
			o.props[i].Value = v
			return o
		}
	}
	o.props = append(o.props, protocol.Property{Name: name, Value: v, IsOwn: true})
	return o
}

// Getter adds an accessor property.
func (o *Object) Getter(name string) *Object {
	o.props = append(o.props, protocol.Property{Name: name, IsOwn: true, HasGetter: true})
	return o
}

// Native adds a property whose value the runtime does not expose.
func (o *Object) Native(name string) *Object {
	o.props = append(o.props, protocol.Property{Name: name, IsOwn: true, IsNative: true})
	return o
}

// Fake is a scripted debuggee.
type Fake struct {
	mu          sync.Mutex
	nextID      int
	objects     map[string]*Object
	breakpoints map[protocol.NativeID]protocol.Location
	handler     protocol.PauseHandler

	// Results overrides the value of an expression on any frame.
	Results map[string]protocol.Value
	// Throws makes an expression throw with the given message.
	Throws map[string]string
	// SetErr, when set, fails every SetBreakpoint call.
	SetErr error

	evaluated     []string
	propertyCalls int
	closed        bool
}

// New returns an empty debuggee.
func New() *Fake {
	return &Fake{
		objects:     make(map[string]*Object),
		breakpoints: make(map[protocol.NativeID]protocol.Location),
		Results:     make(map[string]protocol.Value),
		Throws:      make(map[string]string),
	}
}

func (f *Fake) newID(prefix string) string {
	f.nextID++
	return prefix + "-" + strconv.Itoa(f.nextID)
}

// Str returns a string value.
func (f *Fake) Str(s string) protocol.Value {
	return &Value{kind: protocol.KindString, prim: s, desc: s}
}

// Num returns a number value.
func (f *Fake) Num(n float64) protocol.Value {
	s := strconv.FormatFloat(n, 'g', -1, 64)
	return &Value{kind: protocol.KindNumber, prim: s, desc: s}
}

// Bool returns a boolean value.
func (f *Fake) Bool(b bool) protocol.Value {
	s := strconv.FormatBool(b)
	return &Value{kind: protocol.KindBoolean, prim: s, desc: s}
}

// Undefined returns undefined.
func (f *Fake) Undefined() protocol.Value {
	return &Value{kind: protocol.KindUndefined, prim: "undefined"}
}

// Null returns null.
func (f *Fake) Null() protocol.Value {
	return &Value{kind: protocol.KindNull, prim: "null"}
}

// Func returns a function handle.
func (f *Fake) Func(name string) protocol.Value {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &Value{
		kind:  protocol.KindFunction,
		class: "Function",
		desc:  "function " + name + "(a, b) { return a + b; }",
		id:    f.newID("fn"),
	}
}

// Object returns a new empty object of the given class.
func (f *Fake) Object(class string) *Object {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := &Object{id: f.newID("obj"), class: class, desc: class}
	f.objects[o.id] = o
	return o
}

// Array returns a new array holding elems.
func (f *Fake) Array(elems ...protocol.Value) *Object {
	o := f.Object("Array")
	o.desc = "Array(" + strconv.Itoa(len(elems)) + ")"
	for i, e := range elems {
		o.Set(strconv.Itoa(i), e)
	}
	o.Set("length", f.Num(float64(len(elems))))
	return o
}

// Var is a named value placed in a frame's local scope.
type Var struct {
	Name  string
	Value protocol.Value
}

// Frame builds a call frame at url:line whose local scope holds vars and
// whose global scope holds a single global object.
func (f *Fake) Frame(function, url string, line int, vars ...Var) *protocol.CallFrame {
	local := f.Object("Object")
	for _, v := range vars {
		local.Set(v.Name, v.Value)
	}
	global := f.Object("global").Set("process", f.Object("process"))

	f.mu.Lock()
	id := f.newID("frame")
	f.mu.Unlock()

	return &protocol.CallFrame{
		ID:           id,
		FunctionName: function,
		Location:     protocol.Location{ScriptID: url, URL: url, Line: line},
		Scopes: []protocol.Scope{
			{Type: protocol.ScopeLocal, Object: local},
			{Type: protocol.ScopeGlobal, Object: global},
		},
	}
}

// SetBreakpoint records the breakpoint.
func (f *Fake) SetBreakpoint(_ context.Context, loc protocol.Location, _ string) (protocol.NativeID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", errors.New("closed")
	}
	if f.SetErr != nil {
		return "", f.SetErr
	}
	id := protocol.NativeID(f.newID("bp"))
	f.breakpoints[id] = loc
	return id, nil
}

// RemoveBreakpoint forgets the breakpoint.
func (f *Fake) RemoveBreakpoint(_ context.Context, id protocol.NativeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.breakpoints[id]; !ok {
		return fmt.Errorf("unknown breakpoint %s", id)
	}
	delete(f.breakpoints, id)
	return nil
}

// Breakpoints returns the installed breakpoints.
func (f *Fake) Breakpoints() map[protocol.NativeID]protocol.Location {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[protocol.NativeID]protocol.Location, len(f.breakpoints))
	for k, v := range f.breakpoints {
		out[k] = v
	}
	return out
}

// Evaluate supports identifiers, dotted member paths, literals and a single
// comparison between two of those. Results and Throws take precedence.
func (f *Fake) Evaluate(ctx context.Context, frame *protocol.CallFrame, expression string) (protocol.Value, error) {
	f.mu.Lock()
	f.evaluated = append(f.evaluated, expression)
	result, hasResult := f.Results[expression]
	msg, throws := f.Throws[expression]
	f.mu.Unlock()

	if throws {
		return nil, &protocol.EvaluationError{Message: msg}
	}
	if hasResult {
		return result, nil
	}

	expression = strings.TrimSpace(expression)
	for _, op := range []string{"===", "!==", "==", "!=", ">=", "<=", ">", "<"} {
		if i := strings.Index(expression, op); i > 0 {
			left, err := f.operand(ctx, frame, expression[:i])
			if err != nil {
				return nil, err
			}
			right, err := f.operand(ctx, frame, expression[i+len(op):])
			if err != nil {
				return nil, err
			}
			return f.Bool(compare(left, right, op)), nil
		}
	}
	return f.operand(ctx, frame, expression)
}

func (f *Fake) operand(ctx context.Context, frame *protocol.CallFrame, text string) (protocol.Value, error) {
	text = strings.TrimSpace(text)
	if n, err := strconv.ParseFloat(text, 64); err == nil {
		return f.Num(n), nil
	}
	if len(text) >= 2 && (text[0] == '\'' || text[0] == '"') && text[len(text)-1] == text[0] {
		return f.Str(text[1 : len(text)-1]), nil
	}
	switch text {
	case "true", "false":
		return f.Bool(text == "true"), nil
	case "null":
		return f.Null(), nil
	case "undefined":
		return f.Undefined(), nil
	}

	parts := strings.Split(text, ".")
	v, err := f.lookup(ctx, frame, parts[0])
	if err != nil {
		return nil, err
	}
	for _, name := range parts[1:] {
		if !protocol.IsObject(v) {
			return nil, &protocol.EvaluationError{Message: "TypeError: Cannot read properties of " + v.Primitive()}
		}
		v = f.property(v, name)
	}
	return v, nil
}

func (f *Fake) lookup(ctx context.Context, frame *protocol.CallFrame, name string) (protocol.Value, error) {
	if name == "this" {
		if frame.This == nil {
			return f.Undefined(), nil
		}
		return frame.This, nil
	}
	for _, scope := range frame.Scopes {
		props, err := f.GetProperties(ctx, scope.Object)
		if err != nil {
			return nil, err
		}
		for _, p := range props {
			if p.Name == name && p.Value != nil {
				return p.Value, nil
			}
		}
	}
	return nil, &protocol.EvaluationError{Message: "ReferenceError: " + name + " is not defined"}
}

func (f *Fake) property(v protocol.Value, name string) protocol.Value {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.objects[v.ID()]; ok {
		for _, p := range o.props {
			if p.Name == name && p.Value != nil {
				return p.Value
			}
		}
	}
	return &Value{kind: protocol.KindUndefined, prim: "undefined"}
}

func compare(a, b protocol.Value, op string) bool {
	if a.Kind() == protocol.KindNumber && b.Kind() == protocol.KindNumber {
		x, _ := strconv.ParseFloat(a.Primitive(), 64)
		y, _ := strconv.ParseFloat(b.Primitive(), 64)
		switch op {
		case "===", "==":
			return x == y
		case "!==", "!=":
			return x != y
		case ">":
			return x > y
		case "<":
			return x < y
		case ">=":
			return x >= y
		case "<=":
			return x <= y
		}
	}
	same := a.Kind() == b.Kind() && a.Primitive() == b.Primitive() && a.ID() == b.ID()
	switch op {
	case "===", "==":
		return same
	case "!==", "!=":
		return !same
	}
	return false
}

// GetProperties returns the scripted properties of obj.
func (f *Fake) GetProperties(_ context.Context, obj protocol.Value) ([]protocol.Property, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.propertyCalls++
	if obj == nil {
		return nil, nil
	}
	o, ok := f.objects[obj.ID()]
	if !ok {
		return nil, nil
	}
	props := make([]protocol.Property, len(o.props))
	copy(props, o.props)
	return props, nil
}

// Identity returns the scripted object's id, which never changes.
func (f *Fake) Identity(_ context.Context, obj protocol.Value) (string, error) {
	if obj == nil {
		return "", nil
	}
	return obj.ID(), nil
}

// OnPause sets the pause handler.
func (f *Fake) OnPause(h protocol.PauseHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

// Pause delivers a pause event for the given native breakpoints.
func (f *Fake) Pause(ctx context.Context, hit []protocol.NativeID, frames ...*protocol.CallFrame) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return
	}
	h(ctx, &protocol.PauseEvent{Reason: "other", HitBreakpoints: hit, CallFrames: frames})
}

// Hit pauses at every installed breakpoint whose location matches the top
// frame's script and line. It reports whether any breakpoint matched.
func (f *Fake) Hit(ctx context.Context, frames ...*protocol.CallFrame) bool {
	if len(frames) == 0 {
		return false
	}
	top := frames[0].Location

	f.mu.Lock()
	var hit []protocol.NativeID
	for id, loc := range f.breakpoints {
		if loc.Path() == top.Path() && loc.Line == top.Line {
			hit = append(hit, id)
		}
	}
	f.mu.Unlock()

	if len(hit) == 0 {
		return false
	}
	f.Pause(ctx, hit, frames...)
	return true
}

// Evaluated returns every expression passed to Evaluate so far.
func (f *Fake) Evaluated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.evaluated...)
}

// PropertyCalls returns the number of GetProperties calls so far.
func (f *Fake) PropertyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.propertyCalls
}

// Close marks the debuggee detached.
func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

var _ protocol.Adapter = (*Fake)(nil)
