// Package capture walks a paused call stack and turns the live values it
// finds into a bounded snapshot: stack frames, a shared variable table and
// the values of watch expressions.
package capture

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aivorynet/debug-agent/pkg/breakpoint"
	"github.com/aivorynet/debug-agent/pkg/expr"
	"github.com/aivorynet/debug-agent/pkg/protocol"
	"github.com/aivorynet/debug-agent/pkg/sourcemap"
)

// Reserved variable table slots. Their positions never change.
const (
	BufferFullIndex = iota
	NativePropertyIndex
	GetterIndex
	ArgsLocalsLimitIndex

	numSentinels
)

// referenceSize is what a variable table reference counts towards the data
// size budget.
const referenceSize = 8

// Config bounds the cost of one capture.
type Config struct {
	// MaxFrames is the number of stack frames walked.
	MaxFrames int `yaml:"max_frames"`
	// MaxExpandFrames is the number of frames whose locals are resolved.
	MaxExpandFrames int `yaml:"max_expand_frames"`
	// MaxProperties caps the members captured per object. 0 means no cap.
	MaxProperties int `yaml:"max_properties"`
	// MaxDataSize is the budget, in characters, for resolved variables. 0
	// means unlimited.
	MaxDataSize int `yaml:"max_data_size"`
	// MaxStringLength truncates captured strings. 0 disables truncation.
	MaxStringLength    int           `yaml:"max_string_length"`
	IncludeNodeModules bool          `yaml:"include_node_modules"`
	Timeout            time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxFrames:       20,
		MaxExpandFrames: 5,
		MaxProperties:   10,
		MaxDataSize:     20000,
		MaxStringLength: 100,
		Timeout:         5 * time.Second,
	}
}

// Mapper translates a generated script position back to original source.
type Mapper interface {
	OriginalLocation(generated string, line, column int) (sourcemap.Location, bool)
}

// Options for one capture.
type Options struct {
	Config
	// WorkingDirectory is the application root. Frames outside it are not
	// captured and frame paths are reported relative to it.
	WorkingDirectory string
	Mapper           Mapper
}

// Snapshot is the result of a capture.
type Snapshot struct {
	StackFrames          []*breakpoint.StackFrame
	VariableTable        []*breakpoint.Variable
	EvaluatedExpressions []*breakpoint.Variable

	size int
}

// Apply copies the snapshot into bp's result fields.
func (s *Snapshot) Apply(bp *breakpoint.Breakpoint) {
	bp.StackFrames = s.StackFrames
	bp.VariableTable = s.VariableTable
	bp.EvaluatedExpressions = s.EvaluatedExpressions
}

type entry struct {
	value protocol.Value
	// identity is the adapter's identity key for value.
	identity string
	// parent is the table index of the object this one was first reached
	// from, or -1.
	parent    int
	evaluated bool
}

type state struct {
	ctx     context.Context
	adapter protocol.Adapter
	opts    Options

	raw       []*entry
	table     []*breakpoint.Variable
	seen      map[string]int
	totalSize int
}

// Capture evaluates expressions against the innermost frame, resolves the
// locals of the call stack and drains the variable table within the data
// size budget. frames are innermost first. An error is returned only when
// the call stack itself could not be walked.
func Capture(ctx context.Context, adapter protocol.Adapter, frames []*protocol.CallFrame, expressions []string, opts Options) (*Snapshot, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	s := newState(ctx, adapter, opts)
	snap := &Snapshot{}
	snap.EvaluatedExpressions = s.evaluateExpressions(frames, expressions)

	stack, err := s.resolveFrames(frames)
	if err != nil {
		return nil, err
	}
	snap.StackFrames = stack

	s.drain(snap)
	return snap, nil
}

// EvaluateExpressions evaluates expressions against frame and resolves the
// objects they reference, without walking the call stack.
func EvaluateExpressions(ctx context.Context, adapter protocol.Adapter, frame *protocol.CallFrame, expressions []string, opts Options) *Snapshot {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	s := newState(ctx, adapter, opts)
	var frames []*protocol.CallFrame
	if frame != nil {
		frames = []*protocol.CallFrame{frame}
	}
	snap := &Snapshot{EvaluatedExpressions: s.evaluateExpressions(frames, expressions)}
	s.drain(snap)
	return snap
}

func newState(ctx context.Context, adapter protocol.Adapter, opts Options) *state {
	return &state{
		ctx:     ctx,
		adapter: adapter,
		opts:    opts,
		raw:     make([]*entry, numSentinels),
		table:   sentinels(opts.MaxExpandFrames),
		seen:    make(map[string]int),
	}
}

// drain resolves queued objects while the budget lasts, then points every
// reference to an unresolved object at the buffer full slot.
func (s *state) drain(snap *Snapshot) {
	index := numSentinels
	for index < len(s.raw) && s.withinBudget() && s.ctx.Err() == nil {
		s.table = append(s.table, s.resolveEntry(index))
		index++
	}

	if index < len(s.raw) {
		s.table = s.table[:index]
		markBufferFull(snap.EvaluatedExpressions, index)
		for _, f := range snap.StackFrames {
			markBufferFull(f.Arguments, index)
			markBufferFull(f.Locals, index)
		}
		markBufferFull(s.table, index)
	}

	snap.VariableTable = s.table
	snap.size = s.totalSize
}

func sentinels(maxExpandFrames int) []*breakpoint.Variable {
	status := func(msg string) *breakpoint.Variable {
		return &breakpoint.Variable{Status: breakpoint.NewStatus(true, breakpoint.RefersToVariableValue, msg)}
	}
	limit := fmt.Sprintf("Locals and arguments are only displayed for the top `max_expand_frames=%d` stack frames.", maxExpandFrames)
	return []*breakpoint.Variable{
		BufferFullIndex:      status("Max data size reached"),
		NativePropertyIndex:  status("Native properties are not available"),
		GetterIndex:          status("Properties with getters are not available"),
		ArgsLocalsLimitIndex: status(limit),
	}
}

func (s *state) withinBudget() bool {
	return s.opts.MaxDataSize == 0 || s.totalSize < s.opts.MaxDataSize
}

func (s *state) evaluateExpressions(frames []*protocol.CallFrame, expressions []string) []*breakpoint.Variable {
	out := make([]*breakpoint.Variable, 0, len(expressions))
	for _, e := range expressions {
		if err := expr.Validate(e); err != nil {
			out = append(out, &breakpoint.Variable{
				Name:   e,
				Status: breakpoint.NewStatus(true, breakpoint.RefersToVariableName, expressionError(err)),
			})
			continue
		}
		if len(frames) == 0 {
			out = append(out, &breakpoint.Variable{
				Name:   e,
				Status: breakpoint.NewStatus(true, breakpoint.RefersToVariableValue, "No frame to evaluate the expression in"),
			})
			continue
		}
		v, err := s.adapter.Evaluate(s.ctx, frames[0], e)
		if err != nil {
			out = append(out, &breakpoint.Variable{
				Name:   e,
				Status: breakpoint.NewStatus(true, breakpoint.RefersToVariableValue, err.Error()),
			})
			continue
		}
		out = append(out, s.resolveVariable(e, v, true, -1))
	}
	return out
}

func expressionError(err error) string {
	var syntaxErr *expr.SyntaxError
	if errors.As(err, &syntaxErr) {
		return "Error compiling expression: " + err.Error()
	}
	return "Expression not allowed: " + err.Error()
}

func (s *state) resolveFrames(frames []*protocol.CallFrame) ([]*breakpoint.StackFrame, error) {
	n := len(frames)
	if s.opts.MaxFrames > 0 && s.opts.MaxFrames < n {
		n = s.opts.MaxFrames
	}

	out := make([]*breakpoint.StackFrame, 0, n)
	expanded := 0
	for i := 0; i < n; i++ {
		if err := s.ctx.Err(); err != nil {
			return nil, err
		}
		f := frames[i]
		rel, ok := s.relativePath(f.Location.Path())
		if !ok {
			continue
		}

		sf := &breakpoint.StackFrame{
			Function: f.FunctionName,
			Location: s.frameLocation(f.Location, rel),
		}
		if sf.Function == "" {
			sf.Function = "(anonymous function)"
		}

		if expanded < s.opts.MaxExpandFrames {
			locals, err := s.resolveLocals(f)
			if err != nil {
				return nil, fmt.Errorf("frame %d (%s): %w", i, f.Location, err)
			}
			sf.Arguments = []*breakpoint.Variable{}
			sf.Locals = locals
		} else {
			sf.Arguments = []*breakpoint.Variable{reference("arguments_not_available", ArgsLocalsLimitIndex)}
			sf.Locals = []*breakpoint.Variable{reference("locals_not_available", ArgsLocalsLimitIndex)}
		}
		expanded++
		out = append(out, sf)
	}
	return out, nil
}

// relativePath reports the path of a script relative to the working
// directory, and whether frames in it should be captured at all.
func (s *state) relativePath(path string) (string, bool) {
	rel := path
	if wd := s.opts.WorkingDirectory; wd != "" {
		if !filepath.IsAbs(path) {
			return "", false
		}
		r, err := filepath.Rel(wd, path)
		if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
			return "", false
		}
		rel = r
	}
	if !s.opts.IncludeNodeModules && inNodeModules(rel) {
		return "", false
	}
	return rel, true
}

func inNodeModules(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == "node_modules" {
			return true
		}
	}
	return false
}

func (s *state) frameLocation(loc protocol.Location, rel string) *breakpoint.SourceLocation {
	if s.opts.Mapper != nil {
		if orig, ok := s.opts.Mapper.OriginalLocation(loc.Path(), loc.Line, loc.Column); ok {
			path := orig.File
			if wd := s.opts.WorkingDirectory; wd != "" {
				if r, err := filepath.Rel(wd, orig.File); err == nil {
					path = r
				}
			}
			return &breakpoint.SourceLocation{Path: path, Line: orig.Line}
		}
	}
	return &breakpoint.SourceLocation{Path: rel, Line: loc.Line}
}

// resolveLocals merges the frame's scope chain, innermost first, so that a
// shadowed name keeps its innermost value. The global scope and the module
// wrapper closure just inside it are left out.
func (s *state) resolveLocals(f *protocol.CallFrame) ([]*breakpoint.Variable, error) {
	scopes := f.Scopes
	count := len(scopes)
	if count > 0 && scopes[count-1].Type == protocol.ScopeGlobal {
		count--
	}
	if count > 1 && scopes[count-1].Type == protocol.ScopeClosure {
		count--
	}

	locals := []*breakpoint.Variable{}
	used := make(map[string]bool)
	for _, scope := range scopes[:count] {
		if scope.Type == protocol.ScopeGlobal || scope.Object == nil {
			continue
		}
		props, err := s.adapter.GetProperties(s.ctx, scope.Object)
		if err != nil {
			return nil, err
		}
		for _, p := range props {
			if used[p.Name] {
				continue
			}
			used[p.Name] = true
			locals = append(locals, s.resolveProperty(p, false, -1))
		}
	}
	if protocol.IsObject(f.This) {
		locals = append(locals, s.resolveVariable("this", f.This, false, -1))
	}
	return locals, nil
}

// resolveVariable renders v inline when it is a primitive or function and
// as a variable table reference when it is an object.
func (s *state) resolveVariable(name string, v protocol.Value, evaluated bool, parent int) *breakpoint.Variable {
	if protocol.IsObject(v) {
		return s.resolveObject(name, v, s.identity(v), evaluated, parent)
	}

	var out *breakpoint.Variable
	if protocol.IsFunction(v) {
		out = &breakpoint.Variable{Value: "function " + functionName(v) + "()"}
	} else {
		out = s.resolvePrimitive(v, evaluated)
	}
	out.Name = name

	size := len(name)
	if out.Value != "" {
		size += len(out.Value)
	} else {
		size += referenceSize
	}
	s.totalSize += size
	return out
}

func (s *state) resolveObject(name string, v protocol.Value, identity string, evaluated bool, parent int) *breakpoint.Variable {
	out := &breakpoint.Variable{Name: name}
	out.SetIndex(s.reference(v, identity, evaluated, parent))
	s.totalSize += len(name) + referenceSize
	return out
}

// identity asks the adapter for v's identity key. Without one, the handle
// ID is used and repeated objects are only bounded by the budget.
func (s *state) identity(v protocol.Value) string {
	id, err := s.adapter.Identity(s.ctx, v)
	if err != nil || id == "" {
		return v.ID()
	}
	return id
}

func (s *state) resolvePrimitive(v protocol.Value, evaluated bool) *breakpoint.Variable {
	if v == nil {
		return &breakpoint.Variable{Value: "undefined"}
	}
	text := v.Primitive()
	limit := s.opts.MaxStringLength
	if v.Kind() == protocol.KindString && !evaluated && limit > 0 {
		if r := []rune(text); len(r) > limit {
			msg := fmt.Sprintf("Only first `max_string_length=%d` chars were captured for string of length %d. Use in an expression to see the full string.", limit, len(r))
			return &breakpoint.Variable{
				Value:  string(r[:limit]) + "...",
				Status: breakpoint.NewStatus(false, breakpoint.RefersToVariableValue, msg),
			}
		}
	}
	return &breakpoint.Variable{Value: text}
}

// reference returns the table index for object v, appending it when this
// capture has not seen it yet.
func (s *state) reference(v protocol.Value, identity string, evaluated bool, parent int) int {
	if identity != "" {
		if idx, ok := s.seen[identity]; ok {
			return idx
		}
	}
	idx := len(s.raw)
	s.raw = append(s.raw, &entry{value: v, identity: identity, parent: parent, evaluated: evaluated})
	if identity != "" {
		s.seen[identity] = idx
	}
	return idx
}

func (s *state) resolveEntry(index int) *breakpoint.Variable {
	e := s.raw[index]
	out := &breakpoint.Variable{Value: e.value.Description()}

	props, err := s.adapter.GetProperties(s.ctx, e.value)
	if err != nil {
		out.Status = breakpoint.NewStatus(true, breakpoint.RefersToVariableValue, "Error getting properties: "+err.Error())
		return out
	}

	members := props[:0:0]
	for _, p := range props {
		if p.IsOwn && p.Name != "__proto__" {
			members = append(members, p)
		}
	}

	limit := s.opts.MaxProperties
	if !e.evaluated && limit > 0 && len(members) > limit {
		members = members[:limit]
		out.Status = breakpoint.NewStatus(false, breakpoint.RefersToVariableValue, fmt.Sprintf(
			"Only first `max_properties=%d` properties were captured. Use in an expression to see all properties.", limit))
	}

	out.Members = make([]*breakpoint.Variable, 0, len(members))
	for _, p := range members {
		out.Members = append(out.Members, s.resolveProperty(p, e.evaluated, index))
	}
	return out
}

// resolveProperty never reads accessor or native properties. parent is the
// table index of the owning object, or -1 for scope variables.
func (s *state) resolveProperty(p protocol.Property, evaluated bool, parent int) *breakpoint.Variable {
	switch {
	case p.HasGetter:
		return reference(p.Name, GetterIndex)
	case p.IsNative || p.Value == nil:
		return reference(p.Name, NativePropertyIndex)
	}

	if !protocol.IsObject(p.Value) {
		return s.resolveVariable(p.Name, p.Value, evaluated, parent)
	}

	identity := s.identity(p.Value)
	if s.onAncestorChain(parent, identity) {
		v := &breakpoint.Variable{Name: p.Name, Value: p.Value.ClassName() + ": [circular]"}
		s.totalSize += len(v.Name) + len(v.Value)
		return v
	}
	return s.resolveObject(p.Name, p.Value, identity, evaluated, parent)
}

func (s *state) onAncestorChain(index int, identity string) bool {
	if identity == "" {
		return false
	}
	for i := index; i >= numSentinels; i = s.raw[i].parent {
		if s.raw[i].identity == identity {
			return true
		}
	}
	return false
}

func reference(name string, index int) *breakpoint.Variable {
	v := &breakpoint.Variable{Name: name}
	v.SetIndex(index)
	return v
}

// markBufferFull points every reference at or past cut to the buffer full
// slot.
func markBufferFull(vars []*breakpoint.Variable, cut int) {
	for _, v := range vars {
		if v == nil {
			continue
		}
		if v.Index() >= cut {
			v.SetIndex(BufferFullIndex)
			v.Status = nil
		}
		markBufferFull(v.Members, cut)
	}
}

// functionName extracts the name from a function's description, which is
// the first line of its source.
func functionName(v protocol.Value) string {
	d := strings.TrimSpace(v.Description())
	d = strings.TrimPrefix(d, "async ")
	switch {
	case strings.HasPrefix(d, "function"):
		d = strings.TrimPrefix(d, "function")
		d = strings.TrimPrefix(d, "*")
	case strings.HasPrefix(d, "class "):
		d = strings.TrimPrefix(d, "class ")
		if i := strings.IndexAny(d, " {"); i >= 0 {
			return d[:i]
		}
		return d
	default:
		return ""
	}
	if i := strings.IndexByte(d, '('); i >= 0 {
		d = d[:i]
	}
	return strings.TrimSpace(d)
}
