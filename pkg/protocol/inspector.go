package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/aivorynet/debug-agent/pkg/transport"
)

// Method names of the inspector events the adapter consumes.
const (
	eventScriptParsed = "Debugger.scriptParsed"
	eventPaused       = "Debugger.paused"
)

// objectGroup scopes the remote objects created while capturing so they can
// be released in one call after each pause.
const objectGroup = "aivory-capture"

// InspectorConn is the transport the Inspector runs on.
type InspectorConn interface {
	proto.Client
	Events() <-chan *transport.Event
	Close() error
}

// Inspector implements Adapter on top of the V8 inspector protocol.
//
// Pause events are handled one at a time on a single goroutine, in arrival
// order; the debuggee is resumed only after the handler returns.
type Inspector struct {
	conn   InspectorConn
	logger *zap.Logger

	// evaluate is chosen once by probing the runtime for side-effect free
	// evaluation support.
	evaluate func(ctx context.Context, frameID string, expression string) (*proto.DebuggerEvaluateOnCallFrameResult, error)

	mu      sync.RWMutex
	scripts map[proto.RuntimeScriptID]string
	handler PauseHandler

	loopDone chan struct{}
}

// NewInspector enables the Debugger and Runtime domains on conn and starts
// the event loop.
func NewInspector(ctx context.Context, conn InspectorConn, logger *zap.Logger) (*Inspector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	in := &Inspector{
		conn:     conn,
		logger:   logger.Named("inspector"),
		scripts:  make(map[proto.RuntimeScriptID]string),
		loopDone: make(chan struct{}),
	}

	// Start consuming before enabling the debugger, which replays
	// scriptParsed for every loaded script.
	go in.loop()

	c := in.client(ctx)
	if err := (proto.RuntimeEnable{}).Call(c); err != nil {
		return nil, fmt.Errorf("enable runtime: %w", err)
	}
	if _, err := (proto.DebuggerEnable{}).Call(c); err != nil {
		return nil, fmt.Errorf("enable debugger: %w", err)
	}

	in.evaluate = in.evaluateWithoutSideEffects
	if !in.probeSideEffectMode(ctx) {
		in.logger.Info("Runtime does not support side-effect free evaluation, relying on expression validation")
		in.evaluate = in.evaluatePlain
	}

	// A debuggee started with --inspect-brk waits for a debugger.
	if err := (proto.RuntimeRunIfWaitingForDebugger{}).Call(c); err != nil {
		in.logger.Debug("runIfWaitingForDebugger failed", zap.Error(err))
	}

	return in, nil
}

// OnPause sets the pause handler.
func (in *Inspector) OnPause(h PauseHandler) {
	in.mu.Lock()
	in.handler = h
	in.mu.Unlock()
}

// SetBreakpoint installs a breakpoint on every script whose URL is the path
// of loc, with or without a file:// scheme.
func (in *Inspector) SetBreakpoint(ctx context.Context, loc Location, condition string) (NativeID, error) {
	req := proto.DebuggerSetBreakpointByURL{
		LineNumber: loc.Line - 1,
		URLRegex:   urlPattern(loc.Path()),
		Condition:  condition,
	}
	if loc.Column > 0 {
		col := loc.Column - 1
		req.ColumnNumber = &col
	}

	res, err := req.Call(in.client(ctx))
	if err != nil {
		return "", err
	}
	return NativeID(res.BreakpointID), nil
}

// RemoveBreakpoint removes a breakpoint installed by SetBreakpoint.
func (in *Inspector) RemoveBreakpoint(ctx context.Context, id NativeID) error {
	return proto.DebuggerRemoveBreakpoint{BreakpointID: proto.DebuggerBreakpointID(id)}.Call(in.client(ctx))
}

// Evaluate runs expression on frame.
func (in *Inspector) Evaluate(ctx context.Context, frame *CallFrame, expression string) (Value, error) {
	res, err := in.evaluate(ctx, frame.ID, expression)
	if err != nil {
		return nil, err
	}
	if res.ExceptionDetails != nil {
		return nil, &EvaluationError{Message: exceptionMessage(res.ExceptionDetails)}
	}
	return newRemoteValue(res.Result), nil
}

// GetProperties lists the own properties of obj.
func (in *Inspector) GetProperties(ctx context.Context, obj Value) ([]Property, error) {
	if obj == nil || obj.ID() == "" {
		return nil, nil
	}
	res, err := proto.RuntimeGetProperties{
		ObjectID:      proto.RuntimeRemoteObjectID(obj.ID()),
		OwnProperties: true,
	}.Call(in.client(ctx))
	if err != nil {
		return nil, err
	}
	if res.ExceptionDetails != nil {
		return nil, &EvaluationError{Message: exceptionMessage(res.ExceptionDetails)}
	}

	props := make([]Property, 0, len(res.Result))
	for _, d := range res.Result {
		p := Property{Name: d.Name, IsOwn: d.IsOwn}
		switch {
		case d.Get != nil && d.Get.Type != proto.RuntimeRemoteObjectTypeUndefined:
			p.HasGetter = true
		case d.Value == nil:
			p.IsNative = true
		default:
			p.Value = newRemoteValue(d.Value)
		}
		props = append(props, p)
	}
	return props, nil
}

// Identity returns the heap object id of obj. The runtime hands out a new
// objectId every time it wraps an object, but the heap id stays the same.
func (in *Inspector) Identity(ctx context.Context, obj Value) (string, error) {
	if obj == nil || obj.ID() == "" {
		return "", nil
	}
	res, err := proto.HeapProfilerGetHeapObjectID{
		ObjectID: proto.RuntimeRemoteObjectID(obj.ID()),
	}.Call(in.client(ctx))
	if err != nil {
		return "", err
	}
	return string(res.HeapSnapshotObjectID), nil
}

// RuntimeVersion returns process.version of the debuggee.
func (in *Inspector) RuntimeVersion(ctx context.Context) (string, error) {
	res, err := proto.RuntimeEvaluate{
		Expression:    "process.version",
		ReturnByValue: true,
		Silent:        true,
	}.Call(in.client(ctx))
	if err != nil {
		return "", err
	}
	if res.ExceptionDetails != nil {
		return "", &EvaluationError{Message: exceptionMessage(res.ExceptionDetails)}
	}
	return newRemoteValue(res.Result).Primitive(), nil
}

// Close stops the event loop and closes the connection.
func (in *Inspector) Close() error {
	err := in.conn.Close()
	<-in.loopDone
	return err
}

func (in *Inspector) client(ctx context.Context) proto.Client {
	return contextClient{Client: in.conn, ctx: ctx}
}

func (in *Inspector) loop() {
	defer close(in.loopDone)
	for ev := range in.conn.Events() {
		switch ev.Method {
		case eventScriptParsed:
			var parsed proto.DebuggerScriptParsed
			if err := json.Unmarshal(ev.Params, &parsed); err != nil {
				in.logger.Debug("Bad scriptParsed event", zap.Error(err))
				continue
			}
			in.mu.Lock()
			in.scripts[parsed.ScriptID] = parsed.URL
			in.mu.Unlock()

		case eventPaused:
			var paused proto.DebuggerPaused
			if err := json.Unmarshal(ev.Params, &paused); err != nil {
				in.logger.Warn("Bad paused event", zap.Error(err))
				in.resume()
				continue
			}
			in.handlePause(&paused)
			in.resume()
		}
	}
}

func (in *Inspector) handlePause(paused *proto.DebuggerPaused) {
	in.mu.RLock()
	h := in.handler
	in.mu.RUnlock()
	if h == nil || len(paused.HitBreakpoints) == 0 {
		return
	}

	ev := &PauseEvent{
		Reason:     string(paused.Reason),
		CallFrames: make([]*CallFrame, 0, len(paused.CallFrames)),
	}
	for _, id := range paused.HitBreakpoints {
		ev.HitBreakpoints = append(ev.HitBreakpoints, NativeID(id))
	}
	for _, f := range paused.CallFrames {
		ev.CallFrames = append(ev.CallFrames, in.convertFrame(f))
	}

	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			in.logger.Error("Pause handler panicked", zap.Any("panic", r))
		}
		if err := (proto.RuntimeReleaseObjectGroup{ObjectGroup: objectGroup}).Call(in.client(ctx)); err != nil {
			in.logger.Debug("Release object group failed", zap.Error(err))
		}
	}()
	h(ctx, ev)
}

func (in *Inspector) resume() {
	if err := (proto.DebuggerResume{}).Call(in.client(context.Background())); err != nil {
		in.logger.Warn("Resume failed", zap.Error(err))
	}
}

func (in *Inspector) convertFrame(f *proto.DebuggerCallFrame) *CallFrame {
	frame := &CallFrame{
		ID:           string(f.CallFrameID),
		FunctionName: f.FunctionName,
	}
	if f.This != nil {
		frame.This = newRemoteValue(f.This)
	}
	if f.Location != nil {
		in.mu.RLock()
		url := in.scripts[f.Location.ScriptID]
		in.mu.RUnlock()
		if url == "" {
			url = f.URL
		}
		frame.Location = Location{
			ScriptID: string(f.Location.ScriptID),
			URL:      url,
			Line:     f.Location.LineNumber + 1,
		}
		if f.Location.ColumnNumber != nil {
			frame.Location.Column = *f.Location.ColumnNumber + 1
		}
	}
	for _, s := range f.ScopeChain {
		scope := Scope{Type: ScopeType(s.Type), Name: s.Name}
		if s.Object != nil {
			scope.Object = newRemoteValue(s.Object)
		}
		frame.Scopes = append(frame.Scopes, scope)
	}
	return frame
}

func (in *Inspector) evaluateWithoutSideEffects(ctx context.Context, frameID, expression string) (*proto.DebuggerEvaluateOnCallFrameResult, error) {
	return proto.DebuggerEvaluateOnCallFrame{
		CallFrameID:       proto.DebuggerCallFrameID(frameID),
		Expression:        expression,
		ObjectGroup:       objectGroup,
		Silent:            true,
		ThrowOnSideEffect: true,
	}.Call(in.client(ctx))
}

func (in *Inspector) evaluatePlain(ctx context.Context, frameID, expression string) (*proto.DebuggerEvaluateOnCallFrameResult, error) {
	return proto.DebuggerEvaluateOnCallFrame{
		CallFrameID: proto.DebuggerCallFrameID(frameID),
		Expression:  expression,
		ObjectGroup: objectGroup,
		Silent:      true,
	}.Call(in.client(ctx))
}

// probeSideEffectMode reports whether Runtime.evaluate accepts
// throwOnSideEffect. Old runtimes reject the parameter.
func (in *Inspector) probeSideEffectMode(ctx context.Context) bool {
	_, err := proto.RuntimeEvaluate{
		Expression:        "1",
		Silent:            true,
		ThrowOnSideEffect: true,
	}.Call(in.client(ctx))
	if err == nil {
		return true
	}
	var perr *transport.ProtocolError
	if errors.As(err, &perr) {
		return false
	}
	in.logger.Debug("Side effect probe failed", zap.Error(err))
	return false
}

func exceptionMessage(d *proto.RuntimeExceptionDetails) string {
	if d.Exception != nil && d.Exception.Description != "" {
		msg := d.Exception.Description
		if i := strings.IndexByte(msg, '\n'); i >= 0 {
			msg = msg[:i]
		}
		return msg
	}
	return d.Text
}

// urlPattern matches the script URL of path whether or not the runtime
// reports it with a file:// scheme.
func urlPattern(path string) string {
	return "^(file://)?" + regexp.QuoteMeta(path) + "$"
}

// contextClient attaches a context to calls made through the go-rod typed
// request helpers.
type contextClient struct {
	proto.Client
	ctx context.Context
}

func (c contextClient) GetContext() context.Context {
	return c.ctx
}

var _ Adapter = (*Inspector)(nil)
