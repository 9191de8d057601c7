// Package debugapi installs snapshot and logpoint breakpoints in a live
// debuggee and runs their listeners when the debuggee pauses on them.
package debugapi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aivorynet/debug-agent/pkg/breakpoint"
	"github.com/aivorynet/debug-agent/pkg/capture"
	"github.com/aivorynet/debug-agent/pkg/expr"
	"github.com/aivorynet/debug-agent/pkg/protocol"
)

// ErrNotSet is returned when a breakpoint is used before Set succeeded.
var ErrNotSet = errors.New("breakpoint is not set")

// Config controls what breakpoints may do.
type Config struct {
	WorkingDirectory string
	// AllowExpressions permits conditions and watch expressions.
	AllowExpressions bool
	Capture          capture.Config
	MaxLogsPerSecond int
	// LogDelay is how long a logpoint stays quiet after exceeding
	// MaxLogsPerSecond.
	LogDelay time.Duration
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Capture:          capture.DefaultConfig(),
		MaxLogsPerSecond: 50,
		LogDelay:         time.Second,
	}
}

// Option configures a DebugAPI.
type Option func(*DebugAPI)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *DebugAPI) {
		if logger != nil {
			a.logger = logger.Named("debugapi")
		}
	}
}

// WithClock replaces the wall clock used for logpoint rate limiting.
func WithClock(c Clock) Option {
	return func(a *DebugAPI) {
		a.clock = c
	}
}

// DebugAPI is the breakpoint surface on top of a protocol.Adapter.
type DebugAPI struct {
	adapter  protocol.Adapter
	resolver *Resolver
	cfg      Config
	logger   *zap.Logger
	clock    Clock

	mu  sync.Mutex
	reg *registry
}

// New attaches to adapter and starts dispatching its pause events.
func New(adapter protocol.Adapter, cfg Config, resolver *Resolver, options ...Option) *DebugAPI {
	a := &DebugAPI{
		adapter:  adapter,
		resolver: resolver,
		cfg:      cfg,
		logger:   zap.NewNop(),
		clock:    realClock{},
		reg:      newRegistry(),
	}
	for _, opt := range options {
		opt(a)
	}
	adapter.OnPause(a.handlePause)
	return a
}

// Set validates bp, resolves its location and installs a native breakpoint
// there, sharing one that is already installed at the same spot.
func (a *DebugAPI) Set(ctx context.Context, bp *breakpoint.Breakpoint) error {
	if bp.ID == "" || bp.Location == nil {
		return breakpoint.NewInvalidBreakpoint()
	}
	if bp.HasExpressions() && !a.cfg.AllowExpressions {
		return breakpoint.NewExpressionsNotAllowed()
	}
	if bp.Condition != "" {
		if err := expr.Validate(bp.Condition); err != nil {
			var syntaxErr *expr.SyntaxError
			if errors.As(err, &syntaxErr) {
				return breakpoint.NewSyntaxErrorInCondition(err)
			}
			return breakpoint.NewDisallowedExpression(err)
		}
	}

	loc, err := a.resolver.Resolve(bp.Location)
	if err != nil {
		return err
	}
	key := keyFor(loc)

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.reg.breakpoints[bp.ID]; ok {
		return nil
	}

	native, ok := a.reg.nativeForLocation(key)
	if !ok {
		native, err = a.adapter.SetBreakpoint(ctx, protocol.Location{URL: loc.Path, Line: loc.Line, Column: loc.Column}, "")
		if err != nil {
			return breakpoint.NewNativeBreakpoint(err)
		}
	}
	a.reg.add(&breakpointData{bp: bp, native: native, key: key, condition: bp.Condition})

	a.logger.Debug("Native breakpoint bound",
		zap.String("breakpoint", bp.ID),
		zap.String("native", string(native)),
		zap.String("script", loc.Path),
		zap.Int("line", loc.Line),
		zap.Bool("shared", ok))
	return nil
}

// Clear removes bp and its listener. The native breakpoint goes away with
// the last breakpoint using it. Clearing an unknown breakpoint is a no-op.
func (a *DebugAPI) Clear(ctx context.Context, bp *breakpoint.Breakpoint) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, unreferenced := a.reg.remove(bp.ID)
	if data == nil || !unreferenced {
		return nil
	}
	if err := a.adapter.RemoveBreakpoint(ctx, data.native); err != nil {
		return fmt.Errorf("remove native breakpoint %s: %w", data.native, err)
	}
	return nil
}

// Wait calls done once, the first time bp is hit with its condition true,
// after the program state has been captured into bp. done receives the
// error when the condition or the capture fails.
func (a *DebugAPI) Wait(bp *breakpoint.Breakpoint, done func(error)) {
	id := bp.ID
	l := &listener{enabled: true}
	l.fire = func(ctx context.Context, frames []*protocol.CallFrame, err error) {
		if !a.claim(id, l) {
			return
		}
		if err == nil {
			err = a.capture(ctx, bp, frames)
		}
		done(err)
	}

	if !a.listen(id, l) {
		done(ErrNotSet)
	}
}

// Log calls print with bp's log message format and the values of its
// expressions every time bp is hit with its condition true, at most
// MaxLogsPerSecond times a second. The listener removes itself once
// shouldStop returns true.
func (a *DebugAPI) Log(bp *breakpoint.Breakpoint, print func(format string, values []string), shouldStop func() bool) {
	id := bp.ID
	limiter := newLogLimiter(a.cfg.MaxLogsPerSecond, a.clock)
	l := &listener{enabled: true}
	l.fire = func(ctx context.Context, frames []*protocol.CallFrame, err error) {
		if shouldStop() {
			a.claim(id, l)
			return
		}
		if err != nil {
			a.logger.Warn("Logpoint condition failed", zap.String("breakpoint", id), zap.Error(err))
			return
		}

		var frame *protocol.CallFrame
		if len(frames) > 0 {
			frame = frames[0]
		}
		snap := capture.EvaluateExpressions(ctx, a.adapter, frame, bp.Expressions, a.captureOptions())
		print(bp.LogMessageFormat, snap.ExpressionValues())

		if limiter.record() {
			a.throttle(id, l, shouldStop)
		}
	}

	if !a.listen(id, l) {
		a.logger.Warn("Logpoint is not set", zap.String("breakpoint", id))
	}
}

// throttle disables l for LogDelay. The re-enable is dropped when the
// listener was removed or replaced in the meantime.
func (a *DebugAPI) throttle(id string, l *listener, shouldStop func() bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reg.listeners[id] != l {
		return
	}
	l.enabled = false
	l.stop = a.clock.AfterFunc(a.cfg.LogDelay, func() {
		if shouldStop() {
			return
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.reg.listeners[id] == l {
			l.enabled = true
			l.stop = nil
		}
	})
	a.logger.Warn("Too many logpoint hits, pausing logpoint",
		zap.String("breakpoint", id),
		zap.Int("max_per_second", a.cfg.MaxLogsPerSecond),
		zap.Duration("delay", a.cfg.LogDelay))
}

func (a *DebugAPI) listen(id string, l *listener) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.reg.breakpoints[id]; !ok {
		return false
	}
	a.reg.setListener(id, l)
	return true
}

// claim removes l if it is still the listener of id, and reports whether it
// was.
func (a *DebugAPI) claim(id string, l *listener) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reg.listeners[id] != l {
		return false
	}
	a.reg.removeListener(id)
	return true
}

func (a *DebugAPI) capture(ctx context.Context, bp *breakpoint.Breakpoint, frames []*protocol.CallFrame) error {
	snap, err := capture.Capture(ctx, a.adapter, frames, bp.Expressions, a.captureOptions())
	if err != nil {
		return breakpoint.NewCapture(err)
	}
	snap.Apply(bp)
	return nil
}

func (a *DebugAPI) captureOptions() capture.Options {
	opts := capture.Options{
		Config:           a.cfg.Capture,
		WorkingDirectory: a.cfg.WorkingDirectory,
	}
	if m := a.resolver.Mapper(); m != nil {
		opts.Mapper = m
	}
	return opts
}

// NumBreakpoints returns the number of set breakpoints.
func (a *DebugAPI) NumBreakpoints() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reg.count()
}

// NumListeners returns the number of registered listeners.
func (a *DebugAPI) NumListeners() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reg.numListeners()
}

// Close removes every native breakpoint and forgets all breakpoints.
func (a *DebugAPI) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	for native := range a.reg.natives {
		if err := a.adapter.RemoveBreakpoint(ctx, native); err != nil {
			errs = append(errs, fmt.Errorf("remove native breakpoint %s: %w", native, err))
		}
	}
	for id := range a.reg.listeners {
		a.reg.removeListener(id)
	}
	a.reg = newRegistry()
	return errors.Join(errs...)
}
