package debugapi

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/aivorynet/debug-agent/pkg/breakpoint"
	"github.com/aivorynet/debug-agent/pkg/protocol"
)

type hit struct {
	id        string
	condition string
	l         *listener
}

// handlePause runs the listeners of every breakpoint bound to the native
// breakpoints the debuggee stopped at. The debuggee stays paused until it
// returns.
func (a *DebugAPI) handlePause(ctx context.Context, ev *protocol.PauseEvent) {
	a.mu.Lock()
	var hits []hit
	seen := make(map[string]bool)
	for _, native := range ev.HitBreakpoints {
		for _, id := range a.reg.lookupByNativeID(native) {
			if seen[id] {
				continue
			}
			seen[id] = true
			l, ok := a.reg.listeners[id]
			if !ok || !l.enabled {
				continue
			}
			hits = append(hits, hit{id: id, condition: a.reg.breakpoints[id].condition, l: l})
		}
	}
	a.mu.Unlock()

	for _, h := range hits {
		a.fire(ctx, h, ev.CallFrames)
	}
}

// fire evaluates the condition and runs the listener. A panic is logged and
// does not stop the remaining listeners.
func (a *DebugAPI) fire(ctx context.Context, h hit, frames []*protocol.CallFrame) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Breakpoint listener panicked",
				zap.String("breakpoint", h.id),
				zap.String("panic", fmt.Sprint(r)),
				zap.Stack("stack"))
		}
	}()

	if h.condition != "" {
		ok, err := a.evaluateCondition(ctx, h.condition, frames)
		if err != nil {
			h.l.fire(ctx, frames, breakpoint.NewConditionEvaluation(err))
			return
		}
		if !ok {
			return
		}
	}
	h.l.fire(ctx, frames, nil)
}

func (a *DebugAPI) evaluateCondition(ctx context.Context, condition string, frames []*protocol.CallFrame) (bool, error) {
	if len(frames) == 0 {
		return false, errors.New("no frame to evaluate the condition in")
	}
	v, err := a.adapter.Evaluate(ctx, frames[0], condition)
	if err != nil {
		return false, err
	}
	return protocol.Truthy(v), nil
}
