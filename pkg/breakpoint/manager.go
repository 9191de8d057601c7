package breakpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultExpiration is how long a breakpoint stays armed when the backend
// does not remove it first.
const DefaultExpiration = 24 * time.Hour

const logpointPrefix = "LOGPOINT: "

// Debugger is the breakpoint surface of the debug API.
type Debugger interface {
	Set(ctx context.Context, bp *Breakpoint) error
	Clear(ctx context.Context, bp *Breakpoint) error
	Wait(bp *Breakpoint, done func(error))
	Log(bp *Breakpoint, print func(format string, values []string), shouldStop func() bool)
}

// Reporter is the interface for sending final breakpoint state to the backend.
type Reporter interface {
	ReportBreakpoint(bp *Breakpoint)
}

type activeBreakpoint struct {
	bp        *Breakpoint
	installed bool
	timer     *time.Timer
}

// Manager keeps the debuggee's breakpoints in sync with the list the backend
// sends, and reports each one back once it reaches a final state.
//
// A breakpoint id is either active or completed, never both. Completed ids
// are remembered until the backend stops listing them so that a stale list
// does not arm a breakpoint twice.
type Manager struct {
	api        Debugger
	reporter   Reporter
	logger     *zap.Logger
	logpoints  *zap.Logger
	expiration time.Duration
	now        func() time.Time

	mu        sync.Mutex
	active    map[string]*activeBreakpoint
	completed map[string]struct{}
	stopped   bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithExpiration overrides DefaultExpiration.
func WithExpiration(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.expiration = d
		}
	}
}

// WithLogger sets the logger for lifecycle events and logpoint output.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.Named("breakpoints")
			m.logpoints = logger.Named("logpoint")
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a new breakpoint manager.
func NewManager(api Debugger, reporter Reporter, options ...ManagerOption) *Manager {
	m := &Manager{
		api:        api,
		reporter:   reporter,
		logger:     zap.NewNop(),
		logpoints:  zap.NewNop(),
		expiration: DefaultExpiration,
		now:        time.Now,
		active:     make(map[string]*activeBreakpoint),
		completed:  make(map[string]struct{}),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// UpdateActive reconciles the active set with the full list of breakpoints
// the backend currently holds.
func (m *Manager) UpdateActive(ctx context.Context, bps []*Breakpoint) {
	listed := make(map[string]struct{}, len(bps))
	var added []*Breakpoint
	var dropped []*activeBreakpoint

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	for _, bp := range bps {
		if bp == nil {
			continue
		}
		listed[bp.ID] = struct{}{}
		if _, ok := m.active[bp.ID]; ok {
			continue
		}
		if _, ok := m.completed[bp.ID]; ok {
			continue
		}
		added = append(added, bp)
	}
	for id, ab := range m.active {
		if _, ok := listed[id]; ok {
			continue
		}
		delete(m.active, id)
		if ab.timer != nil {
			ab.timer.Stop()
		}
		dropped = append(dropped, ab)
	}
	for id := range m.completed {
		if _, ok := listed[id]; !ok {
			delete(m.completed, id)
		}
	}
	m.mu.Unlock()

	for _, ab := range dropped {
		m.logger.Debug("Breakpoint removed by backend", zap.String("breakpoint", ab.bp.ID))
		if ab.installed {
			if err := m.api.Clear(ctx, ab.bp); err != nil {
				m.logger.Warn("Failed to clear breakpoint", zap.String("breakpoint", ab.bp.ID), zap.Error(err))
			}
		}
	}
	for _, bp := range added {
		m.SetBreakpoint(ctx, bp)
	}
}

// SetBreakpoint arms one breakpoint. Failures are reported to the backend as
// the breakpoint's final status.
func (m *Manager) SetBreakpoint(ctx context.Context, bp *Breakpoint) {
	if bp.ID == "" || bp.Location == nil {
		m.finish(bp, NewInvalidBreakpoint())
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if _, ok := m.active[bp.ID]; ok {
		m.mu.Unlock()
		return
	}
	if _, ok := m.completed[bp.ID]; ok {
		m.mu.Unlock()
		return
	}
	m.active[bp.ID] = &activeBreakpoint{bp: bp}
	m.mu.Unlock()

	if err := m.api.Set(ctx, bp); err != nil {
		m.logger.Info("Breakpoint rejected", zap.String("breakpoint", bp.ID), zap.Error(err))
		m.complete(bp.ID, nil, err)
		return
	}

	created := bp.CreateTime
	if created.IsZero() {
		created = m.now()
	}
	delay := created.Add(m.expiration).Sub(m.now())
	if delay < 0 {
		delay = 0
	}

	m.mu.Lock()
	ab, ok := m.active[bp.ID]
	if ok {
		ab.installed = true
		ab.timer = time.AfterFunc(delay, func() { m.expire(bp.ID) })
	}
	m.mu.Unlock()

	if !ok {
		// Removed while the native breakpoint was being installed.
		if err := m.api.Clear(ctx, bp); err != nil {
			m.logger.Warn("Failed to clear breakpoint", zap.String("breakpoint", bp.ID), zap.Error(err))
		}
		return
	}

	m.logger.Debug("Breakpoint set",
		zap.String("breakpoint", bp.ID),
		zap.String("path", bp.Location.Path),
		zap.Int("line", bp.Location.Line),
		zap.String("action", string(bp.Action)))

	if bp.IsLogpoint() {
		id := bp.ID
		m.api.Log(bp, m.logPrinter(bp), func() bool { return !m.IsActive(id) })
		return
	}
	// The capture writes into its own copy, which is reported only if the
	// hit completes the breakpoint.
	result := *bp
	m.api.Wait(&result, func(err error) { m.complete(bp.ID, &result, err) })
}

// RemoveBreakpoint clears an active breakpoint without reporting it.
func (m *Manager) RemoveBreakpoint(ctx context.Context, id string) {
	m.mu.Lock()
	ab, ok := m.active[id]
	if ok {
		delete(m.active, id)
		if ab.timer != nil {
			ab.timer.Stop()
		}
	}
	m.mu.Unlock()

	if !ok || !ab.installed {
		return
	}
	if err := m.api.Clear(ctx, ab.bp); err != nil {
		m.logger.Warn("Failed to clear breakpoint", zap.String("breakpoint", id), zap.Error(err))
	}
	m.logger.Debug("Breakpoint removed", zap.String("breakpoint", id))
}

// HandleCommand handles a breakpoint command from the backend.
func (m *Manager) HandleCommand(ctx context.Context, command string, payload json.RawMessage) error {
	switch command {
	case "list":
		var list struct {
			Breakpoints []*Breakpoint `json:"breakpoints"`
		}
		if err := json.Unmarshal(payload, &list); err != nil {
			return fmt.Errorf("decode breakpoint list: %w", err)
		}
		m.UpdateActive(ctx, list.Breakpoints)

	case "set":
		var bp Breakpoint
		if err := json.Unmarshal(payload, &bp); err != nil {
			return fmt.Errorf("decode breakpoint: %w", err)
		}
		m.SetBreakpoint(ctx, &bp)

	case "remove":
		var ref struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(payload, &ref); err != nil {
			return fmt.Errorf("decode breakpoint id: %w", err)
		}
		m.RemoveBreakpoint(ctx, ref.ID)

	default:
		return fmt.Errorf("unknown breakpoint command %q", command)
	}
	return nil
}

// IsActive reports whether id is armed.
func (m *Manager) IsActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

// IsCompleted reports whether id reached a final state and is still listed
// by the backend.
func (m *Manager) IsCompleted(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.completed[id]
	return ok
}

// NumActive returns the number of armed breakpoints.
func (m *Manager) NumActive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Stop clears every armed breakpoint. Timers that fire afterwards are no-ops.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	m.stopped = true
	active := m.active
	m.active = make(map[string]*activeBreakpoint)
	m.mu.Unlock()

	for _, ab := range active {
		if ab.timer != nil {
			ab.timer.Stop()
		}
		if !ab.installed {
			continue
		}
		if err := m.api.Clear(ctx, ab.bp); err != nil {
			m.logger.Warn("Failed to clear breakpoint", zap.String("breakpoint", ab.bp.ID), zap.Error(err))
		}
	}
}

func (m *Manager) expire(id string) {
	m.logger.Info("Breakpoint expired", zap.String("breakpoint", id))
	m.complete(id, nil, NewExpired())
}

// complete moves id from active to completed, clears its native breakpoint
// and reports result, or the armed breakpoint when result is nil. Does
// nothing when id is no longer active.
func (m *Manager) complete(id string, result *Breakpoint, err error) {
	m.mu.Lock()
	ab, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.active, id)
	m.completed[id] = struct{}{}
	if ab.timer != nil {
		ab.timer.Stop()
	}
	m.mu.Unlock()

	if ab.installed {
		if cerr := m.api.Clear(context.Background(), ab.bp); cerr != nil {
			m.logger.Warn("Failed to clear breakpoint", zap.String("breakpoint", id), zap.Error(cerr))
		}
	}
	if result == nil {
		result = ab.bp
	}
	m.finish(result, err)
}

func (m *Manager) finish(bp *Breakpoint, err error) {
	bp.IsFinalState = true
	bp.FinalTime = m.now()
	if err != nil {
		bp.Status = StatusFromError(err)
	}
	m.reporter.ReportBreakpoint(bp)
}

func (m *Manager) logPrinter(bp *Breakpoint) func(string, []string) {
	fields := []zap.Field{
		zap.String("breakpoint", bp.ID),
		zap.String("path", bp.Location.Path),
		zap.Int("line", bp.Location.Line),
	}
	return func(format string, values []string) {
		msg := logpointPrefix + FormatLogMessage(format, values)
		switch bp.LogLevel {
		case LogLevelWarning:
			m.logpoints.Warn(msg, fields...)
		case LogLevelError:
			m.logpoints.Error(msg, fields...)
		default:
			m.logpoints.Info(msg, fields...)
		}
	}
}
