package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aivorynet/debug-agent/pkg/breakpoint"
	"github.com/aivorynet/debug-agent/pkg/debugapi"
	"github.com/aivorynet/debug-agent/pkg/protocol"
	"github.com/aivorynet/debug-agent/pkg/scanner"
	"github.com/aivorynet/debug-agent/pkg/sourcemap"
	"github.com/aivorynet/debug-agent/pkg/transport"
)

// Version is reported to the backend on registration.
const Version = "1.0.0"

const shutdownTimeout = 5 * time.Second

// ErrDebuggeeGone is returned by Run when the inspector connection drops.
var ErrDebuggeeGone = errors.New("debuggee detached")

// Agent is the AIVory debug agent.
type Agent struct {
	config *Config
	logger *zap.Logger

	mu      sync.Mutex
	running bool
}

// New validates cfg and creates an agent.
func New(cfg *Config, logger *zap.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{config: cfg, logger: logger}, nil
}

// Config returns the agent configuration.
func (a *Agent) Config() *Config {
	return a.config
}

// Run attaches to the debuggee and serves breakpoints until ctx is done, the
// debuggee detaches or the backend cannot be reached. Breakpoints still
// armed are removed from the debuggee before Run returns.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("agent is already running")
	}
	a.running = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	cfg := a.config
	log := a.logger.Named("agent")

	scan, err := scanner.Scan(true, cfg.WorkingDirectory, nil)
	if err != nil {
		return fmt.Errorf("scan %s: %w", cfg.WorkingDirectory, err)
	}
	resolver := debugapi.NewResolver(cfg.WorkingDirectory, cfg.AppPathRelativeToRepository, scan, a.loadSourceMaps(scan))
	log.Info("Sources scanned",
		zap.String("root", cfg.WorkingDirectory),
		zap.Int("files", len(scan.Files)),
		zap.String("hash", scan.Hash))

	wsURL, err := transport.DiscoverInspectorURL(ctx, cfg.InspectorURL)
	if err != nil {
		return err
	}
	ic, err := transport.DialInspector(ctx, wsURL, a.logger)
	if err != nil {
		return err
	}
	inspector, err := protocol.NewInspector(ctx, ic, a.logger)
	if err != nil {
		ic.Close()
		return err
	}
	defer inspector.Close()

	debuggee := a.debuggee(ctx, inspector, scan)
	api := debugapi.New(inspector, cfg.debugAPIConfig(), resolver, debugapi.WithLogger(a.logger))

	var manager *breakpoint.Manager
	conn := transport.NewConnection(cfg.BackendURL, cfg.APIKey, debuggee,
		func(ctx context.Context, command string, payload json.RawMessage) error {
			return manager.HandleCommand(ctx, command, payload)
		}, a.logger)
	manager = breakpoint.NewManager(api, conn,
		breakpoint.WithExpiration(cfg.BreakpointExpiration),
		breakpoint.WithLogger(a.logger))

	log.Info("Agent started",
		zap.String("agent", cfg.AgentID),
		zap.String("environment", cfg.Environment),
		zap.String("inspector", wsURL),
		zap.String("runtime_version", debuggee.RuntimeVersion))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := conn.Connect(gctx)
		if gctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("backend connection closed")
		}
		return fmt.Errorf("backend: %w", err)
	})

	g.Go(func() error {
		select {
		case <-ic.Done():
			return ErrDebuggeeGone
		case <-gctx.Done():
			return nil
		}
	})

	if cfg.WatchSources {
		w, err := scanner.NewWatcher(cfg.WorkingDirectory, nil, true, func(res *scanner.Result) {
			resolver.Update(res, a.loadSourceMaps(res))
		}, a.logger)
		if err != nil {
			log.Warn("Source watching disabled", zap.Error(err))
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		manager.Stop(shutdownCtx)
		if err := api.Close(shutdownCtx); err != nil {
			log.Debug("Removing native breakpoints failed", zap.Error(err))
		}
		conn.Disconnect()
		return nil
	})

	err = g.Wait()
	log.Info("Agent stopped", zap.Error(err))
	return err
}

func (a *Agent) loadSourceMaps(scan *scanner.Result) *sourcemap.Mapper {
	mapper, err := sourcemap.Load(scan.Paths(".map"))
	if err != nil {
		a.logger.Named("agent").Warn("Some source maps could not be loaded", zap.Error(err))
	}
	return mapper
}

func (a *Agent) debuggee(ctx context.Context, inspector *protocol.Inspector, scan *scanner.Result) *transport.Debuggee {
	cfg := a.config
	labels := map[string]string{
		"environment":   cfg.Environment,
		"hostname":      cfg.Hostname,
		"agent_runtime": runtime.Version(),
	}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	d := &transport.Debuggee{
		ID:           cfg.AgentID,
		AgentVersion: Version,
		Hostname:     cfg.Hostname,
		Runtime:      "node",
		Environment:  cfg.Environment,
		Description:  cfg.Description,
		Uniquifier:   scan.Hash,
		Labels:       labels,
	}
	if v, err := inspector.RuntimeVersion(ctx); err != nil {
		a.logger.Named("agent").Debug("Runtime version unavailable", zap.Error(err))
	} else {
		d.RuntimeVersion = v
		labels["runtime_version"] = v
	}
	return d
}
