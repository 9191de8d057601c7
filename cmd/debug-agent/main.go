// Command debug-agent attaches to a Node.js process started with --inspect
// and serves snapshot and logpoint breakpoints from the AIVory backend.
//
// Usage:
//
//	node --inspect=127.0.0.1:9229 server.js &
//	AIVORY_API_KEY=... debug-agent --inspector 127.0.0.1:9229 --working-dir .
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aivorynet/debug-agent/pkg/agent"
)

var (
	configFile       string
	debug            bool
	inspectorURL     string
	backendURL       string
	workingDir       string
	allowExpressions bool
	watchSources     bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "debug-agent",
	Short: "AIVory production debug agent for Node.js",
	Long: `debug-agent connects to the V8 inspector of a running Node.js process and
to the AIVory backend. Snapshot breakpoints capture the call stack and local
variables once, without stopping the process for longer than the capture.
Logpoints print a formatted message every time they are hit.

Configuration comes from defaults, AIVORY_* environment variables, the
--config YAML file and the flags below, each overriding the previous.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if debug || os.Getenv("AIVORY_DEBUG") == "true" {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "YAML configuration file")
	flags.BoolVar(&debug, "debug", false, "enable debug logging")
	flags.StringVar(&inspectorURL, "inspector", "", "inspector websocket URL or host:port")
	flags.StringVar(&backendURL, "backend", "", "AIVory backend websocket URL")
	flags.StringVarP(&workingDir, "working-dir", "w", "", "root directory of the debugged application")
	flags.BoolVar(&allowExpressions, "allow-expressions", false, "allow breakpoint conditions and watch expressions")
	flags.BoolVar(&watchSources, "watch", false, "rescan sources when they change")
}

func run(cmd *cobra.Command, args []string) error {
	var options []agent.ConfigOption
	flags := cmd.Flags()
	if flags.Changed("debug") {
		options = append(options, agent.WithDebug(debug))
	}
	if flags.Changed("inspector") {
		options = append(options, agent.WithInspectorURL(inspectorURL))
	}
	if flags.Changed("backend") {
		options = append(options, agent.WithBackendURL(backendURL))
	}
	if flags.Changed("working-dir") {
		options = append(options, agent.WithWorkingDirectory(workingDir))
	}
	if flags.Changed("allow-expressions") {
		options = append(options, agent.WithAllowExpressions(allowExpressions))
	}
	if flags.Changed("watch") {
		options = append(options, agent.WithWatchSources(watchSources))
	}

	cfg, err := agent.LoadConfig(configFile, options...)
	if err != nil {
		return err
	}
	a, err := agent.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = a.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
