// Package agent wires the AIVory debug agent together: it attaches to a
// Node.js process through the V8 inspector and serves breakpoints received
// from the AIVory backend.
package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/aivorynet/debug-agent/pkg/breakpoint"
	"github.com/aivorynet/debug-agent/pkg/capture"
	"github.com/aivorynet/debug-agent/pkg/debugapi"
)

// Config holds the agent configuration.
type Config struct {
	APIKey      string `yaml:"api_key"`
	BackendURL  string `yaml:"backend_url"`
	Environment string `yaml:"environment"`
	// InspectorURL is either the inspector websocket URL or the host:port
	// of its HTTP endpoint.
	InspectorURL string `yaml:"inspector_url"`

	// WorkingDirectory is the root of the debugged application.
	WorkingDirectory string `yaml:"working_directory"`
	// AppPathRelativeToRepository is where WorkingDirectory sits inside the
	// repository the backend knows, for example "services/api".
	AppPathRelativeToRepository string            `yaml:"app_path_relative_to_repository"`
	Description                 string            `yaml:"description"`
	Labels                      map[string]string `yaml:"labels"`

	AllowExpressions     bool           `yaml:"allow_expressions"`
	BreakpointExpiration time.Duration  `yaml:"breakpoint_expiration"`
	Capture              capture.Config `yaml:"capture"`
	MaxLogsPerSecond     int            `yaml:"max_logs_per_second"`
	LogDelay             time.Duration  `yaml:"log_delay"`
	WatchSources         bool           `yaml:"watch_sources"`
	Debug                bool           `yaml:"debug"`

	Hostname string `yaml:"-"`
	AgentID  string `yaml:"-"`
}

// NewConfig creates a new configuration with defaults from environment variables.
func NewConfig(options ...ConfigOption) *Config {
	cfg := defaultConfig()
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// LoadConfig builds a configuration from defaults, environment variables,
// the YAML file at path and options, each overriding the previous. An empty
// path skips the file.
func LoadConfig(path string, options ...ConfigOption) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	capDefaults := capture.DefaultConfig()
	logDefaults := debugapi.DefaultConfig()

	cfg := &Config{
		APIKey:       getEnvOrDefault("AIVORY_API_KEY", ""),
		BackendURL:   getEnvOrDefault("AIVORY_BACKEND_URL", "wss://api.aivory.net/ws/agent"),
		Environment:  getEnvOrDefault("AIVORY_ENVIRONMENT", "production"),
		InspectorURL: getEnvOrDefault("AIVORY_INSPECTOR_URL", "127.0.0.1:9229"),

		WorkingDirectory:            getEnvOrDefault("AIVORY_WORKING_DIRECTORY", ""),
		AppPathRelativeToRepository: getEnvOrDefault("AIVORY_APP_PATH_RELATIVE_TO_REPOSITORY", ""),
		Description:                 getEnvOrDefault("AIVORY_DESCRIPTION", ""),

		AllowExpressions:     getEnvBoolOrDefault("AIVORY_ALLOW_EXPRESSIONS", false),
		BreakpointExpiration: getEnvDurationOrDefault("AIVORY_BREAKPOINT_EXPIRATION", breakpoint.DefaultExpiration),
		Capture: capture.Config{
			MaxFrames:          getEnvIntOrDefault("AIVORY_MAX_FRAMES", capDefaults.MaxFrames),
			MaxExpandFrames:    getEnvIntOrDefault("AIVORY_MAX_EXPAND_FRAMES", capDefaults.MaxExpandFrames),
			MaxProperties:      getEnvIntOrDefault("AIVORY_MAX_PROPERTIES", capDefaults.MaxProperties),
			MaxDataSize:        getEnvIntOrDefault("AIVORY_MAX_DATA_SIZE", capDefaults.MaxDataSize),
			MaxStringLength:    getEnvIntOrDefault("AIVORY_MAX_STRING_LENGTH", capDefaults.MaxStringLength),
			IncludeNodeModules: getEnvBoolOrDefault("AIVORY_INCLUDE_NODE_MODULES", capDefaults.IncludeNodeModules),
			Timeout:            getEnvDurationOrDefault("AIVORY_CAPTURE_TIMEOUT", capDefaults.Timeout),
		},
		MaxLogsPerSecond: getEnvIntOrDefault("AIVORY_MAX_LOGS_PER_SECOND", logDefaults.MaxLogsPerSecond),
		LogDelay:         getEnvDurationOrDefault("AIVORY_LOG_DELAY", logDefaults.LogDelay),
		WatchSources:     getEnvBoolOrDefault("AIVORY_WATCH_SOURCES", false),
		Debug:            getEnvBoolOrDefault("AIVORY_DEBUG", false),
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	cfg.Hostname = hostname
	cfg.AgentID = "agent-" + uuid.NewString()
	return cfg
}

// Validate reports missing settings and fills in the working directory.
func (c *Config) Validate() error {
	var errs []error
	if c.APIKey == "" {
		errs = append(errs, errors.New("API key is required, set AIVORY_API_KEY"))
	}
	if c.BackendURL == "" {
		errs = append(errs, errors.New("backend URL is required"))
	}
	if c.InspectorURL == "" {
		errs = append(errs, errors.New("inspector URL is required"))
	}
	if c.Capture.MaxFrames < 0 || c.Capture.MaxExpandFrames < 0 || c.Capture.MaxProperties < 0 ||
		c.Capture.MaxDataSize < 0 || c.Capture.MaxStringLength < 0 {
		errs = append(errs, errors.New("capture limits must not be negative"))
	}
	// Frame paths reported by the runtime are absolute.
	if wd, err := filepath.Abs(c.WorkingDirectory); err != nil {
		errs = append(errs, fmt.Errorf("working directory: %w", err))
	} else {
		c.WorkingDirectory = wd
	}
	return errors.Join(errs...)
}

// ConfigOption is a function that modifies Config.
type ConfigOption func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) ConfigOption {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithBackendURL sets the backend URL.
func WithBackendURL(url string) ConfigOption {
	return func(c *Config) {
		c.BackendURL = url
	}
}

// WithEnvironment sets the environment name.
func WithEnvironment(env string) ConfigOption {
	return func(c *Config) {
		c.Environment = env
	}
}

// WithInspectorURL sets the inspector websocket URL or host:port.
func WithInspectorURL(url string) ConfigOption {
	return func(c *Config) {
		c.InspectorURL = url
	}
}

// WithWorkingDirectory sets the application root.
func WithWorkingDirectory(dir string) ConfigOption {
	return func(c *Config) {
		c.WorkingDirectory = dir
	}
}

// WithAllowExpressions enables conditions and watch expressions.
func WithAllowExpressions(allow bool) ConfigOption {
	return func(c *Config) {
		c.AllowExpressions = allow
	}
}

// WithWatchSources rescans the working directory when sources change.
func WithWatchSources(watch bool) ConfigOption {
	return func(c *Config) {
		c.WatchSources = watch
	}
}

// WithDebug enables debug logging.
func WithDebug(debug bool) ConfigOption {
	return func(c *Config) {
		c.Debug = debug
	}
}

func (c *Config) debugAPIConfig() debugapi.Config {
	return debugapi.Config{
		WorkingDirectory: c.WorkingDirectory,
		AllowExpressions: c.AllowExpressions,
		Capture:          c.Capture,
		MaxLogsPerSecond: c.MaxLogsPerSecond,
		LogDelay:         c.LogDelay,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
