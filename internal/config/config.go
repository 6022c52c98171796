// Package config provides configuration management for launchpad.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the service configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	API       APIConfig       `yaml:"api"`
	MCP       MCPConfig       `yaml:"mcp"`
	Logging   LoggingConfig   `yaml:"logging"`
	Run       RunConfig       `yaml:"run"`
	Build     BuildConfig     `yaml:"build"`
	DebugWait DebugWaitConfig `yaml:"debug_wait"`
}

// ServiceConfig contains service-level settings.
type ServiceConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// APIConfig contains API settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MCPConfig contains MCP server settings.
type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig contains log output settings.
type LoggingConfig struct {
	Level      string   `yaml:"level"`
	Format     string   `yaml:"format"` // "json" or "text"
	Output     []string `yaml:"output"` // "console", "file", "both"
	TimeFormat string   `yaml:"time_format"`
	MaxSizeMB  int      `yaml:"max_size_mb"`
	MaxBackups int      `yaml:"max_backups"`
}

// RunConfig tunes process supervision and simulator handling.
type RunConfig struct {
	TerminateTimeout           string `yaml:"terminate_timeout"`
	BootPollInterval           string `yaml:"boot_poll_interval"`
	KillGrace                  string `yaml:"kill_grace"`
	MaxRecoveryRetries         int    `yaml:"max_recovery_retries"`
	SimulatorNotRespondingCode int    `yaml:"simulator_not_responding_code"`
	AbortOnDeviceFailure       bool   `yaml:"abort_on_device_failure"`
	StreamLogs                 bool   `yaml:"stream_logs"`
}

// BuildConfig controls the build step that precedes a launch.
type BuildConfig struct {
	Policy string `yaml:"policy"` // always, ask, never
}

// DebugWaitConfig points at the helper that holds the app until the
// debugger attaches.
type DebugWaitConfig struct {
	Script string `yaml:"script"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Host:    "127.0.0.1",
			Port:    8430,
			DataDir: DefaultDataDir(),
		},
		API: APIConfig{
			Enabled: true,
			APIKey:  "", // Empty = no auth for localhost
		},
		MCP: MCPConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"console"},
			TimeFormat: "15:04:05.000",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		Run: RunConfig{
			TerminateTimeout:           "10s",
			BootPollInterval:           "1s",
			KillGrace:                  "5s",
			MaxRecoveryRetries:         1,
			SimulatorNotRespondingCode: 60,
			AbortOnDeviceFailure:       false,
		},
		Build: BuildConfig{
			Policy: "ask",
		},
	}
}

// DefaultDataDir returns the default data directory based on OS.
func DefaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "launchpad")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "launchpad")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "launchpad")
	default: // linux and others
		xdgData := os.Getenv("XDG_DATA_HOME")
		if xdgData != "" {
			return filepath.Join(xdgData, "launchpad")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".launchpad")
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	if p := os.Getenv("LAUNCHPAD_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// Load loads configuration from a file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if no config file exists
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables in the config
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.Service.DataDir = expandHome(cfg.Service.DataDir)
	cfg.DebugWait.Script = expandHome(cfg.DebugWait.Script)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that cannot be defaulted silently.
func (c *Config) Validate() error {
	for name, value := range map[string]string{
		"run.terminate_timeout":  c.Run.TerminateTimeout,
		"run.boot_poll_interval": c.Run.BootPollInterval,
		"run.kill_grace":         c.Run.KillGrace,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
	}

	switch c.Build.Policy {
	case "", "always", "ask", "never":
	default:
		return fmt.Errorf("invalid build.policy %q (want always, ask or never)", c.Build.Policy)
	}

	if c.Run.MaxRecoveryRetries < 0 {
		return fmt.Errorf("invalid run.max_recovery_retries %d", c.Run.MaxRecoveryRetries)
	}

	return nil
}

// Save saves the configuration to a file.
func (c *Config) Save(path string) error {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Address returns the full address string for the HTTP server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Service.Host, c.Service.Port)
}

// SessionsDir returns the directory holding per-session logs.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.Service.DataDir, "sessions")
}

// TerminalsDir returns the directory holding output surface logs.
func (c *Config) TerminalsDir() string {
	return filepath.Join(c.Service.DataDir, "terminals")
}

// LogPath returns the path to the service log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.Service.DataDir, "logs", "launchpad.log")
}

// WorkspacesPath returns the path to the registered workspaces file.
func (c *Config) WorkspacesPath() string {
	return filepath.Join(c.Service.DataDir, "workspaces.json")
}

// PIDPath returns the path to the daemon PID file.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Service.DataDir, "launchpad.pid")
}

// EnsureDirectories creates all necessary directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Service.DataDir,
		c.SessionsDir(),
		c.TerminalsDir(),
		filepath.Dir(c.LogPath()),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// TerminateTimeout returns the bound on terminating a stale app instance.
func (c *Config) TerminateTimeout() time.Duration {
	return durationOr(c.Run.TerminateTimeout, 10*time.Second)
}

// BootPollInterval returns the delay between simulator state polls.
func (c *Config) BootPollInterval() time.Duration {
	return durationOr(c.Run.BootPollInterval, time.Second)
}

// KillGrace returns how long a cancelled process gets before SIGKILL.
func (c *Config) KillGrace() time.Duration {
	return durationOr(c.Run.KillGrace, 5*time.Second)
}

func durationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
