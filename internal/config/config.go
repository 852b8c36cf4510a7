// Package config handles configuration loading, validation, and management for proctord.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"proctord/internal/logging"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Monitor holds the proctoring policy applied to new sessions.
	Monitor MonitorConfig `toml:"monitor" json:"monitor" yaml:"monitor"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Store configuration for session outcomes.
	Store StoreConfig `toml:"store" json:"store" yaml:"store"`

	// IPC configuration for the host bridge.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Metrics configuration for the Prometheus endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Report configuration for exported session reports.
	Report ReportConfig `toml:"report" json:"report" yaml:"report"`

	// Audit configuration for the outcome audit trail.
	Audit AuditConfig `toml:"audit" json:"audit" yaml:"audit"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file", "both" or "discard".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file path when Output is "file" or "both".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int64 `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// AddSource includes file:line in log records.
	AddSource bool `toml:"add_source" json:"add_source" yaml:"add_source"`
}

// StoreConfig holds session outcome persistence configuration.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeout is the SQLite busy timeout.
	BusyTimeout Duration `toml:"busy_timeout" json:"busy_timeout" yaml:"busy_timeout"`
}

// IPCConfig holds host bridge configuration.
type IPCConfig struct {
	// Enabled determines whether the bridge listens at all.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the Unix socket path.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the socket file mode in octal, e.g. "0600".
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections bounds concurrent host connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// Timeout is the per-message read/write deadline.
	Timeout Duration `toml:"timeout" json:"timeout" yaml:"timeout"`

	// CBOR makes pushed events CBOR-encoded regardless of the encoding a
	// host negotiated at handshake.
	CBOR bool `toml:"cbor" json:"cbor" yaml:"cbor"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	// Address is the listen address, e.g. "127.0.0.1:9464". Empty disables.
	Address string `toml:"address" json:"address" yaml:"address"`

	// Path is the HTTP path serving metrics.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// ReportConfig holds session report export configuration.
type ReportConfig struct {
	// Enabled exports a report for every finished session.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Dir is the export directory.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`
}

// AuditConfig holds the audit trail configuration.
type AuditConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Path       string `toml:"path" json:"path" yaml:"path"`
	MaxSizeMB  int64  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	paths := GetDefaultPaths()

	return &Config{
		Version: Version,
		Monitor: DefaultMonitorConfig(),
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(paths.LogDir, "proctord.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		Store: StoreConfig{
			Path:        paths.DatabaseFile,
			BusyTimeout: Duration(5 * time.Second),
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     paths.SocketPath,
			Permissions:    "0600",
			MaxConnections: 16,
			Timeout:        Duration(30 * time.Second),
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Report: ReportConfig{
			Enabled: true,
			Dir:     paths.ReportDir,
		},
		Audit: AuditConfig{
			Enabled:    true,
			Path:       filepath.Join(paths.LogDir, "audit.log"),
			MaxSizeMB:  50,
			MaxBackups: 10,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Store.Path),
		filepath.Dir(c.IPC.SocketPath),
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Report.Enabled {
		dirs = append(dirs, c.Report.Dir)
	}
	if c.Audit.Enabled {
		dirs = append(dirs, filepath.Dir(c.Audit.Path))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ProctordDir returns the base data directory.
// PROCTORD_DATA_DIR overrides the platform default.
func ProctordDir() string {
	if envDir := os.Getenv("PROCTORD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with PROCTORD_ and use underscores.
// Malformed numeric values are ignored; Validate reports what remains.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Store overrides
	if v := os.Getenv("PROCTORD_STORE_PATH"); v != "" {
		c.Store.Path = v
	}

	// Logging overrides
	if v := os.Getenv("PROCTORD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PROCTORD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("PROCTORD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// IPC overrides
	if v := os.Getenv("PROCTORD_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}

	if v := os.Getenv("PROCTORD_METRICS_ADDR"); v != "" {
		c.Metrics.Address = v
	}
	if v := os.Getenv("PROCTORD_REPORT_DIR"); v != "" {
		c.Report.Dir = v
	}

	// Policy overrides
	if v := os.Getenv("PROCTORD_MAX_WARNINGS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Monitor.MaxWarnings = n
		}
	}
	if v := os.Getenv("PROCTORD_WARNING_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Monitor.WarningCooldown = Duration(d)
		}
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version: c.Version,
		Monitor: c.Monitor.Clone(),
		Logging: c.Logging,
		Store:   c.Store,
		IPC:     c.IPC,
		Metrics: c.Metrics,
		Report:  c.Report,
		Audit:   c.Audit,
	}
}

// LoggingSettings converts the logging section into a logging.Config.
func (c *Config) LoggingSettings() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	return &logging.Config{
		Level:      level,
		Format:     format,
		Output:     c.Logging.Output,
		FilePath:   c.Logging.FilePath,
		MaxSize:    c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		AddSource:  c.Logging.AddSource,
		Component:  "proctord",
	}, nil
}

// SocketMode parses IPC.Permissions.
func (c *Config) SocketMode() os.FileMode {
	mode, err := strconv.ParseUint(c.IPC.Permissions, 8, 32)
	if err != nil || c.IPC.Permissions == "" {
		return 0600
	}
	return os.FileMode(mode)
}

// Encode writes cfg as TOML.
func Encode(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# proctord configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg.Clone()); err != nil {
		return nil, fmt.Errorf("encode TOML: %w", err)
	}
	return buf.Bytes(), nil
}

func defaultSocketPath(runtimeDir string) string {
	switch runtime.GOOS {
	case "windows":
		return `\\.\pipe\proctord`
	default:
		if runtimeDir != "" {
			return filepath.Join(runtimeDir, "proctord.sock")
		}
		return "/tmp/proctord.sock"
	}
}
