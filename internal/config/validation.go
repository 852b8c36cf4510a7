package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"proctord/internal/logging"
)

// ErrInvalidConfig is wrapped by every ValidateConfig failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields returns the offending field names in order.
func (e ValidationErrors) Fields() []string {
	out := make([]string, len(e))
	for i, err := range e {
		out[i] = err.Field
	}
	return out
}

var permissionsPattern = regexp.MustCompile(`^0[0-7]{3}$`)

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	if _, err := c.Monitor.Runtime(); err != nil {
		errs = append(errs, ValidationError{Field: "monitor", Message: err.Error()})
	}
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateStore(&c.Store)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	errs = append(errs, validateReport(&c.Report)...)
	errs = append(errs, validateAudit(&c.Audit)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}
	if _, err := logging.ParseFormat(l.Format); err != nil {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr", "discard":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %q (valid: stdout, stderr, file, both, discard)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	return errs
}

func validateStore(s *StoreConfig) ValidationErrors {
	var errs ValidationErrors
	if s.Path == "" {
		errs = append(errs, ValidationError{Field: "store.path", Message: "required field is missing"})
	}
	if s.BusyTimeout < 0 {
		errs = append(errs, ValidationError{Field: "store.busy_timeout", Message: "busy timeout cannot be negative"})
	}
	return errs
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs
	}

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required when IPC is enabled",
		})
	}
	if i.Permissions != "" && !permissionsPattern.MatchString(i.Permissions) {
		errs = append(errs, ValidationError{
			Field:   "ipc.permissions",
			Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", i.Permissions),
		})
	}
	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}
	if i.Timeout.D() <= 0 {
		errs = append(errs, ValidationError{
			Field:   "ipc.timeout",
			Message: "timeout must be positive",
		})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	var errs ValidationErrors
	if m.Address == "" {
		return errs
	}
	if _, _, err := net.SplitHostPort(m.Address); err != nil {
		errs = append(errs, ValidationError{
			Field:   "metrics.address",
			Message: fmt.Sprintf("invalid listen address %q: %v", m.Address, err),
		})
	}
	if !strings.HasPrefix(m.Path, "/") {
		errs = append(errs, ValidationError{
			Field:   "metrics.path",
			Message: "path must start with /",
		})
	}
	return errs
}

func validateReport(r *ReportConfig) ValidationErrors {
	if r.Enabled && r.Dir == "" {
		return ValidationErrors{{Field: "report.dir", Message: "directory is required when reports are enabled"}}
	}
	return nil
}

func validateAudit(a *AuditConfig) ValidationErrors {
	var errs ValidationErrors
	if !a.Enabled {
		return errs
	}
	if a.Path == "" {
		errs = append(errs, ValidationError{Field: "audit.path", Message: "path is required when audit is enabled"})
	}
	if a.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{Field: "audit.max_size_mb", Message: "max size must be at least 1 MB"})
	}
	return errs
}
