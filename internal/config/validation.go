package config

import (
	"fmt"
	"net/url"
	"os"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	if c.Server.GRPCPort < 1 || c.Server.GRPCPort > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.grpc_port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.GRPCPort),
		})
	}

	if c.Server.Port == c.Server.GRPCPort {
		errs = append(errs, &ValidationError{
			Field:   "server.grpc_port",
			Message: fmt.Sprintf("grpc_port must differ from port, both are %d", c.Server.GRPCPort),
		})
	}

	if c.Server.TLSEnabled {
		if c.Server.TLSCertPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: "tls_cert_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSCertPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: fmt.Sprintf("certificate file does not exist: %s", c.Server.TLSCertPath),
			})
		}

		if c.Server.TLSKeyPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: "tls_key_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSKeyPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: fmt.Sprintf("key file does not exist: %s", c.Server.TLSKeyPath),
			})
		}
	}

	// Validate database configuration
	if c.Database.Path == "" {
		errs = append(errs, &ValidationError{
			Field:   "database.path",
			Message: "database path is required",
		})
	}

	// Validate agent configuration
	if c.Agent.BaseURL == "" {
		errs = append(errs, &ValidationError{
			Field:   "agent.base_url",
			Message: "agent base_url is required",
		})
	} else if u, err := url.Parse(c.Agent.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, &ValidationError{
			Field:   "agent.base_url",
			Message: fmt.Sprintf("invalid URL: %s", c.Agent.BaseURL),
		})
	}

	if c.Agent.Model == "" {
		errs = append(errs, &ValidationError{
			Field:   "agent.model",
			Message: "agent model is required",
		})
	}

	// A missing API key is not fatal: clients submit their own credential
	// over the socket, and an unconfigured responder degrades to an error
	// frame per exchange rather than refusing startup.

	// Validate github configuration
	if c.GitHub.Timeout < 1 {
		errs = append(errs, &ValidationError{
			Field:   "github.timeout",
			Message: fmt.Sprintf("timeout must be at least 1 second, got %d", c.GitHub.Timeout),
		})
	}

	if c.GitHub.MaxDepth < 1 {
		errs = append(errs, &ValidationError{
			Field:   "github.max_depth",
			Message: fmt.Sprintf("max_depth must be at least 1, got %d", c.GitHub.MaxDepth),
		})
	}

	if c.GitHub.MaxEntries < 1 {
		errs = append(errs, &ValidationError{
			Field:   "github.max_entries",
			Message: fmt.Sprintf("max_entries must be at least 1, got %d", c.GitHub.MaxEntries),
		})
	}

	if c.GitHub.Concurrency < 1 {
		errs = append(errs, &ValidationError{
			Field:   "github.concurrency",
			Message: fmt.Sprintf("concurrency must be at least 1, got %d", c.GitHub.Concurrency),
		})
	}

	// Validate limits configuration
	if c.Limits.FrameRate <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "limits.frame_rate",
			Message: fmt.Sprintf("frame_rate must be positive, got %v", c.Limits.FrameRate),
		})
	}

	if c.Limits.FrameBurst < 1 {
		errs = append(errs, &ValidationError{
			Field:   "limits.frame_burst",
			Message: fmt.Sprintf("frame_burst must be at least 1, got %d", c.Limits.FrameBurst),
		})
	}

	if c.Limits.RequestsPerMinute < 1 {
		errs = append(errs, &ValidationError{
			Field:   "limits.requests_per_minute",
			Message: fmt.Sprintf("requests_per_minute must be at least 1, got %d", c.Limits.RequestsPerMinute),
		})
	}

	// Validate logging configuration
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid format '%s', must be json or text", c.Logging.Format),
		})
	}

	// Validate audit configuration
	if c.Audit.AuditLogPath == "" {
		errs = append(errs, &ValidationError{
			Field:   "audit.audit_log_path",
			Message: "audit_log_path is required",
		})
	}

	if c.Audit.AppLogPath == "" {
		errs = append(errs, &ValidationError{
			Field:   "audit.app_log_path",
			Message: "app_log_path is required",
		})
	}

	if c.Audit.MaxSizeMB < 1 {
		errs = append(errs, &ValidationError{
			Field:   "audit.max_size_mb",
			Message: fmt.Sprintf("max_size_mb must be at least 1, got %d", c.Audit.MaxSizeMB),
		})
	}

	return errs
}
