package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	// Initialize viper
	m.viper = viper.New()

	// Set config file path
	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	// Set environment variable prefix
	m.viper.SetEnvPrefix("REPOTALK")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	m.setDefaults()

	// Try to read config file (optional)
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// File not found via viper, use defaults
		} else if os.IsNotExist(err) {
			// File not found via os, use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Apply environment variable overrides for sensitive data
	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		m.applyEnvOverrides()
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	// Re-read config file
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Apply environment variable overrides
	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.host", defaults.Server.Host)
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.grpc_port", defaults.Server.GRPCPort)
	m.viper.SetDefault("server.tls_enabled", defaults.Server.TLSEnabled)
	m.viper.SetDefault("server.tls_cert_path", defaults.Server.TLSCertPath)
	m.viper.SetDefault("server.tls_key_path", defaults.Server.TLSKeyPath)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)

	// Database defaults
	m.viper.SetDefault("database.path", defaults.Database.Path)

	// Agent defaults
	m.viper.SetDefault("agent.base_url", defaults.Agent.BaseURL)
	m.viper.SetDefault("agent.model", defaults.Agent.Model)
	m.viper.SetDefault("agent.api_key", defaults.Agent.APIKey)

	// GitHub defaults
	m.viper.SetDefault("github.timeout", defaults.GitHub.Timeout)
	m.viper.SetDefault("github.max_depth", defaults.GitHub.MaxDepth)
	m.viper.SetDefault("github.max_entries", defaults.GitHub.MaxEntries)
	m.viper.SetDefault("github.concurrency", defaults.GitHub.Concurrency)
	m.viper.SetDefault("github.cache_size", defaults.GitHub.CacheSize)
	m.viper.SetDefault("github.cache_ttl_seconds", defaults.GitHub.CacheTTL)

	// Limits defaults
	m.viper.SetDefault("limits.frame_rate", defaults.Limits.FrameRate)
	m.viper.SetDefault("limits.frame_burst", defaults.Limits.FrameBurst)
	m.viper.SetDefault("limits.requests_per_minute", defaults.Limits.RequestsPerMinute)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)

	// Audit defaults
	m.viper.SetDefault("audit.audit_log_path", defaults.Audit.AuditLogPath)
	m.viper.SetDefault("audit.app_log_path", defaults.Audit.AppLogPath)
	m.viper.SetDefault("audit.max_size_mb", defaults.Audit.MaxSizeMB)
	m.viper.SetDefault("audit.max_backups", defaults.Audit.MaxBackups)
	m.viper.SetDefault("audit.max_age_days", defaults.Audit.MaxAgeDays)
	m.viper.SetDefault("audit.compress", defaults.Audit.Compress)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Host = m.viper.GetString("server.host")
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.GRPCPort = m.viper.GetInt("server.grpc_port")
	cfg.Server.TLSEnabled = m.viper.GetBool("server.tls_enabled")
	cfg.Server.TLSCertPath = m.viper.GetString("server.tls_cert_path")
	cfg.Server.TLSKeyPath = m.viper.GetString("server.tls_key_path")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")

	// Database
	cfg.Database.Path = m.viper.GetString("database.path")

	// Agent
	cfg.Agent.BaseURL = m.viper.GetString("agent.base_url")
	cfg.Agent.Model = m.viper.GetString("agent.model")
	cfg.Agent.APIKey = m.viper.GetString("agent.api_key")

	// GitHub
	cfg.GitHub.Timeout = m.viper.GetInt("github.timeout")
	cfg.GitHub.MaxDepth = m.viper.GetInt("github.max_depth")
	cfg.GitHub.MaxEntries = m.viper.GetInt("github.max_entries")
	cfg.GitHub.Concurrency = m.viper.GetInt("github.concurrency")
	cfg.GitHub.CacheSize = m.viper.GetInt("github.cache_size")
	cfg.GitHub.CacheTTL = m.viper.GetInt("github.cache_ttl_seconds")

	// Limits
	cfg.Limits.FrameRate = m.viper.GetFloat64("limits.frame_rate")
	cfg.Limits.FrameBurst = m.viper.GetInt("limits.frame_burst")
	cfg.Limits.RequestsPerMinute = m.viper.GetInt("limits.requests_per_minute")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")

	// Audit
	cfg.Audit.AuditLogPath = m.viper.GetString("audit.audit_log_path")
	cfg.Audit.AppLogPath = m.viper.GetString("audit.app_log_path")
	cfg.Audit.MaxSizeMB = m.viper.GetInt("audit.max_size_mb")
	cfg.Audit.MaxBackups = m.viper.GetInt("audit.max_backups")
	cfg.Audit.MaxAgeDays = m.viper.GetInt("audit.max_age_days")
	cfg.Audit.Compress = m.viper.GetBool("audit.compress")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies environment variable overrides for sensitive data.
func (m *viperConfigManager) applyEnvOverrides() {
	// Agent API key from environment
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		m.config.Agent.APIKey = apiKey
	}
	if apiKey := os.Getenv("REPOTALK_AGENT_API_KEY"); apiKey != "" {
		m.config.Agent.APIKey = apiKey
	}

	// Database path from environment
	if path := os.Getenv("REPOTALK_DATABASE_PATH"); path != "" {
		m.config.Database.Path = path
	}

	// Port from environment - only override if explicitly set
	if portEnv := os.Getenv("REPOTALK_PORT"); portEnv != "" {
		m.config.Server.Port = m.viper.GetInt("port")
	}
}
