package config

import "context"

// Package config provides configuration management for repotalk-gateway.
//
// Responsibilities:
//   - Load configuration from YAML files and environment variables
//   - Validate configuration on startup
//   - Provide runtime access to all configuration
//   - Support configuration reloading for file-backed settings
//   - Manage sensitive data (agent API keys)
//   - Establish reasonable defaults
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (REPOTALK_* prefix)
//   2. YAML config files (default: /etc/repotalk/config.yaml)
//   3. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server
//      - host: Listen host (default 0.0.0.0)
//      - port: HTTP/WebSocket listen port (default 8080)
//      - grpc_port: gRPC health listen port (default 50051)
//      - tls_enabled: Enable TLS
//      - allowed_origins: Origins permitted to open WebSocket connections
//
//   2. Database
//      - path: Path to the SQLite file
//
//   3. Agent
//      - base_url: Chat completions endpoint (OpenAI-compatible)
//      - model: Model name
//      - api_key: Server-side default credential (clients may override)
//
//   4. GitHub
//      - timeout: Request timeout in seconds
//      - max_depth / max_entries: File tree walk bounds
//      - concurrency: Parallel directory listings per tree fetch
//      - cache_size / cache_ttl_seconds: Tree response cache
//
//   5. Limits
//      - frame_rate / frame_burst: Per-session inbound frame throttle
//      - requests_per_minute: Per-IP HTTP rate limit
//
//   6. Logging
//      - level: "debug" | "info" | "warn" | "error"
//      - format: "json" | "text"
//
//   7. Audit
//      - audit_log_path / app_log_path: Log file locations
//      - max_size_mb / max_backups / max_age_days / compress: Rotation policy
//
// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Host        string
		Port        int
		GRPCPort    int
		TLSEnabled  bool
		TLSCertPath string
		TLSKeyPath  string
		// AllowedOrigins is a list of origins permitted to open WebSocket
		// connections. Use ["*"] to allow any origin (development only).
		// If empty, defaults to ["http://localhost:3000"].
		AllowedOrigins []string
	}

	// Database configuration
	Database struct {
		Path string
	}

	// Agent configuration
	Agent struct {
		BaseURL string
		Model   string
		// APIKey is the server-side default credential. A credential
		// submitted by a client over the socket replaces it for that
		// responder.
		APIKey string
	}

	// GitHub configuration
	GitHub struct {
		Timeout     int
		MaxDepth    int
		MaxEntries  int
		Concurrency int
		CacheSize   int
		CacheTTL    int
	}

	// Limits configuration
	Limits struct {
		FrameRate         float64
		FrameBurst        int
		RequestsPerMinute int
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
	}

	// Audit configuration
	Audit struct {
		AuditLogPath string
		AppLogPath   string
		MaxSizeMB    int
		MaxBackups   int
		MaxAgeDays   int
		Compress     bool
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/repotalk/config.yaml")
}
