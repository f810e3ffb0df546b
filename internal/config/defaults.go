package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8080
	cfg.Server.GRPCPort = 50051
	cfg.Server.TLSEnabled = false
	cfg.Server.TLSCertPath = ""
	cfg.Server.TLSKeyPath = ""
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}

	// Database defaults
	cfg.Database.Path = "/var/lib/repotalk/gateway.db"

	// Agent defaults
	cfg.Agent.BaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"
	cfg.Agent.Model = "gemini-2.0-flash"
	cfg.Agent.APIKey = ""

	// GitHub defaults
	cfg.GitHub.Timeout = 30
	cfg.GitHub.MaxDepth = 10
	cfg.GitHub.MaxEntries = 5000
	cfg.GitHub.Concurrency = 8
	cfg.GitHub.CacheSize = 128
	cfg.GitHub.CacheTTL = 60

	// Limits defaults
	cfg.Limits.FrameRate = 50
	cfg.Limits.FrameBurst = 100
	cfg.Limits.RequestsPerMinute = 300

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	// Audit defaults
	cfg.Audit.AuditLogPath = "logs/audit.log"
	cfg.Audit.AppLogPath = "logs/app.log"
	cfg.Audit.MaxSizeMB = 100
	cfg.Audit.MaxBackups = 10
	cfg.Audit.MaxAgeDays = 30
	cfg.Audit.Compress = true

	return cfg
}
