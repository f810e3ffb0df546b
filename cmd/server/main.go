// Command server runs the repotalk gateway: the WebSocket chat surface,
// the read-only session REST endpoints, and the gRPC health service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/repotalk/repotalk-gateway/internal/agent"
	"github.com/repotalk/repotalk-gateway/internal/audit"
	"github.com/repotalk/repotalk-gateway/internal/config"
	"github.com/repotalk/repotalk-gateway/internal/gateway"
	"github.com/repotalk/repotalk-gateway/internal/githubapi"
	"github.com/repotalk/repotalk-gateway/internal/server"
	"github.com/repotalk/repotalk-gateway/internal/store"
)

const version = "1.0.0"

var (
	configPath = flag.String("config", "/etc/repotalk/config.yaml", "Path to configuration file")
	port       = flag.Int("port", 0, "HTTP port (overrides config)")
	debugMode  = flag.Bool("debug", false, "Enable debug logging")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Printf("repotalk-gateway %s\n", version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr, cfg, err := loadConfiguration(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	// CLI overrides win over file and environment.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *debugMode {
		cfg.Logging.Level = "debug"
	}

	log, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: building logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting repotalk gateway",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("port", cfg.Server.Port),
		zap.Int("grpc_port", cfg.Server.GRPCPort),
	)

	auditLog, err := audit.NewLogger(&audit.Config{
		AuditLogPath: cfg.Audit.AuditLogPath,
		AppLogPath:   cfg.Audit.AppLogPath,
		MaxSize:      cfg.Audit.MaxSizeMB,
		MaxBackups:   cfg.Audit.MaxBackups,
		MaxAge:       cfg.Audit.MaxAgeDays,
		Compress:     cfg.Audit.Compress,
		LogLevel:     cfg.Logging.Level,
	})
	if err != nil {
		log.Fatal("initializing audit log failed", zap.Error(err))
	}
	defer auditLog.Close()

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("opening store failed", zap.String("path", cfg.Database.Path), zap.Error(err))
	}
	defer st.Close()

	fetcher := githubapi.NewClient(githubapi.Options{
		Timeout:     time.Duration(cfg.GitHub.Timeout) * time.Second,
		MaxDepth:    cfg.GitHub.MaxDepth,
		MaxEntries:  cfg.GitHub.MaxEntries,
		Concurrency: cfg.GitHub.Concurrency,
		CacheSize:   cfg.GitHub.CacheSize,
		CacheTTL:    time.Duration(cfg.GitHub.CacheTTL) * time.Second,
	})

	responder := agent.NewClient(cfg.Agent.BaseURL, cfg.Agent.Model)
	if cfg.Agent.APIKey != "" {
		responder.Configure(cfg.Agent.APIKey)
	} else {
		log.Warn("no agent credential configured, waiting for clients to submit one")
	}

	registry := gateway.NewRegistry(log, st, auditLog)
	handlers := gateway.NewHandlers(log, registry, st, fetcher, responder, auditLog)
	dispatcher := gateway.NewDispatcher(log, registry, handlers)
	dispatcher.SetFrameLimit(rate.Limit(cfg.Limits.FrameRate), cfg.Limits.FrameBurst)

	srv := server.NewServer(cfg, log, st, registry, dispatcher)
	grpcSrv := server.NewGRPCServer(cfg.Server.GRPCPort, log)

	if err := srv.Start(); err != nil {
		log.Fatal("starting http server failed", zap.Error(err))
	}
	if err := grpcSrv.Start(); err != nil {
		log.Fatal("starting grpc server failed", zap.Error(err))
	}

	auditLog.Log(ctx, audit.NewEvent(audit.EventServerStarted).
		WithDescription(fmt.Sprintf("gateway %s listening on %s:%d", version, cfg.Server.Host, cfg.Server.Port)))

	// Pick up config file edits while running. Only fields read per
	// request take effect without a restart.
	go func() {
		for range mgr.Watch(ctx) {
			log.Info("configuration reloaded", zap.String("config", *configPath))
			auditLog.Log(ctx, audit.NewEvent(audit.EventConfigReloaded))
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown

	log.Info("shutdown signal received", zap.String("signal", sig.String()))
	cancel()

	grpcSrv.Stop()
	if err := srv.Stop(); err != nil {
		log.Warn("stopping http server", zap.Error(err))
	}

	auditLog.Log(context.Background(), audit.NewEvent(audit.EventServerShutdown))
	log.Info("gateway stopped")
}

// loadConfiguration builds the manager, loads every source, and validates
// the result. The manager is returned alongside the snapshot so main can
// subscribe to reloads.
func loadConfiguration(ctx context.Context, path string) (config.ConfigManager, *config.Config, error) {
	mgr, err := config.NewConfigManager(path)
	if err != nil {
		return nil, nil, fmt.Errorf("creating config manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return mgr, mgr.Get(ctx), nil
}

// buildLogger constructs the operational logger from the logging section.
// Audit events go elsewhere (see internal/audit); this logger is stdout
// only and is what systemd or the container runtime collects.
func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Logging.Format == "text" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
