package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// LogSession logs session lifecycle events
	LogSessionConnected(ctx context.Context, sessionID, remoteAddr string) error
	LogSessionDisconnected(ctx context.Context, sessionID string, duration time.Duration) error

	// LogConfigSubmitted logs a client settings submission
	LogConfigSubmitted(ctx context.Context, sessionID string, repositories int) error

	// LogRepository logs repository mutation events
	LogRepositoryAction(ctx context.Context, sessionID, action, repositoryID string) error
	LogRepositoryDenied(ctx context.Context, sessionID, action, reason string) error

	// LogTreeFetched logs a completed file tree fetch
	LogTreeFetched(ctx context.Context, sessionID, repositoryID string, duration time.Duration) error

	// LogChatExchange logs a completed chat round trip
	LogChatExchange(ctx context.Context, sessionID string, duration time.Duration) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// AppLogPath is the path to the application log file
	AppLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		AppLogPath:   "logs/app.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
		LogLevel:     "info",
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
}

// NewLogger creates a new audit logger
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	// Parse log level
	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}

	// Create encoder config
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

	// Create application logger with rotation
	appRotator := &lumberjack.Logger{
		Filename:   config.AppLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	appCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(appRotator),
		level,
	)

	appLogger := zap.New(appCore, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	// Create audit logger with rotation (always INFO level, append-only)
	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel, // Audit logs are always INFO level
	)

	auditZapLogger := zap.New(auditCore)

	// Create the logger instance
	logger := &auditLogger{
		appLogger:   appLogger,
		auditLogger: auditZapLogger,
		config:      config,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	// Start auto-flush goroutine
	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.SessionID == "" {
		event.SessionID = SessionIDFromContext(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Add to buffer
	l.buffer = append(l.buffer, event)

	// Flush if buffer is full
	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	// Write all buffered events
	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("session_id", event.SessionID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	// Clear buffer
	l.buffer = l.buffer[:0]

	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogSessionConnected logs when a client session is registered
func (l *auditLogger) LogSessionConnected(ctx context.Context, sessionID, remoteAddr string) error {
	event := NewEvent(EventSessionConnected).
		WithSessionID(sessionID).
		WithRemoteAddr(remoteAddr).
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("Session %s connected", sessionID))

	return l.Log(ctx, event)
}

// LogSessionDisconnected logs when a client session is removed
func (l *auditLogger) LogSessionDisconnected(ctx context.Context, sessionID string, duration time.Duration) error {
	event := NewEvent(EventSessionDisconnected).
		WithSessionID(sessionID).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Session %s disconnected", sessionID))

	return l.Log(ctx, event)
}

// LogConfigSubmitted logs when a client submits its settings
func (l *auditLogger) LogConfigSubmitted(ctx context.Context, sessionID string, repositories int) error {
	event := NewEvent(EventConfigSubmitted).
		WithSessionID(sessionID).
		WithResult(ResultSuccess).
		WithMetadata("repositories", repositories).
		WithDescription(fmt.Sprintf("Session %s submitted configuration with %d repositories", sessionID, repositories))

	return l.Log(ctx, event)
}

// LogRepositoryAction logs a repository mutation
func (l *auditLogger) LogRepositoryAction(ctx context.Context, sessionID, action, repositoryID string) error {
	event := NewEvent(repositoryEventType(action)).
		WithSessionID(sessionID).
		WithAction(action).
		WithResource(repositoryID, "repository").
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("Repository %s %s for session %s", repositoryID, action, sessionID))

	return l.Log(ctx, event)
}

// LogRepositoryDenied logs a repository mutation that was rejected
func (l *auditLogger) LogRepositoryDenied(ctx context.Context, sessionID, action, reason string) error {
	event := NewEvent(EventRepositoryDenied).
		WithSessionID(sessionID).
		WithAction(action).
		WithResult(ResultDenied).
		WithMetadata("reason", reason).
		WithDescription(fmt.Sprintf("Repository %s denied for session %s: %s", action, sessionID, reason))

	return l.Log(ctx, event)
}

// LogTreeFetched logs a completed file tree fetch
func (l *auditLogger) LogTreeFetched(ctx context.Context, sessionID, repositoryID string, duration time.Duration) error {
	event := NewEvent(EventTreeFetched).
		WithSessionID(sessionID).
		WithResource(repositoryID, "repository").
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("File tree fetched for repository %s", repositoryID))

	return l.Log(ctx, event)
}

// LogChatExchange logs a completed chat round trip
func (l *auditLogger) LogChatExchange(ctx context.Context, sessionID string, duration time.Duration) error {
	event := NewEvent(EventChatExchange).
		WithSessionID(sessionID).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Chat exchange completed for session %s", sessionID))

	return l.Log(ctx, event)
}

// repositoryEventType maps a mutation action to its event type
func repositoryEventType(action string) EventType {
	switch action {
	case "add":
		return EventRepositoryAdded
	case "update":
		return EventRepositoryUpdated
	case "delete":
		return EventRepositoryDeleted
	case "select":
		return EventRepositorySelected
	default:
		return EventRepositoryAdded
	}
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	if err := l.auditLogger.Sync(); err != nil {
		return err
	}

	return l.appLogger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	close(l.stopCh)
	l.flushTicker.Stop()

	if err := l.Sync(); err != nil {
		return err
	}

	return nil
}

type sessionIDKey struct{}

// SessionIDFromContext extracts the session ID from context
func SessionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithSessionID adds a session ID to context
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}
