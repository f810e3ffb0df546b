package gateway

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/repotalk/repotalk-gateway/internal/audit"
	"github.com/repotalk/repotalk-gateway/internal/metrics"
	"github.com/repotalk/repotalk-gateway/internal/protocol"
)

// Per-session inbound frame throttle. Generous for interactive use, tight
// enough that one client cannot monopolize the store or the remote APIs.
const (
	DefaultFrameRate  rate.Limit = 50
	DefaultFrameBurst            = 100
)

// handlerFunc is one command flow. Handlers report outcomes as frames
// toward the session and never return errors to the loop.
type handlerFunc func(ctx context.Context, sessionID string, payload json.RawMessage)

// Conn is an attached client connection as the dispatch loop sees it: the
// outbound half shared with the registry plus a blocking frame reader.
type Conn interface {
	Transport

	// ReadFrame blocks until the next inbound frame or a terminal
	// transport error.
	ReadFrame() ([]byte, error)

	// RemoteAddr identifies the peer for logs and audit.
	RemoteAddr() string
}

// Dispatcher pumps inbound frames for one connection at a time and routes
// them through a command table fixed at construction.
type Dispatcher struct {
	log      *zap.Logger
	registry *Registry
	table    map[string]handlerFunc
	limit    rate.Limit
	burst    int
}

// NewDispatcher binds the command table once. Tags outside the table are
// logged and skipped at dispatch time, never looked up dynamically.
func NewDispatcher(log *zap.Logger, registry *Registry, handlers *Handlers) *Dispatcher {
	return &Dispatcher{
		log:      log,
		registry: registry,
		table: map[string]handlerFunc{
			protocol.TypeSubmitConfig:     handlers.Configure,
			protocol.TypeFetchFiles:       handlers.FetchTree,
			protocol.TypeSendChatMessage:  handlers.SendChat,
			protocol.TypeAddRepository:    handlers.AddRepository,
			protocol.TypeUpdateRepository: handlers.UpdateRepository,
			protocol.TypeDeleteRepository: handlers.DeleteRepository,
			protocol.TypeSelectRepository: handlers.SelectRepository,
		},
		limit: DefaultFrameRate,
		burst: DefaultFrameBurst,
	}
}

// SetFrameLimit overrides the per-session inbound throttle.
func (d *Dispatcher) SetFrameLimit(limit rate.Limit, burst int) {
	d.limit = limit
	d.burst = burst
}

// Serve owns conn for the life of one session. It registers the session
// (a store failure refuses the connection), pumps inbound frames until the
// transport fails, then unregisters exactly once. Handlers run inline on
// this goroutine, so one session's replies keep their submission order
// while sessions stay independent of each other.
func (d *Dispatcher) Serve(ctx context.Context, conn Conn) error {
	sessionID, err := d.registry.Register(ctx, conn, conn.RemoteAddr())
	if err != nil {
		return err
	}
	defer d.registry.Unregister(sessionID)

	ctx = audit.WithSessionID(ctx, sessionID)
	limiter := rate.NewLimiter(d.limit, d.burst)

	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			d.log.Info("session closed",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
			return nil
		}
		metrics.FramesTotal.WithLabelValues("inbound").Inc()

		if err := limiter.Wait(ctx); err != nil {
			return nil
		}

		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			metrics.FramesRejected.WithLabelValues("malformed").Inc()
			d.log.Error("dropping malformed frame",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
			continue
		}

		// Liveness probes are answered inline, they never reach the table.
		switch env.Type {
		case protocol.TypePing:
			d.registry.Deliver(sessionID, protocol.Pong())
			continue
		case protocol.TypePong:
			d.log.Info("received PONG", zap.String("session_id", sessionID))
			continue
		}

		handler, ok := d.table[env.Type]
		if !ok {
			metrics.FramesRejected.WithLabelValues("unknown_type").Inc()
			d.log.Warn("unknown message type",
				zap.String("session_id", sessionID),
				zap.String("type", env.Type),
			)
			continue
		}

		d.log.Info("received message",
			zap.String("session_id", sessionID),
			zap.String("type", env.Type),
		)
		d.invoke(ctx, sessionID, env.Type, handler, env.Payload)
	}
}

// invoke shields the read loop from handler panics: one bad command must
// not tear down the session, let alone the process.
func (d *Dispatcher) invoke(ctx context.Context, sessionID, frameType string, handler handlerFunc, payload json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("handler panic",
				zap.String("session_id", sessionID),
				zap.String("type", frameType),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
		}
	}()

	start := time.Now()
	metrics.CommandsTotal.WithLabelValues(frameType).Inc()
	handler(ctx, sessionID, payload)
	metrics.CommandDuration.WithLabelValues(frameType).Observe(time.Since(start).Seconds())
}
