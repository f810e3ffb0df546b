// Package gateway connects client sessions to the command flows behind the
// chat WebSocket. The Registry tracks live sessions, the Dispatcher pumps
// inbound frames, and Handlers implement one flow per command tag.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/repotalk/repotalk-gateway/internal/audit"
	"github.com/repotalk/repotalk-gateway/internal/metrics"
	"github.com/repotalk/repotalk-gateway/internal/protocol"
	"github.com/repotalk/repotalk-gateway/internal/store"
)

// Transport is the outbound half of an attached client connection.
type Transport interface {
	// Send queues one frame toward the client.
	Send(frame protocol.Frame) error
}

// session is the in-memory state of one attached client.
type session struct {
	transport   Transport
	selected    string
	remoteAddr  string
	connectedAt time.Time
}

// Registry maps session IDs to live transports and holds the per-session
// selected repository. Session IDs are minted here; everything else keys
// off them.
type Registry struct {
	log   *zap.Logger
	store store.ConnectionStore
	audit audit.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewRegistry creates an empty session registry.
func NewRegistry(log *zap.Logger, st store.ConnectionStore, auditLog audit.Logger) *Registry {
	if auditLog == nil {
		panic("audit logger is required")
	}
	return &Registry{
		log:      log,
		store:    st,
		audit:    auditLog,
		sessions: make(map[string]*session),
	}
}

// Register attaches a transport under a fresh session ID and marks the
// connection active in the store. The ID is returned only after the store
// write succeeded, so every served session has a persisted connection row.
func (r *Registry) Register(ctx context.Context, t Transport, remoteAddr string) (string, error) {
	sessionID := uuid.New().String()
	if err := r.store.AddConnection(ctx, sessionID); err != nil {
		return "", fmt.Errorf("registering session: %w", err)
	}

	r.mu.Lock()
	r.sessions[sessionID] = &session{
		transport:   t,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
	}
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.SessionsActive.Set(float64(count))
	metrics.SessionsTotal.Inc()
	r.audit.LogSessionConnected(ctx, sessionID, remoteAddr)
	r.log.Info("session registered",
		zap.String("session_id", sessionID),
		zap.String("remote_addr", remoteAddr),
		zap.Int("active_sessions", count),
	)

	return sessionID, nil
}

// Unregister detaches a session and drops its selection. Safe to call for
// IDs that were never registered or were already removed. The store write
// runs in the background so teardown never blocks the read loop.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return
	}

	metrics.SessionsActive.Set(float64(count))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.RemoveConnection(ctx, sessionID); err != nil {
			r.log.Error("marking connection inactive failed",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}()

	r.audit.LogSessionDisconnected(context.Background(), sessionID, time.Since(sess.connectedAt))
	r.log.Info("session unregistered",
		zap.String("session_id", sessionID),
		zap.Int("active_sessions", count),
	)
}

// Deliver writes one frame to a registered session. Frames for unknown IDs
// are dropped: the session may have unregistered between lookup and use,
// and the caller cannot treat that as fatal.
func (r *Registry) Deliver(sessionID string, frame protocol.Frame) {
	r.mu.RLock()
	sess, ok := r.sessions[sessionID]
	r.mu.RUnlock()

	if !ok {
		r.log.Debug("dropping frame for unknown session",
			zap.String("session_id", sessionID),
			zap.String("type", frame.Type),
		)
		return
	}

	if err := sess.transport.Send(frame); err != nil {
		r.log.Warn("frame delivery failed",
			zap.String("session_id", sessionID),
			zap.String("type", frame.Type),
			zap.Error(err),
		)
		return
	}

	metrics.FramesTotal.WithLabelValues("outbound").Inc()
}

// SelectedRepository returns the session's selected repository ID, or ""
// when nothing is selected or the session is unknown.
func (r *Registry) SelectedRepository(sessionID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if sess, ok := r.sessions[sessionID]; ok {
		return sess.selected
	}
	return ""
}

// SetSelectedRepository records the session's selected repository. In-memory
// only; selection does not survive a reconnect.
func (r *Registry) SetSelectedRepository(sessionID, repositoryID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[sessionID]; ok {
		sess.selected = repositoryID
	}
}

// ClearSelectedRepository drops the session's selection.
func (r *Registry) ClearSelectedRepository(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[sessionID]; ok {
		sess.selected = ""
	}
}

// Count returns the number of attached sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
