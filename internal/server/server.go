// Package server assembles the HTTP surface of the gateway: the chat
// WebSocket, read-only session REST endpoints, health probes, and the
// Prometheus scrape handler.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/repotalk/repotalk-gateway/internal/config"
	"github.com/repotalk/repotalk-gateway/internal/gateway"
	"github.com/repotalk/repotalk-gateway/internal/middleware"
	"github.com/repotalk/repotalk-gateway/internal/store"
)

// Server represents the gateway HTTP server.
type Server struct {
	cfg        *config.Config
	log        *zap.Logger
	store      store.Store
	registry   *gateway.Registry
	dispatcher *gateway.Dispatcher

	router     *mux.Router
	httpServer *http.Server
	limiter    *middleware.RateLimiter
	upgrader   websocket.Upgrader

	// Lifecycle
	wg sync.WaitGroup

	// State
	mu      sync.Mutex
	running bool
	clients map[*Client]struct{}
}

// NewServer creates the gateway server around its collaborators.
func NewServer(cfg *config.Config, log *zap.Logger, st store.Store, registry *gateway.Registry, dispatcher *gateway.Dispatcher) *Server {
	s := &Server{
		cfg:        cfg,
		log:        log,
		store:      st,
		registry:   registry,
		dispatcher: dispatcher,
		limiter:    middleware.NewRateLimiter(cfg.Limits.RequestsPerMinute),
		upgrader:   newUpgrader(cfg.Server.AllowedOrigins),
		clients:    make(map[*Client]struct{}),
	}
	s.router = s.buildRouter()
	return s
}

// buildRouter registers routes and middleware.
func (s *Server) buildRouter() *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.StructuredLog(s.log))
	router.Use(s.limiter.Middleware)

	// Probes and scrape
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Chat socket
	router.HandleFunc("/ws", s.handleWebSocket)

	// Read-only session endpoints
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/repositories", s.handleListRepositories).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/config", s.handleGetConfig).Methods(http.MethodGet)

	return router
}

// Handler returns the fully assembled HTTP handler, CORS included.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("http server listening", zap.String("addr", s.httpServer.Addr))

		var err error
		if s.cfg.Server.TLSEnabled {
			err = s.httpServer.ListenAndServeTLS(s.cfg.Server.TLSCertPath, s.cfg.Server.TLSKeyPath)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.log.Error("http server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the server: live sessions are closed so their read
// loops unwind and unregister, then the listener drains.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	s.log.Info("stopping http server", zap.Int("open_sessions", len(clients)))

	for _, c := range clients {
		c.Close()
	}

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http server shutdown", zap.Error(err))
		}
	}

	s.limiter.Stop()
	s.wg.Wait()
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) trackClient(c *Client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}
