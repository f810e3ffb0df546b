package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/repotalk/repotalk-gateway/internal/models"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"service":   "repotalk-gateway",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports readiness. The gateway is ready when its database
// answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.Warn("readiness probe failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleSessions reports the live session count.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"active": s.registry.Count()})
}

// handleListMessages returns a session's stored transcript, oldest first.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	messages, err := s.store.ListMessages(r.Context(), sessionID)
	if err != nil {
		s.log.Error("listing messages failed", zap.String("session_id", sessionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if messages == nil {
		messages = []models.ChatMessage{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"messages":   messages,
		"count":      len(messages),
	})
}

// handleListRepositories returns a session's repositories with credentials
// stripped.
func (s *Server) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	repos, err := s.store.ListRepositories(r.Context(), sessionID)
	if err != nil {
		s.log.Error("listing repositories failed", zap.String("session_id", sessionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list repositories")
		return
	}
	if repos == nil {
		repos = []models.Repository{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":   sessionID,
		"repositories": repos,
		"count":        len(repos),
	})
}

// handleGetConfig returns a session's stored settings blob with credential
// fields masked.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	raw, err := s.store.GetConnectionConfig(r.Context(), sessionID)
	if err != nil {
		s.log.Error("reading config failed", zap.String("session_id", sessionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read config")
		return
	}
	if raw == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"config":     redactConfig(raw),
	})
}

// redactConfig masks credential fields in a stored settings blob. Blobs that
// fail to parse come back empty rather than leaking raw bytes.
func redactConfig(raw json.RawMessage) map[string]interface{} {
	var cfg map[string]interface{}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return map[string]interface{}{}
	}
	if _, ok := cfg["agentToken"]; ok {
		cfg["agentToken"] = "[REDACTED]"
	}
	if repos, ok := cfg["repositories"].([]interface{}); ok {
		for _, entry := range repos {
			if repo, ok := entry.(map[string]interface{}); ok {
				if _, ok := repo["token"]; ok {
					repo["token"] = "[REDACTED]"
				}
			}
		}
	}
	return cfg
}
