package models

import "encoding/json"

// Package models defines the chat domain types shared across the gateway.
//
// These types cross three boundaries: the WebSocket wire (as frame payloads),
// the store (as persisted rows), and the tree fetcher (as results).

// Default repository coordinates applied when the client omits them.
const (
	DefaultHost   = "github.com"
	DefaultBranch = "main"
)

// Sender identifies who authored a chat message.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderAgent  Sender = "agent"
	SenderSystem Sender = "system"
)

// Valid reports whether s is one of the three known sender roles.
func (s Sender) Valid() bool {
	switch s {
	case SenderUser, SenderAgent, SenderSystem:
		return true
	}
	return false
}

// ChatMessage is one stored conversation entry. Immutable once stored;
// Timestamp (unix milliseconds) ascending defines conversation order.
type ChatMessage struct {
	ID        string `json:"id" db:"id"`
	Sender    Sender `json:"sender" db:"sender"`
	Text      string `json:"text" db:"text"`
	Timestamp int64  `json:"timestamp" db:"timestamp"`
	SessionID string `json:"-" db:"session_id"`
}

// Repository is one repository record owned by a session. Token is the
// access credential: accepted on input, stored, and stripped from every
// outbound representation (see Sanitized).
type Repository struct {
	ID        string `json:"id,omitempty" db:"id"`
	Name      string `json:"name" db:"name"`
	URL       string `json:"url,omitempty" db:"url"`
	Host      string `json:"host,omitempty" db:"host"`
	Owner     string `json:"owner" db:"owner"`
	Repo      string `json:"repo" db:"repo"`
	Branch    string `json:"branch,omitempty" db:"branch"`
	Token     string `json:"token,omitempty" db:"token"`
	SessionID string `json:"-" db:"session_id"`
	CreatedAt int64  `json:"created_at,omitempty" db:"created_at"`
}

// Sanitized returns a copy safe to serialize toward the client: the access
// credential is cleared and, having omitempty, disappears from the JSON form.
func (r Repository) Sanitized() Repository {
	r.Token = ""
	return r
}

// ApplyDefaults fills Host and Branch when the client left them empty.
func (r *Repository) ApplyDefaults() {
	if r.Host == "" {
		r.Host = DefaultHost
	}
	if r.Branch == "" {
		r.Branch = DefaultBranch
	}
}

// NodeType distinguishes tree entries.
type NodeType string

const (
	NodeFile      NodeType = "file"
	NodeDirectory NodeType = "directory"
)

// FileNode is one entry in a fetched repository tree. Directories carry
// their children in remote listing order; files have none. Produced fresh
// on every fetch and never persisted.
type FileNode struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Type     NodeType    `json:"type"`
	Path     string      `json:"path"`
	Children []*FileNode `json:"children,omitempty"`
}

// Connection is the persisted liveness and configuration record for one
// session. Config is the opaque settings blob submitted at configure time;
// the gateway reads it back and enriches it before each agent call.
type Connection struct {
	SessionID string          `json:"session_id" db:"session_id"`
	Active    bool            `json:"active" db:"active"`
	Config    json.RawMessage `json:"config,omitempty" db:"config"`
	CreatedAt int64           `json:"created_at" db:"created_at"`
	UpdatedAt int64           `json:"updated_at" db:"updated_at"`
}
