// Package store persists per-session state for the gateway: connection
// markers, chat transcripts, and configured repositories. The canonical
// implementation is SQLite via sqlx; see sqlite.go.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/repotalk/repotalk-gateway/internal/models"
)

// ErrNameConflict is returned by UpsertRepository when renaming an existing
// repository would collide with another repository's name in the same session.
var ErrNameConflict = errors.New("repository name already in use")

// ─────────────────────────────── Connections ───────────────────────────────

// ConnectionStore tracks which sessions are (or were) connected and holds the
// last configuration blob each session submitted.
type ConnectionStore interface {
	// AddConnection marks a session as connected, creating the row on first
	// contact. Safe to call for a session that already exists.
	AddConnection(ctx context.Context, sessionID string) error

	// RemoveConnection marks a session as disconnected. The row and its
	// configuration are kept so a reconnecting client can resume.
	RemoveConnection(ctx context.Context, sessionID string) error

	// UpdateConnectionConfig replaces the stored configuration blob for a
	// session, creating the connection row if it does not exist yet.
	UpdateConnectionConfig(ctx context.Context, sessionID string, config json.RawMessage) error

	// GetConnectionConfig returns the last configuration blob submitted by a
	// session. Returns nil, nil when no configuration has been saved yet.
	GetConnectionConfig(ctx context.Context, sessionID string) (json.RawMessage, error)
}

// ──────────────────────────────── Messages ─────────────────────────────────

// MessageStore persists the chat transcript of each session.
type MessageStore interface {
	// AppendMessage stores one chat message and returns it with its generated
	// ID and timestamp filled in.
	AppendMessage(ctx context.Context, sessionID string, sender models.Sender, text string) (*models.ChatMessage, error)

	// ListMessages returns the session's transcript in chronological order.
	ListMessages(ctx context.Context, sessionID string) ([]models.ChatMessage, error)
}

// ─────────────────────────────── Repositories ──────────────────────────────

// RepositoryStore persists the repositories a session has configured.
//
// Access tokens are write-only at this boundary: UpsertRepository and
// ListRepositories return records with the token cleared, so callers cannot
// leak credentials into responses by accident. GetRepository is the one
// read that includes the token, for use when talking to the remote API.
type RepositoryStore interface {
	// UpsertRepository inserts or updates a repository for a session and
	// returns the stored record with the token cleared.
	//
	// Resolution order: a repository with a matching ID is updated in place;
	// otherwise a repository with a matching name is replaced wholesale, so
	// re-adding "frontend" twice keeps one row with the newer metadata.
	// Updating an existing repository to a name owned by a different
	// repository fails with ErrNameConflict.
	UpsertRepository(ctx context.Context, sessionID string, repo models.Repository) (*models.Repository, error)

	// ListRepositories returns the session's repositories, oldest first,
	// tokens cleared.
	ListRepositories(ctx context.Context, sessionID string) ([]models.Repository, error)

	// GetRepository returns one repository including its access token.
	// Returns nil, nil when the session has no repository with that ID.
	GetRepository(ctx context.Context, sessionID, repoID string) (*models.Repository, error)

	// DeleteRepository removes one repository. The returned bool reports
	// whether a row was actually deleted.
	DeleteRepository(ctx context.Context, sessionID, repoID string) (bool, error)
}

// ────────────────────────────────── Store ──────────────────────────────────

// Store is the full persistence surface used by the gateway.
type Store interface {
	ConnectionStore
	MessageStore
	RepositoryStore

	// Ping verifies the underlying database is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying database handle.
	Close() error
}
