package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/repotalk/repotalk-gateway/internal/models"
)

// SQLite implements Store on a local SQLite database.
type SQLite struct {
	db *sqlx.DB
}

var _ Store = (*SQLite)(nil)

// migrations run in order inside migrate. Append new entries, never edit
// applied ones.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
		CREATE TABLE IF NOT EXISTS connections (
			session_id TEXT PRIMARY KEY,
			active     INTEGER NOT NULL DEFAULT 1,
			config     TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			sender     TEXT NOT NULL,
			text       TEXT NOT NULL,
			timestamp  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session
			ON messages (session_id, timestamp);

		CREATE TABLE IF NOT EXISTS repositories (
			id         TEXT NOT NULL,
			session_id TEXT NOT NULL,
			name       TEXT NOT NULL,
			url        TEXT NOT NULL DEFAULT '',
			host       TEXT NOT NULL,
			owner      TEXT NOT NULL DEFAULT '',
			repo       TEXT NOT NULL DEFAULT '',
			branch     TEXT NOT NULL,
			token      TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_repositories_session_name
			ON repositories (session_id, name);
		`,
	},
}

// Open connects to the SQLite database at path, creating the file and any
// missing parent directories, and brings the schema up to date.
func Open(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows a single writer, and :memory: databases exist per
	// connection, so the pool must stay at one.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version    INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	var current int
	if err := s.db.Get(&current, `SELECT COALESCE(MAX(version), 0) FROM schema_versions`); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)`,
			m.version, nowMillis(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// ─────────────────────────────── Connections ───────────────────────────────

func (s *SQLite) AddConnection(ctx context.Context, sessionID string) error {
	now := nowMillis()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (session_id, active, created_at, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			active     = 1,
			updated_at = excluded.updated_at`,
		sessionID, now, now)
	if err != nil {
		return fmt.Errorf("add connection %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLite) RemoveConnection(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE connections SET active = 0, updated_at = ? WHERE session_id = ?`,
		nowMillis(), sessionID)
	if err != nil {
		return fmt.Errorf("remove connection %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLite) UpdateConnectionConfig(ctx context.Context, sessionID string, config json.RawMessage) error {
	now := nowMillis()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (session_id, active, config, created_at, updated_at)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			config     = excluded.config,
			updated_at = excluded.updated_at`,
		sessionID, []byte(config), now, now)
	if err != nil {
		return fmt.Errorf("update connection config %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLite) GetConnectionConfig(ctx context.Context, sessionID string) (json.RawMessage, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw,
		`SELECT config FROM connections WHERE session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get connection config %s: %w", sessionID, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return json.RawMessage(raw), nil
}

// ──────────────────────────────── Messages ─────────────────────────────────

func (s *SQLite) AppendMessage(ctx context.Context, sessionID string, sender models.Sender, text string) (*models.ChatMessage, error) {
	msg := &models.ChatMessage{
		ID:        uuid.New().String(),
		Sender:    sender,
		Text:      text,
		Timestamp: nowMillis(),
		SessionID: sessionID,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, sender, text, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Sender, msg.Text, msg.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("append message for %s: %w", sessionID, err)
	}
	return msg, nil
}

func (s *SQLite) ListMessages(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	err := s.db.SelectContext(ctx, &msgs, `
		SELECT * FROM messages WHERE session_id = ? ORDER BY timestamp, rowid`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", sessionID, err)
	}
	return msgs, nil
}

// ─────────────────────────────── Repositories ──────────────────────────────

func (s *SQLite) UpsertRepository(ctx context.Context, sessionID string, repo models.Repository) (*models.Repository, error) {
	repo.SessionID = sessionID

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin repository upsert: %w", err)
	}
	defer tx.Rollback()

	var stored models.Repository
	if repo.ID != "" {
		var existing models.Repository
		err := tx.GetContext(ctx, &existing,
			`SELECT * FROM repositories WHERE session_id = ? AND id = ?`,
			sessionID, repo.ID)
		switch {
		case err == nil:
			stored, err = updateRepository(ctx, tx, existing, repo)
			if err != nil {
				return nil, err
			}
		case errors.Is(err, sql.ErrNoRows):
			stored, err = replaceRepositoryByName(ctx, tx, repo)
			if err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("look up repository %s: %w", repo.ID, err)
		}
	} else {
		stored, err = replaceRepositoryByName(ctx, tx, repo)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit repository upsert: %w", err)
	}
	out := stored.Sanitized()
	return &out, nil
}

// updateRepository merges the incoming fields over an existing row, keeping
// stored values where the update left a field empty. Renaming onto a name
// held by a different repository fails with ErrNameConflict.
func updateRepository(ctx context.Context, tx *sqlx.Tx, existing, incoming models.Repository) (models.Repository, error) {
	merged := existing
	if incoming.Name != "" {
		merged.Name = incoming.Name
	}
	if incoming.URL != "" {
		merged.URL = incoming.URL
	}
	if incoming.Host != "" {
		merged.Host = incoming.Host
	}
	if incoming.Owner != "" {
		merged.Owner = incoming.Owner
	}
	if incoming.Repo != "" {
		merged.Repo = incoming.Repo
	}
	if incoming.Branch != "" {
		merged.Branch = incoming.Branch
	}
	if incoming.Token != "" {
		merged.Token = incoming.Token
	}
	merged.ApplyDefaults()

	if merged.Name != existing.Name {
		var clash int
		if err := tx.GetContext(ctx, &clash, `
			SELECT COUNT(*) FROM repositories
			WHERE session_id = ? AND name = ? AND id != ?`,
			merged.SessionID, merged.Name, merged.ID); err != nil {
			return models.Repository{}, fmt.Errorf("check repository name: %w", err)
		}
		if clash > 0 {
			return models.Repository{}, ErrNameConflict
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE repositories
		SET name = ?, url = ?, host = ?, owner = ?, repo = ?, branch = ?, token = ?
		WHERE session_id = ? AND id = ?`,
		merged.Name, merged.URL, merged.Host, merged.Owner, merged.Repo,
		merged.Branch, merged.Token, merged.SessionID, merged.ID); err != nil {
		return models.Repository{}, fmt.Errorf("update repository %s: %w", merged.ID, err)
	}
	return merged, nil
}

// replaceRepositoryByName inserts a repository, first removing any existing
// row with the same name so a session never holds two entries for one name.
// The incoming record wins wholesale, identity included.
func replaceRepositoryByName(ctx context.Context, tx *sqlx.Tx, repo models.Repository) (models.Repository, error) {
	if repo.ID == "" {
		repo.ID = uuid.New().String()
	}
	repo.ApplyDefaults()
	repo.CreatedAt = nowMillis()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM repositories WHERE session_id = ? AND name = ?`,
		repo.SessionID, repo.Name); err != nil {
		return models.Repository{}, fmt.Errorf("replace repository %q: %w", repo.Name, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO repositories
			(id, session_id, name, url, host, owner, repo, branch, token, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		repo.ID, repo.SessionID, repo.Name, repo.URL, repo.Host, repo.Owner,
		repo.Repo, repo.Branch, repo.Token, repo.CreatedAt); err != nil {
		return models.Repository{}, fmt.Errorf("insert repository %q: %w", repo.Name, err)
	}
	return repo, nil
}

func (s *SQLite) ListRepositories(ctx context.Context, sessionID string) ([]models.Repository, error) {
	var repos []models.Repository
	err := s.db.SelectContext(ctx, &repos, `
		SELECT * FROM repositories WHERE session_id = ? ORDER BY created_at, rowid`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list repositories for %s: %w", sessionID, err)
	}
	for i := range repos {
		repos[i] = repos[i].Sanitized()
	}
	return repos, nil
}

func (s *SQLite) GetRepository(ctx context.Context, sessionID, repoID string) (*models.Repository, error) {
	var repo models.Repository
	err := s.db.GetContext(ctx, &repo,
		`SELECT * FROM repositories WHERE session_id = ? AND id = ?`,
		sessionID, repoID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get repository %s: %w", repoID, err)
	}
	return &repo, nil
}

func (s *SQLite) DeleteRepository(ctx context.Context, sessionID, repoID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM repositories WHERE session_id = ? AND id = ?`,
		sessionID, repoID)
	if err != nil {
		return false, fmt.Errorf("delete repository %s: %w", repoID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete repository %s: %w", repoID, err)
	}
	return n > 0, nil
}
