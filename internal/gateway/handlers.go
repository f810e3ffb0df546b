package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/repotalk/repotalk-gateway/internal/agent"
	"github.com/repotalk/repotalk-gateway/internal/audit"
	"github.com/repotalk/repotalk-gateway/internal/metrics"
	"github.com/repotalk/repotalk-gateway/internal/models"
	"github.com/repotalk/repotalk-gateway/internal/protocol"
	"github.com/repotalk/repotalk-gateway/internal/store"
)

// Client-facing messages shared by several flows.
const (
	malformedPayloadMessage  = "Malformed payload"
	invalidRepositoryMessage = "Invalid repository or unable to access with provided token"
	repositoryNotFoundMsg    = "Repository not found"
	deleteFailedMessage      = "Failed to delete repository"
)

// TreeFetcher resolves repository listings from the hosting provider.
type TreeFetcher interface {
	// FetchTree returns the repository's file hierarchy.
	FetchTree(ctx context.Context, repo models.Repository) ([]*models.FileNode, error)

	// Validate reports whether the repository is reachable with its
	// credential. False with a nil error means the input was rejected;
	// a non-nil error means the provider could not answer.
	Validate(ctx context.Context, repo models.Repository) (bool, error)
}

// Handlers implements one flow per inbound command tag. Every flow decodes
// its payload, talks to the store and the external collaborators, and
// reports the outcome as frames toward the session. Failures stay inside
// the flow that produced them.
type Handlers struct {
	log       *zap.Logger
	registry  *Registry
	store     store.Store
	fetcher   TreeFetcher
	responder agent.Responder
	auditLog  audit.Logger
}

// NewHandlers wires the command flows to their collaborators.
func NewHandlers(log *zap.Logger, registry *Registry, st store.Store, fetcher TreeFetcher, responder agent.Responder, auditLog audit.Logger) *Handlers {
	if auditLog == nil {
		panic("audit logger is required")
	}
	return &Handlers{
		log:       log,
		registry:  registry,
		store:     st,
		fetcher:   fetcher,
		responder: responder,
		auditLog:  auditLog,
	}
}

// ─── Configure ───────────────────────────────────────────────────────────

// Configure persists the session's settings blob, installs the agent
// credential, and upserts any submitted repositories. With a non-empty
// submission the session gets a repository list, the first repository is
// selected, and its tree is streamed. CONFIG_SUCCESS always closes the
// flow; a tree fetch failure on the way is reported through its own error
// frame and does not fail configuration.
func (h *Handlers) Configure(ctx context.Context, sessionID string, raw json.RawMessage) {
	var p protocol.ConfigPayload
	if err := protocol.UnmarshalPayload(raw, &p); err != nil {
		h.log.Warn("malformed config payload", zap.String("session_id", sessionID), zap.Error(err))
		h.registry.Deliver(sessionID, protocol.ConfigError(malformedPayloadMessage))
		return
	}

	if err := h.configure(ctx, sessionID, raw, &p); err != nil {
		h.log.Error("configuration failed", zap.String("session_id", sessionID), zap.Error(err))
		h.registry.Deliver(sessionID, protocol.ConfigError(err.Error()))
		return
	}

	h.auditLog.LogConfigSubmitted(ctx, sessionID, len(p.Repositories))
	h.registry.Deliver(sessionID, protocol.ConfigSuccess())
}

func (h *Handlers) configure(ctx context.Context, sessionID string, raw json.RawMessage, p *protocol.ConfigPayload) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := h.store.UpdateConnectionConfig(ctx, sessionID, raw); err != nil {
		return err
	}

	h.responder.Configure(p.AgentToken)

	if len(p.Repositories) == 0 {
		return nil
	}

	for i := range p.Repositories {
		if _, err := h.store.UpsertRepository(ctx, sessionID, p.Repositories[i]); err != nil {
			return err
		}
	}

	repos, err := h.listRepositories(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(repos) > 0 {
		h.refreshTree(ctx, sessionID, repos[0].ID)
	}
	return nil
}

// ─── Fetch tree ──────────────────────────────────────────────────────────

// FetchTree streams the named repository's file hierarchy to the session
// and makes that repository the selection. Validation runs before any
// frame goes out: a missing or unknown ID yields exactly one error frame
// and leaves the selection alone.
func (h *Handlers) FetchTree(ctx context.Context, sessionID string, raw json.RawMessage) {
	var p protocol.FetchTreePayload
	if err := protocol.UnmarshalPayload(raw, &p); err != nil {
		h.log.Warn("malformed fetch payload", zap.String("session_id", sessionID), zap.Error(err))
		h.registry.Deliver(sessionID, protocol.FileTreeError(malformedPayloadMessage))
		return
	}
	if err := p.Validate(); err != nil {
		h.registry.Deliver(sessionID, protocol.FileTreeError(err.Error()))
		return
	}

	h.refreshTree(ctx, sessionID, p.RepositoryID)
}

// refreshTree loads a repository, marks it selected, and streams its tree
// between a typing-on and a typing-off frame. Failures become error frames
// toward the session and are never returned, so flows that chain a refresh
// after their own success frames always run to completion.
func (h *Handlers) refreshTree(ctx context.Context, sessionID, repositoryID string) {
	repo, err := h.store.GetRepository(ctx, sessionID, repositoryID)
	if err != nil {
		h.log.Error("loading repository failed",
			zap.String("session_id", sessionID),
			zap.String("repository_id", repositoryID),
			zap.Error(err),
		)
		h.registry.Deliver(sessionID, protocol.FileTreeError(err.Error()))
		return
	}
	if repo == nil {
		h.registry.Deliver(sessionID, protocol.FileTreeError(repositoryNotFoundMsg))
		return
	}

	h.registry.SetSelectedRepository(sessionID, repo.ID)
	h.registry.Deliver(sessionID, protocol.AgentTyping(true))

	start := time.Now()
	tree, err := h.fetcher.FetchTree(ctx, *repo)
	if err != nil {
		metrics.TreeFetchesTotal.WithLabelValues("error").Inc()
		h.log.Error("tree fetch failed",
			zap.String("session_id", sessionID),
			zap.String("repository_id", repo.ID),
			zap.Error(err),
		)
		h.auditLog.Log(ctx, audit.NewEvent(audit.EventTreeFetchFailed).
			WithSessionID(sessionID).
			WithResource(repo.ID, "repository").
			WithError(err))
		h.registry.Deliver(sessionID, protocol.FileTreeError(err.Error()))
		h.registry.Deliver(sessionID, protocol.AgentTyping(false))
		return
	}

	metrics.TreeFetchesTotal.WithLabelValues("success").Inc()
	metrics.TreeFetchDuration.Observe(time.Since(start).Seconds())
	h.auditLog.LogTreeFetched(ctx, sessionID, repo.ID, time.Since(start))

	h.registry.Deliver(sessionID, protocol.FileTreeData(tree, protocol.Summarize(*repo)))
	h.registry.Deliver(sessionID, protocol.AgentTyping(false))
}

// ─── Chat ────────────────────────────────────────────────────────────────

// SendChat stores the user message, asks the responder for an answer with
// the session's stored settings and selected repository as context, stores
// the reply, and streams it back between typing indicator frames. Empty
// text is ignored outright. Failures reach the client as a stored
// system-sender message, never as a dropped conversation.
func (h *Handlers) SendChat(ctx context.Context, sessionID string, raw json.RawMessage) {
	var p protocol.ChatPayload
	if err := protocol.UnmarshalPayload(raw, &p); err != nil {
		h.log.Warn("malformed chat payload", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if p.Text == "" {
		return
	}

	start := time.Now()
	if err := h.chat(ctx, sessionID, p.Text); err != nil {
		h.log.Error("chat exchange failed", zap.String("session_id", sessionID), zap.Error(err))
		h.deliverChatFailure(ctx, sessionID, err)
	} else {
		h.auditLog.LogChatExchange(ctx, sessionID, time.Since(start))
	}

	// The typing indicator is cleared on every path out of the exchange.
	h.registry.Deliver(sessionID, protocol.AgentTyping(false))
}

func (h *Handlers) chat(ctx context.Context, sessionID, text string) error {
	if _, err := h.store.AppendMessage(ctx, sessionID, models.SenderUser, text); err != nil {
		return err
	}
	metrics.ChatMessagesTotal.WithLabelValues(string(models.SenderUser)).Inc()

	h.registry.Deliver(sessionID, protocol.AgentTyping(true))

	rctx := agent.Context{}
	config, err := h.store.GetConnectionConfig(ctx, sessionID)
	if err != nil {
		return err
	}
	rctx.Config = config

	if selected := h.registry.SelectedRepository(sessionID); selected != "" {
		repo, err := h.store.GetRepository(ctx, sessionID, selected)
		if err != nil {
			return err
		}
		if repo != nil {
			sanitized := repo.Sanitized()
			rctx.Repository = &sanitized
		}
	}

	agentStart := time.Now()
	reply, err := h.responder.Reply(ctx, text, rctx)
	if err != nil {
		metrics.AgentRequestsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.AgentRequestsTotal.WithLabelValues("success").Inc()
	metrics.AgentRequestDuration.Observe(time.Since(agentStart).Seconds())

	msg, err := h.store.AppendMessage(ctx, sessionID, models.SenderAgent, reply)
	if err != nil {
		return err
	}
	metrics.ChatMessagesTotal.WithLabelValues(string(models.SenderAgent)).Inc()

	h.registry.Deliver(sessionID, protocol.NewChatMessage(*msg))
	return nil
}

// deliverChatFailure turns a failed exchange into a stored system-sender
// message. When even the store write fails the message is synthesized in
// memory so the client still hears back.
func (h *Handlers) deliverChatFailure(ctx context.Context, sessionID string, cause error) {
	text := "Error processing message: " + cause.Error()

	msg, err := h.store.AppendMessage(ctx, sessionID, models.SenderSystem, text)
	if err != nil {
		h.log.Error("storing chat failure notice failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		msg = &models.ChatMessage{
			ID:        uuid.New().String(),
			Sender:    models.SenderSystem,
			Text:      text,
			Timestamp: time.Now().UnixMilli(),
			SessionID: sessionID,
		}
	} else {
		metrics.ChatMessagesTotal.WithLabelValues(string(models.SenderSystem)).Inc()
	}

	h.registry.Deliver(sessionID, protocol.NewChatMessage(*msg))
}

// ─── Repository actions ──────────────────────────────────────────────────

// AddRepository validates the submitted record against the hosting
// provider, stores it, and reports the stored record followed by the full
// list. The first repository a session adds becomes its selection and gets
// its tree streamed.
func (h *Handlers) AddRepository(ctx context.Context, sessionID string, raw json.RawMessage) {
	var p protocol.AddRepositoryPayload
	if err := protocol.UnmarshalPayload(raw, &p); err != nil {
		h.log.Warn("malformed add payload", zap.String("session_id", sessionID), zap.Error(err))
		h.registry.Deliver(sessionID, protocol.RepositoryActionError(malformedPayloadMessage))
		return
	}
	if err := p.Validate(); err != nil {
		h.registry.Deliver(sessionID, protocol.RepositoryActionError(err.Error()))
		return
	}

	repo := *p.Repository
	if ok, err := h.fetcher.Validate(ctx, repo); err != nil || !ok {
		if err != nil {
			h.log.Error("repository validation failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		metrics.RepositoryActionsTotal.WithLabelValues("add", "denied").Inc()
		h.auditLog.LogRepositoryDenied(ctx, sessionID, "add", invalidRepositoryMessage)
		h.registry.Deliver(sessionID, protocol.RepositoryActionError(invalidRepositoryMessage))
		return
	}

	stored, err := h.store.UpsertRepository(ctx, sessionID, repo)
	if err != nil {
		metrics.RepositoryActionsTotal.WithLabelValues("add", "error").Inc()
		h.registry.Deliver(sessionID, protocol.RepositoryActionError(err.Error()))
		return
	}

	metrics.RepositoryActionsTotal.WithLabelValues("add", "success").Inc()
	h.auditLog.LogRepositoryAction(ctx, sessionID, "add", stored.ID)
	h.registry.Deliver(sessionID, protocol.RepositoryAdded(*stored))

	if _, err := h.listRepositories(ctx, sessionID); err != nil {
		h.registry.Deliver(sessionID, protocol.RepositoryActionError(err.Error()))
		return
	}

	if h.registry.SelectedRepository(sessionID) == "" {
		h.refreshTree(ctx, sessionID, stored.ID)
	}
}

// UpdateRepository revalidates the replacement record, upserts it under the
// given ID, and reports the stored record followed by the full list. When
// the updated repository is the selection its tree is streamed again.
func (h *Handlers) UpdateRepository(ctx context.Context, sessionID string, raw json.RawMessage) {
	var p protocol.UpdateRepositoryPayload
	if err := protocol.UnmarshalPayload(raw, &p); err != nil {
		h.log.Warn("malformed update payload", zap.String("session_id", sessionID), zap.Error(err))
		h.registry.Deliver(sessionID, protocol.RepositoryActionError(malformedPayloadMessage))
		return
	}
	if err := p.Validate(); err != nil {
		h.registry.Deliver(sessionID, protocol.RepositoryActionError(err.Error()))
		return
	}

	repo := *p.Repository
	if ok, err := h.fetcher.Validate(ctx, repo); err != nil || !ok {
		if err != nil {
			h.log.Error("repository validation failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		metrics.RepositoryActionsTotal.WithLabelValues("update", "denied").Inc()
		h.auditLog.LogRepositoryDenied(ctx, sessionID, "update", invalidRepositoryMessage)
		h.registry.Deliver(sessionID, protocol.RepositoryActionError(invalidRepositoryMessage))
		return
	}

	repo.ID = p.RepositoryID
	stored, err := h.store.UpsertRepository(ctx, sessionID, repo)
	if err != nil {
		metrics.RepositoryActionsTotal.WithLabelValues("update", "error").Inc()
		h.registry.Deliver(sessionID, protocol.RepositoryActionError(err.Error()))
		return
	}

	metrics.RepositoryActionsTotal.WithLabelValues("update", "success").Inc()
	h.auditLog.LogRepositoryAction(ctx, sessionID, "update", stored.ID)
	h.registry.Deliver(sessionID, protocol.RepositoryUpdated(*stored))

	if _, err := h.listRepositories(ctx, sessionID); err != nil {
		h.registry.Deliver(sessionID, protocol.RepositoryActionError(err.Error()))
		return
	}

	if h.registry.SelectedRepository(sessionID) == p.RepositoryID {
		h.refreshTree(ctx, sessionID, p.RepositoryID)
	}
}

// DeleteRepository removes the record and reports the deletion followed by
// the remaining list. Deleting the selection moves it to the oldest
// remaining repository (streaming its tree), or clears it and streams an
// empty tree when nothing remains.
func (h *Handlers) DeleteRepository(ctx context.Context, sessionID string, raw json.RawMessage) {
	var p protocol.DeleteRepositoryPayload
	if err := protocol.UnmarshalPayload(raw, &p); err != nil {
		h.log.Warn("malformed delete payload", zap.String("session_id", sessionID), zap.Error(err))
		h.registry.Deliver(sessionID, protocol.RepositoryActionError(malformedPayloadMessage))
		return
	}
	if err := p.Validate(); err != nil {
		h.registry.Deliver(sessionID, protocol.RepositoryActionError(err.Error()))
		return
	}

	deleted, err := h.store.DeleteRepository(ctx, sessionID, p.RepositoryID)
	if err != nil {
		metrics.RepositoryActionsTotal.WithLabelValues("delete", "error").Inc()
		h.registry.Deliver(sessionID, protocol.RepositoryActionError(err.Error()))
		return
	}
	if !deleted {
		h.registry.Deliver(sessionID, protocol.RepositoryActionError(deleteFailedMessage))
		return
	}

	metrics.RepositoryActionsTotal.WithLabelValues("delete", "success").Inc()
	h.auditLog.LogRepositoryAction(ctx, sessionID, "delete", p.RepositoryID)
	h.registry.Deliver(sessionID, protocol.RepositoryDeleted(p.RepositoryID))

	repos, err := h.listRepositories(ctx, sessionID)
	if err != nil {
		h.registry.Deliver(sessionID, protocol.RepositoryActionError(err.Error()))
		return
	}

	if h.registry.SelectedRepository(sessionID) != p.RepositoryID {
		return
	}
	if len(repos) > 0 {
		h.refreshTree(ctx, sessionID, repos[0].ID)
		return
	}
	h.registry.ClearSelectedRepository(sessionID)
	h.registry.Deliver(sessionID, protocol.FileTreeData(nil, nil))
}

// SelectRepository makes an existing repository the session's selection and
// streams its tree. An unknown ID yields one error frame and leaves the
// previous selection in place.
func (h *Handlers) SelectRepository(ctx context.Context, sessionID string, raw json.RawMessage) {
	var p protocol.SelectRepositoryPayload
	if err := protocol.UnmarshalPayload(raw, &p); err != nil {
		h.log.Warn("malformed select payload", zap.String("session_id", sessionID), zap.Error(err))
		h.registry.Deliver(sessionID, protocol.RepositoryActionError(malformedPayloadMessage))
		return
	}
	if err := p.Validate(); err != nil {
		h.registry.Deliver(sessionID, protocol.RepositoryActionError(err.Error()))
		return
	}

	repo, err := h.store.GetRepository(ctx, sessionID, p.RepositoryID)
	if err != nil {
		h.registry.Deliver(sessionID, protocol.RepositoryActionError(err.Error()))
		return
	}
	if repo == nil {
		h.registry.Deliver(sessionID, protocol.RepositoryActionError(repositoryNotFoundMsg))
		return
	}

	h.registry.SetSelectedRepository(sessionID, repo.ID)
	metrics.RepositoryActionsTotal.WithLabelValues("select", "success").Inc()
	h.auditLog.LogRepositoryAction(ctx, sessionID, "select", repo.ID)
	h.registry.Deliver(sessionID, protocol.RepositorySelected(repo.ID))

	h.refreshTree(ctx, sessionID, repo.ID)
}

// listRepositories loads the session's repositories and delivers the list
// frame. The loaded slice is returned for flows that reselect from it.
func (h *Handlers) listRepositories(ctx context.Context, sessionID string) ([]models.Repository, error) {
	repos, err := h.store.ListRepositories(ctx, sessionID)
	if err != nil {
		h.log.Error("listing repositories failed", zap.String("session_id", sessionID), zap.Error(err))
		return nil, err
	}
	h.registry.Deliver(sessionID, protocol.RepositoriesList(repos))
	return repos, nil
}
