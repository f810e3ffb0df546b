package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/repotalk/repotalk-gateway/internal/agent"
	"github.com/repotalk/repotalk-gateway/internal/audit"
	"github.com/repotalk/repotalk-gateway/internal/models"
	"github.com/repotalk/repotalk-gateway/internal/protocol"
	"github.com/repotalk/repotalk-gateway/internal/store"
)

// fakeTransport records every frame delivered to the session.
type fakeTransport struct {
	mu      sync.Mutex
	sendErr error
	frames  []protocol.Frame
}

func (f *fakeTransport) Send(frame protocol.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) Frames() []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Frame(nil), f.frames...)
}

func (f *fakeTransport) Types() []string {
	frames := f.Frames()
	types := make([]string, 0, len(frames))
	for _, fr := range frames {
		types = append(types, fr.Type)
	}
	return types
}

// fakeFetcher serves a canned tree and validation verdict.
type fakeFetcher struct {
	mu       sync.Mutex
	tree     []*models.FileNode
	fetchErr error
	valid    bool
	validErr error
	fetched  []string
}

func (f *fakeFetcher) FetchTree(ctx context.Context, repo models.Repository) ([]*models.FileNode, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, repo.ID)
	f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.tree, nil
}

func (f *fakeFetcher) Validate(ctx context.Context, repo models.Repository) (bool, error) {
	if f.validErr != nil {
		return false, f.validErr
	}
	return f.valid, nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

// fakeResponder echoes the user text unless given a fixed reply or error.
type fakeResponder struct {
	mu         sync.Mutex
	credential string
	reply      string
	err        error
	texts      []string
	contexts   []agent.Context
}

func (f *fakeResponder) Configure(credential string) {
	f.mu.Lock()
	f.credential = credential
	f.mu.Unlock()
}

func (f *fakeResponder) Reply(ctx context.Context, text string, rctx agent.Context) (string, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.contexts = append(f.contexts, rctx)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.reply != "" {
		return f.reply, nil
	}
	return "echo: " + text, nil
}

func (f *fakeResponder) Credential() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.credential
}

func (f *fakeResponder) Contexts() []agent.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Context(nil), f.contexts...)
}

type gatewayFixture struct {
	registry  *Registry
	handlers  *Handlers
	store     store.Store
	fetcher   *fakeFetcher
	responder *fakeResponder
	auditLog  audit.Logger
}

func setupGateway(t *testing.T) *gatewayFixture {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tmpDir := t.TempDir()
	auditLog, err := audit.NewLogger(&audit.Config{
		AuditLogPath: filepath.Join(tmpDir, "audit.log"),
		AppLogPath:   filepath.Join(tmpDir, "app.log"),
		LogLevel:     "info",
	})
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	log := zap.NewNop()
	registry := NewRegistry(log, st, auditLog)
	fetcher := &fakeFetcher{valid: true, tree: sampleTree()}
	responder := &fakeResponder{}
	handlers := NewHandlers(log, registry, st, fetcher, responder, auditLog)

	return &gatewayFixture{
		registry:  registry,
		handlers:  handlers,
		store:     st,
		fetcher:   fetcher,
		responder: responder,
		auditLog:  auditLog,
	}
}

func sampleTree() []*models.FileNode {
	return []*models.FileNode{
		{ID: "README.md", Name: "README.md", Type: models.NodeFile, Path: "README.md"},
		{ID: "src", Name: "src", Type: models.NodeDirectory, Path: "src", Children: []*models.FileNode{
			{ID: "src/main.go", Name: "main.go", Type: models.NodeFile, Path: "src/main.go"},
		}},
	}
}

func (fx *gatewayFixture) connect(t *testing.T) (string, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	sessionID, err := fx.registry.Register(context.Background(), tr, "192.0.2.10:51234")
	require.NoError(t, err)
	return sessionID, tr
}

func (fx *gatewayFixture) seedRepository(t *testing.T, sessionID, name string) models.Repository {
	t.Helper()
	stored, err := fx.store.UpsertRepository(context.Background(), sessionID, models.Repository{
		Name:  name,
		Owner: "acme",
		Repo:  name,
		Token: "tok-" + name,
	})
	require.NoError(t, err)
	return *stored
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

// typingStates extracts the IsTyping values of all typing frames, in order.
func typingStates(frames []protocol.Frame) []bool {
	var states []bool
	for _, f := range frames {
		if f.Type == protocol.TypeAgentTyping {
			states = append(states, f.Payload.(protocol.TypingPayload).IsTyping)
		}
	}
	return states
}

func framesOfType(frames []protocol.Frame, frameType string) []protocol.Frame {
	var matched []protocol.Frame
	for _, f := range frames {
		if f.Type == frameType {
			matched = append(matched, f)
		}
	}
	return matched
}

func errorMessage(t *testing.T, frame protocol.Frame) string {
	t.Helper()
	payload, ok := frame.Payload.(protocol.ErrorPayload)
	require.True(t, ok, "frame %s does not carry an error payload", frame.Type)
	return payload.Message
}

// ─── Configure ───────────────────────────────────────────────────────────

func TestConfigureWithRepositories(t *testing.T) {
	fx := setupGateway(t)
	sessionID, tr := fx.connect(t)

	raw := mustJSON(t, map[string]any{
		"agentToken": "key-1",
		"repositories": []map[string]string{
			{"name": "web", "owner": "acme", "repo": "web", "token": "t1"},
			{"name": "api", "owner": "acme", "repo": "api", "token": "t2"},
		},
	})
	fx.handlers.Configure(context.Background(), sessionID, raw)

	assert.Equal(t, []string{
		protocol.TypeRepositoriesList,
		protocol.TypeAgentTyping,
		protocol.TypeFileTreeData,
		protocol.TypeAgentTyping,
		protocol.TypeConfigSuccess,
	}, tr.Types())

	// Credential reached the responder and the raw blob reached the store.
	assert.Equal(t, "key-1", fx.responder.Credential())
	stored, err := fx.store.GetConnectionConfig(context.Background(), sessionID)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(stored))

	// The first repository by listing order became the selection.
	repos, err := fx.store.ListRepositories(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, repos, 2)
	assert.Equal(t, "web", repos[0].Name)
	assert.Equal(t, repos[0].ID, fx.registry.SelectedRepository(sessionID))

	// The list frame carries both repositories, credentials stripped.
	list := framesOfType(tr.Frames(), protocol.TypeRepositoriesList)
	require.Len(t, list, 1)
	payload := list[0].Payload.(protocol.RepositoriesPayload)
	require.Len(t, payload.Repositories, 2)
	for _, repo := range payload.Repositories {
		assert.Empty(t, repo.Token)
	}
}

func TestConfigureWithoutRepositories(t *testing.T) {
	fx := setupGateway(t)
	sessionID, tr := fx.connect(t)

	raw := mustJSON(t, map[string]any{"agentToken": "key-2"})
	fx.handlers.Configure(context.Background(), sessionID, raw)

	assert.Equal(t, []string{protocol.TypeConfigSuccess}, tr.Types())
	assert.Empty(t, fx.registry.SelectedRepository(sessionID))
	assert.Zero(t, fx.fetcher.fetchCount())
}

func TestConfigureMalformedPayload(t *testing.T) {
	fx := setupGateway(t)
	sessionID, tr := fx.connect(t)

	fx.handlers.Configure(context.Background(), sessionID, json.RawMessage(`{"agentToken": 5}`))

	frames := tr.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeConfigError, frames[0].Type)
	assert.Equal(t, "Malformed payload", errorMessage(t, frames[0]))
}

func TestConfigureTreeFetchFailureStillSucceeds(t *testing.T) {
	fx := setupGateway(t)
	fx.fetcher.fetchErr = errors.New("github api error (status 502)")
	sessionID, tr := fx.connect(t)

	raw := mustJSON(t, map[string]any{
		"agentToken": "key-3",
		"repositories": []map[string]string{
			{"name": "web", "owner": "acme", "repo": "web", "token": "t1"},
		},
	})
	fx.handlers.Configure(context.Background(), sessionID, raw)

	assert.Equal(t, []string{
		protocol.TypeRepositoriesList,
		protocol.TypeAgentTyping,
		protocol.TypeFileTreeError,
		protocol.TypeAgentTyping,
		protocol.TypeConfigSuccess,
	}, tr.Types())
	assert.Equal(t, []bool{true, false}, typingStates(tr.Frames()))
}

// ─── Fetch tree ──────────────────────────────────────────────────────────

func TestFetchTreeStreamsSelectedRepository(t *testing.T) {
	fx := setupGateway(t)
	sessionID, tr := fx.connect(t)
	repo := fx.seedRepository(t, sessionID, "web")

	fx.handlers.FetchTree(context.Background(), sessionID, mustJSON(t, map[string]string{
		"repository_id": repo.ID,
	}))

	assert.Equal(t, []string{
		protocol.TypeAgentTyping,
		protocol.TypeFileTreeData,
		protocol.TypeAgentTyping,
	}, tr.Types())
	assert.Equal(t, []bool{true, false}, typingStates(tr.Frames()))
	assert.Equal(t, repo.ID, fx.registry.SelectedRepository(sessionID))

	data := framesOfType(tr.Frames(), protocol.TypeFileTreeData)
	require.Len(t, data, 1)
	payload := data[0].Payload.(protocol.TreePayload)
	require.NotNil(t, payload.Repository)
	assert.Equal(t, repo.ID, payload.Repository.ID)
	assert.Equal(t, "web", payload.Repository.Name)
	require.Len(t, payload.Tree, 2)
	assert.Equal(t, "README.md", payload.Tree[0].Name)
}

func TestFetchTreeMissingID(t *testing.T) {
	fx := setupGateway(t)
	sessionID, tr := fx.connect(t)

	fx.handlers.FetchTree(context.Background(), sessionID, mustJSON(t, map[string]string{}))

	frames := tr.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeFileTreeError, frames[0].Type)
	assert.Equal(t, "Repository ID is required", errorMessage(t, frames[0]))
	assert.Zero(t, fx.fetcher.fetchCount())
}

func TestFetchTreeUnknownRepositoryKeepsSelection(t *testing.T) {
	fx := setupGateway(t)
	sessionID, tr := fx.connect(t)
	repo := fx.seedRepository(t, sessionID, "web")
	fx.registry.SetSelectedRepository(sessionID, repo.ID)

	fx.handlers.FetchTree(context.Background(), sessionID, mustJSON(t, map[string]string{
		"repository_id": "ghost",
	}))

	// Exactly one error frame, no typing frames, selection untouched.
	frames := tr.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeFileTreeError, frames[0].Type)
	assert.Equal(t, "Repository not found", errorMessage(t, frames[0]))
	assert.Equal(t, repo.ID, fx.registry.SelectedRepository(sessionID))
	assert.Zero(t, fx.fetcher.fetchCount())
}

func TestFetchTreeFetcherFailure(t *testing.T) {
	fx := setupGateway(t)
	fx.fetcher.fetchErr = errors.New("github api error (status 502)")
	sessionID, tr := fx.connect(t)
	repo := fx.seedRepository(t, sessionID, "web")

	fx.handlers.FetchTree(context.Background(), sessionID, mustJSON(t, map[string]string{
		"repository_id": repo.ID,
	}))

	assert.Equal(t, []string{
		protocol.TypeAgentTyping,
		protocol.TypeFileTreeError,
		protocol.TypeAgentTyping,
	}, tr.Types())
	assert.Equal(t, []bool{true, false}, typingStates(tr.Frames()))

	errs := framesOfType(tr.Frames(), protocol.TypeFileTreeError)
	assert.Contains(t, errorMessage(t, errs[0]), "github api error")
}

// ─── Chat ────────────────────────────────────────────────────────────────

func TestSendChatEmptyTextIgnored(t *testing.T) {
	fx := setupGateway(t)
	sessionID, tr := fx.connect(t)

	fx.handlers.SendChat(context.Background(), sessionID, mustJSON(t, map[string]string{"text": ""}))
	fx.handlers.SendChat(context.Background(), sessionID, nil)

	assert.Empty(t, tr.Frames())
	msgs, err := fx.store.ListMessages(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendChatRoundTrip(t *testing.T) {
	fx := setupGateway(t)
	fx.responder.reply = "the answer"
	sessionID, tr := fx.connect(t)
	repo := fx.seedRepository(t, sessionID, "web")
	fx.registry.SetSelectedRepository(sessionID, repo.ID)

	config := mustJSON(t, map[string]string{"agentToken": "key-1"})
	require.NoError(t, fx.store.UpdateConnectionConfig(context.Background(), sessionID, config))

	fx.handlers.SendChat(context.Background(), sessionID, mustJSON(t, map[string]string{"text": "hello"}))

	assert.Equal(t, []string{
		protocol.TypeAgentTyping,
		protocol.TypeNewChatMessage,
		protocol.TypeAgentTyping,
	}, tr.Types())
	assert.Equal(t, []bool{true, false}, typingStates(tr.Frames()))

	// Both sides of the exchange were stored in order.
	msgs, err := fx.store.ListMessages(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.SenderUser, msgs[0].Sender)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, models.SenderAgent, msgs[1].Sender)
	assert.Equal(t, "the answer", msgs[1].Text)

	// The reply frame carries the stored agent message.
	replies := framesOfType(tr.Frames(), protocol.TypeNewChatMessage)
	require.Len(t, replies, 1)
	msg := replies[0].Payload.(models.ChatMessage)
	assert.Equal(t, "the answer", msg.Text)
	assert.Equal(t, msgs[1].ID, msg.ID)

	// The responder saw the stored settings and the sanitized selection.
	contexts := fx.responder.Contexts()
	require.Len(t, contexts, 1)
	assert.JSONEq(t, string(config), string(contexts[0].Config))
	require.NotNil(t, contexts[0].Repository)
	assert.Equal(t, repo.ID, contexts[0].Repository.ID)
	assert.Empty(t, contexts[0].Repository.Token)
}

func TestSendChatWithoutSelection(t *testing.T) {
	fx := setupGateway(t)
	sessionID, tr := fx.connect(t)

	fx.handlers.SendChat(context.Background(), sessionID, mustJSON(t, map[string]string{"text": "hi"}))

	assert.Equal(t, []string{
		protocol.TypeAgentTyping,
		protocol.TypeNewChatMessage,
		protocol.TypeAgentTyping,
	}, tr.Types())

	contexts := fx.responder.Contexts()
	require.Len(t, contexts, 1)
	assert.Nil(t, contexts[0].Repository)
}

func TestSendChatResponderFailure(t *testing.T) {
	fx := setupGateway(t)
	fx.responder.err = errors.New("agent API error (status 429)")
	sessionID, tr := fx.connect(t)

	fx.handlers.SendChat(context.Background(), sessionID, mustJSON(t, map[string]string{"text": "hello"}))

	assert.Equal(t, []string{
		protocol.TypeAgentTyping,
		protocol.TypeNewChatMessage,
		protocol.TypeAgentTyping,
	}, tr.Types())

	// The failure came back as a stored system message.
	msgs, err := fx.store.ListMessages(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.SenderUser, msgs[0].Sender)
	assert.Equal(t, models.SenderSystem, msgs[1].Sender)
	assert.True(t, strings.HasPrefix(msgs[1].Text, "Error processing message: "))
	assert.Contains(t, msgs[1].Text, "agent API error")

	replies := framesOfType(tr.Frames(), protocol.TypeNewChatMessage)
	require.Len(t, replies, 1)
	assert.Equal(t, models.SenderSystem, replies[0].Payload.(models.ChatMessage).Sender)
}

func TestSendChatStoreDownSynthesizesNotice(t *testing.T) {
	fx := setupGateway(t)
	sessionID, tr := fx.connect(t)
	require.NoError(t, fx.store.Close())

	fx.handlers.SendChat(context.Background(), sessionID, mustJSON(t, map[string]string{"text": "hello"}))

	// The user message never stored, so no typing-on frame went out; the
	// client still hears a synthesized system message and a typing reset.
	assert.Equal(t, []string{
		protocol.TypeNewChatMessage,
		protocol.TypeAgentTyping,
	}, tr.Types())

	replies := framesOfType(tr.Frames(), protocol.TypeNewChatMessage)
	msg := replies[0].Payload.(models.ChatMessage)
	assert.Equal(t, models.SenderSystem, msg.Sender)
	assert.NotEmpty(t, msg.ID)
	assert.NotZero(t, msg.Timestamp)
	assert.True(t, strings.HasPrefix(msg.Text, "Error processing message: "))
}

// ─── Add repository ──────────────────────────────────────────────────────

func TestAddRepositoryFirstBecomesSelection(t *testing.T) {
	fx := setupGateway(t)
	sessionID, tr := fx.connect(t)

	fx.handlers.AddRepository(context.Background(), sessionID, mustJSON(t, map[string]any{
		"repository": map[string]string{"name": "web", "owner": "acme", "repo": "web", "token": "t1"},
	}))

	assert.Equal(t, []string{
		protocol.TypeRepositoryActionSuccess,
		protocol.TypeRepositoriesList,
		protocol.TypeAgentTyping,
		protocol.TypeFileTreeData,
		protocol.TypeAgentTyping,
	}, tr.Types())

	success := framesOfType(tr.Frames(), protocol.TypeRepositoryActionSuccess)
	require.Len(t, success, 1)
	payload := success[0].Payload.(protocol.ActionPayload)
	assert.Equal(t, "add", payload.Action)
	require.NotNil(t, payload.Repository)
	assert.Empty(t, payload.Repository.Token)
	assert.Equal(t, "github.com", payload.Repository.Host)
	assert.Equal(t, "main", payload.Repository.Branch)

	assert.Equal(t, payload.Repository.ID, fx.registry.SelectedRepository(sessionID))
}

func TestAddRepositoryKeepsExistingSelection(t *testing.T) {
	fx := setupGateway(t)
	sessionID, tr := fx.connect(t)
	existing := fx.seedRepository(t, sessionID, "web")
	fx.registry.SetSelectedRepository(sessionID, existing.ID)

	fx.handlers.AddRepository(context.Background(), sessionID, mustJSON(t, map[string]any{
		"repository": map[string]string{"name": "api", "owner": "acme", "repo": "api", "token": "t2"},
	}))

	// No tree frames: the selection already existed.
	assert.Equal(t, []string{
		protocol.TypeRepositoryActionSuccess,
		protocol.TypeRepositoriesList,
	}, tr.Types())
	assert.Equal(t, existing.ID, fx.registry.SelectedRepository(sessionID))
}

func TestAddRepositoryValidationRejected(t *testing.T) {
	fx := setupGateway(t)
	fx.fetcher.valid = false
	sessionID, tr := fx.connect(t)

	fx.handlers.AddRepository(context.Background(), sessionID, mustJSON(t, map[string]any{
		"repository": map[string]string{"name": "web", "owner": "acme", "repo": "web", "token": "bad"},
	}))

	frames := tr.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeRepositoryActionError, frames[0].Type)
	assert.Equal(t, "Invalid repository or unable to access with provided token", errorMessage(t, frames[0]))

	repos, err := fx.store.ListRepositories(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Empty(t, repos)
}

func TestAddRepositoryValidationRemoteError(t *testing.T) {
	fx := setupGateway(t)
	fx.fetcher.validErr = errors.New("github api error (status 500)")
	sessionID, tr := fx.connect(t)

	fx.handlers.AddRepository(context.Background(), sessionID, mustJSON(t, map[string]any{
		"repository": map[string]string{"name": "web", "owner": "acme", "repo": "web", "token": "t1"},
	}))

	// Same client-facing message as a plain rejection.
	frames := tr.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "Invalid repository or unable to access with provided token", errorMessage(t, frames[0]))
}

func TestAddRepositoryMissingData(t *testing.T) {
	fx := setupGateway(t)
	sessionID, tr := fx.connect(t)

	fx.handlers.AddRepository(context.Background(), sessionID, mustJSON(t, map[string]any{}))

	frames := tr.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "Repository data is required", errorMessage(t, frames[0]))
}

func TestAddRepositorySameNameReplaces(t *testing.T) {
	fx := setupGateway(t)
	sessionID, tr := fx.connect(t)

	first := mustJSON(t, map[string]any{
		"repository": map[string]string{"name": "web", "owner": "acme", "repo": "web", "token": "t1"},
	})
	second := mustJSON(t, map[string]any{
		"repository": map[string]string{"name": "web", "owner": "acme", "repo": "web", "branch": "develop", "token": "t2"},
	})
	fx.handlers.AddRepository(context.Background(), sessionID, first)
	fx.handlers.AddRepository(context.Background(), sessionID, second)

	repos, err := fx.store.ListRepositories(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "develop", repos[0].Branch)

	lists := framesOfType(tr.Frames(), protocol.TypeRepositoriesList)
	require.Len(t, lists, 2)
	assert.Len(t, lists[1].Payload.(protocol.RepositoriesPayload).Repositories, 1)
}

// ─── Update repository ───────────────────────────────────────────────────

func TestUpdateSelectedRepositoryRefreshesTree(t *testing.T) {
	fx := setupGateway(t)
	sessionID, tr := fx.connect(t)
	repo := fx.seedRepository(t, sessionID, "web")
	fx.registry.SetSelectedRepository(sessionID, repo.ID)

	fx.handlers.UpdateRepository(context.Background(), sessionID, mustJSON(t, map[string]any{
		"repository_id": repo.ID,
		"repository":    map[string]string{"name": "web", "owner": "acme", "repo": "web", "branch": "develop"},
	}))

	assert.Equal(t, []string{
		protocol.TypeRepositoryActionSuccess,
		protocol.TypeRepositoriesList,
		protocol.TypeAgentTyping,
		protocol.TypeFileTreeData,
		protocol.TypeAgentTyping,
	}, tr.Types())

	success := framesOfType(tr.Frames(), protocol.TypeRepositoryActionSuccess)
	payload := success[0].Payload.(protocol.ActionPayload)
	assert.Equal(t, "update", payload.Action)
	require.NotNil(t, payload.Repository)
	assert.Equal(t, repo.ID, payload.Repository.ID)
	assert.Equal(t, "develop", payload.Repository.Branch)

	stored, err := fx.store.GetRepository(context.Background(), sessionID, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "develop", stored.Branch)
}

func TestUpdateUnselectedRepositorySkipsTree(t *testing.T) {
	fx := setupGateway(t)
	sessionID, tr := fx.connect(t)
	web := fx.seedRepository(t, sessionID, "web")
	api := fx.seedRepository(t, sessionID, "api")
	fx.registry.SetSelectedRepository(sessionID, api.ID)

	fx.handlers.UpdateRepository(context.Background(), sessionID, mustJSON(t, map[string]any{
		"repository_id": web.ID,
		"repository":    map[string]string{"name": "web", "owner": "acme", "repo": "web", "branch": "develop"},
	}))

	assert.Equal(t, []string{
		protocol.TypeRepositoryActionSuccess,
		protocol.TypeRepositoriesList,
	}, tr.Types())
	assert.Equal(t, api.ID, fx.registry.SelectedRepository(sessionID))
}

func TestUpdateRepositoryMissingFields(t *testing.T) {
	fx := setupGateway(t)
	sessionID, tr := fx.connect(t)

	fx.handlers.UpdateRepository(context.Background(), sessionID, mustJSON(t, map[string]any{
		"repository_id": "some-id",
	}))

	frames := tr.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "Repository ID and data are required", errorMessage(t, frames[0]))
}

// ─── Delete repository ───────────────────────────────────────────────────

func TestDeleteSelectedRepositoryReselectsOldest(t *testing.T) {
	fx := setupGateway(t)
	sessionID, tr := fx.connect(t)
	web := fx.seedRepository(t, sessionID, "web")
	api := fx.seedRepository(t, sessionID, "api")
	fx.registry.SetSelectedRepository(sessionID, web.ID)

	fx.handlers.DeleteRepository(context.Background(), sessionID, mustJSON(t, map[string]string{
		"repository_id": web.ID,
	}))

	assert.Equal(t, []string{
		protocol.TypeRepositoryActionSuccess,
		protocol.TypeRepositoriesList,
		protocol.TypeAgentTyping,
		protocol.TypeFileTreeData,
		protocol.TypeAgentTyping,
	}, tr.Types())

	success := framesOfType(tr.Frames(), protocol.TypeRepositoryActionSuccess)
	payload := success[0].Payload.(protocol.ActionPayload)
	assert.Equal(t, "delete", payload.Action)
	assert.Equal(t, web.ID, payload.RepositoryID)
	assert.Nil(t, payload.Repository)

	// The oldest remaining repository took over the selection.
	assert.Equal(t, api.ID, fx.registry.SelectedRepository(sessionID))

	data := framesOfType(tr.Frames(), protocol.TypeFileTreeData)
	require.Len(t, data, 1)
	assert.Equal(t, api.ID, data[0].Payload.(protocol.TreePayload).Repository.ID)
}

func TestDeleteLastRepositoryClearsSelection(t *testing.T) {
	fx := setupGateway(t)
	sessionID, tr := fx.connect(t)
	web := fx.seedRepository(t, sessionID, "web")
	fx.registry.SetSelectedRepository(sessionID, web.ID)

	fx.handlers.DeleteRepository(context.Background(), sessionID, mustJSON(t, map[string]string{
		"repository_id": web.ID,
	}))

	assert.Equal(t, []string{
		protocol.TypeRepositoryActionSuccess,
		protocol.TypeRepositoriesList,
		protocol.TypeFileTreeData,
	}, tr.Types())
	assert.Empty(t, fx.registry.SelectedRepository(sessionID))

	// The closing tree frame is the canonical empty one.
	data := framesOfType(tr.Frames(), protocol.TypeFileTreeData)
	raw, err := json.Marshal(data[0].Payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tree":[],"repository":null}`, string(raw))
}

func TestDeleteUnselectedRepositoryKeepsSelection(t *testing.T) {
	fx := setupGateway(t)
	sessionID, tr := fx.connect(t)
	web := fx.seedRepository(t, sessionID, "web")
	api := fx.seedRepository(t, sessionID, "api")
	fx.registry.SetSelectedRepository(sessionID, api.ID)

	fx.handlers.DeleteRepository(context.Background(), sessionID, mustJSON(t, map[string]string{
		"repository_id": web.ID,
	}))

	assert.Equal(t, []string{
		protocol.TypeRepositoryActionSuccess,
		protocol.TypeRepositoriesList,
	}, tr.Types())
	assert.Equal(t, api.ID, fx.registry.SelectedRepository(sessionID))
}

func TestDeleteUnknownRepository(t *testing.T) {
	fx := setupGateway(t)
	sessionID, tr := fx.connect(t)

	fx.handlers.DeleteRepository(context.Background(), sessionID, mustJSON(t, map[string]string{
		"repository_id": "ghost",
	}))

	frames := tr.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeRepositoryActionError, frames[0].Type)
	assert.Equal(t, "Failed to delete repository", errorMessage(t, frames[0]))
}

// ─── Select repository ───────────────────────────────────────────────────

func TestSelectRepositoryStreamsTree(t *testing.T) {
	fx := setupGateway(t)
	sessionID, tr := fx.connect(t)
	web := fx.seedRepository(t, sessionID, "web")
	api := fx.seedRepository(t, sessionID, "api")
	fx.registry.SetSelectedRepository(sessionID, web.ID)

	fx.handlers.SelectRepository(context.Background(), sessionID, mustJSON(t, map[string]string{
		"repository_id": api.ID,
	}))

	assert.Equal(t, []string{
		protocol.TypeRepositoryActionSuccess,
		protocol.TypeAgentTyping,
		protocol.TypeFileTreeData,
		protocol.TypeAgentTyping,
	}, tr.Types())

	success := framesOfType(tr.Frames(), protocol.TypeRepositoryActionSuccess)
	payload := success[0].Payload.(protocol.ActionPayload)
	assert.Equal(t, "select", payload.Action)
	assert.Equal(t, api.ID, payload.RepositoryID)

	assert.Equal(t, api.ID, fx.registry.SelectedRepository(sessionID))
}

func TestSelectUnknownRepositoryKeepsSelection(t *testing.T) {
	fx := setupGateway(t)
	sessionID, tr := fx.connect(t)
	web := fx.seedRepository(t, sessionID, "web")
	fx.registry.SetSelectedRepository(sessionID, web.ID)

	fx.handlers.SelectRepository(context.Background(), sessionID, mustJSON(t, map[string]string{
		"repository_id": "ghost",
	}))

	frames := tr.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeRepositoryActionError, frames[0].Type)
	assert.Equal(t, "Repository not found", errorMessage(t, frames[0]))
	assert.Equal(t, web.ID, fx.registry.SelectedRepository(sessionID))
}
