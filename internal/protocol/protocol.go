package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/repotalk/repotalk-gateway/internal/models"
)

// Inbound frame tags. Tags are matched case-insensitively: DecodeEnvelope
// upper-cases before dispatch.
const (
	TypeSubmitConfig     = "SUBMIT_CONFIG"
	TypeFetchFiles       = "FETCH_FILES"
	TypeSendChatMessage  = "SEND_CHAT_MESSAGE"
	TypeAddRepository    = "ADD_REPOSITORY"
	TypeUpdateRepository = "UPDATE_REPOSITORY"
	TypeDeleteRepository = "DELETE_REPOSITORY"
	TypeSelectRepository = "SELECT_REPOSITORY"

	// Liveness probe pair. PING is answered inline with PONG; an inbound
	// PONG is logged and dropped.
	TypePing = "PING"
	TypePong = "PONG"
)

// Outbound frame tags.
const (
	TypeConfigSuccess           = "CONFIG_SUCCESS"
	TypeConfigError             = "CONFIG_ERROR"
	TypeFileTreeData            = "FILE_TREE_DATA"
	TypeFileTreeError           = "FILE_TREE_ERROR"
	TypeRepositoriesList        = "REPOSITORIES_LIST"
	TypeRepositoryActionSuccess = "REPOSITORY_ACTION_SUCCESS"
	TypeRepositoryActionError   = "REPOSITORY_ACTION_ERROR"
	TypeNewChatMessage          = "NEW_CHAT_MESSAGE"
	TypeAgentTyping             = "AGENT_TYPING"
)

// ErrDecode marks a frame or payload whose JSON shape could not be parsed.
// It is a distinct kind from a handler rejecting valid-shaped input.
var ErrDecode = errors.New("malformed frame")

// ValidationError reports a required payload field that is missing. Its
// message text is client-facing and travels verbatim in error frames.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Envelope wraps every inbound wire message with a routing tag; the payload
// stays raw until the tag picks its concrete type.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeEnvelope parses one wire frame and normalizes its tag to upper case.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrDecode)
	}
	env.Type = strings.ToUpper(env.Type)
	return env, nil
}

// UnmarshalPayload decodes a raw payload into the tag's concrete type. An
// absent payload decodes as the zero value so handlers report the missing
// field instead of a JSON error.
func UnmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

// ConfigPayload carries the agent credential and the repositories submitted
// at configuration time.
type ConfigPayload struct {
	AgentToken   string              `json:"agentToken"`
	Repositories []models.Repository `json:"repositories"`
}

// FetchTreePayload selects the repository whose tree to fetch.
type FetchTreePayload struct {
	RepositoryID string `json:"repository_id"`
}

func (p *FetchTreePayload) Validate() error {
	if p.RepositoryID == "" {
		return &ValidationError{Message: "Repository ID is required"}
	}
	return nil
}

// ChatPayload carries one user chat message.
type ChatPayload struct {
	Text string `json:"text"`
}

// AddRepositoryPayload carries a new repository record.
type AddRepositoryPayload struct {
	Repository *models.Repository `json:"repository"`
}

func (p *AddRepositoryPayload) Validate() error {
	if p.Repository == nil {
		return &ValidationError{Message: "Repository data is required"}
	}
	return nil
}

// UpdateRepositoryPayload carries replacement data for an existing record.
type UpdateRepositoryPayload struct {
	RepositoryID string             `json:"repository_id"`
	Repository   *models.Repository `json:"repository"`
}

func (p *UpdateRepositoryPayload) Validate() error {
	if p.RepositoryID == "" || p.Repository == nil {
		return &ValidationError{Message: "Repository ID and data are required"}
	}
	return nil
}

// DeleteRepositoryPayload names the repository to remove.
type DeleteRepositoryPayload struct {
	RepositoryID string `json:"repository_id"`
}

func (p *DeleteRepositoryPayload) Validate() error {
	if p.RepositoryID == "" {
		return &ValidationError{Message: "Repository ID is required"}
	}
	return nil
}

// SelectRepositoryPayload names the repository to make current.
type SelectRepositoryPayload struct {
	RepositoryID string `json:"repository_id"`
}

func (p *SelectRepositoryPayload) Validate() error {
	if p.RepositoryID == "" {
		return &ValidationError{Message: "Repository ID is required"}
	}
	return nil
}

// Frame is one outbound wire message. A nil payload is omitted entirely
// (CONFIG_SUCCESS and PONG are bare tags).
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// ErrorPayload is the body of every outbound error frame.
type ErrorPayload struct {
	Message string `json:"message"`
}

// TypingPayload drives the client's typing indicator.
type TypingPayload struct {
	IsTyping bool `json:"isTyping"`
}

// RepositoriesPayload lists a session's repositories, credentials stripped.
type RepositoriesPayload struct {
	Repositories []models.Repository `json:"repositories"`
}

// RepositorySummary is the credential-free repository slice of a tree frame.
type RepositorySummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Host   string `json:"host"`
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
}

// Summarize builds the tree-frame summary for a repository record.
func Summarize(r models.Repository) *RepositorySummary {
	return &RepositorySummary{
		ID:     r.ID,
		Name:   r.Name,
		URL:    r.URL,
		Host:   r.Host,
		Owner:  r.Owner,
		Repo:   r.Repo,
		Branch: r.Branch,
	}
}

// TreePayload carries a fetched file tree. Tree always marshals as an array
// and Repository as null when the session has no selection left.
type TreePayload struct {
	Tree       []*models.FileNode `json:"tree"`
	Repository *RepositorySummary `json:"repository"`
}

// ActionPayload reports a completed repository action. Add and update carry
// the stored record; delete and select carry only the id.
type ActionPayload struct {
	Repository   *models.Repository `json:"repository,omitempty"`
	RepositoryID string             `json:"repository_id,omitempty"`
	Action       string             `json:"action"`
}

func Pong() Frame          { return Frame{Type: TypePong} }
func ConfigSuccess() Frame { return Frame{Type: TypeConfigSuccess} }

func ConfigError(message string) Frame {
	return Frame{Type: TypeConfigError, Payload: ErrorPayload{Message: message}}
}

func FileTreeError(message string) Frame {
	return Frame{Type: TypeFileTreeError, Payload: ErrorPayload{Message: message}}
}

func RepositoryActionError(message string) Frame {
	return Frame{Type: TypeRepositoryActionError, Payload: ErrorPayload{Message: message}}
}

func AgentTyping(on bool) Frame {
	return Frame{Type: TypeAgentTyping, Payload: TypingPayload{IsTyping: on}}
}

func RepositoriesList(repos []models.Repository) Frame {
	if repos == nil {
		repos = []models.Repository{}
	}
	return Frame{Type: TypeRepositoriesList, Payload: RepositoriesPayload{Repositories: repos}}
}

func FileTreeData(tree []*models.FileNode, repo *RepositorySummary) Frame {
	if tree == nil {
		tree = []*models.FileNode{}
	}
	return Frame{Type: TypeFileTreeData, Payload: TreePayload{Tree: tree, Repository: repo}}
}

func NewChatMessage(msg models.ChatMessage) Frame {
	return Frame{Type: TypeNewChatMessage, Payload: msg}
}

func RepositoryAdded(repo models.Repository) Frame {
	r := repo.Sanitized()
	return Frame{Type: TypeRepositoryActionSuccess, Payload: ActionPayload{Repository: &r, Action: "add"}}
}

func RepositoryUpdated(repo models.Repository) Frame {
	r := repo.Sanitized()
	return Frame{Type: TypeRepositoryActionSuccess, Payload: ActionPayload{Repository: &r, Action: "update"}}
}

func RepositoryDeleted(repositoryID string) Frame {
	return Frame{Type: TypeRepositoryActionSuccess, Payload: ActionPayload{RepositoryID: repositoryID, Action: "delete"}}
}

func RepositorySelected(repositoryID string) Frame {
	return Frame{Type: TypeRepositoryActionSuccess, Payload: ActionPayload{RepositoryID: repositoryID, Action: "select"}}
}
