// Package agent produces AI replies to user chat messages over an
// OpenAI-compatible chat completions API.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/repotalk/repotalk-gateway/internal/models"
)

const (
	// Gemini's OpenAI-compatible endpoint; any chat completions API works.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"
	DefaultModel   = "gemini-2.0-flash"

	DefaultMaxTokens = 2048
	DefaultTimeout   = 120 * time.Second
)

const systemPrompt = "You are a coding assistant embedded in a repository " +
	"browser. Answer questions about the user's code repositories clearly " +
	"and concisely."

// Context carries what the agent should know about the session when
// producing a reply.
type Context struct {
	// Config is the session's stored settings blob, if any. The prompt
	// builder ignores it so stored credentials never reach the model.
	Config json.RawMessage

	// Repository is the session's selected repository, credential cleared.
	// Nil when nothing is selected.
	Repository *models.Repository
}

// Responder produces agent replies.
type Responder interface {
	// Configure installs the API credential used for subsequent replies.
	Configure(credential string)

	// Reply produces the agent's answer to one user message.
	Reply(ctx context.Context, text string, rctx Context) (string, error)
}

// Client implements Responder against an OpenAI-compatible API.
type Client struct {
	model      string
	baseURL    string
	maxTokens  int
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

var _ Responder = (*Client)(nil)

// NewClient builds a Client. Empty baseURL and model fall back to the
// defaults. The credential is installed later via Configure.
func NewClient(baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		model:     model,
		baseURL:   baseURL,
		maxTokens: DefaultMaxTokens,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// Configure installs the API credential. Called whenever a session submits
// its configuration; the last credential wins.
func (c *Client) Configure(credential string) {
	c.mu.Lock()
	c.apiKey = credential
	c.mu.Unlock()
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Reply sends the user's message plus session context to the model and
// returns the completion text.
func (c *Client) Reply(ctx context.Context, text string, rctx Context) (string, error) {
	c.mu.RLock()
	apiKey := c.apiKey
	c.mu.RUnlock()
	if apiKey == "" {
		return "", fmt.Errorf("agent credential not configured")
	}

	request := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: buildSystemPrompt(rctx)},
			{Role: "user", Content: text},
		},
		MaxTokens: c.maxTokens,
	}

	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agent API error (status %d): %s", resp.StatusCode, string(responseBody))
	}

	var chat chatResponse
	if err := json.Unmarshal(responseBody, &chat); err != nil {
		return "", fmt.Errorf("failed to parse agent response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return "", fmt.Errorf("no choices in agent response")
	}
	return chat.Choices[0].Message.Content, nil
}

func buildSystemPrompt(rctx Context) string {
	if rctx.Repository == nil {
		return systemPrompt
	}
	r := rctx.Repository
	return fmt.Sprintf("%s\n\nThe user is working with repository %q (%s/%s on %s, branch %s).",
		systemPrompt, r.Name, r.Owner, r.Repo, r.Host, r.Branch)
}

// SetBaseURL overrides the API base URL. Used in tests.
func (c *Client) SetBaseURL(url string) { c.baseURL = url }
