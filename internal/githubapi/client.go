// Package githubapi talks to the GitHub REST API (github.com or a self-hosted
// instance) to validate repositories and fetch file trees.
package githubapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/repotalk/repotalk-gateway/internal/models"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxDepth    = 10
	DefaultMaxEntries  = 5000
	DefaultConcurrency = 8
	DefaultCacheSize   = 128
	DefaultCacheTTL    = time.Minute
)

// Error classes callers can test with errors.Is. ErrInvalidRepository covers
// everything the caller can fix (missing fields, wrong coordinates, bad
// credentials); ErrRemoteAPI covers failures of the API itself.
var (
	ErrInvalidRepository = errors.New("invalid repository")
	ErrRemoteAPI         = errors.New("github api error")
)

// Options configures a Client. Zero values fall back to the defaults above.
type Options struct {
	Timeout     time.Duration
	MaxDepth    int
	MaxEntries  int
	Concurrency int
	CacheSize   int
	CacheTTL    time.Duration
}

// Client fetches repository metadata and file trees over the GitHub
// contents API. Safe for concurrent use.
type Client struct {
	httpClient  *http.Client
	maxDepth    int
	maxEntries  int
	concurrency int

	// baseOverride replaces per-host API base resolution when set.
	baseOverride string

	cache *expirable.LRU[string, []*models.FileNode]
}

// NewClient builds a Client with the given options.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}

	c := &Client{
		httpClient:  &http.Client{Timeout: opts.Timeout},
		maxDepth:    opts.MaxDepth,
		maxEntries:  opts.MaxEntries,
		concurrency: opts.Concurrency,
	}
	if opts.CacheSize > 0 {
		c.cache = expirable.NewLRU[string, []*models.FileNode](opts.CacheSize, nil, opts.CacheTTL)
	}
	return c
}

// SetBaseURL overrides API base resolution. Used in tests.
func (c *Client) SetBaseURL(url string) { c.baseOverride = url }

// apiBase resolves the REST API root for a repository host. github.com uses
// the hosted API; anything else is treated as a self-hosted instance.
func (c *Client) apiBase(host string) string {
	if c.baseOverride != "" {
		return c.baseOverride
	}
	if host == "" || host == models.DefaultHost {
		return "https://api.github.com"
	}
	return "https://" + host + "/api/v3"
}

// Validate reports whether the repository exists and is reachable with the
// given token. Missing coordinates and 4xx responses report false with a nil
// error; only failures of the API itself are returned as errors.
func (c *Client) Validate(ctx context.Context, repo models.Repository) (bool, error) {
	if repo.Token == "" || repo.Owner == "" || repo.Repo == "" {
		return false, nil
	}

	u := fmt.Sprintf("%s/repos/%s/%s",
		c.apiBase(repo.Host), url.PathEscape(repo.Owner), url.PathEscape(repo.Repo))

	resp, err := c.get(ctx, u, repo.Token)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRemoteAPI, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return false, nil
	default:
		return false, fmt.Errorf("%w: status %d", ErrRemoteAPI, resp.StatusCode)
	}
}

// contentEntry is one element of a contents API directory listing.
type contentEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
}

type apiError struct {
	Message string `json:"message"`
}

// listDir fetches one directory of the repository. Pass "" for the root.
func (c *Client) listDir(ctx context.Context, repo models.Repository, path string) ([]*models.FileNode, error) {
	u := fmt.Sprintf("%s/repos/%s/%s/contents/%s?ref=%s",
		c.apiBase(repo.Host),
		url.PathEscape(repo.Owner), url.PathEscape(repo.Repo),
		escapePath(path), url.QueryEscape(repo.Branch))

	resp, err := c.get(ctx, u, repo.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteAPI, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrRemoteAPI, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && ae.Message != "" {
			msg = fmt.Sprintf("%s (status %d)", ae.Message, resp.StatusCode)
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRepository, msg)
		}
		return nil, fmt.Errorf("%w: %s", ErrRemoteAPI, msg)
	}

	var entries []contentEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("%w: decode contents of %q: %v", ErrRemoteAPI, path, err)
	}

	nodes := make([]*models.FileNode, 0, len(entries))
	for _, e := range entries {
		node := &models.FileNode{
			ID:   e.Path,
			Name: e.Name,
			Path: e.Path,
			Type: models.NodeFile,
		}
		if e.Type == "dir" {
			node.Type = models.NodeDirectory
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (c *Client) get(ctx context.Context, url, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+token)
	return c.httpClient.Do(req)
}

// escapePath escapes each path segment while keeping the separators.
func escapePath(p string) string {
	if p == "" {
		return ""
	}
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

func cacheKey(repo models.Repository) string {
	return strings.Join([]string{repo.Host, repo.Owner, repo.Repo, repo.Branch, repo.Token}, "\x00")
}
