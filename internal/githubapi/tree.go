package githubapi

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/repotalk/repotalk-gateway/internal/models"
)

// FetchTree returns the repository's file tree, directories populated with
// their children in remote listing order.
//
// The walk descends level by level, fetching each level's directories
// concurrently. It stops descending once maxDepth levels have been expanded
// or the tree holds maxEntries entries; directories past either bound keep
// nil children rather than failing the whole fetch.
func (c *Client) FetchTree(ctx context.Context, repo models.Repository) ([]*models.FileNode, error) {
	if repo.Token == "" || repo.Owner == "" || repo.Repo == "" {
		return nil, fmt.Errorf("%w: token, owner, and repo are required", ErrInvalidRepository)
	}
	repo.ApplyDefaults()

	key := cacheKey(repo)
	if c.cache != nil {
		if tree, ok := c.cache.Get(key); ok {
			return tree, nil
		}
	}

	root, err := c.listDir(ctx, repo, "")
	if err != nil {
		return nil, err
	}

	total := len(root)
	frontier := directories(root)

	for depth := 1; depth < c.maxDepth && len(frontier) > 0 && total < c.maxEntries; depth++ {
		listings := make([][]*models.FileNode, len(frontier))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.concurrency)
		for i, dir := range frontier {
			g.Go(func() error {
				children, err := c.listDir(gctx, repo, dir.Path)
				if err != nil {
					return err
				}
				listings[i] = children
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		var next []*models.FileNode
		for i, dir := range frontier {
			dir.Children = listings[i]
			total += len(listings[i])
			next = append(next, directories(listings[i])...)
		}
		frontier = next
	}

	if c.cache != nil {
		c.cache.Add(key, root)
	}
	return root, nil
}

func directories(nodes []*models.FileNode) []*models.FileNode {
	var dirs []*models.FileNode
	for _, n := range nodes {
		if n.Type == models.NodeDirectory {
			dirs = append(dirs, n)
		}
	}
	return dirs
}
