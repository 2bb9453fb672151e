// Package source fetches the target project when it is not checked out yet.
//
// daliugebuild.sh assumed the project was already cloned under
// the workspace root. When a repository URL is configured, daliugebuild can
// clone it first; without one the project directory must already exist.
// Cloning uses go-git, so no git binary is required on the host.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Repository identifies what to clone.
type Repository struct {
	// URL is any URL go-git understands, including local paths.
	URL string

	// Branch restricts the clone to a single branch. Empty means the
	// remote's default branch.
	Branch string

	// Depth limits history for a shallow clone. 0 means full history.
	Depth int
}

// Fetcher clones a repository into a directory.
type Fetcher interface {
	// Fetch clones repo into dest and returns the checked-out commit hash.
	Fetch(ctx context.Context, dest string, repo Repository) (string, error)
}

// ErrDestinationExists is returned when dest already exists. Existing
// checkouts are never overwritten.
var ErrDestinationExists = errors.New("destination already exists")

// GitFetcher clones with go-git.
type GitFetcher struct {
	progress io.Writer
}

// NewGitFetcher creates a GitFetcher. progress receives clone progress and
// may be nil.
func NewGitFetcher(progress io.Writer) *GitFetcher {
	return &GitFetcher{progress: progress}
}

// Fetch implements Fetcher.
func (f *GitFetcher) Fetch(ctx context.Context, dest string, repo Repository) (string, error) {
	if repo.URL == "" {
		return "", errors.New("repository URL must not be empty")
	}
	if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("%s: %w", dest, ErrDestinationExists)
	}

	opts := &git.CloneOptions{URL: repo.URL, Progress: f.progress}
	if repo.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(repo.Branch)
		opts.SingleBranch = true
	}
	if repo.Depth > 0 {
		opts.Depth = repo.Depth
	}

	r, err := git.PlainCloneContext(ctx, dest, false, opts)
	if err != nil {
		return "", fmt.Errorf("clone %s: %w", repo.URL, err)
	}

	head, err := r.Head()
	if err != nil {
		return "", fmt.Errorf("clone %s: resolve HEAD: %w", repo.URL, err)
	}
	return head.Hash().String(), nil
}
