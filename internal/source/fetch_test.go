package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedRepo creates a repository with a setup.py and one commit, and returns
// its path and the commit hash.
func seedRepo(t *testing.T) (string, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "origin")
	repo, err := git.PlainInit(path, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(path, "setup.py"), []byte("from setuptools import setup\nsetup()\n"), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("setup.py")
	require.NoError(t, err)

	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	return path, hash.String()
}

func TestGitFetcher_Fetch(t *testing.T) {
	origin, commit := seedRepo(t)
	dest := filepath.Join(t.TempDir(), "daliuge")

	got, err := NewGitFetcher(nil).Fetch(context.Background(), dest, Repository{URL: origin})
	require.NoError(t, err)
	assert.Equal(t, commit, got)
	assert.FileExists(t, filepath.Join(dest, "setup.py"))
}

func TestGitFetcher_FetchBranch(t *testing.T) {
	origin, commit := seedRepo(t)
	dest := filepath.Join(t.TempDir(), "daliuge")

	got, err := NewGitFetcher(nil).Fetch(context.Background(), dest, Repository{URL: origin, Branch: "master"})
	require.NoError(t, err)
	assert.Equal(t, commit, got)
}

// TestGitFetcher_RefusesExistingDestination guarantees an existing checkout
// is never overwritten.
func TestGitFetcher_RefusesExistingDestination(t *testing.T) {
	origin, _ := seedRepo(t)
	dest := t.TempDir()

	_, err := NewGitFetcher(nil).Fetch(context.Background(), dest, Repository{URL: origin})
	assert.ErrorIs(t, err, ErrDestinationExists)
}

func TestGitFetcher_Errors(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "daliuge")

	_, err := NewGitFetcher(nil).Fetch(context.Background(), dest, Repository{})
	assert.Error(t, err)

	_, err = NewGitFetcher(nil).Fetch(context.Background(), dest, Repository{URL: filepath.Join(t.TempDir(), "nope")})
	assert.Error(t, err)
}
