package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitHashAt(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, "unknown", CommitHashAt(dir))

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("a.txt")
	require.NoError(t, err)
	hash, err := wt.Commit("init", &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Unix(1700000000, 0)},
	})
	require.NoError(t, err)

	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.Mkdir(sub, 0o755))
	assert.Equal(t, hash.String()[:8], CommitHashAt(sub))
	h, branch := headFromPath(dir)
	assert.Equal(t, hash.String(), h)
	assert.Equal(t, "master", branch)
}
