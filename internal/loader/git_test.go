package loader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/exambuddy/internal/document"
)

// initRepo commits files into a fresh repository on disk.
func initRepo(t *testing.T, files map[string]string) *git.Repository {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)

	for name, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o600))
		_, err := wt.Add(name)
		require.NoError(t, err)
	}

	_, err = wt.Commit("fixture", &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Unix(1700000000, 0)},
	})
	require.NoError(t, err)

	repo, err = git.PlainOpen(dir)
	require.NoError(t, err)
	return repo
}

func TestGitLoader_ReadRepository(t *testing.T) {
	repo := initRepo(t, map[string]string{
		"README.md":             "# CS101\nLecture notes.",
		"syllabus.txt":          "Week 1: recursion",
		"lectures/week2.md":     "Week 2: sorting",
		"node_modules/x/pkg.js": "module.exports = 1",
		"diagram.bin":           "BIN\x00\x01\x02",
	})
	ref := RepoRef{Host: "gitlab.com", Owner: "school", Name: "cs101"}

	t.Run("top level only", func(t *testing.T) {
		l := NewGitLoader(GitConfig{})
		chunks, err := l.readRepository(repo, ref, "main")
		require.NoError(t, err)
		require.Len(t, chunks, 2)

		assert.Equal(t, "README.md", chunks[0].Metadata.Loc.Path)
		assert.Equal(t, "# CS101\nLecture notes.", chunks[0].PageContent)
		assert.Equal(t, "https://gitlab.com/school/cs101/blob/main/README.md", chunks[0].Metadata.Source)
		assert.Equal(t, document.KindRepository, chunks[0].Metadata.Kind)
		assert.Equal(t, "syllabus.txt", chunks[1].Metadata.Loc.Path)
		assert.NotEmpty(t, chunks[1].ID)
	})

	t.Run("recursive", func(t *testing.T) {
		l := NewGitLoader(GitConfig{Files: FileFilter{Recursive: true}})
		chunks, err := l.readRepository(repo, ref, "main")
		require.NoError(t, err)

		var paths []string
		for _, c := range chunks {
			paths = append(paths, c.Metadata.Loc.Path)
		}
		assert.Equal(t, []string{"README.md", "lectures/week2.md", "syllabus.txt"}, paths)
	})
}

func TestGitLoader_MalformedLink(t *testing.T) {
	_, err := NewGitLoader(GitConfig{}).Load(t.Context(), "https://gitlab.com/school")
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
