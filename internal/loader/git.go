package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/memory"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/exambuddy/internal/document"
)

// GitConfig configures GitLoader.
type GitConfig struct {
	Files  FileFilter
	Logger *zap.Logger
}

// GitLoader shallow-clones a repository into memory and reads its files.
// It serves hosts without a contents API (GitLab, Gitea, self-hosted).
type GitLoader struct {
	files  FileFilter
	logger *zap.Logger
}

// NewGitLoader creates a GitLoader.
func NewGitLoader(cfg GitConfig) *GitLoader {
	cfg.Files.applyDefaults()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &GitLoader{files: cfg.Files, logger: cfg.Logger}
}

// Load clones link at depth 1 and returns one chunk per text file.
func (l *GitLoader) Load(ctx context.Context, link string) ([]document.Chunk, error) {
	ref, err := ParseRepoURL(link)
	if err != nil {
		return nil, err
	}
	branch := l.files.Branch
	if ref.Ref != "" {
		branch = ref.Ref
	}

	repo, err := git.CloneContext(ctx, memory.NewStorage(), nil, &git.CloneOptions{
		URL:           ref.CloneURL,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Depth:         1,
		Tags:          git.NoTags,
	})
	if err != nil {
		return nil, classifyGitError(ref, branch, err)
	}

	return l.readRepository(repo, ref, branch)
}

// readRepository walks the HEAD tree of repo.
func (l *GitLoader) readRepository(repo *git.Repository, ref RepoRef, branch string) ([]document.Chunk, error) {
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("git %s: resolving HEAD: %w", ref.FullName(), err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("git %s: reading commit: %w", ref.FullName(), err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("git %s: reading tree: %w", ref.FullName(), err)
	}

	var chunks []document.Chunk
	err = tree.Files().ForEach(func(f *object.File) error {
		if reason := l.files.skip(f.Name, f.Size); reason != "" {
			return nil
		}
		if binary, err := f.IsBinary(); err != nil || binary {
			l.logger.Warn("skipping binary repository file", zap.String("path", f.Name))
			return nil
		}
		content, err := f.Contents()
		if err != nil {
			return fmt.Errorf("reading %s: %w", f.Name, err)
		}
		if !isText(content) {
			l.logger.Warn("skipping non-UTF-8 repository file", zap.String("path", f.Name))
			return nil
		}
		chunks = append(chunks, repoChunk(ref, branch, f.Name, content))
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("git %s: %w", ref.FullName(), err)
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Metadata.Loc.Path < chunks[j].Metadata.Loc.Path })
	document.AssignIDs(chunks)
	return chunks, nil
}

func classifyGitError(ref RepoRef, branch string, err error) error {
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrEmptyRemoteRepository),
		errors.Is(err, plumbing.ErrReferenceNotFound):
		return Permanentf("git %s@%s: %w", ref.FullName(), branch, err)
	default:
		return fmt.Errorf("git %s@%s: %w", ref.FullName(), branch, err)
	}
}

var _ Loader = (*GitLoader)(nil)
