package loader

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/exambuddy/internal/config"
	"github.com/fyrsmithlabs/exambuddy/internal/document"
)

const defaultGitHubHost = "github.com"

// RepositoryLoader sends GitHub links through the contents API and every
// other host through an in-memory git clone.
type RepositoryLoader struct {
	github     Loader
	git        Loader
	githubHost string
	redactor   Redactor
}

// RepositoryOption configures a RepositoryLoader.
type RepositoryOption func(*RepositoryLoader)

// WithRedactor scrubs secrets from loaded files.
func WithRedactor(r Redactor) RepositoryOption {
	return func(l *RepositoryLoader) { l.redactor = r }
}

// WithGitHubHost changes the host routed to the GitHub loader, for
// GitHub Enterprise.
func WithGitHubHost(host string) RepositoryOption {
	return func(l *RepositoryLoader) { l.githubHost = strings.ToLower(host) }
}

// NewRepositoryLoader creates a RepositoryLoader from its two backends.
func NewRepositoryLoader(github, git Loader, opts ...RepositoryOption) *RepositoryLoader {
	l := &RepositoryLoader{github: github, git: git, githubHost: defaultGitHubHost}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewRepositoryLoaderFromConfig wires the GitHub and git loaders with the
// file filter described by cfg.
func NewRepositoryLoaderFromConfig(cfg config.LoadersConfig, logger *zap.Logger) (*RepositoryLoader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	files := FileFilter{
		Branch:      cfg.RepoBranch,
		Recursive:   cfg.RepoRecursive,
		MaxFileSize: cfg.RepoMaxFileSize,
		Include:     cfg.RepoInclude,
		Exclude:     cfg.RepoExclude,
	}

	gh, err := NewGitHubLoader(GitHubConfig{
		Token:       cfg.GitHubToken,
		BaseURL:     cfg.GitHubAPIURL,
		RateLimit:   cfg.GitHubRateLimit,
		Files:       files,
		Concurrency: cfg.RepoConcurrency,
		Logger:      logger.Named("github"),
	})
	if err != nil {
		return nil, err
	}
	gl := NewGitLoader(GitConfig{Files: files, Logger: logger.Named("git")})

	var opts []RepositoryOption
	if cfg.GitHubHost != "" {
		opts = append(opts, WithGitHubHost(cfg.GitHubHost))
	}
	if cfg.RedactSecrets {
		r, err := NewSecretRedactor(logger.Named("redact"))
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithRedactor(r))
	}
	return NewRepositoryLoader(gh, gl, opts...), nil
}

// Load routes link by host.
func (l *RepositoryLoader) Load(ctx context.Context, link string) ([]document.Chunk, error) {
	ref, err := ParseRepoURL(link)
	if err != nil {
		return nil, err
	}

	backend := l.git
	if ref.Host == l.githubHost {
		backend = l.github
	}
	chunks, err := backend.Load(ctx, link)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, Permanentf("repository %s has no loadable files", ref.FullName())
	}
	if l.redactor != nil {
		chunks = l.redactor.Redact(chunks)
	}
	return chunks, nil
}

var _ Loader = (*RepositoryLoader)(nil)
