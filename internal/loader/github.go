package loader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/exambuddy/internal/config"
	"github.com/fyrsmithlabs/exambuddy/internal/document"
)

// GitHubConfig configures GitHubLoader.
type GitHubConfig struct {
	// Token authenticates API calls; public repositories work without one
	// at a much lower rate limit.
	Token config.Secret
	// BaseURL overrides https://api.github.com/, for tests and GitHub Enterprise.
	BaseURL string
	// RateLimit caps API requests per second. Default: 10
	RateLimit float64
	Files     FileFilter
	// Concurrency bounds parallel file fetches. Default: 5
	Concurrency int
	Logger      *zap.Logger
}

// GitHubLoader reads repository files through the GitHub contents API.
type GitHubLoader struct {
	client      *github.Client
	limiter     *rate.Limiter
	files       FileFilter
	concurrency int
	logger      *zap.Logger
}

// NewGitHubLoader creates a GitHubLoader.
func NewGitHubLoader(cfg GitHubConfig) (*GitHubLoader, error) {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Files.applyDefaults()

	httpClient := &http.Client{Timeout: 60 * time.Second}
	if cfg.Token.IsSet() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
		httpClient = oauth2.NewClient(context.Background(), ts)
		httpClient.Timeout = 60 * time.Second
	}
	client := github.NewClient(httpClient)
	if cfg.BaseURL != "" {
		base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid github base url: %w", err)
		}
		client.BaseURL = base
	}

	return &GitHubLoader{
		client:      client,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Concurrency),
		files:       cfg.Files,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}, nil
}

// Load lists the repository at link and returns one chunk per text file,
// sorted by path.
func (l *GitHubLoader) Load(ctx context.Context, link string) ([]document.Chunk, error) {
	repo, err := ParseRepoURL(link)
	if err != nil {
		return nil, err
	}
	branch := l.files.Branch
	if repo.Ref != "" {
		branch = repo.Ref
	}

	entries, err := l.list(ctx, repo, branch, "")
	if err != nil {
		return nil, err
	}

	pool, err := ants.NewPool(l.concurrency)
	if err != nil {
		return nil, fmt.Errorf("creating fetch pool: %w", err)
	}
	defer pool.Release()

	chunks, err := fetchAll(pool, entries, func(entry *github.RepositoryContent) (document.Chunk, bool, error) {
		return l.fetch(ctx, repo, branch, entry)
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Metadata.Loc.Path < chunks[j].Metadata.Loc.Path })
	document.AssignIDs(chunks)

	l.logger.Debug("loaded github repository",
		zap.String("repo", repo.FullName()),
		zap.String("branch", branch),
		zap.Int("files", len(chunks)),
	)
	return chunks, nil
}

// fetchAll runs fetch for every entry on pool and returns the fetched
// chunks. It waits for every submitted fetch before returning, including
// when a submit fails.
func fetchAll(pool *ants.Pool, entries []*github.RepositoryContent, fetch func(*github.RepositoryContent) (document.Chunk, bool, error)) ([]document.Chunk, error) {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		chunks   []document.Chunk
		firstErr error
	)
	for _, entry := range entries {
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			chunk, ok, err := fetch(entry)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				if firstErr == nil {
					firstErr = err
				}
			case ok:
				chunks = append(chunks, chunk)
			}
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("submitting fetch: %w", submitErr)
			}
			mu.Unlock()
			break
		}
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return chunks, nil
}

// list returns the file entries under dir that pass the filter, descending
// into subdirectories only when the filter is recursive.
func (l *GitHubLoader) list(ctx context.Context, repo RepoRef, branch, dir string) ([]*github.RepositoryContent, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	_, entries, _, err := l.client.Repositories.GetContents(ctx, repo.Owner, repo.Name, dir,
		&github.RepositoryContentGetOptions{Ref: branch})
	if err != nil {
		return nil, classifyGitHubError(repo, dir, err)
	}

	var files []*github.RepositoryContent
	for _, e := range entries {
		switch e.GetType() {
		case "file":
			if reason := l.files.skip(e.GetPath(), int64(e.GetSize())); reason != "" {
				l.logger.Debug("skipping repository file",
					zap.String("path", e.GetPath()),
					zap.String("reason", reason),
				)
				continue
			}
			files = append(files, e)
		case "dir":
			if !l.files.Recursive || l.files.excluded(e.GetPath()) {
				continue
			}
			sub, err := l.list(ctx, repo, branch, e.GetPath())
			if err != nil {
				return nil, err
			}
			files = append(files, sub...)
		}
	}
	return files, nil
}

// fetch downloads one file. ok is false when the file is skipped.
func (l *GitHubLoader) fetch(ctx context.Context, repo RepoRef, branch string, entry *github.RepositoryContent) (document.Chunk, bool, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return document.Chunk{}, false, err
	}
	file, _, _, err := l.client.Repositories.GetContents(ctx, repo.Owner, repo.Name, entry.GetPath(),
		&github.RepositoryContentGetOptions{Ref: branch})
	if err != nil {
		return document.Chunk{}, false, classifyGitHubError(repo, entry.GetPath(), err)
	}
	if file == nil {
		return document.Chunk{}, false, nil
	}

	content, err := file.GetContent()
	if err != nil {
		l.logger.Warn("skipping undecodable repository file",
			zap.String("path", entry.GetPath()),
			zap.Error(err),
		)
		return document.Chunk{}, false, nil
	}
	if !isText(content) {
		l.logger.Warn("skipping binary repository file", zap.String("path", entry.GetPath()))
		return document.Chunk{}, false, nil
	}

	return repoChunk(repo, branch, entry.GetPath(), content), true, nil
}

// classifyGitHubError marks missing or inaccessible repositories permanent.
// Rate limiting and server errors stay retryable.
func classifyGitHubError(repo RepoRef, p string, err error) error {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return fmt.Errorf("github %s %s: rate limited: %w", repo.FullName(), p, err)
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch respErr.Response.StatusCode {
		case http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden, http.StatusUnavailableForLegalReasons:
			return Permanentf("github %s %s: %w", repo.FullName(), p, err)
		}
	}
	return fmt.Errorf("github %s %s: %w", repo.FullName(), p, err)
}

func repoChunk(repo RepoRef, branch, p, content string) document.Chunk {
	return document.Chunk{
		PageContent: content,
		Metadata: document.Metadata{
			Source: repo.BlobURL(branch, p),
			Kind:   document.KindRepository,
			Title:  repo.FullName(),
			Loc:    document.Locator{Path: p},
		},
	}
}

// RepoRef identifies a repository parsed from a link.
type RepoRef struct {
	Host  string
	Owner string
	Name  string
	// Ref is the branch named in a /tree/<ref> link, if any.
	Ref string
	// CloneURL is the link normalized for git transports.
	CloneURL string
}

// FullName returns owner/name.
func (r RepoRef) FullName() string {
	return r.Owner + "/" + r.Name
}

// BlobURL links to a file on the repository's web host.
func (r RepoRef) BlobURL(branch, p string) string {
	return "https://" + r.Host + "/" + path.Join(r.Owner, r.Name, "blob", branch, p)
}

// ParseRepoURL accepts https links (optionally ending in .git or pointing
// at /tree/<branch>) and scp-style git@host:owner/repo links.
func ParseRepoURL(link string) (RepoRef, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return RepoRef{}, Permanentf("empty repository link")
	}

	if rest, ok := strings.CutPrefix(link, "git@"); ok {
		host, repoPath, found := strings.Cut(rest, ":")
		if !found {
			return RepoRef{}, Permanentf("malformed repository link %q", link)
		}
		ref, err := repoFromPath(host, repoPath)
		if err != nil {
			return RepoRef{}, err
		}
		ref.CloneURL = link
		return ref, nil
	}

	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return RepoRef{}, Permanentf("malformed repository link %q", link)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return RepoRef{}, Permanentf("unsupported repository scheme %q", u.Scheme)
	}

	ref, err := repoFromPath(strings.ToLower(u.Host), u.Path)
	if err != nil {
		return RepoRef{}, err
	}
	ref.CloneURL = u.Scheme + "://" + u.Host + "/" + ref.Owner + "/" + ref.Name + ".git"
	return ref, nil
}

func repoFromPath(host, p string) (RepoRef, error) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return RepoRef{}, Permanentf("repository link must name owner/repo, got %q", p)
	}
	ref := RepoRef{
		Host:  host,
		Owner: parts[0],
		Name:  strings.TrimSuffix(parts[1], ".git"),
	}
	if len(parts) >= 4 && parts[2] == "tree" {
		ref.Ref = parts[3]
	}
	return ref, nil
}

var _ Loader = (*GitHubLoader)(nil)
