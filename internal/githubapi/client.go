// Package githubapi is the GitHub REST boundary: profile lookup, repository
// listing, snapshot fetch, README commit-back and webhook management.
//
// Every call takes the decrypted token explicitly; the package keeps no
// credentials. Errors come back classified (TransientError / PermanentError)
// so the orchestrator can apply its retry policy without knowing about HTTP.
package githubapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/go-github/v82/github"
	"golang.org/x/oauth2"

	"github.com/sakif/readmebot/internal/model"
)

const (
	// maxSnapshotFiles caps the tree listing handed to the generator.
	maxSnapshotFiles = 500
	// maxManifestBytes skips oversized manifest files.
	maxManifestBytes = 64 * 1024
	// maxRepoPages bounds the repository picker (100 per page).
	maxRepoPages = 10
)

// manifestFiles are the root-level files fetched into a snapshot.
var manifestFiles = []string{
	"go.mod",
	"package.json",
	"Cargo.toml",
	"pyproject.toml",
	"requirements.txt",
	"Gemfile",
	"pom.xml",
	"build.gradle",
	"Makefile",
	"Dockerfile",
}

// Client creates a token-scoped go-github client per call.
type Client struct {
	baseURL *url.URL
	timeout time.Duration
	logger  *slog.Logger
}

// New returns a Client against baseURL ("https://api.github.com/" in
// production, an httptest server in tests). timeout bounds each HTTP call.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	if baseURL == "" {
		baseURL = "https://api.github.com/"
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("githubapi: parsing base URL %q: %w", baseURL, err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{baseURL: u, timeout: timeout, logger: logger}, nil
}

// client builds an authenticated go-github client for one token.
func (c *Client) client(ctx context.Context, token string) *github.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	tc.Timeout = c.timeout

	gh := github.NewClient(tc)
	gh.BaseURL = c.baseURL
	return gh
}

// SplitFullName splits "owner/name" and rejects anything else.
func SplitFullName(fullName string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("githubapi: invalid repository name %q (want owner/name)", fullName)
	}
	return owner, name, nil
}

// GetAuthenticatedUser returns the profile behind token.
func (c *Client) GetAuthenticatedUser(ctx context.Context, token string) (*model.GitHubProfile, error) {
	user, _, err := c.client(ctx, token).Users.Get(ctx, "")
	if err != nil {
		return nil, classify("get user", err)
	}
	if user.GetID() == 0 {
		return nil, fmt.Errorf("githubapi: GitHub returned a user without an id")
	}
	return &model.GitHubProfile{
		ID:        user.GetID(),
		Login:     user.GetLogin(),
		AvatarURL: user.GetAvatarURL(),
	}, nil
}

// ListRepos returns repositories the token's user owns, collaborates on, or
// can see through an organization, most recently pushed first.
func (c *Client) ListRepos(ctx context.Context, token string) ([]model.GitHubRepo, error) {
	gh := c.client(ctx, token)
	opts := &github.RepositoryListByAuthenticatedUserOptions{
		Affiliation: "owner,collaborator,organization_member",
		Sort:        "pushed",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	repos := make([]model.GitHubRepo, 0)
	for page := 0; page < maxRepoPages; page++ {
		batch, resp, err := gh.Repositories.ListByAuthenticatedUser(ctx, opts)
		if err != nil {
			return nil, classify("list repos", err)
		}
		for _, r := range batch {
			repos = append(repos, model.GitHubRepo{
				ID:            r.GetID(),
				FullName:      r.GetFullName(),
				Name:          r.GetName(),
				Owner:         r.GetOwner().GetLogin(),
				Description:   r.GetDescription(),
				Private:       r.GetPrivate(),
				DefaultBranch: r.GetDefaultBranch(),
				HTMLURL:       r.GetHTMLURL(),
				Language:      r.GetLanguage(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return repos, nil
}

// FetchSnapshot reads repository metadata, the file tree at sha, the
// current README and root-level manifests.
func (c *Client) FetchSnapshot(ctx context.Context, token, fullName, sha string) (*model.RepoSnapshot, error) {
	owner, name, err := SplitFullName(fullName)
	if err != nil {
		return nil, err
	}
	gh := c.client(ctx, token)

	repo, _, err := gh.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, classify("get repository", err)
	}

	snap := &model.RepoSnapshot{
		FullName:      repo.GetFullName(),
		Name:          repo.GetName(),
		Owner:         repo.GetOwner().GetLogin(),
		Description:   repo.GetDescription(),
		Homepage:      repo.GetHomepage(),
		DefaultBranch: repo.GetDefaultBranch(),
		Language:      repo.GetLanguage(),
		License:       repo.GetLicense().GetSPDXID(),
		Topics:        repo.Topics,
		CommitSHA:     sha,
		Manifests:     make(map[string]string),
	}

	ref := sha
	if ref == "" {
		ref = snap.DefaultBranch
	}

	tree, _, err := gh.Git.GetTree(ctx, owner, name, ref, true)
	if err != nil {
		return nil, classify("get tree", err)
	}
	snap.Truncated = tree.GetTruncated()

	rootFiles := make(map[string]bool)
	for _, e := range tree.Entries {
		if e.GetType() != "blob" {
			continue
		}
		p := e.GetPath()
		if !strings.Contains(p, "/") {
			rootFiles[p] = true
		}
		if len(snap.Files) >= maxSnapshotFiles {
			snap.Truncated = true
			continue
		}
		snap.Files = append(snap.Files, p)
	}

	readme, _, err := gh.Repositories.GetReadme(ctx, owner, name, &github.RepositoryContentGetOptions{Ref: ref})
	switch {
	case err == nil:
		text, derr := readme.GetContent()
		if derr != nil {
			return nil, fmt.Errorf("githubapi: decoding README of %s: %w", fullName, derr)
		}
		snap.ExistingReadme = text
	case IsNotFound(classify("get readme", err)):
		// No README yet.
	default:
		return nil, classify("get readme", err)
	}

	for _, m := range manifestFiles {
		if !rootFiles[m] {
			continue
		}
		text, found, err := c.fileContent(ctx, gh, owner, name, m, ref)
		if err != nil {
			return nil, err
		}
		if !found || len(text) > maxManifestBytes {
			continue
		}
		snap.Manifests[m] = text
	}

	return snap, nil
}

// fileContent reads a single file; found is false on 404.
func (c *Client) fileContent(ctx context.Context, gh *github.Client, owner, name, filePath, ref string) (text string, found bool, err error) {
	file, _, _, err := gh.Repositories.GetContents(ctx, owner, name, filePath, &github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		cerr := classify("get contents "+filePath, err)
		if IsNotFound(cerr) {
			return "", false, nil
		}
		return "", false, cerr
	}
	if file == nil {
		// A directory sits at this path.
		return "", false, nil
	}
	text, err = file.GetContent()
	if err != nil {
		return "", false, fmt.Errorf("githubapi: decoding %s: %w", filePath, err)
	}
	return text, true, nil
}

// CommitRequest describes one README write.
type CommitRequest struct {
	FullName string
	Branch   string // empty means the default branch
	Path     string // e.g. "README.md"
	Content  string
	Message  string
}

// CommitResult reports what CommitReadme did.
type CommitResult struct {
	Changed   bool   // false when the file already had exactly this content
	CommitSHA string // set when Changed
}

// CommitReadme creates or updates the README through the contents API. An
// identical file is left alone, so re-running an attempt never produces an
// empty commit.
func (c *Client) CommitReadme(ctx context.Context, token string, req CommitRequest) (CommitResult, error) {
	owner, name, err := SplitFullName(req.FullName)
	if err != nil {
		return CommitResult{}, err
	}
	filePath := strings.TrimPrefix(path.Clean("/"+req.Path), "/")
	gh := c.client(ctx, token)

	var getOpts *github.RepositoryContentGetOptions
	if req.Branch != "" {
		getOpts = &github.RepositoryContentGetOptions{Ref: req.Branch}
	}

	var existingSHA string
	current, _, _, err := gh.Repositories.GetContents(ctx, owner, name, filePath, getOpts)
	switch {
	case err == nil && current != nil:
		existingSHA = current.GetSHA()
		text, derr := current.GetContent()
		if derr == nil && text == req.Content {
			return CommitResult{Changed: false}, nil
		}
	case err == nil:
		return CommitResult{}, fmt.Errorf("githubapi: %s in %s is a directory", filePath, req.FullName)
	default:
		if cerr := classify("get contents "+filePath, err); !IsNotFound(cerr) {
			return CommitResult{}, cerr
		}
	}

	opts := &github.RepositoryContentFileOptions{
		Message: github.String(req.Message),
		Content: []byte(req.Content),
	}
	if req.Branch != "" {
		opts.Branch = github.String(req.Branch)
	}

	var res *github.RepositoryContentResponse
	if existingSHA == "" {
		res, _, err = gh.Repositories.CreateFile(ctx, owner, name, filePath, opts)
	} else {
		opts.SHA = github.String(existingSHA)
		res, _, err = gh.Repositories.UpdateFile(ctx, owner, name, filePath, opts)
	}
	if err != nil {
		return CommitResult{}, classify("commit "+filePath, err)
	}

	return CommitResult{Changed: true, CommitSHA: res.Commit.GetSHA()}, nil
}

// CreatePushHook registers a JSON push webhook pointing at hookURL and
// returns its id.
func (c *Client) CreatePushHook(ctx context.Context, token, fullName, hookURL, secret string) (int64, error) {
	owner, name, err := SplitFullName(fullName)
	if err != nil {
		return 0, err
	}

	hook := &github.Hook{
		Events: []string{"push"},
		Active: github.Bool(true),
		Config: &github.HookConfig{
			URL:         github.String(hookURL),
			ContentType: github.String("json"),
			Secret:      github.String(secret),
			InsecureSSL: github.String("0"),
		},
	}

	created, _, err := c.client(ctx, token).Repositories.CreateHook(ctx, owner, name, hook)
	if err != nil {
		return 0, classify("create hook", err)
	}
	c.logger.Debug("webhook created", "repo", fullName, "hook_id", created.GetID())
	return created.GetID(), nil
}

// DeleteHook removes a webhook. A hook that is already gone counts as
// removed.
func (c *Client) DeleteHook(ctx context.Context, token, fullName string, hookID int64) error {
	owner, name, err := SplitFullName(fullName)
	if err != nil {
		return err
	}
	_, err = c.client(ctx, token).Repositories.DeleteHook(ctx, owner, name, hookID)
	if err != nil {
		cerr := classify("delete hook", err)
		if IsNotFound(cerr) {
			return nil
		}
		return cerr
	}
	return nil
}

// IsDefaultBranchRef reports whether a push ref ("refs/heads/main") points at
// the default branch.
func IsDefaultBranchRef(ref, defaultBranch string) bool {
	branch, ok := strings.CutPrefix(ref, "refs/heads/")
	return ok && defaultBranch != "" && branch == defaultBranch
}
