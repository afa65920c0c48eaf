package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/sakif/readmebot/internal/githubapi"
	"github.com/sakif/readmebot/internal/model"
	"github.com/sakif/readmebot/internal/pipeline"
	"github.com/sakif/readmebot/internal/repository"
	"github.com/sakif/readmebot/internal/repository/sqlite"
	"github.com/sakif/readmebot/internal/vault"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

// The services run against a real in-memory SQLite store so the activity
// log's append-only and pairing rules are the real ones. GitHub, OAuth and
// the dispatcher are hand-written fakes.

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New(vault.Key{ID: "v1", Material: strings.Repeat("ab", 32)})
	if err != nil {
		t.Fatalf("vault.New() error = %v", err)
	}
	return v
}

// seedAccount stores an account whose token decrypts to "gho_<login>".
func seedAccount(t *testing.T, db *sqlite.DB, v *vault.Vault, githubID int64, login string, autoReadme bool) *model.Account {
	t.Helper()
	sealed, err := v.Encrypt("gho_" + login)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	a := &model.Account{
		GitHubID:          githubID,
		GitHubUsername:    login,
		AutoReadmeEnabled: true,
		EncryptedToken:    &sealed,
	}
	ctx := context.Background()
	if _, err := db.UpsertAccount(ctx, a); err != nil {
		t.Fatalf("UpsertAccount() error = %v", err)
	}
	if !autoReadme {
		if err := db.SetAutoReadme(ctx, a.ID, false); err != nil {
			t.Fatalf("SetAutoReadme() error = %v", err)
		}
		a.AutoReadmeEnabled = false
	}
	return a
}

func seedActivation(t *testing.T, db *sqlite.DB, accountID, repo string, hookID int64) {
	t.Helper()
	err := db.SaveActivation(context.Background(), &model.ActivatedRepo{
		AccountID:    accountID,
		RepoFullName: repo,
		WebhookID:    hookID,
		Active:       true,
	})
	if err != nil {
		t.Fatalf("SaveActivation() error = %v", err)
	}
}

// activityOf returns an account's entries oldest first.
func activityOf(t *testing.T, db *sqlite.DB, accountID string) []model.ActivityLogEntry {
	t.Helper()
	entries, err := db.ListActivityByAccount(context.Background(), accountID, repository.ListOptions{Limit: 200})
	if err != nil {
		t.Fatalf("ListActivityByAccount() error = %v", err)
	}
	slices.Reverse(entries)
	return entries
}

func actions(entries []model.ActivityLogEntry) []model.Action {
	out := make([]model.Action, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func transientErr() error {
	return &githubapi.TransientError{Op: "test", StatusCode: 502, Err: errors.New("bad gateway")}
}

func statusErr(code int) error {
	return &githubapi.PermanentError{Op: "test", StatusCode: code, Err: errors.New("rejected")}
}

// fakeGitHub is an in-memory GitHubAPI. Error queues are consumed one per
// call; once empty, calls succeed.
type fakeGitHub struct {
	mu sync.Mutex

	profile    *model.GitHubProfile
	profileErr error

	repos   []model.GitHubRepo
	listErr error

	fetchErrs  []error
	fetchCalls int
	onFetch    func(sha string)

	commitErrs   []error
	commitResult *githubapi.CommitResult
	commits      []githubapi.CommitRequest

	createHookErr error
	nextHookID    int64
	createdHooks  []int64
	deleteHookErr error
	deletedHooks  []int64

	tokens []string
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{
		profile:    &model.GitHubProfile{ID: 1001, Login: "octocat", AvatarURL: "https://avatars.test/1001"},
		nextHookID: 500,
	}
}

func (f *fakeGitHub) sawToken(token string) {
	f.tokens = append(f.tokens, token)
}

func (f *fakeGitHub) GetAuthenticatedUser(_ context.Context, token string) (*model.GitHubProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sawToken(token)
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	p := *f.profile
	return &p, nil
}

func (f *fakeGitHub) ListRepos(_ context.Context, token string) ([]model.GitHubRepo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sawToken(token)
	if f.listErr != nil {
		return nil, f.listErr
	}
	return slices.Clone(f.repos), nil
}

func (f *fakeGitHub) FetchSnapshot(_ context.Context, token, fullName, sha string) (*model.RepoSnapshot, error) {
	f.mu.Lock()
	f.sawToken(token)
	f.fetchCalls++
	var err error
	if len(f.fetchErrs) > 0 {
		err, f.fetchErrs = f.fetchErrs[0], f.fetchErrs[1:]
	}
	onFetch := f.onFetch
	f.mu.Unlock()

	if onFetch != nil {
		onFetch(sha)
	}
	if err != nil {
		return nil, err
	}
	_, name, _ := strings.Cut(fullName, "/")
	return &model.RepoSnapshot{FullName: fullName, Name: name, DefaultBranch: "main", CommitSHA: sha}, nil
}

func (f *fakeGitHub) CommitReadme(_ context.Context, token string, req githubapi.CommitRequest) (githubapi.CommitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sawToken(token)
	if len(f.commitErrs) > 0 {
		var err error
		err, f.commitErrs = f.commitErrs[0], f.commitErrs[1:]
		return githubapi.CommitResult{}, err
	}
	f.commits = append(f.commits, req)
	if f.commitResult != nil {
		return *f.commitResult, nil
	}
	return githubapi.CommitResult{Changed: true, CommitSHA: "readme-commit-sha"}, nil
}

func (f *fakeGitHub) CreatePushHook(_ context.Context, token, _, _, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sawToken(token)
	if f.createHookErr != nil {
		return 0, f.createHookErr
	}
	f.nextHookID++
	f.createdHooks = append(f.createdHooks, f.nextHookID)
	return f.nextHookID, nil
}

func (f *fakeGitHub) DeleteHook(_ context.Context, token, _ string, hookID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sawToken(token)
	if f.deleteHookErr != nil {
		return f.deleteHookErr
	}
	f.deletedHooks = append(f.deletedHooks, hookID)
	return nil
}

func (f *fakeGitHub) calls() (fetch int, commits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls, len(f.commits)
}

// fakeDispatcher records submitted jobs.
type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []pipeline.Job
	err  error
}

func (d *fakeDispatcher) Submit(job pipeline.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *fakeDispatcher) submitted() []pipeline.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.jobs)
}

// memDeduper is an in-memory Deduper.
type memDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemDeduper() *memDeduper {
	return &memDeduper{seen: make(map[string]bool)}
}

func (d *memDeduper) MarkSeen(key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

func (d *memDeduper) Forget(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}
