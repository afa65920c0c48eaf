package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sakif/readmebot/internal/apperror"
	"github.com/sakif/readmebot/internal/auth"
	"github.com/sakif/readmebot/internal/model"
	"github.com/sakif/readmebot/internal/repository"
	"github.com/sakif/readmebot/internal/service"
)

// Registry is the part of service.ActivationService the API uses.
type Registry interface {
	Activate(ctx context.Context, accountID, repoFullName string) (*model.ActivatedRepo, error)
	Deactivate(ctx context.Context, accountID, repoFullName string) (*model.ActivatedRepo, error)
	ListForAccount(ctx context.Context, accountID string) ([]model.ActivatedRepo, error)
	ListGitHubRepos(ctx context.Context, accountID string) ([]model.GitHubRepo, error)
	SetAutoReadme(ctx context.Context, accountID string, enabled bool) (*model.Account, error)
}

// ActivityReader lists an account's activity log.
type ActivityReader interface {
	ListForAccount(ctx context.Context, accountID string, opts repository.ListOptions) ([]model.ActivityLogEntry, error)
}

var (
	_ Registry       = (*service.ActivationService)(nil)
	_ ActivityReader = (*service.ActivityService)(nil)
)

// GitHubHandler serves the authenticated /api/github routes. Every handler
// runs behind auth.RequireAuth and acts on the caller's own account only.
type GitHubHandler struct {
	registry Registry
	activity ActivityReader
	logger   *slog.Logger
}

func NewGitHubHandler(registry Registry, activity ActivityReader, logger *slog.Logger) *GitHubHandler {
	return &GitHubHandler{registry: registry, activity: activity, logger: logger}
}

type repoRequest struct {
	RepoFullName string `json:"repoFullName"`
}

type autoReadmeRequest struct {
	Enabled *bool `json:"enabled"`
}

// HandleListRepos: GET /api/github/getGithubRepos
func (h *GitHubHandler) HandleListRepos(w http.ResponseWriter, r *http.Request) {
	account := mustAccount(r)
	repos, err := h.registry.ListGitHubRepos(r.Context(), account.ID)
	if err != nil {
		h.logFailure("listing GitHub repositories", account, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repos": repos})
}

// HandleActivate: POST /api/github/addRepoActivity {"repoFullName": "owner/name"}
func (h *GitHubHandler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	account := mustAccount(r)
	var req repoRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	repo, err := h.registry.Activate(r.Context(), account.ID, req.RepoFullName)
	if err != nil {
		h.logFailure("activating "+req.RepoFullName, account, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repo": repo})
}

// HandleDeactivate: POST /api/github/deactivateRepoActivity {"repoFullName": "owner/name"}
func (h *GitHubHandler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	account := mustAccount(r)
	var req repoRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.RepoFullName == "" {
		writeError(w, apperror.ValidationFailed("repoFullName", "repoFullName is required"))
		return
	}

	repo, err := h.registry.Deactivate(r.Context(), account.ID, req.RepoFullName)
	if err != nil {
		h.logFailure("deactivating "+req.RepoFullName, account, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repo": repo})
}

// HandleListActivated: GET /api/github/getActivatedRepos
func (h *GitHubHandler) HandleListActivated(w http.ResponseWriter, r *http.Request) {
	account := mustAccount(r)
	repos, err := h.registry.ListForAccount(r.Context(), account.ID)
	if err != nil {
		h.logFailure("listing activations", account, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repos": repos})
}

// HandleSetAutoReadme: POST /api/github/setAutoReadme {"enabled": false}
func (h *GitHubHandler) HandleSetAutoReadme(w http.ResponseWriter, r *http.Request) {
	account := mustAccount(r)
	var req autoReadmeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, apperror.ValidationFailed("enabled", "enabled is required"))
		return
	}

	updated, err := h.registry.SetAutoReadme(r.Context(), account.ID, *req.Enabled)
	if err != nil {
		h.logFailure("updating auto README", account, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": updated})
}

// HandleFetchLogs: GET /api/github/fetchUserLogs?limit=50&offset=0
//
// Entries come back most recent first. The frontend polls this endpoint.
func (h *GitHubHandler) HandleFetchLogs(w http.ResponseWriter, r *http.Request) {
	account := mustAccount(r)

	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}

	logs, err := h.activity.ListForAccount(r.Context(), account.ID, opts)
	if err != nil {
		h.logFailure("listing activity", account, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func listOptions(r *http.Request) (repository.ListOptions, error) {
	var opts repository.ListOptions
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return opts, apperror.ValidationFailed("limit", "limit must be a positive integer")
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, apperror.ValidationFailed("offset", "offset must be a non-negative integer")
		}
		opts.Offset = n
	}
	return opts, nil
}

// mustAccount returns the authenticated account. Routes using it are mounted
// behind RequireAuth, so the account is always present.
func mustAccount(r *http.Request) *model.Account {
	account, ok := auth.AccountFromContext(r.Context())
	if !ok {
		panic("handler: route mounted without auth.RequireAuth")
	}
	return account
}

func (h *GitHubHandler) logFailure(op string, account *model.Account, err error) {
	h.logger.Warn(op+" failed",
		slog.String("account", account.ID),
		slog.String("error", err.Error()),
	)
}
