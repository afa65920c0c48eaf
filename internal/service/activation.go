package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sakif/readmebot/internal/apperror"
	"github.com/sakif/readmebot/internal/githubapi"
	"github.com/sakif/readmebot/internal/model"
	"github.com/sakif/readmebot/internal/repository"
	"github.com/sakif/readmebot/internal/vault"
)

// ActivationService is the repo activation registry: which repositories of
// an account have a push webhook and are eligible for regeneration.
//
// Activate and Deactivate for the same (account, repo) are serialised, so
// two concurrent activations cannot both register a webhook.
type ActivationService struct {
	accounts    repository.AccountRepository
	activations repository.ActivationRepository
	vault       *vault.Vault
	github      GitHubAPI
	hookURL     string
	hookSecret  string
	locks       keyedMutex
	logger      *slog.Logger
}

func NewActivationService(
	accounts repository.AccountRepository,
	activations repository.ActivationRepository,
	v *vault.Vault,
	gh GitHubAPI,
	hookURL, hookSecret string,
	logger *slog.Logger,
) *ActivationService {
	return &ActivationService{
		accounts:    accounts,
		activations: activations,
		vault:       v,
		github:      gh,
		hookURL:     hookURL,
		hookSecret:  hookSecret,
		logger:      logger,
	}
}

// Activate registers a push webhook on repoFullName and records the
// activation. Activating an active repo returns the existing record
// unchanged. The webhook is created before the row is written and removed
// again if the write fails, so there is never an active row without a hook.
func (s *ActivationService) Activate(ctx context.Context, accountID, repoFullName string) (*model.ActivatedRepo, error) {
	if _, _, err := githubapi.SplitFullName(repoFullName); err != nil {
		return nil, apperror.ValidationFailed("repoFullName", "repoFullName must look like owner/name")
	}

	unlock := s.locks.Lock(lockKey(accountID, repoFullName))
	defer unlock()

	existing, err := s.activations.GetActivation(ctx, accountID, repoFullName)
	switch {
	case err == nil && existing.Active:
		return existing, nil
	case err != nil && !errors.Is(err, apperror.ErrNotFound):
		return nil, fmt.Errorf("service/activation: loading %s: %w", repoFullName, err)
	}

	_, token, err := accountToken(ctx, s.accounts, s.vault, accountID)
	if err != nil {
		return nil, err
	}

	if existing != nil && existing.WebhookID != 0 {
		// Left behind if the earlier deactivation could not reach GitHub.
		s.removeHook(ctx, token, repoFullName, existing.WebhookID)
	}

	hookID, err := s.github.CreatePushHook(ctx, token, repoFullName, s.hookURL, s.hookSecret)
	if err != nil {
		if githubapi.IsAuthRejected(err) {
			return nil, tokenRejected(ctx, s.accounts, accountID)
		}
		if githubapi.IsNotFound(err) {
			return nil, apperror.NotFound("repository", repoFullName)
		}
		return nil, fmt.Errorf("service/activation: creating webhook on %s: %w", repoFullName, err)
	}

	repo := &model.ActivatedRepo{
		AccountID:    accountID,
		RepoFullName: repoFullName,
		WebhookID:    hookID,
		Active:       true,
	}
	if err := s.activations.SaveActivation(ctx, repo); err != nil {
		s.removeHook(context.WithoutCancel(ctx), token, repoFullName, hookID)
		return nil, fmt.Errorf("service/activation: saving %s: %w", repoFullName, err)
	}

	s.logger.Info("repository activated",
		slog.String("account", accountID),
		slog.String("repo", repoFullName),
		slog.Int64("hook_id", hookID),
	)
	return repo, nil
}

// Deactivate flips the record to inactive, then tries to delete the
// webhook. The local flag is authoritative: a webhook that could not be
// removed keeps delivering, but its pushes are ignored.
func (s *ActivationService) Deactivate(ctx context.Context, accountID, repoFullName string) (*model.ActivatedRepo, error) {
	unlock := s.locks.Lock(lockKey(accountID, repoFullName))
	defer unlock()

	repo, err := s.activations.GetActivation(ctx, accountID, repoFullName)
	if err != nil {
		return nil, err
	}
	if !repo.Active {
		return repo, nil
	}

	if err := s.activations.SetActivationActive(ctx, accountID, repoFullName, false); err != nil {
		return nil, fmt.Errorf("service/activation: deactivating %s: %w", repoFullName, err)
	}
	repo.Active = false

	_, token, err := accountToken(ctx, s.accounts, s.vault, accountID)
	if err != nil {
		s.logger.Warn("webhook left in place, no usable token",
			slog.String("repo", repoFullName),
			slog.Int64("hook_id", repo.WebhookID),
			slog.String("error", err.Error()),
		)
	} else {
		s.removeHook(ctx, token, repoFullName, repo.WebhookID)
	}

	s.logger.Info("repository deactivated", slog.String("account", accountID), slog.String("repo", repoFullName))
	return repo, nil
}

// IsActive reports whether the account has an active registration for the
// repository.
func (s *ActivationService) IsActive(ctx context.Context, accountID, repoFullName string) (bool, error) {
	repo, err := s.activations.GetActivation(ctx, accountID, repoFullName)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return repo.Active, nil
}

func (s *ActivationService) ListForAccount(ctx context.Context, accountID string) ([]model.ActivatedRepo, error) {
	return s.activations.ListActivationsByAccount(ctx, accountID)
}

// ListGitHubRepos lists the repositories the account's token can see, each
// flagged with whether it is currently activated.
func (s *ActivationService) ListGitHubRepos(ctx context.Context, accountID string) ([]model.GitHubRepo, error) {
	_, token, err := accountToken(ctx, s.accounts, s.vault, accountID)
	if err != nil {
		return nil, err
	}

	repos, err := s.github.ListRepos(ctx, token)
	if err != nil {
		if githubapi.IsAuthRejected(err) {
			return nil, tokenRejected(ctx, s.accounts, accountID)
		}
		return nil, fmt.Errorf("service/activation: listing GitHub repositories: %w", err)
	}

	activations, err := s.activations.ListActivationsByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	active := make(map[string]bool, len(activations))
	for _, a := range activations {
		active[strings.ToLower(a.RepoFullName)] = a.Active
	}
	for i := range repos {
		repos[i].Activated = active[strings.ToLower(repos[i].FullName)]
	}
	return repos, nil
}

// SetAutoReadme toggles automatic regeneration for all of the account's
// activated repositories.
func (s *ActivationService) SetAutoReadme(ctx context.Context, accountID string, enabled bool) (*model.Account, error) {
	if err := s.accounts.SetAutoReadme(ctx, accountID, enabled); err != nil {
		return nil, err
	}
	return s.accounts.GetAccountByID(ctx, accountID)
}

func (s *ActivationService) removeHook(ctx context.Context, token, repoFullName string, hookID int64) {
	if hookID == 0 {
		return
	}
	if err := s.github.DeleteHook(ctx, token, repoFullName, hookID); err != nil {
		s.logger.Warn("failed to remove webhook",
			slog.String("repo", repoFullName),
			slog.Int64("hook_id", hookID),
			slog.String("error", err.Error()),
		)
	}
}

// lockKey matches the store's case-insensitive repository names, so
// "Octo/Hello" and "octo/hello" serialize on the same lock.
func lockKey(accountID, repoFullName string) string {
	return accountID + "|" + strings.ToLower(repoFullName)
}
