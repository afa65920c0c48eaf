// Package service holds the business rules of readmebot. It sits between
// the HTTP handlers and the storage/GitHub layers:
//
//	handler (HTTP) -> service -> repository (SQLite)
//	                          -> githubapi (GitHub REST)
//	                          -> vault (token encryption)
//
// The services know nothing about HTTP. They return apperror values (or
// the domain errors declared here) and the handler maps them to status
// codes in one place.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sakif/readmebot/internal/apperror"
	"github.com/sakif/readmebot/internal/githubapi"
	"github.com/sakif/readmebot/internal/model"
	"github.com/sakif/readmebot/internal/pipeline"
	"github.com/sakif/readmebot/internal/repository"
	"github.com/sakif/readmebot/internal/vault"
)

// BotMarker is carried in every commit message readmebot pushes. Pushes
// whose head commit contains it are ignored, which stops the README commit
// from triggering another regeneration.
const BotMarker = "[readmebot]"

// GitHubAPI is the part of githubapi.Client the services use.
type GitHubAPI interface {
	GetAuthenticatedUser(ctx context.Context, token string) (*model.GitHubProfile, error)
	ListRepos(ctx context.Context, token string) ([]model.GitHubRepo, error)
	FetchSnapshot(ctx context.Context, token, fullName, sha string) (*model.RepoSnapshot, error)
	CommitReadme(ctx context.Context, token string, req githubapi.CommitRequest) (githubapi.CommitResult, error)
	CreatePushHook(ctx context.Context, token, fullName, hookURL, secret string) (int64, error)
	DeleteHook(ctx context.Context, token, fullName string, hookID int64) error
}

var _ GitHubAPI = (*githubapi.Client)(nil)

// Dispatcher hands a job to the generation workers. Submit must not block.
type Dispatcher interface {
	Submit(job pipeline.Job) error
}

var _ Dispatcher = (*pipeline.Scheduler)(nil)

// errTokenInvalid is returned when an operation needs the account's GitHub
// token but GitHub has already rejected it.
var errTokenInvalid = apperror.Unauthorized("GitHub rejected the stored token; sign in with GitHub again")

// accountToken loads an account and decrypts its GitHub token.
func accountToken(ctx context.Context, accounts repository.AccountRepository, v *vault.Vault, accountID string) (*model.Account, string, error) {
	account, err := accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, "", err
	}
	if account.TokenInvalid || !account.HasToken() {
		return account, "", errTokenInvalid
	}
	token, err := v.Decrypt(*account.EncryptedToken)
	if err != nil {
		return account, "", fmt.Errorf("service: decrypting token of account %s: %w", accountID, err)
	}
	return account, token, nil
}

// tokenRejected flags the account's token after GitHub answered 401/403 and
// returns the error shown to the caller.
func tokenRejected(ctx context.Context, accounts repository.AccountRepository, accountID string) error {
	if err := accounts.MarkTokenInvalid(ctx, accountID); err != nil {
		return errors.Join(errTokenInvalid, err)
	}
	return errTokenInvalid
}

// keyedMutex serialises work per key. Entries are reference counted and
// removed when the last holder unlocks, so the map does not grow with every
// repository ever touched.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
