// Package repository declares the storage interfaces the service layer
// depends on. internal/repository/sqlite implements all of them on one *DB.
package repository

import (
	"context"

	"github.com/sakif/readmebot/internal/model"
)

type ListOptions struct {
	Limit  int
	Offset int
}

// AccountRepository is the user directory: one Account per GitHub identity.
type AccountRepository interface {
	// UpsertAccount inserts by GitHubID or updates the existing row,
	// replacing the whole token triple in one statement. It fills in ID and
	// timestamps and reports whether a new row was created.
	UpsertAccount(ctx context.Context, account *model.Account) (created bool, err error)
	GetAccountByID(ctx context.Context, id string) (*model.Account, error)
	GetAccountByGitHubID(ctx context.Context, githubID int64) (*model.Account, error)
	SetAutoReadme(ctx context.Context, id string, enabled bool) error
	MarkTokenInvalid(ctx context.Context, id string) error
}

// PendingLinkRepository parks encrypted tokens whose profile fetch failed.
type PendingLinkRepository interface {
	CreatePendingLink(ctx context.Context, link *model.PendingLink) error
	// TakePendingLink returns and deletes the link (single use).
	TakePendingLink(ctx context.Context, id string) (*model.PendingLink, error)
}

// ActivationRepository stores ActivatedRepo rows, one per (account, repo).
type ActivationRepository interface {
	GetActivation(ctx context.Context, accountID, repoFullName string) (*model.ActivatedRepo, error)
	// SaveActivation inserts the row or, if one exists for the pair,
	// overwrites its webhook id and active flag.
	SaveActivation(ctx context.Context, repo *model.ActivatedRepo) error
	SetActivationActive(ctx context.Context, accountID, repoFullName string, active bool) error
	ListActiveByRepo(ctx context.Context, repoFullName string) ([]model.ActivatedRepo, error)
	ListActivationsByAccount(ctx context.Context, accountID string) ([]model.ActivatedRepo, error)
}

// ActivityRepository is the append-only activity ledger. There is no update
// or delete method, and the sqlite schema rejects both.
type ActivityRepository interface {
	AppendActivity(ctx context.Context, entry *model.ActivityLogEntry) error
	// ListActivityByAccount returns entries most recent first.
	ListActivityByAccount(ctx context.Context, accountID string, opts ListOptions) ([]model.ActivityLogEntry, error)
	// ListUnterminatedAttempts returns STARTED entries with no terminal entry.
	ListUnterminatedAttempts(ctx context.Context) ([]model.ActivityLogEntry, error)
}
