package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/xid"

	"github.com/sakif/readmebot/internal/apperror"
	"github.com/sakif/readmebot/internal/model"
	"github.com/sakif/readmebot/internal/repository"
)

var _ repository.ActivationRepository = (*DB)(nil)

const activationColumns = `id, account_id, repo_full_name, webhook_id, active, created_at, updated_at`

func (db *DB) GetActivation(ctx context.Context, accountID, repoFullName string) (*model.ActivatedRepo, error) {
	var r model.ActivatedRepo
	err := db.conn.QueryRowContext(ctx,
		`SELECT `+activationColumns+` FROM activated_repos WHERE account_id = ? AND repo_full_name = ?`,
		accountID, repoFullName,
	).Scan(&r.ID, &r.AccountID, &r.RepoFullName, &r.WebhookID, &r.Active, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("activated repo", repoFullName)
		}
		return nil, fmt.Errorf("sqlite: getting activation %s/%s: %w", accountID, repoFullName, err)
	}
	return &r, nil
}

// SaveActivation inserts or overwrites the (account, repo) row. The UNIQUE
// constraint makes the pair the conflict target, so re-activating an
// inactive repo reuses its row and keeps its ID and created_at.
func (db *DB) SaveActivation(ctx context.Context, repo *model.ActivatedRepo) error {
	ts := now()
	id := xid.New().String()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO activated_repos (id, account_id, repo_full_name, webhook_id, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, repo_full_name) DO UPDATE SET
			webhook_id = excluded.webhook_id,
			active     = excluded.active,
			updated_at = excluded.updated_at`,
		id, repo.AccountID, repo.RepoFullName, repo.WebhookID, repo.Active, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("sqlite: saving activation %s/%s: %w", repo.AccountID, repo.RepoFullName, err)
	}

	saved, err := db.GetActivation(ctx, repo.AccountID, repo.RepoFullName)
	if err != nil {
		return err
	}
	*repo = *saved
	return nil
}

func (db *DB) SetActivationActive(ctx context.Context, accountID, repoFullName string, active bool) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE activated_repos SET active = ?, updated_at = ? WHERE account_id = ? AND repo_full_name = ?`,
		active, now(), accountID, repoFullName,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating activation %s/%s: %w", accountID, repoFullName, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rows == 0 {
		return apperror.NotFound("activated repo", repoFullName)
	}
	return nil
}

// ListActiveByRepo returns every active registration for a repository. More
// than one account can activate the same repo (collaborators).
func (db *DB) ListActiveByRepo(ctx context.Context, repoFullName string) ([]model.ActivatedRepo, error) {
	return db.listActivations(ctx,
		`SELECT `+activationColumns+` FROM activated_repos
		 WHERE repo_full_name = ? AND active = 1 ORDER BY created_at`,
		repoFullName)
}

// ListActivationsByAccount returns all of an account's rows, active or not.
func (db *DB) ListActivationsByAccount(ctx context.Context, accountID string) ([]model.ActivatedRepo, error) {
	return db.listActivations(ctx,
		`SELECT `+activationColumns+` FROM activated_repos
		 WHERE account_id = ? ORDER BY repo_full_name`,
		accountID)
}

func (db *DB) listActivations(ctx context.Context, query string, arg string) ([]model.ActivatedRepo, error) {
	rows, err := db.conn.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing activations: %w", err)
	}
	defer rows.Close()

	repos := make([]model.ActivatedRepo, 0)
	for rows.Next() {
		var r model.ActivatedRepo
		if err := rows.Scan(&r.ID, &r.AccountID, &r.RepoFullName, &r.WebhookID, &r.Active, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scanning activation row: %w", err)
		}
		repos = append(repos, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating activation rows: %w", err)
	}
	return repos, nil
}
