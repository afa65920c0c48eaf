package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/readmebot/internal/apperror"
	"github.com/sakif/readmebot/internal/model"
	"github.com/sakif/readmebot/internal/repository"
)

var (
	_ repository.AccountRepository     = (*DB)(nil)
	_ repository.PendingLinkRepository = (*DB)(nil)
)

const accountColumns = `id, github_id, github_username, avatar_url, auto_readme_enabled,
	token_key_id, token_iv, token_ciphertext, token_tag, token_invalid, created_at, updated_at`

// UpsertAccount inserts or updates an account keyed by GitHub ID.
//
// The lookup and the write run in one transaction, so two concurrent logins
// for the same GitHub user cannot both take the insert branch. The token
// triple is written by a single statement: a reader never sees the key id of
// one token next to the ciphertext of another.
//
// A fresh token clears token_invalid. auto_readme_enabled is only set on
// insert; re-authenticating does not override a user's choice.
func (db *DB) UpsertAccount(ctx context.Context, account *model.Account) (bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlite: beginning upsert: %w", err)
	}
	defer tx.Rollback()

	var (
		existingID string
		createdAt  time.Time
		autoReadme bool
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, created_at, auto_readme_enabled FROM accounts WHERE github_id = ?`,
		account.GitHubID,
	).Scan(&existingID, &createdAt, &autoReadme)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("sqlite: looking up account by github_id %d: %w", account.GitHubID, err)
	}

	keyID, iv, ct, tag := tokenArgs(account.EncryptedToken)
	ts := now()
	created := existingID == ""

	if created {
		account.ID = xid.New().String()
		account.CreatedAt = ts
		account.UpdatedAt = ts
		account.TokenInvalid = false

		_, err = tx.ExecContext(ctx,
			`INSERT INTO accounts (id, github_id, github_username, avatar_url, auto_readme_enabled,
				token_key_id, token_iv, token_ciphertext, token_tag, token_invalid, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			account.ID,
			account.GitHubID,
			account.GitHubUsername,
			account.AvatarURL,
			account.AutoReadmeEnabled,
			keyID, iv, ct, tag,
			account.CreatedAt,
			account.UpdatedAt,
		)
		if err != nil {
			return false, fmt.Errorf("sqlite: inserting account (githubID=%d): %w", account.GitHubID, err)
		}
	} else {
		account.ID = existingID
		account.CreatedAt = createdAt
		account.UpdatedAt = ts
		account.AutoReadmeEnabled = autoReadme
		account.TokenInvalid = false

		_, err = tx.ExecContext(ctx,
			`UPDATE accounts SET github_username = ?, avatar_url = ?,
				token_key_id = ?, token_iv = ?, token_ciphertext = ?, token_tag = ?,
				token_invalid = 0, updated_at = ?
			 WHERE id = ?`,
			account.GitHubUsername,
			account.AvatarURL,
			keyID, iv, ct, tag,
			account.UpdatedAt,
			account.ID,
		)
		if err != nil {
			return false, fmt.Errorf("sqlite: updating account %s: %w", account.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("sqlite: committing upsert of account %d: %w", account.GitHubID, err)
	}
	return created, nil
}

// GetAccountByID retrieves an account by internal ID.
// Returns apperror.ErrNotFound if it does not exist.
func (db *DB) GetAccountByID(ctx context.Context, id string) (*model.Account, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("account", id)
		}
		return nil, fmt.Errorf("sqlite: getting account %s: %w", id, err)
	}
	return a, nil
}

// GetAccountByGitHubID retrieves an account by GitHub user ID.
func (db *DB) GetAccountByGitHubID(ctx context.Context, githubID int64) (*model.Account, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE github_id = ?`, githubID)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("account", fmt.Sprintf("github:%d", githubID))
		}
		return nil, fmt.Errorf("sqlite: getting account by github_id %d: %w", githubID, err)
	}
	return a, nil
}

func (db *DB) SetAutoReadme(ctx context.Context, id string, enabled bool) error {
	return db.updateAccount(ctx, id,
		`UPDATE accounts SET auto_readme_enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, now(), id)
}

// MarkTokenInvalid flags the stored token as rejected by GitHub. The
// ciphertext is kept so support can see which key sealed it.
func (db *DB) MarkTokenInvalid(ctx context.Context, id string) error {
	return db.updateAccount(ctx, id,
		`UPDATE accounts SET token_invalid = 1, updated_at = ? WHERE id = ?`,
		now(), id)
}

func (db *DB) updateAccount(ctx context.Context, id, query string, args ...any) error {
	result, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: updating account %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rows == 0 {
		return apperror.NotFound("account", id)
	}
	return nil
}

// CreatePendingLink stores an encrypted token awaiting a profile lookup.
func (db *DB) CreatePendingLink(ctx context.Context, link *model.PendingLink) error {
	if !link.EncryptedToken.Complete() {
		return fmt.Errorf("sqlite: pending link requires a complete token triple")
	}
	link.ID = xid.New().String()
	link.CreatedAt = now()
	link.ExpiresAt = link.ExpiresAt.UTC()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO pending_links (id, token_key_id, token_iv, token_ciphertext, token_tag, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		link.ID,
		link.EncryptedToken.KeyID,
		link.EncryptedToken.IV,
		link.EncryptedToken.Ciphertext,
		link.EncryptedToken.AuthTag,
		link.ExpiresAt,
		link.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: inserting pending link: %w", err)
	}
	return nil
}

// TakePendingLink reads and deletes a pending link in one transaction, so
// a link can be redeemed at most once. Expired links are deleted and
// reported as not found.
func (db *DB) TakePendingLink(ctx context.Context, id string) (*model.PendingLink, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: beginning take of pending link: %w", err)
	}
	defer tx.Rollback()

	var link model.PendingLink
	err = tx.QueryRowContext(ctx,
		`SELECT id, token_key_id, token_iv, token_ciphertext, token_tag, expires_at, created_at
		 FROM pending_links WHERE id = ?`, id,
	).Scan(
		&link.ID,
		&link.EncryptedToken.KeyID,
		&link.EncryptedToken.IV,
		&link.EncryptedToken.Ciphertext,
		&link.EncryptedToken.AuthTag,
		&link.ExpiresAt,
		&link.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("pending link", id)
		}
		return nil, fmt.Errorf("sqlite: getting pending link %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_links WHERE id = ? OR expires_at < ?`, id, now()); err != nil {
		return nil, fmt.Errorf("sqlite: deleting pending link %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: committing take of pending link %s: %w", id, err)
	}

	if now().After(link.ExpiresAt) {
		return nil, apperror.NotFound("pending link", id)
	}
	return &link, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var (
		a     model.Account
		keyID sql.NullString
		iv    []byte
		ct    []byte
		tag   []byte
	)
	err := row.Scan(
		&a.ID,
		&a.GitHubID,
		&a.GitHubUsername,
		&a.AvatarURL,
		&a.AutoReadmeEnabled,
		&keyID, &iv, &ct, &tag,
		&a.TokenInvalid,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if keyID.Valid {
		a.EncryptedToken = &model.EncryptedToken{
			KeyID:      keyID.String,
			IV:         iv,
			Ciphertext: ct,
			AuthTag:    tag,
		}
	}
	return &a, nil
}

// tokenArgs returns the four token columns, all nil for a missing token.
func tokenArgs(t *model.EncryptedToken) (keyID, iv, ct, tag any) {
	if t == nil {
		return nil, nil, nil, nil
	}
	return t.KeyID, t.IV, t.Ciphertext, t.AuthTag
}
