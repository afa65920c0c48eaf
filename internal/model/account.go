// Package model defines the data structures used throughout the application.
package model

import "time"

// Account is the server-side record for one linked GitHub identity.
//
// GitHubID is the stable external key: the UNIQUE constraint on github_id
// guarantees one GitHub identity maps to at most one Account. ID is our own
// xid so primary keys are not tied to GitHub's numbering.
//
// EncryptedToken is never serialised to JSON and is only ever opened by the
// vault package. It is either fully present or nil.
type Account struct {
	ID                string          `json:"id"                db:"id"`
	GitHubID          int64           `json:"githubId"          db:"github_id"`
	GitHubUsername    string          `json:"githubUsername"    db:"github_username"`
	AvatarURL         string          `json:"avatarUrl"         db:"avatar_url"`
	AutoReadmeEnabled bool            `json:"autoReadmeEnabled" db:"auto_readme_enabled"`
	EncryptedToken    *EncryptedToken `json:"-"`
	// TokenInvalid is set when GitHub rejects the stored token (401/403).
	// Generation attempts short-circuit until the user re-authenticates.
	TokenInvalid bool      `json:"tokenInvalid" db:"token_invalid"`
	CreatedAt    time.Time `json:"createdAt"    db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt"    db:"updated_at"`
}

// HasToken reports whether a complete token triple is stored.
func (a *Account) HasToken() bool {
	return a.EncryptedToken != nil && a.EncryptedToken.Complete()
}

// EncryptedToken is the opaque AES-GCM triple produced by the vault, plus the
// id of the key that sealed it.
type EncryptedToken struct {
	KeyID      string `db:"token_key_id"`
	IV         []byte `db:"token_iv"`
	Ciphertext []byte `db:"token_ciphertext"`
	AuthTag    []byte `db:"token_tag"`
}

// Complete reports whether every part of the triple is present.
func (t *EncryptedToken) Complete() bool {
	return t.KeyID != "" && len(t.IV) > 0 && len(t.Ciphertext) > 0 && len(t.AuthTag) > 0
}

// PendingLink parks an encrypted OAuth token whose profile lookup failed, so
// the exchange does not have to be repeated (GitHub codes are single-use).
type PendingLink struct {
	ID             string
	EncryptedToken EncryptedToken
	ExpiresAt      time.Time
	CreatedAt      time.Time
}
