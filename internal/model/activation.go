package model

import "time"

// ActivatedRepo records that webhook-driven README regeneration is enabled for
// one repository of one account.
//
// Deactivation flips Active to false instead of deleting the row, so activity
// log entries keep pointing at a real registration.
type ActivatedRepo struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"accountId"`
	RepoFullName string    `json:"repoFullName"` // "owner/name"
	WebhookID    int64     `json:"webhookId"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
