package model

import "time"

// Action is the kind of pipeline event recorded in the activity log.
type Action string

const (
	ActionGenerationStarted Action = "README_GENERATION_STARTED"
	ActionGenerationSuccess Action = "README_GENERATION_SUCCESS"
	ActionGenerationFailed  Action = "README_GENERATION_FAILED"
	ActionRepoConnected     Action = "GITHUB_REPO_CONNECTED"
	ActionAuthFailed        Action = "GITHUB_AUTH_FAILED"
	ActionCommitPushed      Action = "README_COMMIT_PUSHED"
)

// Terminal reports whether the action closes a generation attempt.
func (a Action) Terminal() bool {
	return a == ActionGenerationSuccess || a == ActionGenerationFailed
}

// Status is the coarse outcome shown next to an entry.
type Status string

const (
	StatusOngoing Status = "ongoing"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// ActivityLogEntry is one immutable row of the append-only activity log.
//
// AttemptID correlates the STARTED entry of a generation attempt with its
// single terminal entry (and any side entries such as README_COMMIT_PUSHED).
// Detail is a short diagnostic and never carries token material.
type ActivityLogEntry struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	RepoName  string    `json:"repoName"`
	Action    Action    `json:"action"`
	Status    Status    `json:"status"`
	AttemptID string    `json:"attemptId,omitempty"`
	CommitSHA string    `json:"commitSha,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
