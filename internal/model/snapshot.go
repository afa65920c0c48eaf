package model

// RepoSnapshot is the repository content a README generator works from,
// captured at one commit.
type RepoSnapshot struct {
	FullName      string   `json:"fullName"`
	Name          string   `json:"name"`
	Owner         string   `json:"owner"`
	Description   string   `json:"description"`
	Homepage      string   `json:"homepage,omitempty"`
	DefaultBranch string   `json:"defaultBranch"`
	Language      string   `json:"language,omitempty"`
	License       string   `json:"license,omitempty"` // SPDX id
	Topics        []string `json:"topics,omitempty"`
	CommitSHA     string   `json:"commitSha"`

	// Files lists blob paths from the recursive tree, capped.
	Files []string `json:"files"`
	// Truncated is set when GitHub or our cap cut the file list short.
	Truncated bool `json:"truncated"`

	// Manifests maps a root-level build file (go.mod, package.json, ...)
	// to its content.
	Manifests map[string]string `json:"manifests,omitempty"`

	ExistingReadme string `json:"existingReadme,omitempty"`
}

// GitHubRepo is one entry of the repository picker.
type GitHubRepo struct {
	ID            int64  `json:"id"`
	FullName      string `json:"fullName"`
	Name          string `json:"name"`
	Owner         string `json:"owner"`
	Description   string `json:"description"`
	Private       bool   `json:"private"`
	DefaultBranch string `json:"defaultBranch"`
	HTMLURL       string `json:"htmlUrl"`
	Language      string `json:"language,omitempty"`
	Activated     bool   `json:"activated"`
}

// GitHubProfile is the authenticated user's profile.
type GitHubProfile struct {
	ID        int64
	Login     string
	AvatarURL string
}
