// Package github automates pull-request workflows after a prompt lands
// changes: opening a PR for the working branch and posting result comments.
package github

import (
	"context"
	"fmt"
	"strings"
)

// PR is the gateway's view of a pull request.
type PR struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	State  string `json:"state"`
	Head   string `json:"head"`
	Base   string `json:"base"`
}

// CreatePROptions describes the pull request to open.
type CreatePROptions struct {
	Owner string
	Repo  string
	Title string
	Body  string
	Head  string
	Base  string
	Draft bool
}

// Client is the GitHub surface the orchestrator depends on.
type Client interface {
	// IsAuthenticated checks the token against the API.
	IsAuthenticated(ctx context.Context) (bool, error)

	// FindPRByBranch finds an open PR for the given head branch, or nil.
	FindPRByBranch(ctx context.Context, owner, repo, branch string) (*PR, error)

	// CreatePullRequest opens a pull request.
	CreatePullRequest(ctx context.Context, opts CreatePROptions) (*PR, error)

	// PostIssueComment posts a comment on an issue or pull request.
	PostIssueComment(ctx context.Context, owner, repo string, number int, body string) error
}

// ParseRepository splits an "owner/repo" string.
func ParseRepository(repository string) (owner, repo string, err error) {
	parts := strings.Split(repository, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository must be owner/repo, got %q", repository)
	}
	return parts[0], parts[1], nil
}
