package github

import "context"

// NoopClient is used when no GitHub token is configured. Automation steps
// become quiet no-ops instead of errors.
type NoopClient struct{}

func (NoopClient) IsAuthenticated(ctx context.Context) (bool, error) { return false, nil }

func (NoopClient) FindPRByBranch(ctx context.Context, owner, repo, branch string) (*PR, error) {
	return nil, nil
}

func (NoopClient) CreatePullRequest(ctx context.Context, opts CreatePROptions) (*PR, error) {
	return nil, nil
}

func (NoopClient) PostIssueComment(ctx context.Context, owner, repo string, number int, body string) error {
	return nil
}
