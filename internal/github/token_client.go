package github

import (
	"context"
	"fmt"

	gogh "github.com/google/go-github/v68/github"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
)

// TokenClient implements Client with an installation or personal access
// token. The token never appears in errors or logs.
type TokenClient struct {
	gh     *gogh.Client
	logger *logger.Logger
}

// NewTokenClient creates a token-authenticated GitHub client.
func NewTokenClient(token string, log *logger.Logger) *TokenClient {
	return &TokenClient{
		gh:     gogh.NewClient(nil).WithAuthToken(token),
		logger: log.WithFields(zap.String("component", "github")),
	}
}

func (c *TokenClient) IsAuthenticated(ctx context.Context) (bool, error) {
	_, resp, err := c.gh.Users.Get(ctx, "")
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			return false, nil
		}
		return false, fmt.Errorf("check authentication: %w", err)
	}
	return true, nil
}

func (c *TokenClient) FindPRByBranch(ctx context.Context, owner, repo, branch string) (*PR, error) {
	prs, _, err := c.gh.PullRequests.List(ctx, owner, repo, &gogh.PullRequestListOptions{
		Head:  owner + ":" + branch,
		State: "open",
		ListOptions: gogh.ListOptions{
			PerPage: 1,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("find PR for branch %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return convertPR(prs[0]), nil
}

func (c *TokenClient) CreatePullRequest(ctx context.Context, opts CreatePROptions) (*PR, error) {
	pr, _, err := c.gh.PullRequests.Create(ctx, opts.Owner, opts.Repo, &gogh.NewPullRequest{
		Title: gogh.Ptr(opts.Title),
		Body:  gogh.Ptr(opts.Body),
		Head:  gogh.Ptr(opts.Head),
		Base:  gogh.Ptr(opts.Base),
		Draft: gogh.Ptr(opts.Draft),
	})
	if err != nil {
		return nil, fmt.Errorf("create PR %s -> %s: %w", opts.Head, opts.Base, err)
	}
	c.logger.Info("opened pull request",
		zap.Int("number", pr.GetNumber()),
		zap.String("head", opts.Head),
		zap.String("base", opts.Base))
	return convertPR(pr), nil
}

func (c *TokenClient) PostIssueComment(ctx context.Context, owner, repo string, number int, body string) error {
	_, _, err := c.gh.Issues.CreateComment(ctx, owner, repo, number, &gogh.IssueComment{
		Body: gogh.Ptr(body),
	})
	if err != nil {
		return fmt.Errorf("post comment on #%d: %w", number, err)
	}
	return nil
}

func convertPR(pr *gogh.PullRequest) *PR {
	return &PR{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		Title:  pr.GetTitle(),
		State:  pr.GetState(),
		Head:   pr.GetHead().GetRef(),
		Base:   pr.GetBase().GetRef(),
	}
}
