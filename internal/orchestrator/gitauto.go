package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/github"
	"github.com/agentgate/agentgate/internal/workspace"
	"github.com/agentgate/agentgate/pkg/acp/protocol"
)

// runGitAutomation commits and pushes workspace changes after a successful
// development prompt, then opens or updates a pull request when a repository
// is configured. Every step is best-effort: automation failures are logged
// and reported in the result, never failed back to the prompt.
func (o *Orchestrator) runGitAutomation(ctx context.Context, ws *workspace.Workspace, summary string) (*protocol.GithubOperations, *protocol.GithubAutomation) {
	status, err := o.workspaces.DiffStatus(ctx, ws)
	if err != nil || !status.Dirty() {
		return nil, nil
	}

	message := summary
	if message == "" {
		message = "Apply agent changes"
	}

	ops := &protocol.GithubOperations{}
	sha, err := o.workspaces.CommitAll(ctx, ws, message,
		o.cfg.GitHub.AuthorName, o.cfg.GitHub.AuthorEmail)
	if err != nil {
		o.logger.Warn("commit failed", zap.Error(err))
		return nil, nil
	}
	ops.CommitSHA = sha

	info, err := o.workspaces.GitInfo(ctx, ws)
	if err != nil {
		return ops, nil
	}
	ops.Branch = info.CurrentBranch

	if o.cfg.GitHub.Token == "" || info.RemoteURL == "" {
		return ops, nil
	}

	if err := o.workspaces.Push(ctx, ws, info.CurrentBranch, o.cfg.GitHub.Token); err != nil {
		o.logger.Warn("push failed", zap.Error(err))
		return ops, nil
	}
	ops.Pushed = true

	if o.cfg.GitHub.Repository == "" {
		return ops, nil
	}
	auto := o.ensurePullRequest(ctx, info.CurrentBranch, summary)
	return ops, auto
}

// ensurePullRequest reuses an open PR for the branch or creates one, then
// posts the result summary as a comment.
func (o *Orchestrator) ensurePullRequest(ctx context.Context, branch, summary string) *protocol.GithubAutomation {
	owner, repo, err := github.ParseRepository(o.cfg.GitHub.Repository)
	if err != nil {
		o.logger.Warn("invalid github.repository", zap.Error(err))
		return nil
	}

	base := o.cfg.GitHub.PRBase
	if base == "" {
		base = o.cfg.Workspace.DefaultBranch
	}
	if branch == base {
		return nil
	}

	pr, err := o.github.FindPRByBranch(ctx, owner, repo, branch)
	if err != nil {
		o.logger.Warn("PR lookup failed", zap.Error(err))
		return nil
	}
	if pr == nil {
		pr, err = o.github.CreatePullRequest(ctx, github.CreatePROptions{
			Owner: owner,
			Repo:  repo,
			Title: fmt.Sprintf("Agent changes on %s", branch),
			Body:  summary,
			Head:  branch,
			Base:  base,
		})
		if err != nil {
			o.logger.Warn("PR creation failed", zap.Error(err))
			return nil
		}
	}
	if pr == nil {
		return nil
	}

	auto := &protocol.GithubAutomation{
		PullRequestURL:    pr.URL,
		PullRequestNumber: pr.Number,
	}
	if summary != "" {
		if err := o.github.PostIssueComment(ctx, owner, repo, pr.Number, summary); err != nil {
			o.logger.Warn("PR comment failed", zap.Error(err))
		} else {
			auto.CommentPosted = true
		}
	}
	return auto
}
