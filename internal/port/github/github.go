// Package github defines the port to the repository host: issue charters,
// comments, labels, status comments, PRs, and per-issue worktrees.
package github

import (
	"context"

	"github.com/Strob0t/OrchHub/internal/domain/issue"
)

// Provider is implemented by the gh CLI adapter and by test fakes.
type Provider interface {
	ListOrchestrateIssues(ctx context.Context, limit int) ([]issue.Issue, error)
	FetchIssue(ctx context.Context, number int) (issue.Issue, error)
	CommentIssue(ctx context.Context, number int, body string) error
	CommentPR(ctx context.Context, number int, body string) error
	ReplaceLabels(ctx context.Context, number int, add, remove []string) error
	EnsureStatusComment(ctx context.Context, number int) (int64, error)
	UpdateComment(ctx context.Context, commentID int64, body string) error
	FetchPRsForIssue(ctx context.Context, number int) ([]issue.PR, error)
	EnsurePR(ctx context.Context, number int, branch, title string) (string, error)
	EnsureWorktree(ctx context.Context, root, branch, dir string) (string, error)
}
