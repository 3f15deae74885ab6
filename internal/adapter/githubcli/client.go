// Package githubcli is the boundary to the gh and git CLIs: issue listing
// and comments, label edits, status comments via the REST API, PR lookup
// and creation, and per-issue worktrees. All subprocesses run through a
// shared pool so a busy scheduler cannot fork without bound.
package githubcli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/Strob0t/OrchHub/internal/domain/issue"
	"github.com/Strob0t/OrchHub/internal/git"
	"github.com/Strob0t/OrchHub/internal/resilience"
)

// StatusMarker identifies the pinned status comment the hub owns on an issue.
const StatusMarker = "<!-- orch:status -->"

const cacheTTL = 10 * time.Minute

// After this many consecutive subprocess failures the client stops calling
// out for breakerCooldown, so a broken gh login or a rate-limited API does
// not burn the whole scheduler interval on doomed forks.
const (
	breakerFailures = 5
	breakerCooldown = 30 * time.Second
)

// GitHubError reports a failed gh CLI invocation.
type GitHubError struct {
	Context string
	Output  string
	Err     error
}

func (e *GitHubError) Error() string {
	if e.Output != "" {
		return e.Output
	}
	return e.Context
}

func (e *GitHubError) Unwrap() error { return e.Err }

// Client drives gh and git for one local repository.
type Client struct {
	repoPath string
	pool     *git.Pool
	cache    *ristretto.Cache[string, string]
	breaker  *resilience.Breaker

	// execCommand is swappable for testing.
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// New creates a client for the repository at repoPath. pool may be nil.
func New(repoPath string, pool *git.Pool) (*Client, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: 1 << 12,
		MaxCost:     1 << 16,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create gh cache: %w", err)
	}
	return &Client{
		repoPath:    repoPath,
		pool:        pool,
		cache:       cache,
		breaker:     resilience.NewBreaker(breakerFailures, breakerCooldown),
		execCommand: exec.CommandContext,
	}, nil
}

// Close releases the client's cache.
func (c *Client) Close() {
	c.cache.Close()
}

// run executes a subprocess under the pool and returns its stdout.
func (c *Client) run(ctx context.Context, name string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	err := c.breaker.Execute(func() error {
		return c.pool.Run(ctx, func() error {
			cmd := c.execCommand(ctx, name, args...)
			cmd.Dir = c.repoPath
			cmd.Env = append(os.Environ(), "GH_PAGER=cat")
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			return cmd.Run()
		})
	})
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return "", &GitHubError{Context: fmt.Sprintf("%s %s: %v", name, strings.Join(args, " "), err), Output: msg, Err: err}
	}
	return stdout.String(), nil
}

func (c *Client) gh(ctx context.Context, args ...string) (string, error) {
	return c.run(ctx, "gh", args...)
}

type ghLabel struct {
	Name string `json:"name"`
}

type ghIssue struct {
	Number int       `json:"number"`
	Title  string    `json:"title"`
	State  string    `json:"state"`
	URL    string    `json:"url"`
	Labels []ghLabel `json:"labels"`
	Body   string    `json:"body"`
}

func (gi ghIssue) toDomain() issue.Issue {
	labels := make([]string, 0, len(gi.Labels))
	for _, l := range gi.Labels {
		if l.Name != "" {
			labels = append(labels, l.Name)
		}
	}
	return issue.Issue{
		Number: gi.Number,
		Title:  gi.Title,
		State:  gi.State,
		URL:    gi.URL,
		Labels: labels,
		Body:   gi.Body,
	}
}

// ListOrchestrateIssues returns open issues carrying the orchestrate label.
func (c *Client) ListOrchestrateIssues(ctx context.Context, limit int) ([]issue.Issue, error) {
	if limit <= 0 {
		limit = 20
	}
	out, err := c.gh(ctx, "issue", "list",
		"--label", issue.LabelOrchestrate,
		"--state", "open",
		"--limit", strconv.Itoa(limit),
		"--json", "number,title,state,url,labels",
	)
	if err != nil {
		return nil, err
	}
	var raw []ghIssue
	if err := json.Unmarshal([]byte(orEmptyArray(out)), &raw); err != nil {
		return nil, fmt.Errorf("parse gh issue list: %w", err)
	}
	issues := make([]issue.Issue, 0, len(raw))
	for _, gi := range raw {
		issues = append(issues, gi.toDomain())
	}
	return issues, nil
}

// FetchIssue loads one issue including its body.
func (c *Client) FetchIssue(ctx context.Context, number int) (issue.Issue, error) {
	out, err := c.gh(ctx, "issue", "view", strconv.Itoa(number),
		"--json", "number,title,state,url,labels,body",
	)
	if err != nil {
		return issue.Issue{}, err
	}
	var gi ghIssue
	if err := json.Unmarshal([]byte(orEmptyObject(out)), &gi); err != nil {
		return issue.Issue{}, fmt.Errorf("parse gh issue view: %w", err)
	}
	if gi.Number == 0 {
		gi.Number = number
	}
	return gi.toDomain(), nil
}

// CommentIssue posts a comment on an issue.
func (c *Client) CommentIssue(ctx context.Context, number int, body string) error {
	_, err := c.gh(ctx, "issue", "comment", strconv.Itoa(number), "-b", body)
	return err
}

// CommentPR posts a comment on a pull request.
func (c *Client) CommentPR(ctx context.Context, number int, body string) error {
	_, err := c.gh(ctx, "pr", "comment", strconv.Itoa(number), "-b", body)
	return err
}

// ReplaceLabels applies add/remove label edits to an issue in one call.
func (c *Client) ReplaceLabels(ctx context.Context, number int, add, remove []string) error {
	args := []string{"issue", "edit", strconv.Itoa(number)}
	for _, lab := range add {
		args = append(args, "--add-label", lab)
	}
	for _, lab := range remove {
		args = append(args, "--remove-label", lab)
	}
	if len(args) == 3 {
		return nil
	}
	_, err := c.gh(ctx, args...)
	return err
}

// RepoSlug returns owner/name for the repository, cached after first use.
func (c *Client) RepoSlug(ctx context.Context) (string, error) {
	if slug, ok := c.cache.Get("repo-slug"); ok {
		return slug, nil
	}
	out, err := c.gh(ctx, "repo", "view", "--json", "name,owner")
	if err != nil {
		return "", err
	}
	var data struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	}
	if err := json.Unmarshal([]byte(orEmptyObject(out)), &data); err != nil {
		return "", fmt.Errorf("parse gh repo view: %w", err)
	}
	slug := strings.Trim(data.Owner.Login+"/"+data.Name, "/")
	if slug == "" {
		return "", &GitHubError{Context: "gh repo view returned no owner/name"}
	}
	c.cache.SetWithTTL("repo-slug", slug, int64(len(slug)), cacheTTL)
	c.cache.Wait()
	return slug, nil
}

// EnsureStatusComment returns the id of the issue's marker comment,
// creating it when absent. Ids are cached per issue.
func (c *Client) EnsureStatusComment(ctx context.Context, number int) (int64, error) {
	key := "status-comment:" + strconv.Itoa(number)
	if cached, ok := c.cache.Get(key); ok {
		if id, err := strconv.ParseInt(cached, 10, 64); err == nil {
			return id, nil
		}
	}

	slug, err := c.RepoSlug(ctx)
	if err != nil {
		return 0, err
	}
	path := fmt.Sprintf("repos/%s/issues/%d/comments", slug, number)

	out, err := c.gh(ctx, "api", path)
	if err != nil {
		return 0, err
	}
	var comments []struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
	}
	if err := json.Unmarshal([]byte(orEmptyArray(out)), &comments); err != nil {
		return 0, fmt.Errorf("parse issue comments: %w", err)
	}
	for _, comment := range comments {
		if strings.HasPrefix(strings.TrimSpace(comment.Body), StatusMarker) {
			c.rememberStatusComment(key, comment.ID)
			return comment.ID, nil
		}
	}

	initial := StatusMarker + "\n\nStatus: tracking started."
	// gh api wants the comment body as a JSON field, not raw stdin.
	created, err := c.gh(ctx, "api", path, "-X", "POST", "-f", "body="+initial)
	if err != nil {
		return 0, err
	}
	var comment struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal([]byte(orEmptyObject(created)), &comment); err != nil || comment.ID == 0 {
		return 0, &GitHubError{Context: "create status comment returned no id", Output: created}
	}
	c.rememberStatusComment(key, comment.ID)
	return comment.ID, nil
}

func (c *Client) rememberStatusComment(key string, id int64) {
	val := strconv.FormatInt(id, 10)
	c.cache.SetWithTTL(key, val, int64(len(val)), cacheTTL)
	c.cache.Wait()
}

// UpdateComment rewrites the body of an existing issue comment.
func (c *Client) UpdateComment(ctx context.Context, commentID int64, body string) error {
	slug, err := c.RepoSlug(ctx)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("repos/%s/issues/comments/%d", slug, commentID)
	_, err = c.gh(ctx, "api", path, "-X", "PATCH", "-f", "body="+body)
	return err
}

// FetchPRsForIssue lists PRs whose title references #<number>.
func (c *Client) FetchPRsForIssue(ctx context.Context, number int) ([]issue.PR, error) {
	query := fmt.Sprintf("in:title \"#%d\"", number)
	out, err := c.gh(ctx, "pr", "list",
		"--search", query,
		"--json", "number,title,state,url,headRefName,baseRefName",
	)
	if err != nil {
		return nil, err
	}
	var prs []issue.PR
	if err := json.Unmarshal([]byte(orEmptyArray(out)), &prs); err != nil {
		return nil, fmt.Errorf("parse gh pr list: %w", err)
	}
	return prs, nil
}

// EnsurePR returns the URL of an open PR for branch, creating one when
// none exists. An empty branch yields an empty URL without error.
func (c *Client) EnsurePR(ctx context.Context, number int, branch, title string) (string, error) {
	if branch == "" {
		return "", nil
	}

	out, err := c.gh(ctx, "pr", "list", "--head", branch, "--state", "open", "--json", "url")
	if err != nil {
		return "", err
	}
	var existing []struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(orEmptyArray(out)), &existing); err != nil {
		return "", fmt.Errorf("parse gh pr list: %w", err)
	}
	if len(existing) > 0 {
		return existing[0].URL, nil
	}

	// The branch must exist on the remote before a PR can reference it.
	if _, err := c.run(ctx, "git", "push", "-u", "origin", branch); err != nil {
		return "", err
	}

	url, err := c.gh(ctx, "pr", "create",
		"--head", branch,
		"--title", title,
		"--body", fmt.Sprintf("Closes #%d", number),
	)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(url), nil
}

// GitRoot resolves the repository root for cwd.
func (c *Client) GitRoot(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "git", "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// EnsureWorktree guarantees a worktree for branch at dir (relative to the
// repo root), creating the branch when needed. An existing directory is
// assumed to already be the issue's worktree.
func (c *Client) EnsureWorktree(ctx context.Context, root, branch, dir string) (string, error) {
	path := dir
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, dir)
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if _, err := c.run(ctx, "git", "worktree", "add", "-B", branch, path); err != nil {
		return "", err
	}
	return path, nil
}

func orEmptyArray(out string) string {
	if strings.TrimSpace(out) == "" {
		return "[]"
	}
	return out
}

func orEmptyObject(out string) string {
	if strings.TrimSpace(out) == "" {
		return "{}"
	}
	return out
}
