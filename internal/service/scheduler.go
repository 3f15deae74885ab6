package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Strob0t/OrchHub/internal/domain/event"
	"github.com/Strob0t/OrchHub/internal/domain/issue"
)

const schedulerPromptTail = "\n\nYou have high permissions and autopilot is enabled. " +
	"Create a small, testable branch or PR. Provide regular check-ins. " +
	"When done, map outcomes to Acceptance and reference this issue."

// schedulerLoop polls orchestrate-labelled issues and spawns a sub-agent per
// ready issue, up to the WIP limit.
func (h *Hub) schedulerLoop(ctx context.Context) {
	interval := h.cfg.GitHub.PollInterval
	if interval <= 0 {
		interval = 90 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		h.scheduleOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Hub) scheduleOnce(ctx context.Context) {
	issues, err := h.gh.ListOrchestrateIssues(ctx, h.cfg.GitHub.IssueLimit)
	if err != nil {
		h.log.Warn("list orchestrate issues", "error", err)
		return
	}

	open := make(map[int]bool, len(issues))
	for _, iss := range issues {
		open[iss.Number] = !isClosed(iss.State)
	}

	for _, iss := range issues {
		if isClosed(iss.State) {
			continue
		}
		h.mu.Lock()
		_, active := h.issueToAgent[iss.Number]
		capacity := h.cfg.Hub.WIPLimit - len(h.subs)
		h.mu.Unlock()
		if active {
			continue
		}

		if blocked := h.openBlockers(ctx, iss, open); len(blocked) > 0 {
			h.log.Debug("issue blocked", "issue", iss.Number, "blockers", blocked)
			continue
		}

		if h.cfg.Hub.WIPLimit > 0 && capacity <= 0 {
			if !iss.HasLabel(issue.LabelQueued) {
				if err := h.gh.ReplaceLabels(ctx, iss.Number, []string{issue.LabelQueued}, nil); err != nil {
					h.log.Warn("queue issue", "issue", iss.Number, "error", err)
				}
			}
			continue
		}

		if err := h.startForIssue(ctx, iss); err != nil {
			h.log.Warn("start agent for issue", "issue", iss.Number, "error", err)
		}
	}
}

// openBlockers returns the blockers of iss that are still open. Blockers
// outside the orchestrate listing are fetched individually; a fetch failure
// keeps the blocker, erring on the side of waiting.
func (h *Hub) openBlockers(ctx context.Context, iss issue.Issue, open map[int]bool) []int {
	var blocked []int
	for _, n := range issue.ParseBlockers(iss.Body, iss.Labels) {
		if isOpen, listed := open[n]; listed {
			if isOpen {
				blocked = append(blocked, n)
			}
			continue
		}
		blocker, err := h.gh.FetchIssue(ctx, n)
		if err != nil || !isClosed(blocker.State) {
			blocked = append(blocked, n)
		}
	}
	return blocked
}

// startForIssue prepares a worktree, spawns the issue's agent, and mirrors
// the start to the issue.
func (h *Hub) startForIssue(ctx context.Context, iss issue.Issue) error {
	name := issue.AgentName(iss.Number)
	charter := issue.ParseCharter(iss.Body)
	prompt := issue.FormatPrompt(iss, charter) + schedulerPromptTail

	branch := issue.BranchName(iss.Number, iss.Title)
	dir := filepath.Join(h.repoPath, issue.WorktreeDir(iss.Number))
	worktree, err := h.gh.EnsureWorktree(ctx, h.repoPath, branch, dir)
	cwd := ""
	if err != nil {
		h.log.Warn("ensure worktree", "issue", iss.Number, "branch", branch, "error", err)
	} else if worktree != "" {
		cwd = worktree
		prompt += fmt.Sprintf(
			"\n\nWork in this repo worktree only:\n- branch: %s\n- worktree: %s\nWhen you finish a coherent step, write an end-of-step report.",
			branch, worktree)
	}

	if err := h.SpawnSub(ctx, name, prompt, cwd); err != nil {
		return err
	}

	sla := issue.SLAFromLabels(iss.Labels)
	commentID, err := h.gh.EnsureStatusComment(ctx, iss.Number)
	if err != nil {
		h.log.Warn("ensure status comment", "issue", iss.Number, "error", err)
		commentID = 0
	}

	h.mu.Lock()
	h.issueToAgent[iss.Number] = name
	if meta := h.agentMeta[name]; meta != nil {
		meta.IssueNumber = iss.Number
		if sla.Checkin > 0 {
			meta.Checkin = sla.Checkin
		}
		if sla.Budget > 0 {
			meta.Budget = sla.Budget
		}
		meta.StatusCommentID = commentID
	}
	h.mu.Unlock()

	if err := h.gh.ReplaceLabels(ctx, iss.Number,
		[]string{issue.LabelRunning},
		[]string{issue.LabelQueued, issue.LabelStalled}); err != nil {
		h.log.Warn("mark issue running", "issue", iss.Number, "error", err)
	}
	started := fmt.Sprintf("🧑‍💻 Agent **%s** started on worktree `%s` (`%s`).", name, branch, dir)
	if err := h.gh.CommentIssue(ctx, iss.Number, started); err != nil {
		h.log.Warn("comment agent start", "issue", iss.Number, "error", err)
	}
	h.saveIssueState(iss.Number, issueState{
		Agent:        name,
		Branch:       branch,
		Worktree:     dir,
		Status:       "running",
		LastActivity: h.now().Unix(),
	})
	h.emit("hub", event.TypeInfo, map[string]any{
		"message": "scheduled issue",
		"issue":   iss.Number,
		"agent":   name,
		"branch":  branch,
	})
	return nil
}

func isClosed(state string) bool {
	return strings.EqualFold(strings.TrimSpace(state), "closed")
}

// Plan renders the scheduling view from the open orchestrate issues:
// running, queued, or ready, in listing order.
func (h *Hub) Plan(ctx context.Context) (string, error) {
	if h.gh == nil {
		return "", fmt.Errorf("github integration disabled")
	}
	issues, err := h.gh.ListOrchestrateIssues(ctx, h.cfg.GitHub.IssueLimit)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	active := make(map[int]string, len(h.issueToAgent))
	for n, name := range h.issueToAgent {
		active[n] = name
	}
	h.mu.Unlock()
	return RenderPlan(issues, active), nil
}

// IssueSummary renders the one-screen charter summary for an issue.
func (h *Hub) IssueSummary(ctx context.Context, number int) (string, error) {
	if h.gh == nil {
		return "", fmt.Errorf("github integration disabled")
	}
	iss, err := h.gh.FetchIssue(ctx, number)
	if err != nil {
		return "", err
	}
	return RenderIssueSummary(iss), nil
}
