package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/Strob0t/OrchHub/internal/domain/event"
	"github.com/Strob0t/OrchHub/internal/domain/issue"
)

// issueState is the per-issue mirror state persisted under .orch/state/.
type issueState struct {
	Agent        string `json:"agent"`
	Branch       string `json:"branch"`
	Worktree     string `json:"worktree"`
	Status       string `json:"status"`
	LastActivity int64  `json:"last_activity"`
	StalledAt    int64  `json:"stalled_at,omitempty"`
	CompletedAt  int64  `json:"completed_at,omitempty"`
	PRURL        string `json:"pr_url,omitempty"`
}

var issueAgentRE = regexp.MustCompile(`^iss(\d+)$`)

func (h *Hub) issueStateDir() string {
	return filepath.Join(h.repoPath, ".orch", "state")
}

func (h *Hub) issueStatePath(number int) string {
	return filepath.Join(h.issueStateDir(), fmt.Sprintf("issue-%d.json", number))
}

func (h *Hub) saveIssueState(number int, state issueState) {
	if err := os.MkdirAll(h.issueStateDir(), 0o755); err != nil {
		h.log.Warn("create state dir", "error", err)
		return
	}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(h.issueStatePath(number), raw, 0o644); err != nil {
		h.log.Warn("write issue state", "issue", number, "error", err)
	}
}

func (h *Hub) loadIssueState(number int) (issueState, bool) {
	raw, err := os.ReadFile(h.issueStatePath(number))
	if err != nil {
		return issueState{}, false
	}
	var state issueState
	if err := json.Unmarshal(raw, &state); err != nil {
		return issueState{}, false
	}
	return state, true
}

// mirrorLoop reflects hub events for issue-bound agents back onto their
// GitHub issues: check-ins become comments, completion flips labels and
// optionally opens a PR, and long silence marks the issue stalled.
func (h *Hub) mirrorLoop(ctx context.Context) {
	events, cancel := h.bus.Subscribe()
	defer cancel()

	stale := h.cfg.GitHub.StaleAfter
	if stale <= 0 {
		stale = 30 * time.Minute
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.checkStalled(ctx, stale)
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.mirrorEvent(ctx, ev)
		}
	}
}

func (h *Hub) mirrorEvent(ctx context.Context, ev event.Event) {
	m := issueAgentRE.FindStringSubmatch(ev.Who)
	if m == nil {
		return
	}
	number, err := strconv.Atoi(m[1])
	if err != nil || number <= 0 {
		return
	}

	switch ev.Type {
	case event.TypeAgentToOrch:
		text, _ := ev.Payload["text"].(string)
		if text == "" {
			return
		}
		if err := h.gh.CommentIssue(ctx, number, text); err != nil {
			h.log.Warn("mirror check-in", "issue", number, "error", err)
		}
		state, _ := h.loadIssueState(number)
		state.LastActivity = h.now().Unix()
		if state.StalledAt != 0 {
			state.StalledAt = 0
			if err := h.gh.ReplaceLabels(ctx, number, nil, []string{issue.LabelStalled}); err != nil {
				h.log.Warn("clear stalled label", "issue", number, "error", err)
			}
		}
		h.saveIssueState(number, state)

	case event.TypeAgentRemoved:
		h.mirrorCompletion(ctx, number)
	}
}

// mirrorCompletion marks the issue finished: review label plus PR when the
// issue asked for one, done label otherwise.
func (h *Hub) mirrorCompletion(ctx context.Context, number int) {
	state, _ := h.loadIssueState(number)
	state.Status = "complete"
	state.CompletedAt = h.now().Unix()

	iss, err := h.gh.FetchIssue(ctx, number)
	if err != nil {
		h.log.Warn("fetch issue for completion", "issue", number, "error", err)
		h.saveIssueState(number, state)
		return
	}

	if iss.HasLabel(issue.LabelAutoPR) && state.Branch != "" {
		title := fmt.Sprintf("Issue #%d: %s", number, iss.Title)
		url, err := h.gh.EnsurePR(ctx, number, state.Branch, title)
		if err != nil {
			h.log.Warn("ensure pr", "issue", number, "branch", state.Branch, "error", err)
		} else if url != "" {
			state.PRURL = url
			if err := h.gh.ReplaceLabels(ctx, number, []string{issue.LabelReview}, []string{issue.LabelRunning}); err != nil {
				h.log.Warn("mark issue review", "issue", number, "error", err)
			}
			if err := h.gh.CommentIssue(ctx, number, "📬 Opened PR: "+url); err != nil {
				h.log.Warn("comment pr", "issue", number, "error", err)
			}
		}
	} else {
		if err := h.gh.ReplaceLabels(ctx, number, []string{issue.LabelDone}, []string{issue.LabelRunning}); err != nil {
			h.log.Warn("mark issue done", "issue", number, "error", err)
		}
		if err := h.gh.CommentIssue(ctx, number, "✅ Agent finished; label set to agent:done."); err != nil {
			h.log.Warn("comment done", "issue", number, "error", err)
		}
	}
	h.saveIssueState(number, state)
}

// checkStalled flags issue agents whose last mirrored activity is older
// than the stale window.
func (h *Hub) checkStalled(ctx context.Context, stale time.Duration) {
	h.mu.Lock()
	numbers := make([]int, 0, len(h.issueToAgent))
	for number := range h.issueToAgent {
		numbers = append(numbers, number)
	}
	h.mu.Unlock()

	now := h.now().Unix()
	for _, number := range numbers {
		state, ok := h.loadIssueState(number)
		if !ok || state.Status != "running" || state.StalledAt != 0 {
			continue
		}
		if state.LastActivity == 0 || now-state.LastActivity < int64(stale/time.Second) {
			continue
		}
		state.StalledAt = now
		h.saveIssueState(number, state)
		if err := h.gh.ReplaceLabels(ctx, number, []string{issue.LabelStalled}, nil); err != nil {
			h.log.Warn("mark issue stalled", "issue", number, "error", err)
		}
		if err := h.gh.CommentIssue(ctx, number, "⏳ Agent appears stalled; orchestrator will triage."); err != nil {
			h.log.Warn("comment stalled", "issue", number, "error", err)
		}
	}
}
