package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/OrchHub/internal/domain/agent"
	"github.com/Strob0t/OrchHub/internal/domain/event"
	asport "github.com/Strob0t/OrchHub/internal/port/appserver"
)

const nudgeText = "Quick check-in:\n" +
	"- What is the next small step?\n" +
	"- Is anything blocking you?\n" +
	"- ETA to a minimal PR or result?"

const wrapUpText = "Time budget reached. Please summarise status, remaining work, and immediate next actions. " +
	"If you have a branch or partial PR, share links now."

// watchdogLoop keeps per-agent check-in ages fresh and surfaces overdue
// agents to the orchestrator on every pass they remain overdue.
func (h *Hub) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		h.watchdogTick(ctx)
	}
}

// watchdogTick runs one watchdog pass.
func (h *Hub) watchdogTick(ctx context.Context) {
	now := h.now()
	overdue := false

	h.mu.Lock()
	for name, sub := range h.subs {
		delta := -1
		if !sub.LastCheckinAt.IsZero() {
			delta = int(now.Sub(sub.LastCheckinAt) / time.Second)
		}
		h.lastCheckin[name] = delta

		threshold := h.cfg.Hub.DefaultCheckin
		if meta := h.agentMeta[name]; meta != nil && meta.Checkin > 0 {
			threshold = meta.Checkin
		}
		if delta < 0 || time.Duration(delta)*time.Second <= threshold {
			continue
		}
		h.extraBlocks = append(h.extraBlocks, map[string]any{
			"type":    "TIMEOUT_CHECKIN",
			"agent":   name,
			"seconds": delta,
		})
		overdue = true
	}
	h.mu.Unlock()

	if overdue {
		h.maybeSendDigest(ctx, "watchdog")
	}
}

// supervisorLoop enforces per-agent SLAs: refresh GitHub status comments,
// nudge quiet agents, ask for a wrap-up at budget, and close agents that
// stay silent past the grace window.
func (h *Hub) supervisorLoop(ctx context.Context) {
	ticker := time.NewTicker(supervisorInterval)
	defer ticker.Stop()

	lastRefresh := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		h.superviseOnce(ctx, lastRefresh)
	}
}

func (h *Hub) superviseOnce(ctx context.Context, lastRefresh map[string]time.Time) {
	now := h.now()

	type job struct {
		name      string
		convID    string
		state     agent.State
		meta      agent.Meta
		nudge     bool
		wrapUp    bool
		closeIt   bool
		commentID int64
	}

	var jobs []job
	h.mu.Lock()
	for name, sub := range h.subs {
		meta := h.agentMeta[name]
		if meta == nil {
			continue
		}
		j := job{name: name, convID: sub.ConversationID, state: h.agentState[name], meta: *meta}

		sinceEvent := now.Sub(meta.LastEventAt)
		checkin := meta.Checkin
		if checkin <= 0 {
			checkin = h.cfg.Hub.DefaultCheckin
		}
		budget := meta.Budget
		if budget <= 0 {
			budget = h.cfg.Hub.DefaultBudget
		}

		switch {
		case meta.ClosingAfterBudget && sinceEvent > budgetCloseGrace:
			j.closeIt = true
		case !meta.ClosingAfterBudget && now.Sub(meta.StartedAt) > budget:
			j.wrapUp = true
			meta.ClosingAfterBudget = true
			// Grace runs from the wrap-up request, not from old silence.
			meta.LastEventAt = now
		case sinceEvent > checkin && meta.NudgesSent < meta.MaxNudges:
			j.nudge = true
			meta.NudgesSent++
		}

		if h.gh != nil && meta.IssueNumber > 0 && meta.StatusCommentID > 0 &&
			sinceEvent >= statusRefreshAfter && now.Sub(lastRefresh[name]) >= statusRefreshAfter {
			j.commentID = meta.StatusCommentID
			lastRefresh[name] = now
		}
		jobs = append(jobs, j)
	}
	h.mu.Unlock()

	for _, j := range jobs {
		switch {
		case j.closeIt:
			h.emit(j.name, event.TypeStatus, map[string]any{"text": "Budget exhausted and no response; closing."})
			if err := h.CloseSub(ctx, j.name); err != nil {
				h.log.Warn("close over-budget agent", "agent", j.name, "error", err)
			}
			continue
		case j.wrapUp:
			h.emit(j.name, event.TypeStatus, map[string]any{"text": "Time budget reached; requesting wrap-up."})
			if err := h.app.SendUserMessage(ctx, j.convID, []asport.Item{asport.TextItem(wrapUpText)}); err != nil {
				h.log.Warn("send wrap-up", "agent", j.name, "error", err)
			}
		case j.nudge:
			h.emit(j.name, event.TypeStatus, map[string]any{"text": "No recent activity; nudging."})
			if err := h.app.SendUserMessage(ctx, j.convID, []asport.Item{asport.TextItem(nudgeText)}); err != nil {
				h.log.Warn("send nudge", "agent", j.name, "error", err)
			}
		}

		if j.commentID > 0 {
			body := renderStatusComment(j.name, j.convID, j.state, j.meta, now)
			if err := h.gh.UpdateComment(ctx, j.commentID, body); err != nil {
				h.log.Warn("refresh status comment", "agent", j.name, "issue", j.meta.IssueNumber, "error", err)
			}
		}
	}
}

// statusCommentMarker is the hidden prefix the hub uses to find its own
// status comment on an issue.
const statusCommentMarker = "<!-- orch:status -->"

func renderStatusComment(name, convID string, state agent.State, meta agent.Meta, now time.Time) string {
	elapsed := now.Sub(meta.StartedAt).Round(time.Minute)
	sinceEvent := now.Sub(meta.LastEventAt).Round(time.Second)
	budgetLeft := meta.Budget - now.Sub(meta.StartedAt)
	if budgetLeft < 0 {
		budgetLeft = 0
	}

	var sb strings.Builder
	sb.WriteString(statusCommentMarker + "\n")
	fmt.Fprintf(&sb, "**Agent:** `%s`\n", name)
	fmt.Fprintf(&sb, "**State:** %s\n", state)
	fmt.Fprintf(&sb, "**Elapsed:** %s\n", elapsed)
	fmt.Fprintf(&sb, "**Last event:** %s ago\n", sinceEvent)
	fmt.Fprintf(&sb, "**Budget left:** %s\n", budgetLeft.Round(time.Minute))
	if meta.Workspace != "" {
		fmt.Fprintf(&sb, "**Workspace:** `%s`\n", meta.Workspace)
	}
	if convID != "" {
		fmt.Fprintf(&sb, "**Conversation:** `%s`\n", convID)
	}
	sb.WriteString("\n_Update cadence: automated by orch._")
	return sb.String()
}
