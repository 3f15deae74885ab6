package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Strob0t/OrchHub/internal/domain/agent"
	"github.com/Strob0t/OrchHub/internal/domain/event"
	"github.com/Strob0t/OrchHub/internal/domain/issue"
)

// markDirty flags a sub-agent for the next digest. The orchestrator and the
// app-server never appear in digests.
func (h *Hub) markDirty(name string) {
	if name == agent.Orchestrator || name == agent.AppServer {
		return
	}
	h.mu.Lock()
	h.dirty[name] = struct{}{}
	h.mu.Unlock()
}

// maybeSendDigest sends a digest immediately when the debounce window has
// passed, otherwise arms the timer so pending updates flush on their own.
func (h *Hub) maybeSendDigest(ctx context.Context, reason string) {
	h.mu.Lock()
	pending := len(h.dirty) > 0 || len(h.extraBlocks) > 0
	elapsed := h.now().Sub(h.lastDigestAt)
	ready := h.lastDigestAt.IsZero() || elapsed >= h.cfg.Hub.DecideDebounce
	h.mu.Unlock()

	if !pending {
		return
	}
	if ready {
		h.sendDigest(ctx, reason, false)
		return
	}
	h.ensureDigestTimer(ctx)
}

// ensureDigestTimer arms a one-shot flush at the end of the debounce window.
func (h *Hub) ensureDigestTimer(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.digestTimer != nil || h.stopping {
		return
	}
	if len(h.dirty) == 0 && len(h.extraBlocks) == 0 {
		return
	}
	h.digestTimer = time.AfterFunc(h.cfg.Hub.DecideDebounce, func() {
		h.mu.Lock()
		h.digestTimer = nil
		stopped := h.stopping
		h.mu.Unlock()
		if stopped {
			return
		}
		h.sendDigest(ctx, "debounce", false)
	})
}

// DecideNow forces a digest regardless of pending updates or debounce.
func (h *Hub) DecideNow(ctx context.Context) {
	h.sendDigest(ctx, "manual", true)
}

// sendDigest drains the dirty set and extra blocks into one decision-ready
// message for the orchestrator, then records the decision.
func (h *Hub) sendDigest(ctx context.Context, reason string, force bool) {
	h.mu.Lock()
	names := make([]string, 0, len(h.dirty))
	for name := range h.dirty {
		names = append(names, name)
	}
	sort.Strings(names)
	extras := h.extraBlocks
	h.dirty = make(map[string]struct{})
	h.extraBlocks = nil
	if h.digestTimer != nil {
		h.digestTimer.Stop()
		h.digestTimer = nil
	}
	h.lastDigestAt = h.now()
	text := h.buildDigestLocked(names, extras, force)
	h.mu.Unlock()

	if text == "" {
		return
	}
	if err := h.sendOrch(ctx, text); err != nil {
		h.log.Warn("send digest", "reason", reason, "error", err)
		return
	}
	h.recordDecision("digest_sent", reason)
}

// buildDigestLocked renders the digest text. Callers hold h.mu.
func (h *Hub) buildDigestLocked(names []string, extras []map[string]any, force bool) string {
	if len(names) == 0 && len(extras) == 0 {
		if !force {
			return ""
		}
		return "Decision-ready digest: (no updates)"
	}

	var sb strings.Builder
	sb.WriteString("Decision-ready digest:")
	if len(names) == 0 {
		sb.WriteString("\n- No agent updates; awaiting check-ins.")
	}
	for _, name := range names {
		sub := h.subs[name]
		state := h.agentState[name]
		if state == "" {
			state = agent.StateIdle
		}
		checkin := "n/a"
		if secs, ok := h.lastCheckin[name]; ok && secs >= 0 {
			checkin = fmt.Sprintf("%ds", secs)
		}
		fmt.Fprintf(&sb, "\n- %s [%s, last check-in %s]", name, state, checkin)
		if sub != nil && sub.LastSummary != "" {
			fmt.Fprintf(&sb, "\n  %q", sub.LastSummary)
		}

		update := map[string]any{"type": "AGENT_UPDATE", "agent": name, "state": string(state)}
		if meta := h.agentMeta[name]; meta != nil && meta.IssueNumber > 0 {
			update["issue"] = meta.IssueNumber
		}
		if sub != nil && sub.LastArtifactID != "" {
			update["artifacts"] = map[string]any{"last_message": sub.LastArtifactID}
		}
		appendEventBlock(&sb, update)
	}
	for _, extra := range extras {
		appendEventBlock(&sb, extra)
	}
	return sb.String()
}

func appendEventBlock(sb *strings.Builder, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	sb.WriteString("\n\n```event\n")
	sb.Write(raw)
	sb.WriteString("\n```")
}

// recordDecision appends to the bounded decision log and broadcasts it.
func (h *Hub) recordDecision(action, reason string) {
	rec := map[string]any{
		"ts":     h.now().Unix(),
		"who":    "hub",
		"action": action,
		"reason": reason,
	}
	h.mu.Lock()
	h.decisionLog = append(h.decisionLog, rec)
	if len(h.decisionLog) > decisionLogSize {
		h.decisionLog = h.decisionLog[len(h.decisionLog)-decisionLogSize:]
	}
	h.mu.Unlock()
	h.emit("hub", event.TypeDecision, rec)
}

// RenderWIPTable renders the current agents as a markdown table for the
// dashboard and status comments.
func (h *Hub) RenderWIPTable() string {
	h.mu.Lock()
	names := make([]string, 0, len(h.subs))
	for name := range h.subs {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("| Agent | State | Last check-in | Summary |\n")
	sb.WriteString("|---|---|---|---|\n")
	for _, name := range names {
		sub := h.subs[name]
		state := h.agentState[name]
		checkin := "n/a"
		if secs, ok := h.lastCheckin[name]; ok && secs >= 0 {
			checkin = fmt.Sprintf("%ds ago", secs)
		}
		summary := "-"
		if sub.LastSummary != "" {
			summary = sub.LastSummary
		}
		fmt.Fprintf(&sb, "| %s | %s | %s | %s |\n", name, state, checkin, strings.ReplaceAll(summary, "|", "\\|"))
	}
	h.mu.Unlock()
	if len(names) == 0 {
		return "_No active agents._"
	}
	return strings.TrimRight(sb.String(), "\n")
}

// RenderPlan renders the scheduling view: which issues run where, and which
// wait in the queue.
func RenderPlan(issues []issue.Issue, active map[int]string) string {
	var sb strings.Builder
	sb.WriteString("### Plan\n")
	if len(issues) == 0 {
		sb.WriteString("- No orchestrate issues.")
		return sb.String()
	}
	for _, iss := range issues {
		holder := active[iss.Number]
		switch {
		case holder != "":
			fmt.Fprintf(&sb, "- #%d %s — running as `%s`\n", iss.Number, iss.Title, holder)
		case iss.HasLabel(issue.LabelQueued):
			fmt.Fprintf(&sb, "- #%d %s — queued\n", iss.Number, iss.Title)
		default:
			fmt.Fprintf(&sb, "- #%d %s — ready\n", iss.Number, iss.Title)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// RenderIssueSummary renders a one-screen charter summary for an issue.
func RenderIssueSummary(iss issue.Issue) string {
	charter := issue.ParseCharter(iss.Body)
	var sb strings.Builder
	fmt.Fprintf(&sb, "**#%d %s** (%s)\n", iss.Number, iss.Title, iss.State)
	if len(iss.Labels) > 0 {
		fmt.Fprintf(&sb, "Labels: %s\n", strings.Join(iss.Labels, ", "))
	}
	if charter.Goal != "" {
		fmt.Fprintf(&sb, "Goal: %s\n", charter.Goal)
	}
	for _, item := range charter.Acceptance {
		fmt.Fprintf(&sb, "- [ ] %s\n", item)
	}
	return strings.TrimRight(sb.String(), "\n")
}
