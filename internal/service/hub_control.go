package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/Strob0t/OrchHub/internal/domain/control"
	"github.com/Strob0t/OrchHub/internal/domain/event"
	"github.com/Strob0t/OrchHub/internal/localexec"
)

// handleOrchestratorText splits an orchestrator reply into prose for the
// human and control blocks for the hub.
func (h *Hub) handleOrchestratorText(ctx context.Context, text string) {
	blocks := control.Extract(text)
	if display := control.Strip(text); display != "" {
		h.emit("orchestrator", event.TypeOrchToUser, map[string]any{"text": display})
	}
	for _, block := range blocks {
		h.handleControlBlock(ctx, block)
	}
}

// handleControlBlock acts on one control block, gated by autopilot.
func (h *Hub) handleControlBlock(ctx context.Context, block control.Block) {
	h.mu.Lock()
	autopilot := h.autopilot
	warned := h.autopilotWarned
	if !autopilot {
		h.autopilotWarned = true
	}
	h.mu.Unlock()

	if !autopilot {
		h.emit("orchestrator", event.TypeAutopilotSuppressed, map[string]any{
			"summary": block.Directive(),
			"control": block,
		})
		if !warned {
			if err := h.sendOrch(ctx, "HUB: autopilot is currently disabled; ignoring control blocks. Use :autopilot on to allow automated actions."); err != nil {
				h.log.Warn("autopilot warning to orchestrator", "error", err)
			}
		}
		return
	}

	var (
		spawn  control.SpawnSpec
		send   control.SendSpec
		clos   control.CloseSpec
		execSp control.ExecSpec
		status control.StatusSpec
		fetch  control.FetchSpec
	)
	switch {
	case block.Decode("exec", &execSp):
		h.controlExec(ctx, execSp)
	case block.Decode("status", &status):
		h.controlStatus(ctx, status)
	case block.Decode("fetch", &fetch):
		h.controlFetch(ctx, fetch)
	case block.Decode("spawn", &spawn):
		h.controlSpawn(ctx, spawn)
	case block.Decode("send", &send):
		h.emit("orchestrator", event.TypeOrchToAgent, map[string]any{"action": "send", "agent": send.To, "text": send.Task})
		if err := h.SendToSub(ctx, send.To, send.Task); err != nil {
			h.log.Warn("control send", "agent", send.To, "error", err)
		}
	case block.Decode("close", &clos):
		h.emit("orchestrator", event.TypeOrchToAgent, map[string]any{"action": "close", "agent": clos.Agent, "text": clos.Reason})
		if err := h.CloseSub(ctx, clos.Agent); err != nil {
			h.log.Warn("control close", "agent", clos.Agent, "error", err)
		}
	}
}

func (h *Hub) controlSpawn(ctx context.Context, spec control.SpawnSpec) {
	h.mu.Lock()
	atLimit := h.cfg.Hub.WIPLimit > 0 && len(h.subs) >= h.cfg.Hub.WIPLimit
	h.mu.Unlock()
	if atLimit {
		if err := h.sendOrch(ctx, fmt.Sprintf("HUB: WIP limit %d reached; please close an agent before spawning '%s'.", h.cfg.Hub.WIPLimit, spec.Name)); err != nil {
			h.log.Warn("wip refusal to orchestrator", "error", err)
		}
		return
	}
	h.emit("orchestrator", event.TypeOrchToAgent, map[string]any{"action": "spawn", "agent": spec.Name, "text": spec.Task})
	if err := h.SpawnSub(ctx, spec.Name, spec.Task, spec.Cwd); err != nil {
		h.log.Warn("control spawn", "agent", spec.Name, "error", err)
	}
}

func (h *Hub) controlExec(ctx context.Context, spec control.ExecSpec) {
	if !h.cfg.Hub.Dangerous {
		if err := h.sendOrch(ctx, "HUB: exec control block ignored because dangerous mode is off."); err != nil {
			h.log.Warn("exec refusal to orchestrator", "error", err)
		}
		return
	}
	cwd := spec.Cwd
	if cwd == "" {
		cwd = h.repoPath
	}
	result := localexec.Run(ctx, spec.Argv, cwd, spec.Env, nil)
	body := fmt.Sprintf(
		"exec> %s\ncwd: %s\ncode: %d\n\nstdout:\n%s\n\nstderr:\n%s",
		result.Cmd, result.Cwd, result.Code, result.Stdout, result.Stderr,
	)
	h.emit("orchestrator", event.TypeOrchToUser, map[string]any{"text": body})
	if !result.OK {
		if err := h.sendOrch(ctx, fmt.Sprintf("HUB: exec command failed with exit code %d.", result.Code)); err != nil {
			h.log.Warn("exec failure note to orchestrator", "error", err)
		}
	}
}

func (h *Hub) controlStatus(ctx context.Context, spec control.StatusSpec) {
	text := strings.TrimSpace(spec.Text)
	scope := "project"
	if spec.Issue > 0 {
		scope = fmt.Sprintf("issue#%d", spec.Issue)
	}
	h.emit("hub", event.TypeStatusPosted, map[string]any{"scope": scope, "text": text})
	if h.gh != nil && spec.Issue > 0 && text != "" {
		if err := h.gh.CommentIssue(ctx, spec.Issue, text); err != nil {
			h.log.Warn("status comment", "issue", spec.Issue, "error", err)
		}
	}
}

// controlFetch re-injects a stored artifact into the next digest.
func (h *Hub) controlFetch(ctx context.Context, spec control.FetchSpec) {
	if spec.Artifact == "" {
		return
	}
	maxChars := spec.MaxChars
	if maxChars <= 0 {
		maxChars = artifactFetchCap
	}

	var extra map[string]any
	var note string
	body, total, err := h.store.LoadText(spec.Artifact, maxChars)
	if err != nil {
		extra = map[string]any{"type": "ARTIFACT_ERROR", "id": spec.Artifact, "error": err.Error()}
		note = fmt.Sprintf("Artifact %s not available (%v)", spec.Artifact, err)
	} else {
		extra = map[string]any{"type": "ARTIFACT", "id": spec.Artifact, "chars": len(body), "total": total, "body": body}
		note = fmt.Sprintf("Fetched artifact %s (%d/%d chars)", spec.Artifact, len(body), total)
	}

	h.mu.Lock()
	h.extraBlocks = append(h.extraBlocks, extra)
	h.mu.Unlock()

	h.emit("hub", event.TypeArtifactNote, map[string]any{"note": note})
	h.ensureDigestTimer(ctx)
	h.maybeSendDigest(ctx, "fetch")
}
