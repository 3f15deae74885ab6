package service

import (
	"context"
	"fmt"

	"github.com/Strob0t/OrchHub/internal/domain/agent"
	"github.com/Strob0t/OrchHub/internal/domain/event"
	asport "github.com/Strob0t/OrchHub/internal/port/appserver"
)

// SpawnSub creates a named sub-agent conversation seeded with taskText.
// An existing agent of the same name just receives the task as a new
// instruction.
func (h *Hub) SpawnSub(ctx context.Context, name, taskText, cwd string) error {
	if name == "" {
		return h.sendOrch(ctx, "HUB: spawn missing 'name'.")
	}
	key := agent.Normalize(name)

	h.mu.Lock()
	existing := h.subs[key]
	h.mu.Unlock()
	if existing != nil {
		if err := h.app.SendUserMessage(ctx, existing.ConversationID, []asport.Item{asport.TextItem(taskText)}); err != nil {
			return err
		}
		return h.sendOrch(ctx, fmt.Sprintf("HUB: sub-agent '%s' already exists; forwarded new task.", key))
	}

	workspace := cwd
	if workspace == "" {
		workspace = h.repoPath
	}
	convID, err := h.app.NewConversation(ctx, workspace, h.cfg.Codex.Model)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", key, err)
	}
	preamble := fmt.Sprintf(subagentPreambleTemplate, key)
	if err := h.app.SendUserMessage(ctx, convID, []asport.Item{
		asport.TextItem(fallbackSystemPrefix + preamble),
		asport.TextItem(taskText),
	}); err != nil {
		return fmt.Errorf("seed %s: %w", key, err)
	}

	now := h.now()
	h.mu.Lock()
	h.subs[key] = &agent.Agent{Name: key, ConversationID: convID, State: agent.StateIdle}
	h.convToName[convID] = key
	h.agentState[key] = agent.StateIdle
	h.agentMeta[key] = &agent.Meta{
		StartedAt:   now,
		LastEventAt: now,
		Checkin:     h.cfg.Hub.DefaultCheckin,
		Budget:      h.cfg.Hub.DefaultBudget,
		MaxNudges:   h.cfg.Hub.MaxNudges,
		Workspace:   workspace,
	}
	h.lastCheckin[key] = -1
	h.mu.Unlock()

	h.emit(key, event.TypeAgentAdded, map[string]any{"agent": key})
	h.emit(key, event.TypeAgentState, map[string]any{"agent": key, "state": string(agent.StateIdle)})
	if err := h.sendOrch(ctx, fmt.Sprintf("HUB: spawned sub-agent '%s'.", key)); err != nil {
		h.log.Warn("confirm spawn to orchestrator", "agent", key, "error", err)
	}
	h.markDirty(key)
	h.maybeSendDigest(ctx, "spawn")
	return nil
}

// SendToSub forwards an instruction to an existing sub-agent.
func (h *Hub) SendToSub(ctx context.Context, name, taskText string) error {
	key := agent.Normalize(name)
	h.mu.Lock()
	sub := h.subs[key]
	h.mu.Unlock()
	if sub == nil {
		return h.sendOrch(ctx, fmt.Sprintf("HUB: no such sub-agent '%s'.", name))
	}
	if err := h.app.SendUserMessage(ctx, sub.ConversationID, []asport.Item{asport.TextItem(taskText)}); err != nil {
		return err
	}
	h.touchAgent(key)
	return h.sendOrch(ctx, fmt.Sprintf("HUB: forwarded instruction to '%s'.", key))
}

// CloseSub removes a sub-agent and all its bookkeeping.
func (h *Hub) CloseSub(ctx context.Context, name string) error {
	key := agent.Normalize(name)

	h.mu.Lock()
	sub := h.subs[key]
	if sub == nil {
		h.mu.Unlock()
		return h.sendOrch(ctx, fmt.Sprintf("HUB: no such sub-agent '%s'.", name))
	}
	delete(h.subs, key)
	delete(h.agentState, key)
	delete(h.stderrBuf, key)
	delete(h.convToName, sub.ConversationID)
	delete(h.agentMeta, key)
	delete(h.lastCheckin, key)
	delete(h.dirty, key)
	for issueNo, holder := range h.issueToAgent {
		if holder == key {
			delete(h.issueToAgent, issueNo)
		}
	}
	h.mu.Unlock()

	h.emit(key, event.TypeAgentRemoved, map[string]any{"agent": key})
	return h.sendOrch(ctx, fmt.Sprintf("HUB: closed sub-agent '%s'.", key))
}

// setState updates an agent's state, broadcasting only real transitions.
func (h *Hub) setState(ctx context.Context, name string, state agent.State) {
	h.mu.Lock()
	if h.agentState[name] == state {
		h.mu.Unlock()
		return
	}
	h.agentState[name] = state
	if sub := h.subs[name]; sub != nil {
		sub.State = state
	}
	h.mu.Unlock()

	h.emit(name, event.TypeAgentState, map[string]any{"agent": name, "state": string(state)})
	if name != agent.Orchestrator {
		h.markDirty(name)
		h.maybeSendDigest(ctx, "state_change")
	}
}
