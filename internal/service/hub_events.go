package service

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/Strob0t/OrchHub/internal/domain/agent"
	"github.com/Strob0t/OrchHub/internal/domain/event"
	"github.com/Strob0t/OrchHub/internal/oteltail"
	asport "github.com/Strob0t/OrchHub/internal/port/appserver"
)

var (
	assistantMethods = map[string]bool{
		"assistant_message": true,
		"agent_message":     true,
		"response":          true,
		"assistant_output":  true,
	}
	taskStartedMethods = map[string]bool{
		"task_started":     true,
		"status":           true,
		"progress_started": true,
	}
	taskCompleteMethods = map[string]bool{
		"task_complete":     true,
		"progress_complete": true,
	}
	textItemTypes = map[string]bool{
		"text":              true,
		"assistant_delta":   true,
		"assistant_message": true,
	}
)

// eventLoop drains the transport's event stream until it closes.
func (h *Hub) eventLoop(ctx context.Context) {
	events := h.app.Transport().Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.handleTransportEvent(ctx, ev)
		}
	}
}

func (h *Hub) handleTransportEvent(ctx context.Context, ev asport.Event) {
	switch ev.Kind {
	case asport.KindNotification:
		h.handleNotification(ctx, ev.Method, decodeParams(ev.Params))
	case asport.KindRequest:
		h.handleRequest(ctx, ev.Method, decodeParams(ev.Params), ev.ID)
	case asport.KindStderr:
		h.appendStderr(agent.AppServer, ev.Line)
		h.emit(agent.AppServer, event.TypeAgentStderr, map[string]any{"line": ev.Line})
	case asport.KindError:
		h.emit(agent.AppServer, event.TypeError, map[string]any{"error": ev.Error})
	}
}

func decodeParams(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil || params == nil {
		return map[string]any{}
	}
	return params
}

func (h *Hub) appendStderr(name, line string) {
	h.mu.Lock()
	buf := append(h.stderrBuf[name], line)
	if len(buf) > stderrRingSize {
		buf = buf[len(buf)-stderrRingSize:]
	}
	h.stderrBuf[name] = buf
	h.mu.Unlock()
}

// handleNotification routes a server notification by method name.
func (h *Hub) handleNotification(ctx context.Context, method string, params map[string]any) {
	low := strings.ToLower(method)

	switch {
	case low == "session_configured" || low == "sessionconfigured":
		h.emit(agent.AppServer, event.TypeInfo, map[string]any{"message": "session configured", "raw": params})

	case strings.HasPrefix(low, "codex/event/"):
		h.handleCodexEvent(ctx, low, params)

	case assistantMethods[low]:
		h.handleAssistantMessage(ctx, params)

	case taskStartedMethods[low]:
		target := h.nameForParams(params)
		if target == "" {
			target = "agent"
		}
		message := stringField(params, "message", "status")
		if message == "" {
			message = "Working"
		}
		h.emit(target, event.TypeTaskStarted, map[string]any{"text": message})
		h.setState(ctx, target, agent.StateWorking)
		h.touchAgent(target)

	case taskCompleteMethods[low]:
		target := h.nameForParams(params)
		if target == "" {
			target = "agent"
		}
		h.setState(ctx, target, agent.StateIdle)
		final := stringField(params, "message", "last_agent_message")
		if target != agent.Orchestrator && final != "" {
			h.handleSubComplete(ctx, target, final)
		}
		h.touchAgent(target)

	case low == "error":
		who := h.nameForParams(params)
		if who == "" {
			who = agent.AppServer
		}
		h.emit(who, event.TypeError, params)

	default:
		h.emit(agent.AppServer, event.TypeMisc, map[string]any{"method": method, "params": params})
	}
}

// handleCodexEvent unwraps codex/event/* notifications, which nest the
// interesting payload under params.msg.
func (h *Hub) handleCodexEvent(ctx context.Context, method string, params map[string]any) {
	msg, _ := params["msg"].(map[string]any)
	if msg == nil {
		msg = map[string]any{}
	}
	msgType := strings.ToLower(stringField(msg, "type"))
	convID := stringField(params, "conversation_id", "conversationId", "session_id", "sessionId")

	switch msgType {
	case "agent_message":
		text := extractMessageText(msg["message"])
		if text == "" {
			return
		}
		h.handleAssistantMessage(ctx, map[string]any{"text": text, "conversation_id": convID})

	case "task_started":
		target := h.nameForConv(convID)
		if target == "" {
			target = "agent"
		}
		message := stringField(msg, "message", "status")
		if message == "" {
			message = "Working"
		}
		h.emit(target, event.TypeTaskStarted, map[string]any{"text": message})
		h.setState(ctx, target, agent.StateWorking)

	case "task_complete":
		target := h.nameForConv(convID)
		if target == "" {
			target = "agent"
		}
		h.setState(ctx, target, agent.StateIdle)
		final := stringField(msg, "last_agent_message", "message")
		if target != agent.Orchestrator && final != "" {
			h.handleSubComplete(ctx, target, final)
		}

	case "exec_command_begin", "exec_command_end", "exec_command_output_delta":
		target := h.nameForConv(convID)
		if target == "" {
			target = "agent"
		}
		summary := stringField(msg, "command", "output")
		if summary == "" {
			summary = strings.ReplaceAll(msgType, "_", " ")
		}
		h.emit(target, event.TypeStatus, map[string]any{"text": summary})

	case "token_count", "agent_reasoning", "agent_reasoning_delta", "agent_reasoning_section_break":
		// High-volume noise; deliberately dropped.

	default:
		h.emit(agent.AppServer, event.TypeMisc, map[string]any{"method": method, "params": params})
	}
}

// handleAssistantMessage routes assistant text to the orchestrator pipeline
// or broadcasts it as a sub-agent check-in.
func (h *Hub) handleAssistantMessage(ctx context.Context, params map[string]any) {
	text := extractText(params)
	if text == "" {
		return
	}
	convID := stringField(params, "conversation_id", "session_id")

	h.mu.Lock()
	if name := h.convToName[convID]; name != "" {
		if meta := h.agentMeta[name]; meta != nil {
			meta.LastEventAt = h.now()
		}
	}
	isOrch := h.orchestrator != nil && convID == h.orchestrator.ConversationID
	name := h.convToName[convID]
	h.mu.Unlock()

	if isOrch {
		h.handleOrchestratorText(ctx, text)
		h.setState(ctx, agent.Orchestrator, agent.StateIdle)
		return
	}
	if name == "" {
		h.emit("agent", event.TypeAgentToOrch, map[string]any{"text": text})
		return
	}

	h.emit(name, event.TypeAgentToOrch, map[string]any{"text": text})
	h.recordAgentReport(name, "agent_message", text)
	h.markDirty(name)
	h.maybeSendDigest(ctx, "agent_message")
}

// recordAgentReport archives a sub-agent message and refreshes its
// check-in bookkeeping.
func (h *Hub) recordAgentReport(name, kind, text string) {
	artID, err := h.store.StoreText(kind, text, map[string]any{"agent": name})
	if err != nil {
		h.log.Warn("store agent artifact", "agent", name, "error", err)
		artID = ""
	}
	h.mu.Lock()
	if sub := h.subs[name]; sub != nil {
		if artID != "" {
			sub.LastArtifactID = artID
		}
		if summary := agent.Summarize(text); summary != "" {
			sub.LastSummary = summary
		}
		sub.LastCheckinAt = h.now()
	}
	h.lastCheckin[name] = 0
	h.mu.Unlock()
}

// handleSubComplete archives a sub-agent's final report and asks the
// orchestrator what to do next.
func (h *Hub) handleSubComplete(ctx context.Context, name, final string) {
	h.recordAgentReport(name, "agent_complete", final)
	h.markDirty(name)
	h.maybeSendDigest(ctx, "agent_complete")
	msg := "Sub-agent '" + name + "' reports task complete.\n" +
		"Final update:\n" + final + "\n" +
		"To continue, emit CONTROL `send` or close with CONTROL `close`."
	if err := h.sendOrch(ctx, msg); err != nil {
		h.log.Warn("notify orchestrator of completion", "agent", name, "error", err)
	}
}

// touchAgent refreshes an agent's last-event timestamp.
func (h *Hub) touchAgent(name string) {
	h.mu.Lock()
	if meta := h.agentMeta[name]; meta != nil {
		meta.LastEventAt = h.now()
	}
	h.mu.Unlock()
}

// nameForParams resolves the agent behind a notification's conversation id.
func (h *Hub) nameForParams(params map[string]any) string {
	return h.nameForConv(stringField(params, "conversation_id", "session_id"))
}

func (h *Hub) nameForConv(convID string) string {
	if convID == "" {
		return ""
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.orchestrator != nil && convID == h.orchestrator.ConversationID {
		return agent.Orchestrator
	}
	return h.convToName[convID]
}

// extractText pulls assistant text out of a notification: a direct text
// field, or text items under items/deltas.
func extractText(params map[string]any) string {
	if text, ok := params["text"].(string); ok && text != "" {
		return text
	}
	items, ok := params["items"].([]any)
	if !ok {
		items, _ = params["deltas"].([]any)
	}
	var parts []string
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		kind, _ := item["type"].(string)
		if !textItemTypes[kind] {
			continue
		}
		if text, ok := item["text"].(string); ok {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

// extractMessageText flattens the message field of a codex agent_message,
// which may be a string, an object with text/content, or a list of parts.
func extractMessageText(message any) string {
	switch val := message.(type) {
	case string:
		return val
	case map[string]any:
		if text, ok := val["text"].(string); ok {
			return text
		}
		content, _ := val["content"].([]any)
		var parts []string
		for _, raw := range content {
			if item, ok := raw.(map[string]any); ok {
				if text, ok := item["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	case []any:
		var parts []string
		for _, raw := range val {
			switch item := raw.(type) {
			case string:
				parts = append(parts, item)
			case map[string]any:
				if text, ok := item["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// stringField returns the first non-empty string or integer-valued field.
func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		switch val := m[key].(type) {
		case string:
			if val != "" {
				return val
			}
		case float64:
			if val == float64(int64(val)) {
				return strconv.FormatInt(int64(val), 10)
			}
		}
	}
	return ""
}

// otelLoop feeds OTEL heartbeats into agent liveness.
func (h *Hub) otelLoop(ctx context.Context) {
	tailer := oteltail.New(h.cfg.Codex.OTELLogPath, 0, h.log)
	beats := make(chan oteltail.Heartbeat, 64)
	go func() { _ = tailer.Run(ctx, beats) }()
	for {
		select {
		case <-ctx.Done():
			return
		case hb := <-beats:
			if name := h.nameForConv(hb.ConversationID); name != "" {
				h.touchAgent(name)
			}
		}
	}
}
