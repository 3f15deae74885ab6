package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/Strob0t/OrchHub/internal/domain/event"
	asport "github.com/Strob0t/OrchHub/internal/port/appserver"
)

// methodToken strips separators so execCommandApproval, exec_command_approval,
// and codex/execCommandApproval all normalize to the same token.
func methodToken(method string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(method) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// handleRequest answers server-initiated requests. Approval requests are
// decided by policy: approve only when both dangerous mode and autopilot are
// on. Everything else gets a method-not-found error.
func (h *Hub) handleRequest(ctx context.Context, method string, params map[string]any, id json.RawMessage) {
	if len(id) == 0 || string(id) == "null" {
		return
	}

	token := methodToken(method)
	switch {
	case strings.HasSuffix(token, "execcommandapproval"):
		h.decideApproval(ctx, id, "exec command "+joinCommand(params))
	case strings.HasSuffix(token, "applypatchapproval"):
		h.decideApproval(ctx, id, "apply patch")
	default:
		if err := h.app.Transport().RespondError(id, asport.CodeMethodNotFound, "Unhandled request: "+method); err != nil {
			h.log.Warn("respond to unhandled request", "method", method, "error", err)
		}
	}
}

func (h *Hub) decideApproval(ctx context.Context, id json.RawMessage, desc string) {
	h.mu.Lock()
	autopilot := h.autopilot
	h.mu.Unlock()
	dangerous := h.cfg.Hub.Dangerous

	approve := dangerous && autopilot
	decision := "denied"
	if approve {
		decision = "approved"
	}
	if err := h.app.Transport().Respond(id, map[string]any{"decision": decision}); err != nil {
		h.log.Warn("respond to approval request", "desc", desc, "error", err)
		return
	}

	if approve {
		h.emit("hub", event.TypeStatus, map[string]any{"text": "HUB: auto-approved " + desc + "."})
		return
	}
	reason := "dangerous mode disabled"
	if !autopilot {
		reason = "autopilot disabled"
	}
	h.emit("hub", event.TypeStatus, map[string]any{"text": "HUB: denied " + desc + " because " + reason + "."})
	follow := "HUB: denied " + desc + " because " + reason + ". Enable autopilot or dangerous mode to allow."
	if err := h.sendOrch(ctx, follow); err != nil {
		h.log.Warn("notify orchestrator of denial", "error", err)
	}
}

// joinCommand renders the command field of an approval request: a string is
// used verbatim, a list is joined with spaces.
func joinCommand(params map[string]any) string {
	switch cmd := params["command"].(type) {
	case string:
		if cmd != "" {
			return cmd
		}
	case []any:
		parts := make([]string, 0, len(cmd))
		for _, raw := range cmd {
			if s, ok := raw.(string); ok {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	if argv, ok := params["argv"].([]any); ok {
		parts := make([]string, 0, len(argv))
		for _, raw := range argv {
			if s, ok := raw.(string); ok {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	return "(unknown)"
}
