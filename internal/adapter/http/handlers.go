// Package http serves the hub's dashboard API: agent snapshots, the event
// feed, the decision log, and the operator controls (autopilot, digest,
// spawn/send/close).
package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Strob0t/OrchHub/internal/domain/agent"
	"github.com/Strob0t/OrchHub/internal/domain/event"
)

const defaultBodyLimit = 1 << 20

// HubAPI is the slice of the hub the dashboard exposes.
type HubAPI interface {
	Agents() []agent.Agent
	RecentEvents(limit int) []event.Event
	RecentDecisions(count int) []map[string]any
	Autopilot() bool
	SetAutopilot(ctx context.Context, enabled bool)
	SendToOrchestrator(ctx context.Context, text string) error
	SpawnSub(ctx context.Context, name, taskText, cwd string) error
	SendToSub(ctx context.Context, name, taskText string) error
	CloseSub(ctx context.Context, name string) error
	DecideNow(ctx context.Context)
	RenderWIPTable() string
	Plan(ctx context.Context) (string, error)
	IssueSummary(ctx context.Context, number int) (string, error)
}

// Handlers carries the dependencies of all dashboard endpoints.
type Handlers struct {
	hub     HubAPI
	log     *slog.Logger
	started time.Time
}

// NewHandlers creates the dashboard handler set.
func NewHandlers(hub HubAPI, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{hub: hub, log: log, started: time.Now()}
}

// Healthz reports liveness and uptime.
func (h *Handlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// ListAgents returns the current agent snapshot.
func (h *Handlers) ListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.hub.Agents())
}

// ListEvents returns up to limit recent events, oldest first.
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	events := h.hub.RecentEvents(queryLimit(r, 100))
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// ListDecisions returns the tail of the digest decision log.
func (h *Handlers) ListDecisions(w http.ResponseWriter, r *http.Request) {
	decisions := h.hub.RecentDecisions(queryLimit(r, 50))
	if decisions == nil {
		decisions = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, decisions)
}

// GetAutopilot reports the autopilot switch.
func (h *Handlers) GetAutopilot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"enabled": h.hub.Autopilot()})
}

// SetAutopilot flips the autopilot switch.
func (h *Handlers) SetAutopilot(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Enabled bool `json:"enabled"`
	}](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	h.hub.SetAutopilot(r.Context(), body.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{"enabled": h.hub.Autopilot()})
}

// Decide forces a digest to the orchestrator.
func (h *Handlers) Decide(w http.ResponseWriter, r *http.Request) {
	h.hub.DecideNow(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "digest requested"})
}

// SendToOrchestrator forwards operator text to the orchestrator.
func (h *Handlers) SendToOrchestrator(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Text string `json:"text"`
	}](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	if !requireField(w, body.Text, "text") {
		return
	}
	if err := h.hub.SendToOrchestrator(r.Context(), body.Text); err != nil {
		h.log.Error("send to orchestrator", "error", err)
		writeError(w, http.StatusBadGateway, "orchestrator unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent"})
}

// SpawnAgent creates a sub-agent.
func (h *Handlers) SpawnAgent(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Name string `json:"name"`
		Task string `json:"task"`
		Cwd  string `json:"cwd"`
	}](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	if !requireField(w, body.Name, "name") || !requireField(w, body.Task, "task") {
		return
	}
	if err := h.hub.SpawnSub(r.Context(), body.Name, body.Task, body.Cwd); err != nil {
		h.log.Error("spawn agent", "name", body.Name, "error", err)
		writeError(w, http.StatusBadGateway, "spawn failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "spawned", "name": agent.Normalize(body.Name)})
}

// SendToAgent forwards an instruction to a named sub-agent.
func (h *Handlers) SendToAgent(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "name")
	body, ok := readJSON[struct {
		Text string `json:"text"`
	}](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	if !requireField(w, body.Text, "text") {
		return
	}
	if err := h.hub.SendToSub(r.Context(), name, body.Text); err != nil {
		h.log.Error("send to agent", "name", name, "error", err)
		writeError(w, http.StatusBadGateway, "send failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent", "name": name})
}

// CloseAgent closes a named sub-agent.
func (h *Handlers) CloseAgent(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "name")
	if err := h.hub.CloseSub(r.Context(), name); err != nil {
		h.log.Error("close agent", "name", name, "error", err)
		writeError(w, http.StatusBadGateway, "close failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "closed", "name": name})
}

// Plan renders the issue scheduling view as markdown.
func (h *Handlers) Plan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.hub.Plan(r.Context())
	if err != nil {
		h.log.Error("render plan", "error", err)
		writeError(w, http.StatusBadGateway, "plan unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = w.Write([]byte(plan + "\n"))
}

// IssueSummary renders one issue's charter summary as markdown.
func (h *Handlers) IssueSummary(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(urlParam(r, "number"))
	if err != nil || number <= 0 {
		writeError(w, http.StatusBadRequest, "invalid issue number")
		return
	}
	summary, err := h.hub.IssueSummary(r.Context(), number)
	if err != nil {
		h.log.Error("render issue summary", "issue", number, "error", err)
		writeError(w, http.StatusBadGateway, "issue unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = w.Write([]byte(summary + "\n"))
}

// WIPTable renders the agents as markdown for terminal dashboards.
func (h *Handlers) WIPTable(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = w.Write([]byte(h.hub.RenderWIPTable() + "\n"))
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
