// Package service implements the orchestration hub: one orchestrator
// conversation plus named sub-agent conversations on a shared app-server,
// supervised by watchdog, digest, and issue-scheduling loops.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/OrchHub/internal/artifact"
	"github.com/Strob0t/OrchHub/internal/bus"
	"github.com/Strob0t/OrchHub/internal/config"
	"github.com/Strob0t/OrchHub/internal/domain/agent"
	"github.com/Strob0t/OrchHub/internal/domain/event"
	asport "github.com/Strob0t/OrchHub/internal/port/appserver"
	ghport "github.com/Strob0t/OrchHub/internal/port/github"
)

const (
	watchdogInterval   = 5 * time.Second
	supervisorInterval = 60 * time.Second
	statusRefreshAfter = 180 * time.Second
	budgetCloseGrace   = 60 * time.Second
	decisionLogSize    = 100
	stderrRingSize     = 500
	artifactFetchCap   = 4000
)

const orchestratorPreamble = "You are the ORCHESTRATOR agent.\n" +
	"Plan work, spin up named sub-agents (new conversations), and iterate until goals are met.\n" +
	"Treat GitHub Issues as charters: respect Goal, Acceptance, Scope, Validation.\n" +
	"When autopilot is enabled, you may emit CONTROL blocks to spawn/send/close agents.\n" +
	"Use small steps, keep progress concise, and request check-ins from sub-agents.\n" +
	"Parallelise ready tasks within WIP limits; sequence tasks that have blockers.\n" +
	"On completion, require sub-agents to map work to the Issue's Acceptance checklist and open PRs.\n" +
	"Emit control blocks in replies when you want the hub to act:\n\n" +
	"```control\n" +
	`{"spawn":{"name":"<agent_name>","task":"<task text>","cwd":null}}` + "\n" +
	"```\n\n" +
	"```control\n" +
	`{"send":{"to":"<agent_name>","task":"<follow-up instruction>"}}` + "\n" +
	"```\n\n" +
	"```control\n" +
	`{"close":{"agent":"<agent_name>"}}` + "\n" +
	"```\n\n" +
	"Also write normal prose updates for the human.\n"

const subagentPreambleTemplate = "You are a SUB-AGENT named '%s'.\n" +
	"You work in the given workspace, creating branches and small, testable commits.\n" +
	"Follow the task from the human operator. Provide succinct progress updates and, when finished,\n" +
	"give a short summary and suggested next actions. If changes are code-related, open a PR referencing the Issue.\n" +
	"Always run tests if present. Provide check-ins with the next small step."

// fallbackSystemPrefix marks a text item the receiving agent should treat
// as a system message; the app-server has no real system role.
const fallbackSystemPrefix = "### SYSTEM MESSAGE (treat as system role) ###\n"

// Deps are the collaborators a Hub drives.
type Deps struct {
	App       *asport.Client
	Bus       *bus.Bus
	Artifacts *artifact.Store
	GitHub    ghport.Provider // nil disables issue scheduling and mirroring
	Log       *slog.Logger
}

// Hub supervises one orchestrator and its sub-agents.
type Hub struct {
	cfg   config.Config
	app   *asport.Client
	bus   *bus.Bus
	store *artifact.Store
	gh    ghport.Provider
	log   *slog.Logger

	repoPath string

	mu           sync.Mutex
	orchestrator *agent.Agent
	subs         map[string]*agent.Agent
	convToName   map[string]string
	agentState   map[string]agent.State
	agentMeta    map[string]*agent.Meta
	lastCheckin  map[string]int
	issueToAgent map[int]string
	stderrBuf    map[string][]string

	autopilot       bool
	autopilotWarned bool

	dirty        map[string]struct{}
	extraBlocks  []map[string]any
	lastDigestAt time.Time
	digestTimer  *time.Timer
	decisionLog  []map[string]any

	stopping bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// now is swappable in tests.
	now func() time.Time
}

// New creates a Hub. It does nothing until Start.
func New(cfg config.Config, deps Deps) *Hub {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		cfg:          cfg,
		app:          deps.App,
		bus:          deps.Bus,
		store:        deps.Artifacts,
		gh:           deps.GitHub,
		log:          log,
		repoPath:     cfg.Hub.Workspace,
		subs:         make(map[string]*agent.Agent),
		convToName:   make(map[string]string),
		agentState:   make(map[string]agent.State),
		agentMeta:    make(map[string]*agent.Meta),
		lastCheckin:  make(map[string]int),
		issueToAgent: make(map[int]string),
		stderrBuf:    make(map[string][]string),
		autopilot:    cfg.Hub.Autopilot,
		dirty:        make(map[string]struct{}),
		now:          time.Now,
	}
}

// Start launches the app-server, creates the orchestrator conversation
// seeded with seedText, and starts the supervision loops.
func (h *Hub) Start(ctx context.Context, seedText string) error {
	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	if err := h.app.Transport().Start(ctx); err != nil {
		cancel()
		return err
	}
	if err := h.app.Initialize(ctx, "orch", "0.2.0", "orch/0.2.0"); err != nil {
		cancel()
		return fmt.Errorf("app-server handshake: %w", err)
	}

	h.mu.Lock()
	h.agentState[agent.AppServer] = agent.StateRunning
	h.lastCheckin[agent.AppServer] = -1
	h.mu.Unlock()
	h.emit(agent.AppServer, event.TypeAgentAdded, map[string]any{"agent": agent.AppServer})
	h.emit(agent.AppServer, event.TypeAgentState, map[string]any{"agent": agent.AppServer, "state": string(agent.StateRunning)})

	convID, err := h.app.NewConversation(ctx, h.repoPath, h.cfg.Codex.Model)
	if err != nil {
		cancel()
		return fmt.Errorf("orchestrator conversation: %w", err)
	}
	seed := "HUB: Ready. You may emit CONTROL blocks to spawn or message sub-agents.\n\n" +
		"Seed context:\n" + seedText + "\n"
	if err := h.app.SendUserMessage(ctx, convID, []asport.Item{
		asport.TextItem(fallbackSystemPrefix + orchestratorPreamble),
		asport.TextItem(seed),
	}); err != nil {
		cancel()
		return fmt.Errorf("seed orchestrator: %w", err)
	}

	h.mu.Lock()
	h.orchestrator = &agent.Agent{Name: agent.Orchestrator, ConversationID: convID, State: agent.StateIdle}
	h.agentState[agent.Orchestrator] = agent.StateIdle
	h.lastCheckin[agent.Orchestrator] = -1
	h.mu.Unlock()

	h.emit(agent.Orchestrator, event.TypeAgentAdded, map[string]any{"agent": agent.Orchestrator})
	h.emit(agent.Orchestrator, event.TypeAgentState, map[string]any{"agent": agent.Orchestrator, "state": string(agent.StateIdle)})
	h.emit("hub", event.TypeAutopilotState, map[string]any{"enabled": h.Autopilot()})

	h.startLoop(func() { h.eventLoop(runCtx) })
	h.startLoop(func() { h.watchdogLoop(runCtx) })
	h.startLoop(func() { h.supervisorLoop(runCtx) })
	if h.gh != nil && h.cfg.GitHub.Enabled {
		h.startLoop(func() { h.schedulerLoop(runCtx) })
		h.startLoop(func() { h.mirrorLoop(runCtx) })
	}
	if h.cfg.Codex.OTELLogPath != "" {
		h.startLoop(func() { h.otelLoop(runCtx) })
	}
	return nil
}

func (h *Hub) startLoop(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

// Stop halts the loops and shuts the app-server down.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.stopping {
		h.mu.Unlock()
		return nil
	}
	h.stopping = true
	if h.digestTimer != nil {
		h.digestTimer.Stop()
		h.digestTimer = nil
	}
	h.mu.Unlock()

	if h.cancel != nil {
		h.cancel()
	}
	err := h.app.Transport().Stop(ctx)
	h.wg.Wait()
	return err
}

// Autopilot reports whether control blocks are currently acted on.
func (h *Hub) Autopilot() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.autopilot
}

// SetAutopilot flips autopilot and informs the orchestrator.
func (h *Hub) SetAutopilot(ctx context.Context, enabled bool) {
	h.mu.Lock()
	if h.autopilot == enabled {
		h.mu.Unlock()
		return
	}
	h.autopilot = enabled
	h.autopilotWarned = false
	h.mu.Unlock()

	h.emit("hub", event.TypeAutopilotState, map[string]any{"enabled": enabled})
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	if err := h.sendOrch(ctx, "HUB: autopilot "+state+" by human controller."); err != nil {
		h.log.Warn("notify orchestrator of autopilot change", "error", err)
	}
}

// SendToOrchestrator forwards operator text to the orchestrator.
func (h *Hub) SendToOrchestrator(ctx context.Context, text string) error {
	h.emit("user", event.TypeUserToOrch, map[string]any{"text": text})
	return h.sendOrch(ctx, text)
}

// sendOrch delivers a hub message to the orchestrator conversation.
func (h *Hub) sendOrch(ctx context.Context, text string) error {
	h.mu.Lock()
	orch := h.orchestrator
	h.mu.Unlock()
	if orch == nil {
		return nil
	}
	return h.app.SendUserMessage(ctx, orch.ConversationID, []asport.Item{asport.TextItem(text)})
}

// emit broadcasts a hub event.
func (h *Hub) emit(who string, t event.Type, payload map[string]any) {
	h.bus.Broadcast(event.Event{Who: who, Type: t, Payload: payload})
}

// Subscribe exposes the hub's event stream.
func (h *Hub) Subscribe() (<-chan event.Event, func()) {
	return h.bus.Subscribe()
}

// RecentEvents returns up to limit recent events, oldest first.
func (h *Hub) RecentEvents(limit int) []event.Event {
	return h.bus.Recent(limit)
}

// Agents returns a snapshot of all known agents, including the synthetic
// orchestrator and app-server entries.
func (h *Hub) Agents() []agent.Agent {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]agent.Agent, 0, len(h.subs)+2)
	out = append(out, agent.Agent{Name: agent.AppServer, State: h.agentState[agent.AppServer]})
	if h.orchestrator != nil {
		o := *h.orchestrator
		o.State = h.agentState[agent.Orchestrator]
		out = append(out, o)
	}
	for _, sub := range h.subs {
		cp := *sub
		cp.State = h.agentState[sub.Name]
		out = append(out, cp)
	}
	return out
}

// RecentDecisions returns the tail of the digest decision log.
func (h *Hub) RecentDecisions(count int) []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	if count <= 0 || len(h.decisionLog) == 0 {
		return nil
	}
	if count > len(h.decisionLog) {
		count = len(h.decisionLog)
	}
	out := make([]map[string]any, count)
	copy(out, h.decisionLog[len(h.decisionLog)-count:])
	return out
}
