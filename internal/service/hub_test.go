package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/OrchHub/internal/artifact"
	"github.com/Strob0t/OrchHub/internal/bus"
	"github.com/Strob0t/OrchHub/internal/config"
	"github.com/Strob0t/OrchHub/internal/domain/control"
	"github.com/Strob0t/OrchHub/internal/domain/event"
	"github.com/Strob0t/OrchHub/internal/domain/issue"
	asport "github.com/Strob0t/OrchHub/internal/port/appserver"
	ghport "github.com/Strob0t/OrchHub/internal/port/github"
)

// fakeTransport answers RPC calls in-process and records everything the hub
// sends, so tests can assert on conversation traffic without a codex binary.
type fakeTransport struct {
	mu        sync.Mutex
	convSeq   int
	sent      map[string][]string
	responses []fakeResponse
	rpcErrors []fakeRPCError
	notifies  []string
	events    chan asport.Event
	closeOnce sync.Once
}

type fakeResponse struct {
	ID     string
	Result map[string]any
}

type fakeRPCError struct {
	ID      string
	Code    int
	Message string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent:   make(map[string][]string),
		events: make(chan asport.Event, 64),
	}
}

func (f *fakeTransport) Start(ctx context.Context) error { return nil }

func (f *fakeTransport) Stop(ctx context.Context) error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, _ := params.(map[string]any)
	switch method {
	case "newConversation":
		f.convSeq++
		return json.RawMessage(fmt.Sprintf(`{"conversationId":"conv-%d"}`, f.convSeq)), nil
	case "sendUserMessage":
		convID, _ := p["conversationId"].(string)
		items, _ := p["items"].([]map[string]any)
		for _, item := range items {
			if data, ok := item["data"].(map[string]any); ok {
				if text, ok := data["text"].(string); ok {
					f.sent[convID] = append(f.sent[convID], text)
				}
			}
		}
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeTransport) Notify(method string, params any) error {
	f.mu.Lock()
	f.notifies = append(f.notifies, method)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Respond(id json.RawMessage, result any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, _ := result.(map[string]any)
	f.responses = append(f.responses, fakeResponse{ID: string(id), Result: res})
	return nil
}

func (f *fakeTransport) RespondError(id json.RawMessage, code int, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rpcErrors = append(f.rpcErrors, fakeRPCError{ID: string(id), Code: code, Message: message})
	return nil
}

func (f *fakeTransport) Events() <-chan asport.Event { return f.events }

func (f *fakeTransport) texts(convID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent[convID]))
	copy(out, f.sent[convID])
	return out
}

func (f *fakeTransport) countContaining(convID, substr string) int {
	n := 0
	for _, text := range f.texts(convID) {
		if strings.Contains(text, substr) {
			n++
		}
	}
	return n
}

func (f *fakeTransport) conversations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convSeq
}

func (f *fakeTransport) lastResponse() (fakeResponse, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return fakeResponse{}, false
	}
	return f.responses[len(f.responses)-1], true
}

// fakeGitHub records provider calls for scheduler and mirror tests.
type fakeGitHub struct {
	mu        sync.Mutex
	issues    map[int]issue.Issue
	comments  map[int][]string
	added     map[int][]string
	removed   map[int][]string
	updated   map[int64][]string
	statusID  int64
	prURL     string
	prBranch  string
	worktrees []string
}

func newFakeGitHub(issues ...issue.Issue) *fakeGitHub {
	g := &fakeGitHub{
		issues:   make(map[int]issue.Issue),
		comments: make(map[int][]string),
		added:    make(map[int][]string),
		removed:  make(map[int][]string),
		updated:  make(map[int64][]string),
		statusID: 1001,
		prURL:    "https://example.test/pr/1",
	}
	for _, iss := range issues {
		g.issues[iss.Number] = iss
	}
	return g
}

func (g *fakeGitHub) ListOrchestrateIssues(ctx context.Context, limit int) ([]issue.Issue, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []issue.Issue
	for _, iss := range g.issues {
		out = append(out, iss)
	}
	return out, nil
}

func (g *fakeGitHub) FetchIssue(ctx context.Context, number int) (issue.Issue, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	iss, ok := g.issues[number]
	if !ok {
		return issue.Issue{}, fmt.Errorf("no issue %d", number)
	}
	return iss, nil
}

func (g *fakeGitHub) CommentIssue(ctx context.Context, number int, body string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.comments[number] = append(g.comments[number], body)
	return nil
}

func (g *fakeGitHub) CommentPR(ctx context.Context, number int, body string) error {
	return g.CommentIssue(ctx, number, body)
}

func (g *fakeGitHub) ReplaceLabels(ctx context.Context, number int, add, remove []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.added[number] = append(g.added[number], add...)
	g.removed[number] = append(g.removed[number], remove...)
	return nil
}

func (g *fakeGitHub) EnsureStatusComment(ctx context.Context, number int) (int64, error) {
	return g.statusID, nil
}

func (g *fakeGitHub) UpdateComment(ctx context.Context, commentID int64, body string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updated[commentID] = append(g.updated[commentID], body)
	return nil
}

func (g *fakeGitHub) FetchPRsForIssue(ctx context.Context, number int) ([]issue.PR, error) {
	return nil, nil
}

func (g *fakeGitHub) EnsurePR(ctx context.Context, number int, branch, title string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prBranch = branch
	return g.prURL, nil
}

func (g *fakeGitHub) EnsureWorktree(ctx context.Context, root, branch, dir string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.worktrees = append(g.worktrees, dir)
	return dir, nil
}

func (g *fakeGitHub) commentsFor(number int) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.comments[number]))
	copy(out, g.comments[number])
	return out
}

func (g *fakeGitHub) labelsAdded(number int) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.added[number]))
	copy(out, g.added[number])
	return out
}

func (g *fakeGitHub) labelsRemoved(number int) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.removed[number]))
	copy(out, g.removed[number])
	return out
}

// testClock is a swappable, mutable time source.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestHub(t *testing.T, gh ghport.Provider, mutate func(*config.Config)) (*Hub, *fakeTransport) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Hub.Workspace = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b, err := bus.New("", log)
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}
	ft := newFakeTransport()
	client := asport.NewClient(ft, cfg.Hub.Dangerous, log)
	h := New(cfg, Deps{App: client, Bus: b, Artifacts: artifact.NewStore(t.TempDir()), GitHub: gh, Log: log})
	return h, ft
}

func startHub(t *testing.T, h *Hub) context.Context {
	t.Helper()
	ctx := context.Background()
	if err := h.Start(ctx, "seed context"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if err := h.Stop(context.Background()); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return ctx
}

const orchConv = "conv-1"

func TestStartSeedsOrchestrator(t *testing.T) {
	h, ft := newTestHub(t, nil, nil)
	startHub(t, h)

	texts := ft.texts(orchConv)
	if len(texts) < 2 {
		t.Fatalf("orchestrator got %d messages, want at least 2", len(texts))
	}
	if !strings.HasPrefix(texts[0], fallbackSystemPrefix) || !strings.Contains(texts[0], "ORCHESTRATOR") {
		t.Errorf("first message is not the orchestrator preamble: %q", texts[0])
	}
	if !strings.Contains(texts[1], "Seed context:\nseed context") {
		t.Errorf("second message missing seed context: %q", texts[1])
	}

	names := make(map[string]bool)
	for _, a := range h.Agents() {
		names[a.Name] = true
	}
	if !names["orchestrator"] || !names["app-server"] {
		t.Errorf("Agents() = %v, want orchestrator and app-server", names)
	}
}

func TestSpawnSendCloseLifecycle(t *testing.T) {
	h, ft := newTestHub(t, nil, nil)
	ctx := startHub(t, h)

	if err := h.SpawnSub(ctx, "Worker One", "build the widget", ""); err != nil {
		t.Fatalf("SpawnSub: %v", err)
	}
	subTexts := ft.texts("conv-2")
	if len(subTexts) != 2 {
		t.Fatalf("sub-agent got %d messages, want preamble+task", len(subTexts))
	}
	if !strings.Contains(subTexts[0], "SUB-AGENT named 'worker_one'") {
		t.Errorf("preamble missing normalized name: %q", subTexts[0])
	}
	if subTexts[1] != "build the widget" {
		t.Errorf("task = %q", subTexts[1])
	}
	if got := ft.countContaining(orchConv, "HUB: spawned sub-agent 'worker_one'."); got != 1 {
		t.Errorf("spawn confirmation count = %d", got)
	}

	if err := h.SendToSub(ctx, "worker_one", "next step"); err != nil {
		t.Fatalf("SendToSub: %v", err)
	}
	if got := ft.texts("conv-2"); got[len(got)-1] != "next step" {
		t.Errorf("forwarded text = %q", got[len(got)-1])
	}
	if got := ft.countContaining(orchConv, "HUB: forwarded instruction to 'worker_one'."); got != 1 {
		t.Errorf("forward confirmation count = %d", got)
	}

	if err := h.CloseSub(ctx, "worker_one"); err != nil {
		t.Fatalf("CloseSub: %v", err)
	}
	if got := ft.countContaining(orchConv, "HUB: closed sub-agent 'worker_one'."); got != 1 {
		t.Errorf("close confirmation count = %d", got)
	}
	for _, a := range h.Agents() {
		if a.Name == "worker_one" {
			t.Errorf("worker_one still listed after close")
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.convToName) != 0 || len(h.agentMeta) != 0 || len(h.lastCheckin) > 2 {
		t.Errorf("close left bookkeeping behind: conv=%d meta=%d", len(h.convToName), len(h.agentMeta))
	}
}

func TestSpawnDuplicateForwardsTask(t *testing.T) {
	h, ft := newTestHub(t, nil, nil)
	ctx := startHub(t, h)

	if err := h.SpawnSub(ctx, "worker", "first task", ""); err != nil {
		t.Fatalf("SpawnSub: %v", err)
	}
	if err := h.SpawnSub(ctx, "worker", "second task", ""); err != nil {
		t.Fatalf("duplicate SpawnSub: %v", err)
	}
	if got := ft.conversations(); got != 2 {
		t.Errorf("conversations = %d, want 2 (orchestrator + one sub)", got)
	}
	if got := ft.countContaining(orchConv, "HUB: sub-agent 'worker' already exists; forwarded new task."); got != 1 {
		t.Errorf("duplicate notice count = %d", got)
	}
	texts := ft.texts("conv-2")
	if texts[len(texts)-1] != "second task" {
		t.Errorf("second task not forwarded: %q", texts[len(texts)-1])
	}
}

func TestSpawnMissingName(t *testing.T) {
	h, ft := newTestHub(t, nil, nil)
	ctx := startHub(t, h)

	if err := h.SpawnSub(ctx, "", "task", ""); err != nil {
		t.Fatalf("SpawnSub: %v", err)
	}
	if got := ft.countContaining(orchConv, "HUB: spawn missing 'name'."); got != 1 {
		t.Errorf("missing-name notice count = %d", got)
	}
	if got := ft.conversations(); got != 1 {
		t.Errorf("conversations = %d, want only the orchestrator", got)
	}
}

func TestSendToUnknownAgent(t *testing.T) {
	h, ft := newTestHub(t, nil, nil)
	ctx := startHub(t, h)

	if err := h.SendToSub(ctx, "ghost", "hello"); err != nil {
		t.Fatalf("SendToSub: %v", err)
	}
	if got := ft.countContaining(orchConv, "HUB: no such sub-agent 'ghost'."); got != 1 {
		t.Errorf("no-such-agent notice count = %d", got)
	}
}

func controlBlock(t *testing.T, raw string) control.Block {
	t.Helper()
	blocks := control.Extract("```control\n" + raw + "\n```")
	if len(blocks) != 1 {
		t.Fatalf("control.Extract returned %d blocks", len(blocks))
	}
	return blocks[0]
}

func TestControlSpawnRespectsWIPLimit(t *testing.T) {
	h, ft := newTestHub(t, nil, func(cfg *config.Config) {
		cfg.Hub.WIPLimit = 1
	})
	ctx := startHub(t, h)

	if err := h.SpawnSub(ctx, "first", "task", ""); err != nil {
		t.Fatalf("SpawnSub: %v", err)
	}
	h.handleControlBlock(ctx, controlBlock(t, `{"spawn":{"name":"second","task":"more"}}`))

	if got := ft.countContaining(orchConv, "HUB: WIP limit 1 reached; please close an agent before spawning 'second'."); got != 1 {
		t.Errorf("WIP refusal count = %d", got)
	}
	if got := ft.conversations(); got != 2 {
		t.Errorf("conversations = %d, want 2", got)
	}
}

func TestAutopilotGateSuppressesControl(t *testing.T) {
	h, ft := newTestHub(t, nil, func(cfg *config.Config) {
		cfg.Hub.Autopilot = false
	})
	ctx := startHub(t, h)

	h.handleOrchestratorText(ctx, "thinking\n```control\n{\"spawn\":{\"name\":\"a\",\"task\":\"x\"}}\n```")
	h.handleOrchestratorText(ctx, "```control\n{\"send\":{\"to\":\"a\",\"task\":\"y\"}}\n```")

	if got := ft.conversations(); got != 1 {
		t.Errorf("conversations = %d, suppressed spawn still ran", got)
	}
	if got := ft.countContaining(orchConv, "HUB: autopilot is currently disabled"); got != 1 {
		t.Errorf("autopilot warning count = %d, want exactly one", got)
	}

	suppressed := 0
	for _, ev := range h.RecentEvents(0) {
		if ev.Type == event.TypeAutopilotSuppressed {
			suppressed++
		}
	}
	if suppressed != 2 {
		t.Errorf("autopilot_suppressed events = %d, want 2", suppressed)
	}
}

func TestHandleOrchestratorTextRunsBlocksAndStripsProse(t *testing.T) {
	h, ft := newTestHub(t, nil, nil)
	ctx := startHub(t, h)

	h.handleOrchestratorText(ctx, "Starting work now.\n```control\n{\"spawn\":{\"name\":\"builder\",\"task\":\"assemble\"}}\n```\nMore soon.")

	if got := ft.conversations(); got != 2 {
		t.Fatalf("conversations = %d, spawn did not run", got)
	}
	var prose string
	for _, ev := range h.RecentEvents(0) {
		if ev.Type == event.TypeOrchToUser && ev.Who == "orchestrator" {
			prose, _ = ev.Payload["text"].(string)
		}
	}
	if prose != "Starting work now.\nMore soon." {
		t.Errorf("stripped prose = %q", prose)
	}
}

func TestSetAutopilotNotifiesOrchestrator(t *testing.T) {
	h, ft := newTestHub(t, nil, nil)
	ctx := startHub(t, h)

	h.SetAutopilot(ctx, false)
	if got := ft.countContaining(orchConv, "HUB: autopilot disabled by human controller."); got != 1 {
		t.Errorf("disable notice count = %d", got)
	}
	h.SetAutopilot(ctx, false) // no-op
	if got := ft.countContaining(orchConv, "HUB: autopilot disabled by human controller."); got != 1 {
		t.Errorf("duplicate disable notice sent")
	}
	h.SetAutopilot(ctx, true)
	if got := ft.countContaining(orchConv, "HUB: autopilot enabled by human controller."); got != 1 {
		t.Errorf("enable notice count = %d", got)
	}
	if !h.Autopilot() {
		t.Errorf("Autopilot() = false after enable")
	}
}

func TestApprovalDecisions(t *testing.T) {
	tests := []struct {
		name         string
		dangerous    bool
		autopilot    bool
		wantDecision string
		wantReason   string
	}{
		{"both on approves", true, true, "approved", ""},
		{"autopilot off denies", true, false, "denied", "autopilot disabled"},
		{"dangerous off denies", false, true, "denied", "dangerous mode disabled"},
		{"both off denies on autopilot", false, false, "denied", "autopilot disabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, ft := newTestHub(t, nil, func(cfg *config.Config) {
				cfg.Hub.Dangerous = tt.dangerous
				cfg.Hub.Autopilot = tt.autopilot
			})
			ctx := startHub(t, h)

			params := map[string]any{"command": []any{"git", "status"}}
			h.handleRequest(ctx, "execCommandApproval", params, json.RawMessage("7"))

			resp, ok := ft.lastResponse()
			if !ok {
				t.Fatalf("no response recorded")
			}
			if resp.ID != "7" {
				t.Errorf("response id = %s", resp.ID)
			}
			if got := resp.Result["decision"]; got != tt.wantDecision {
				t.Errorf("decision = %v, want %s", got, tt.wantDecision)
			}
			if tt.wantReason != "" {
				follow := "HUB: denied exec command git status because " + tt.wantReason + ". Enable autopilot or dangerous mode to allow."
				if got := ft.countContaining(orchConv, follow); got != 1 {
					t.Errorf("denial follow-up count = %d for %q", got, follow)
				}
			}
		})
	}
}

func TestApprovalApplyPatchAndUnknownRequest(t *testing.T) {
	h, ft := newTestHub(t, nil, func(cfg *config.Config) {
		cfg.Hub.Dangerous = true
	})
	ctx := startHub(t, h)

	h.handleRequest(ctx, "applyPatchApproval", map[string]any{}, json.RawMessage("8"))
	resp, ok := ft.lastResponse()
	if !ok || resp.Result["decision"] != "approved" {
		t.Errorf("applyPatchApproval response = %+v", resp)
	}

	h.handleRequest(ctx, "someOtherMethod", map[string]any{}, json.RawMessage("9"))
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.rpcErrors) != 1 {
		t.Fatalf("rpc errors = %d, want 1", len(ft.rpcErrors))
	}
	rpcErr := ft.rpcErrors[0]
	if rpcErr.Code != asport.CodeMethodNotFound || rpcErr.Message != "Unhandled request: someOtherMethod" {
		t.Errorf("unhandled request error = %+v", rpcErr)
	}
}

func TestApprovalIgnoresNotificationShapedRequest(t *testing.T) {
	h, ft := newTestHub(t, nil, nil)
	ctx := startHub(t, h)

	h.handleRequest(ctx, "execCommandApproval", map[string]any{}, nil)
	if _, ok := ft.lastResponse(); ok {
		t.Errorf("responded to a request without an id")
	}
}

func TestApprovalViaEventLoop(t *testing.T) {
	h, ft := newTestHub(t, nil, func(cfg *config.Config) {
		cfg.Hub.Dangerous = true
	})
	startHub(t, h)

	params, _ := json.Marshal(map[string]any{"command": "rm -rf tmp"})
	ft.events <- asport.Event{Kind: asport.KindRequest, ID: json.RawMessage("3"), Method: "execCommandApproval", Params: params}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if resp, ok := ft.lastResponse(); ok {
			if resp.Result["decision"] != "approved" {
				t.Errorf("decision = %v", resp.Result["decision"])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("approval response never arrived")
}

func TestDigestFormat(t *testing.T) {
	h, ft := newTestHub(t, nil, nil)
	ctx := startHub(t, h)

	if err := h.SpawnSub(ctx, "worker", "task", ""); err != nil {
		t.Fatalf("SpawnSub: %v", err)
	}

	var digest string
	for _, text := range ft.texts(orchConv) {
		if strings.HasPrefix(text, "Decision-ready digest:") {
			digest = text
		}
	}
	if digest == "" {
		t.Fatalf("no digest sent after spawn")
	}
	if !strings.Contains(digest, "- worker [idle, last check-in n/a]") {
		t.Errorf("digest missing agent bullet:\n%s", digest)
	}
	if !strings.Contains(digest, "```event\n") || !strings.Contains(digest, `"type":"AGENT_UPDATE"`) {
		t.Errorf("digest missing AGENT_UPDATE event block:\n%s", digest)
	}

	decs := h.RecentDecisions(1)
	if len(decs) != 1 || decs[0]["action"] != "digest_sent" {
		t.Errorf("decision log = %v", decs)
	}
}

func TestDigestDebounce(t *testing.T) {
	clk := newTestClock()
	h, ft := newTestHub(t, nil, nil)
	h.now = clk.Now
	ctx := startHub(t, h)

	// First digest goes out immediately.
	h.markDirty("a")
	h.maybeSendDigest(ctx, "test")
	first := ft.countContaining(orchConv, "Decision-ready digest:")
	if first != 1 {
		t.Fatalf("first digest count = %d", first)
	}

	// Inside the debounce window nothing is sent synchronously.
	clk.Advance(time.Second)
	h.markDirty("b")
	h.maybeSendDigest(ctx, "test")
	if got := ft.countContaining(orchConv, "Decision-ready digest:"); got != 1 {
		t.Errorf("digest sent inside debounce window, count = %d", got)
	}

	// Past the window the pending update flushes on the next trigger.
	clk.Advance(5 * time.Second)
	h.maybeSendDigest(ctx, "test")
	if got := ft.countContaining(orchConv, "Decision-ready digest:"); got != 2 {
		t.Errorf("digest count after window = %d, want 2", got)
	}
}

func TestDecideNowForcesEmptyDigest(t *testing.T) {
	h, ft := newTestHub(t, nil, nil)
	ctx := startHub(t, h)

	h.DecideNow(ctx)
	if got := ft.countContaining(orchConv, "Decision-ready digest: (no updates)"); got != 1 {
		t.Errorf("forced empty digest count = %d", got)
	}
}

func TestControlFetchInjectsArtifact(t *testing.T) {
	h, ft := newTestHub(t, nil, nil)
	ctx := startHub(t, h)

	id, err := h.store.StoreText("agent_message", "full report body", nil)
	if err != nil {
		t.Fatalf("StoreText: %v", err)
	}
	h.handleControlBlock(ctx, controlBlock(t, fmt.Sprintf(`{"fetch":{"artifact":%q}}`, id)))

	var digest string
	for _, text := range ft.texts(orchConv) {
		if strings.HasPrefix(text, "Decision-ready digest:") {
			digest = text
		}
	}
	if !strings.Contains(digest, `"type":"ARTIFACT"`) || !strings.Contains(digest, "full report body") {
		t.Errorf("digest missing artifact block:\n%s", digest)
	}

	h.handleControlBlock(ctx, controlBlock(t, `{"fetch":{"artifact":"9999-deadbeef"}}`))
	found := false
	for _, text := range ft.texts(orchConv) {
		if strings.Contains(text, `"type":"ARTIFACT_ERROR"`) {
			found = true
		}
	}
	if !found {
		t.Errorf("missing artifact did not produce ARTIFACT_ERROR block")
	}
}

func TestControlExecRequiresDangerous(t *testing.T) {
	h, ft := newTestHub(t, nil, nil)
	ctx := startHub(t, h)

	h.handleControlBlock(ctx, controlBlock(t, `{"exec":{"argv":["git","status"]}}`))
	if got := ft.countContaining(orchConv, "HUB: exec control block ignored because dangerous mode is off."); got != 1 {
		t.Errorf("exec refusal count = %d", got)
	}
}

func TestControlStatusPostsToIssue(t *testing.T) {
	gh := newFakeGitHub()
	h, _ := newTestHub(t, gh, nil)
	ctx := startHub(t, h)

	h.handleControlBlock(ctx, controlBlock(t, `{"status":{"issue":7,"text":"halfway there"}}`))

	if got := gh.commentsFor(7); len(got) != 1 || got[0] != "halfway there" {
		t.Errorf("issue comments = %v", got)
	}
	var scope string
	for _, ev := range h.RecentEvents(0) {
		if ev.Type == event.TypeStatusPosted {
			scope, _ = ev.Payload["scope"].(string)
		}
	}
	if scope != "issue#7" {
		t.Errorf("status scope = %q", scope)
	}
}

func TestAssistantMessageFromSubBecomesCheckin(t *testing.T) {
	h, ft := newTestHub(t, nil, nil)
	ctx := startHub(t, h)

	if err := h.SpawnSub(ctx, "worker", "task", ""); err != nil {
		t.Fatalf("SpawnSub: %v", err)
	}
	h.handleAssistantMessage(ctx, map[string]any{
		"text":            "Step one done.\nDetails follow.",
		"conversation_id": "conv-2",
	})

	var checkin event.Event
	for _, ev := range h.RecentEvents(0) {
		if ev.Type == event.TypeAgentToOrch && ev.Who == "worker" {
			checkin = ev
		}
	}
	if checkin.Who != "worker" {
		t.Fatalf("no agent_to_orch event from worker")
	}

	h.mu.Lock()
	sub := h.subs["worker"]
	lastCheckin := h.lastCheckin["worker"]
	h.mu.Unlock()
	if sub.LastSummary != "Step one done." {
		t.Errorf("LastSummary = %q", sub.LastSummary)
	}
	if sub.LastArtifactID == "" {
		t.Errorf("check-in was not archived as an artifact")
	}
	if lastCheckin != 0 {
		t.Errorf("lastCheckin = %d, want 0", lastCheckin)
	}
	body, _, err := h.store.LoadText(sub.LastArtifactID, 0)
	if err != nil || body != "Step one done.\nDetails follow." {
		t.Errorf("archived body = %q, err %v", body, err)
	}
	if got := ft.countContaining(orchConv, "Decision-ready digest:"); got == 0 {
		t.Errorf("check-in did not trigger a digest")
	}
}

func TestTaskCompleteNotifiesOrchestrator(t *testing.T) {
	h, ft := newTestHub(t, nil, nil)
	ctx := startHub(t, h)

	if err := h.SpawnSub(ctx, "worker", "task", ""); err != nil {
		t.Fatalf("SpawnSub: %v", err)
	}
	h.handleCodexEvent(ctx, "codex/event/task_complete", map[string]any{
		"conversation_id": "conv-2",
		"msg": map[string]any{
			"type":               "task_complete",
			"last_agent_message": "All tests pass.",
		},
	})

	want := "Sub-agent 'worker' reports task complete.\nFinal update:\nAll tests pass.\nTo continue, emit CONTROL `send` or close with CONTROL `close`."
	if got := ft.countContaining(orchConv, want); got != 1 {
		t.Errorf("completion notice count = %d", got)
	}

	h.mu.Lock()
	state := h.agentState["worker"]
	h.mu.Unlock()
	if state != "idle" {
		t.Errorf("state after completion = %s", state)
	}
}

func TestCodexAgentMessageRoutesToOrchestrator(t *testing.T) {
	h, ft := newTestHub(t, nil, nil)
	ctx := startHub(t, h)

	h.handleCodexEvent(ctx, "codex/event/agent_message", map[string]any{
		"conversation_id": orchConv,
		"msg": map[string]any{
			"type":    "agent_message",
			"message": "Spawning a helper.\n```control\n{\"spawn\":{\"name\":\"helper\",\"task\":\"assist\"}}\n```",
		},
	})
	if got := ft.conversations(); got != 2 {
		t.Errorf("conversations = %d, orchestrator control block did not run", got)
	}
}

func TestRenderWIPTable(t *testing.T) {
	h, _ := newTestHub(t, nil, nil)
	ctx := startHub(t, h)

	if got := h.RenderWIPTable(); got != "_No active agents._" {
		t.Errorf("empty table = %q", got)
	}
	if err := h.SpawnSub(ctx, "worker", "task", ""); err != nil {
		t.Fatalf("SpawnSub: %v", err)
	}
	table := h.RenderWIPTable()
	if !strings.Contains(table, "| worker | idle |") {
		t.Errorf("table missing worker row:\n%s", table)
	}
}
