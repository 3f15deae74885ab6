package service

import (
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/OrchHub/internal/config"
)

func TestWatchdogFlagsOverdueAgentEveryPass(t *testing.T) {
	clk := newTestClock()
	h, ft := newTestHub(t, nil, func(cfg *config.Config) {
		cfg.Hub.DefaultCheckin = time.Minute
	})
	h.now = clk.Now
	ctx := startHub(t, h)

	if err := h.SpawnSub(ctx, "worker", "task", ""); err != nil {
		t.Fatalf("SpawnSub: %v", err)
	}
	h.mu.Lock()
	h.subs["worker"].LastCheckinAt = clk.Now()
	h.mu.Unlock()

	h.watchdogTick(ctx)
	h.mu.Lock()
	fresh := h.lastCheckin["worker"]
	h.mu.Unlock()
	if fresh != 0 {
		t.Errorf("lastCheckin = %d right after check-in", fresh)
	}
	if got := ft.countContaining(orchConv, "TIMEOUT_CHECKIN"); got != 0 {
		t.Fatalf("fresh agent flagged as overdue")
	}

	clk.Advance(2 * time.Minute)
	h.watchdogTick(ctx)
	if got := ft.countContaining(orchConv, `"type":"TIMEOUT_CHECKIN"`); got != 1 {
		t.Errorf("overdue blocks sent = %d, want 1", got)
	}

	// The agent stays silent: every pass keeps flagging it.
	clk.Advance(watchdogInterval)
	h.watchdogTick(ctx)
	if got := ft.countContaining(orchConv, `"type":"TIMEOUT_CHECKIN"`); got != 2 {
		t.Errorf("blocks after second overdue pass = %d, want 2", got)
	}

	// A fresh check-in stops the flagging until the agent is late again.
	h.mu.Lock()
	h.subs["worker"].LastCheckinAt = clk.Now()
	h.mu.Unlock()
	h.watchdogTick(ctx)
	if got := ft.countContaining(orchConv, `"type":"TIMEOUT_CHECKIN"`); got != 2 {
		t.Errorf("fresh agent flagged again, count = %d", got)
	}
	clk.Advance(2 * time.Minute)
	h.watchdogTick(ctx)
	if got := ft.countContaining(orchConv, `"type":"TIMEOUT_CHECKIN"`); got != 3 {
		t.Errorf("new overdue episode not flagged, count = %d", got)
	}
}

func TestSuperviseNudgesQuietAgent(t *testing.T) {
	clk := newTestClock()
	h, ft := newTestHub(t, nil, func(cfg *config.Config) {
		cfg.Hub.DefaultCheckin = 10 * time.Minute
		cfg.Hub.MaxNudges = 2
	})
	h.now = clk.Now
	ctx := startHub(t, h)

	if err := h.SpawnSub(ctx, "worker", "task", ""); err != nil {
		t.Fatalf("SpawnSub: %v", err)
	}
	lastRefresh := make(map[string]time.Time)

	h.superviseOnce(ctx, lastRefresh)
	if got := ft.countContaining("conv-2", "Quick check-in:"); got != 0 {
		t.Fatalf("nudged a fresh agent")
	}

	clk.Advance(11 * time.Minute)
	h.superviseOnce(ctx, lastRefresh)
	if got := ft.countContaining("conv-2", "Quick check-in:"); got != 1 {
		t.Errorf("nudges = %d, want 1", got)
	}
	h.superviseOnce(ctx, lastRefresh)
	if got := ft.countContaining("conv-2", "Quick check-in:"); got != 2 {
		t.Errorf("nudges = %d, want 2", got)
	}

	// Max nudges reached; further passes stay quiet.
	h.superviseOnce(ctx, lastRefresh)
	if got := ft.countContaining("conv-2", "Quick check-in:"); got != 2 {
		t.Errorf("nudges = %d, exceeded max", got)
	}
}

func TestSuperviseBudgetWrapUpAndClose(t *testing.T) {
	clk := newTestClock()
	h, ft := newTestHub(t, nil, func(cfg *config.Config) {
		cfg.Hub.DefaultBudget = 45 * time.Minute
		cfg.Hub.MaxNudges = 0
	})
	h.now = clk.Now
	ctx := startHub(t, h)

	if err := h.SpawnSub(ctx, "worker", "task", ""); err != nil {
		t.Fatalf("SpawnSub: %v", err)
	}
	lastRefresh := make(map[string]time.Time)

	clk.Advance(46 * time.Minute)
	h.superviseOnce(ctx, lastRefresh)
	if got := ft.countContaining("conv-2", "Time budget reached."); got != 1 {
		t.Fatalf("wrap-up requests = %d, want 1", got)
	}

	// Wrap-up asked only once.
	h.superviseOnce(ctx, lastRefresh)
	if got := ft.countContaining("conv-2", "Time budget reached."); got != 1 {
		t.Errorf("duplicate wrap-up request")
	}

	// Still silent past the grace window: agent is closed.
	clk.Advance(2 * time.Minute)
	h.superviseOnce(ctx, lastRefresh)
	if got := ft.countContaining(orchConv, "HUB: closed sub-agent 'worker'."); got != 1 {
		t.Errorf("agent not closed after grace window")
	}
	for _, a := range h.Agents() {
		if a.Name == "worker" {
			t.Errorf("worker still listed after budget close")
		}
	}
}

func TestSuperviseRefreshesStatusComment(t *testing.T) {
	clk := newTestClock()
	gh := newFakeGitHub()
	h, _ := newTestHub(t, gh, func(cfg *config.Config) {
		cfg.Hub.DefaultCheckin = time.Hour
		cfg.Hub.DefaultBudget = 2 * time.Hour
	})
	h.now = clk.Now
	ctx := startHub(t, h)

	if err := h.SpawnSub(ctx, "iss42", "task", ""); err != nil {
		t.Fatalf("SpawnSub: %v", err)
	}
	h.mu.Lock()
	h.agentMeta["iss42"].IssueNumber = 42
	h.agentMeta["iss42"].StatusCommentID = 1001
	h.mu.Unlock()

	lastRefresh := make(map[string]time.Time)
	clk.Advance(4 * time.Minute)
	h.superviseOnce(ctx, lastRefresh)

	gh.mu.Lock()
	bodies := gh.updated[1001]
	gh.mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("status comment updates = %d, want 1", len(bodies))
	}
	body := bodies[0]
	for _, want := range []string{
		statusCommentMarker,
		"**Agent:** `iss42`",
		"**State:**",
		"**Budget left:**",
		"_Update cadence: automated by orch._",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("status comment missing %q:\n%s", want, body)
		}
	}

	// Within the refresh window no second update happens.
	clk.Advance(time.Minute)
	h.superviseOnce(ctx, lastRefresh)
	gh.mu.Lock()
	count := len(gh.updated[1001])
	gh.mu.Unlock()
	if count != 1 {
		t.Errorf("status comment updated again inside refresh window")
	}
}
