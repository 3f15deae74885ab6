// Package agent defines the supervised conversation entities of the hub.
package agent

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// State represents the current state of an agent.
type State string

const (
	StateIdle    State = "idle"
	StateWorking State = "working"
	StateError   State = "error"
	StateRunning State = "running" // synthetic app-server entry only
)

// Orchestrator and AppServer are the synthetic agent names that exist for
// the lifetime of the hub; every other name belongs to a sub-agent.
const (
	Orchestrator = "orchestrator"
	AppServer    = "app-server"
)

// Agent is one named conversation supervised by the hub.
type Agent struct {
	Name           string    `json:"name"`
	ConversationID string    `json:"conversation_id"`
	State          State     `json:"state"`
	LastCheckinAt  time.Time `json:"last_checkin_at"`
	LastSummary    string    `json:"last_summary,omitempty"`
	LastArtifactID string    `json:"last_artifact_id,omitempty"`
}

// Meta holds supervision bookkeeping for a sub-agent.
type Meta struct {
	IssueNumber        int           `json:"issue_number,omitempty"`
	StartedAt          time.Time     `json:"started_at"`
	LastEventAt        time.Time     `json:"last_event_at"`
	Checkin            time.Duration `json:"checkin"`
	Budget             time.Duration `json:"budget"`
	NudgesSent         int           `json:"nudges_sent"`
	MaxNudges          int           `json:"max_nudges"`
	StatusCommentID    int64         `json:"status_comment_id,omitempty"`
	Workspace          string        `json:"workspace,omitempty"`
	ClosingAfterBudget bool          `json:"closing_after_budget"`
}

var nonToken = regexp.MustCompile(`[^a-z0-9]+`)

// Normalize canonicalizes an agent name: lowercase, non-alphanumeric runs
// collapse to "_", leading/trailing "_" stripped. An empty result becomes
// "agent". The function is idempotent.
func Normalize(name string) string {
	token := nonToken.ReplaceAllString(strings.ToLower(name), "_")
	token = strings.Trim(token, "_")
	if token == "" {
		return "agent"
	}
	return token
}

// Summarize returns the first non-empty line of text capped at 300
// characters, for use as an agent's last_summary. The cap counts runes so
// a multibyte character is never split.
func Summarize(text string) string {
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if runes := []rune(line); len(runes) > 300 {
			return string(runes[:300])
		}
		return line
	}
	return ""
}

// ParseDuration parses SLA durations like "45m", "10m", "90s", "1h", "2d",
// "500ms", or a bare number of seconds. Unparseable input returns fallback.
func ParseDuration(value string, fallback time.Duration) time.Duration {
	text := strings.ToLower(strings.TrimSpace(value))
	if text == "" {
		return fallback
	}

	if d, err := time.ParseDuration(text); err == nil {
		return d
	}

	// "2d" and bare seconds are not understood by time.ParseDuration.
	if strings.HasSuffix(text, "d") {
		if days, err := strconv.ParseFloat(text[:len(text)-1], 64); err == nil {
			return time.Duration(days * 24 * float64(time.Hour))
		}
		return fallback
	}
	if secs, err := strconv.ParseFloat(text, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}
