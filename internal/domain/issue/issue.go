// Package issue models GitHub issues used as orchestration charters:
// a labelled issue carries a goal, acceptance checklist, scope notes,
// and validation plan that become the sub-agent's initial prompt.
package issue

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Labels driving the scheduler lifecycle.
const (
	LabelOrchestrate = "orchestrate"
	LabelQueued      = "agent:queued"
	LabelRunning     = "agent:running"
	LabelReview      = "agent:review"
	LabelDone        = "agent:done"
	LabelStalled     = "agent:stalled"
	LabelAutoPR      = "auto:pr-on-complete"
)

// Issue is the subset of GitHub issue fields the scheduler consumes.
type Issue struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	State  string   `json:"state"`
	URL    string   `json:"url"`
	Labels []string `json:"labels"`
	Body   string   `json:"body,omitempty"`
}

// HasLabel reports whether the issue carries the named label.
func (i Issue) HasLabel(name string) bool {
	for _, lab := range i.Labels {
		if strings.EqualFold(strings.TrimSpace(lab), name) {
			return true
		}
	}
	return false
}

// PR is the subset of pull-request fields the hub consumes.
type PR struct {
	Number      int    `json:"number"`
	Title       string `json:"title"`
	State       string `json:"state"`
	URL         string `json:"url"`
	HeadRefName string `json:"headRefName"`
	BaseRefName string `json:"baseRefName"`
}

// Charter is the structured work order extracted from an issue body.
type Charter struct {
	Goal       string
	Acceptance []string
	ScopeNotes []string
	Validation string
}

var (
	headingRE    = regexp.MustCompile(`^#{1,6}\s+(.+?)\s*$`)
	checkboxRE   = regexp.MustCompile(`^[\-\*\+]\s*(?:\[[ xX*]\]\s*)?(.*)$`)
	whitespaceRE = regexp.MustCompile(`\s+`)
	nonSlugRE    = regexp.MustCompile(`[^a-z0-9]+`)
)

var sectionKeys = map[string][]string{
	"goal":       {"goal"},
	"acceptance": {"acceptance-checklist", "acceptance", "acceptance-criteria"},
	"scope":      {"scope", "scope-notes", "scope-and-limits"},
	"validation": {"validation", "test-plan", "tests"},
}

func normalizeHeading(text string) string {
	return strings.Trim(nonSlugRE.ReplaceAllString(strings.ToLower(text), "-"), "-")
}

// ParseCharter extracts goal, acceptance checklist, scope, and validation
// sections from a Markdown issue body. Headings match at any level and
// by prefix, so "Goal and background" still binds to goal.
func ParseCharter(body string) Charter {
	sections := map[string][]string{"__preamble__": nil}
	order := []string{"__preamble__"}
	current := "__preamble__"
	for _, line := range strings.Split(body, "\n") {
		if m := headingRE.FindStringSubmatch(line); m != nil {
			current = normalizeHeading(m[1])
			if _, ok := sections[current]; !ok {
				sections[current] = nil
				order = append(order, current)
			}
			continue
		}
		sections[current] = append(sections[current], strings.TrimRight(line, " \t"))
	}

	section := func(keys []string) []string {
		for _, key := range keys {
			if lines, ok := sections[key]; ok {
				return lines
			}
		}
		for _, name := range order {
			for _, key := range keys {
				if strings.HasPrefix(name, key) {
					return sections[name]
				}
			}
		}
		return nil
	}

	goalLines := cleanLines(section(sectionKeys["goal"]))
	acceptance := parseChecklist(section(sectionKeys["acceptance"]))
	scopeLines := section(sectionKeys["scope"])
	scope := parseChecklist(scopeLines)
	if len(scope) == 0 {
		scope = cleanLines(scopeLines)
	}
	validation := cleanLines(section(sectionKeys["validation"]))

	return Charter{
		Goal:       strings.Join(goalLines, " "),
		Acceptance: acceptance,
		ScopeNotes: scope,
		Validation: strings.Join(validation, "\n"),
	}
}

func cleanLines(lines []string) []string {
	var out []string
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseChecklist(lines []string) []string {
	var items []string
	for _, raw := range lines {
		text := strings.TrimSpace(raw)
		if text == "" {
			continue
		}
		candidate := text
		if m := checkboxRE.FindStringSubmatch(text); m != nil {
			candidate = strings.TrimSpace(m[1])
		}
		if candidate != "" {
			items = append(items, candidate)
		}
	}
	return items
}

// FormatPrompt renders the charter as the sub-agent's work order.
func FormatPrompt(iss Issue, ch Charter) string {
	lines := []string{fmt.Sprintf("Work on Issue #%d: %s", iss.Number, iss.Title)}
	if ch.Goal != "" {
		lines = append(lines, "Goal: "+whitespaceRE.ReplaceAllString(strings.TrimSpace(ch.Goal), " "))
	}
	if len(ch.Acceptance) > 0 {
		lines = append(lines, "Acceptance:")
		for idx, item := range ch.Acceptance {
			lines = append(lines, fmt.Sprintf("%d. %s", idx+1, whitespaceRE.ReplaceAllString(strings.TrimSpace(item), " ")))
		}
	}
	if len(ch.ScopeNotes) > 0 {
		lines = append(lines, "Scope: "+strings.Join(ch.ScopeNotes, "; "))
	}
	if v := strings.TrimSpace(ch.Validation); v != "" {
		lines = append(lines, "Validation: "+v)
	}
	if len(iss.Labels) > 0 {
		labels := append([]string(nil), iss.Labels...)
		sort.Strings(labels)
		lines = append(lines, "Labels: "+strings.Join(labels, ", "))
	}
	return strings.Join(lines, "\n")
}

var (
	blockerLabelRE = regexp.MustCompile(`(?i)^blocked-by:(.+)$`)
	issueRefRE     = regexp.MustCompile(`#(\d+)`)
	slaCheckinRE   = regexp.MustCompile(`(?i)^checkin:(\d+)([smhd])$`)
	slaBudgetRE    = regexp.MustCompile(`(?i)^budget:(\d+)([smhd])$`)
)

// ParseBlockers returns the sorted, de-duplicated issue numbers that block
// this issue, collected from blocked-by:#N labels and "Blocked by: #N"
// body lines.
func ParseBlockers(body string, labels []string) []int {
	set := make(map[int]struct{})

	collect := func(text string) {
		for _, m := range issueRefRE.FindAllStringSubmatch(text, -1) {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				set[n] = struct{}{}
			}
		}
	}

	for _, lab := range labels {
		if m := blockerLabelRE.FindStringSubmatch(strings.TrimSpace(lab)); m != nil {
			collect(m[1])
		}
	}
	for _, raw := range strings.Split(body, "\n") {
		text := strings.TrimSpace(raw)
		lower := strings.ToLower(text)
		if strings.HasPrefix(lower, "blocked by:") || strings.HasPrefix(lower, "blocked-by:") {
			collect(text)
		}
	}

	out := make([]int, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// SLA holds per-issue supervision overrides. Zero values mean "use default".
type SLA struct {
	Checkin time.Duration
	Budget  time.Duration
}

// SLAFromLabels extracts check-in and budget SLAs from labels like
// checkin:10m and budget:45m.
func SLAFromLabels(labels []string) SLA {
	var sla SLA
	for _, lab := range labels {
		text := strings.TrimSpace(lab)
		if m := slaCheckinRE.FindStringSubmatch(text); m != nil {
			sla.Checkin = labelDuration(m[1], m[2])
		}
		if m := slaBudgetRE.FindStringSubmatch(text); m != nil {
			sla.Budget = labelDuration(m[1], m[2])
		}
	}
	return sla
}

func labelDuration(num, unit string) time.Duration {
	n, err := strconv.Atoi(num)
	if err != nil {
		return 0
	}
	switch strings.ToLower(unit) {
	case "s":
		return time.Duration(n) * time.Second
	case "m":
		return time.Duration(n) * time.Minute
	case "h":
		return time.Duration(n) * time.Hour
	case "d":
		return time.Duration(n) * 24 * time.Hour
	}
	return time.Duration(n) * time.Second
}

// Slugify turns an issue title into a branch-safe slug capped at 40 chars.
func Slugify(text string) string {
	slug := strings.Trim(nonSlugRE.ReplaceAllString(strings.ToLower(text), "-"), "-")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	if slug == "" {
		return "task"
	}
	return slug
}

// BranchName returns the work branch for an issue, e.g. ai/iss-42-fix-auth.
func BranchName(number int, title string) string {
	return fmt.Sprintf("ai/iss-%d-%s", number, Slugify(title))
}

// WorktreeDir returns the repo-relative worktree directory for an issue.
func WorktreeDir(number int) string {
	return fmt.Sprintf(".worktrees/iss-%d", number)
}

// AgentName returns the hub agent name for an issue, e.g. iss42.
func AgentName(number int) string {
	return fmt.Sprintf("iss%d", number)
}
