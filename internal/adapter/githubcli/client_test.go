package githubcli

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"

	"github.com/Strob0t/OrchHub/internal/domain/issue"
	"github.com/Strob0t/OrchHub/internal/git"
	"github.com/Strob0t/OrchHub/internal/resilience"
)

// fakeExec routes invocations to canned stdout by matching a prefix of the
// joined command line, recording every call.
type fakeExec struct {
	calls   [][]string
	outputs map[string]string
}

func (f *fakeExec) command(_ context.Context, name string, args ...string) *exec.Cmd {
	call := append([]string{name}, args...)
	f.calls = append(f.calls, call)
	joined := strings.Join(call, " ")
	var best string
	found := false
	for prefix := range f.outputs {
		if strings.HasPrefix(joined, prefix) && len(prefix) >= len(best) {
			best = prefix
			found = true
		}
	}
	if found {
		return exec.Command("echo", f.outputs[best])
	}
	return exec.Command("true")
}

func newTestClient(t *testing.T, fake *fakeExec) *Client {
	t.Helper()
	c, err := New(t.TempDir(), git.NewPool(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	c.execCommand = fake.command
	return c
}

func TestListOrchestrateIssues(t *testing.T) {
	fake := &fakeExec{outputs: map[string]string{
		"gh issue list": `[{"number":7,"title":"Fix auth","state":"OPEN","url":"https://x/7","labels":[{"name":"orchestrate"},{"name":"agent:queued"}]}]`,
	}}
	c := newTestClient(t, fake)

	issues, err := c.ListOrchestrateIssues(context.Background(), 50)
	if err != nil {
		t.Fatalf("ListOrchestrateIssues: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("got %d issues", len(issues))
	}
	got := issues[0]
	if got.Number != 7 || got.Title != "Fix auth" || len(got.Labels) != 2 {
		t.Errorf("issue = %+v", got)
	}

	args := strings.Join(fake.calls[0], " ")
	for _, want := range []string{"--label orchestrate", "--state open", "--limit 50"} {
		if !strings.Contains(args, want) {
			t.Errorf("command %q missing %q", args, want)
		}
	}
}

func TestFetchIssue(t *testing.T) {
	fake := &fakeExec{outputs: map[string]string{
		"gh issue view 9": `{"number":9,"title":"T","state":"OPEN","url":"u","labels":[],"body":"## Goal\ndo it"}`,
	}}
	c := newTestClient(t, fake)

	iss, err := c.FetchIssue(context.Background(), 9)
	if err != nil {
		t.Fatalf("FetchIssue: %v", err)
	}
	if iss.Number != 9 || !strings.Contains(iss.Body, "## Goal") {
		t.Errorf("issue = %+v", iss)
	}
}

func TestReplaceLabels(t *testing.T) {
	fake := &fakeExec{outputs: map[string]string{}}
	c := newTestClient(t, fake)

	err := c.ReplaceLabels(context.Background(), 3, []string{issue.LabelRunning}, []string{issue.LabelQueued, issue.LabelStalled})
	if err != nil {
		t.Fatalf("ReplaceLabels: %v", err)
	}
	args := strings.Join(fake.calls[0], " ")
	want := "gh issue edit 3 --add-label agent:running --remove-label agent:queued --remove-label agent:stalled"
	if args != want {
		t.Errorf("command = %q, want %q", args, want)
	}
}

func TestReplaceLabels_NoOp(t *testing.T) {
	fake := &fakeExec{}
	c := newTestClient(t, fake)
	if err := c.ReplaceLabels(context.Background(), 3, nil, nil); err != nil {
		t.Fatalf("ReplaceLabels: %v", err)
	}
	if len(fake.calls) != 0 {
		t.Errorf("no-op edit still ran gh: %v", fake.calls)
	}
}

func TestRepoSlug_Cached(t *testing.T) {
	fake := &fakeExec{outputs: map[string]string{
		"gh repo view": `{"name":"orchhub","owner":{"login":"strob0t"}}`,
	}}
	c := newTestClient(t, fake)

	for range 2 {
		slug, err := c.RepoSlug(context.Background())
		if err != nil {
			t.Fatalf("RepoSlug: %v", err)
		}
		if slug != "strob0t/orchhub" {
			t.Errorf("slug = %q", slug)
		}
	}
	if len(fake.calls) != 1 {
		t.Errorf("RepoSlug ran gh %d times, want 1", len(fake.calls))
	}
}

func TestEnsureStatusComment_FindsExisting(t *testing.T) {
	fake := &fakeExec{outputs: map[string]string{
		"gh repo view": `{"name":"r","owner":{"login":"o"}}`,
		"gh api repos/o/r/issues/5/comments": `[
			{"id":100,"body":"unrelated"},
			{"id":200,"body":"<!-- orch:status -->\n\nStatus: tracking started."}
		]`,
	}}
	c := newTestClient(t, fake)

	id, err := c.EnsureStatusComment(context.Background(), 5)
	if err != nil {
		t.Fatalf("EnsureStatusComment: %v", err)
	}
	if id != 200 {
		t.Errorf("id = %d, want 200", id)
	}

	// Second lookup is served from cache.
	before := len(fake.calls)
	if id, err = c.EnsureStatusComment(context.Background(), 5); err != nil || id != 200 {
		t.Fatalf("cached lookup = (%d, %v)", id, err)
	}
	if len(fake.calls) != before {
		t.Errorf("cached lookup still ran gh")
	}
}

func TestEnsureStatusComment_CreatesWhenMissing(t *testing.T) {
	fake := &fakeExec{outputs: map[string]string{
		"gh repo view":                               `{"name":"r","owner":{"login":"o"}}`,
		"gh api repos/o/r/issues/5/comments -X POST": `{"id":321}`,
		"gh api repos/o/r/issues/5/comments":         `[]`,
	}}
	c := newTestClient(t, fake)

	id, err := c.EnsureStatusComment(context.Background(), 5)
	if err != nil {
		t.Fatalf("EnsureStatusComment: %v", err)
	}
	if id != 321 {
		t.Errorf("id = %d, want 321", id)
	}

	// The body must travel as a JSON field, not as raw request input.
	var created []string
	for _, call := range fake.calls {
		if strings.Contains(strings.Join(call, " "), "-X POST") {
			created = call
		}
	}
	if created == nil {
		t.Fatal("no POST call recorded")
	}
	joined := strings.Join(created, " ")
	if !strings.Contains(joined, "-f body=<!-- orch:status -->") {
		t.Errorf("create call = %q, want -f body=<marker...>", joined)
	}
	if strings.Contains(joined, "--input") {
		t.Errorf("create call uses --input without a JSON document: %q", joined)
	}
}

func TestUpdateComment_SendsBodyField(t *testing.T) {
	fake := &fakeExec{outputs: map[string]string{
		"gh repo view": `{"name":"r","owner":{"login":"o"}}`,
	}}
	c := newTestClient(t, fake)

	body := "<!-- orch:status -->\n**Agent:** `iss5`"
	if err := c.UpdateComment(context.Background(), 200, body); err != nil {
		t.Fatalf("UpdateComment: %v", err)
	}

	last := fake.calls[len(fake.calls)-1]
	joined := strings.Join(last, " ")
	for _, want := range []string{"gh api repos/o/r/issues/comments/200", "-X PATCH", "-f body=<!-- orch:status -->"} {
		if !strings.Contains(joined, want) {
			t.Errorf("patch call = %q, missing %q", joined, want)
		}
	}
	if strings.Contains(joined, "--input") {
		t.Errorf("patch call uses --input without a JSON document: %q", joined)
	}
}

func TestEnsurePR_ExistingOpenPR(t *testing.T) {
	fake := &fakeExec{outputs: map[string]string{
		"gh pr list --head ai/iss-4-x": `[{"url":"https://x/pull/12"}]`,
	}}
	c := newTestClient(t, fake)

	url, err := c.EnsurePR(context.Background(), 4, "ai/iss-4-x", "Issue #4: x")
	if err != nil {
		t.Fatalf("EnsurePR: %v", err)
	}
	if url != "https://x/pull/12" {
		t.Errorf("url = %q", url)
	}
	for _, call := range fake.calls {
		if call[0] == "gh" && call[1] == "pr" && call[2] == "create" {
			t.Error("EnsurePR created a PR although one exists")
		}
	}
}

func TestEnsurePR_CreatesAndPushes(t *testing.T) {
	fake := &fakeExec{outputs: map[string]string{
		"gh pr list --head": `[]`,
		"gh pr create":      "https://x/pull/77",
	}}
	c := newTestClient(t, fake)

	url, err := c.EnsurePR(context.Background(), 4, "ai/iss-4-x", "Issue #4: x")
	if err != nil {
		t.Fatalf("EnsurePR: %v", err)
	}
	if url != "https://x/pull/77" {
		t.Errorf("url = %q", url)
	}

	var pushed, created bool
	for _, call := range fake.calls {
		joined := strings.Join(call, " ")
		if strings.HasPrefix(joined, "git push -u origin ai/iss-4-x") {
			pushed = true
		}
		if strings.HasPrefix(joined, "gh pr create") {
			created = true
			if !strings.Contains(joined, "Closes #4") {
				t.Errorf("pr create body missing issue link: %q", joined)
			}
		}
	}
	if !pushed || !created {
		t.Errorf("pushed=%v created=%v", pushed, created)
	}
}

func TestEnsurePR_EmptyBranch(t *testing.T) {
	fake := &fakeExec{}
	c := newTestClient(t, fake)
	url, err := c.EnsurePR(context.Background(), 4, "", "t")
	if err != nil || url != "" {
		t.Errorf("EnsurePR = (%q, %v), want empty no-op", url, err)
	}
}

func TestFetchPRsForIssue(t *testing.T) {
	fake := &fakeExec{outputs: map[string]string{
		"gh pr list --search": `[{"number":12,"title":"Issue #4: x","state":"OPEN","url":"u","headRefName":"ai/iss-4-x","baseRefName":"main"}]`,
	}}
	c := newTestClient(t, fake)

	prs, err := c.FetchPRsForIssue(context.Background(), 4)
	if err != nil {
		t.Fatalf("FetchPRsForIssue: %v", err)
	}
	if len(prs) != 1 || prs[0].HeadRefName != "ai/iss-4-x" {
		t.Errorf("prs = %+v", prs)
	}
	if !strings.Contains(strings.Join(fake.calls[0], " "), `in:title "#4"`) {
		t.Errorf("search query missing issue ref: %v", fake.calls[0])
	}
}

func TestRun_ErrorSurfacesStderr(t *testing.T) {
	c := newTestClient(t, &fakeExec{})
	c.execCommand = func(_ context.Context, _ string, _ ...string) *exec.Cmd {
		return exec.Command("sh", "-c", "echo 'gh: Not Found (HTTP 404)' >&2; exit 1")
	}

	_, err := c.FetchIssue(context.Background(), 404)
	if err == nil {
		t.Fatal("expected error")
	}
	var ghErr *GitHubError
	if !errors.As(err, &ghErr) {
		t.Fatalf("error type = %T", err)
	}
	if !strings.Contains(ghErr.Error(), "Not Found") {
		t.Errorf("error = %q", ghErr.Error())
	}
}

func TestRun_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	c := newTestClient(t, &fakeExec{})
	var forks int
	c.execCommand = func(_ context.Context, _ string, _ ...string) *exec.Cmd {
		forks++
		return exec.Command("false")
	}

	for range breakerFailures {
		if _, err := c.FetchIssue(context.Background(), 1); err == nil {
			t.Fatal("expected subprocess failure")
		}
	}
	if forks != breakerFailures {
		t.Fatalf("forks = %d, want %d", forks, breakerFailures)
	}

	// The circuit is open now; the next call fails without forking.
	_, err := c.FetchIssue(context.Background(), 1)
	if err == nil {
		t.Fatal("expected circuit-open error")
	}
	if !errors.Is(err, resilience.ErrCircuitOpen) && !strings.Contains(err.Error(), resilience.ErrCircuitOpen.Error()) {
		t.Errorf("error = %v, want circuit open", err)
	}
	if forks != breakerFailures {
		t.Errorf("open circuit still forked: forks = %d", forks)
	}
}
