// Package localexec runs allow-listed local commands on behalf of exec
// control blocks. Only git and gh subcommands needed for branch and PR
// plumbing are permitted; everything else is denied before it spawns.
package localexec

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultAllowed maps a program to the subcommands an exec block may run.
var DefaultAllowed = map[string]map[string]bool{
	"git": set("status", "rev-parse", "checkout", "switch", "add", "commit", "push", "fetch", "pull", "merge", "worktree"),
	"gh":  set("issue", "pr", "repo", "auth"),
}

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}

// Result reports the outcome of one exec block.
type Result struct {
	OK     bool   `json:"ok"`
	Code   int    `json:"code"`
	Cmd    string `json:"cmd"`
	Cwd    string `json:"cwd"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// execCommand is swappable in tests.
var execCommand = exec.CommandContext

// Allowed reports whether argv passes the allow-list: the program must be
// listed and its first argument must be a listed subcommand or a flag.
func Allowed(argv []string, allow map[string]map[string]bool) bool {
	if len(argv) == 0 {
		return false
	}
	subs, ok := allow[filepath.Base(argv[0])]
	if !ok {
		return false
	}
	if len(argv) == 1 {
		return true
	}
	return subs[argv[1]] || strings.HasPrefix(argv[1], "-")
}

// Run executes argv under the allow-list. Denied commands return code 126,
// missing binaries 127; neither is an error, both land in the Result.
func Run(ctx context.Context, argv []string, cwd string, env map[string]string, allow map[string]map[string]bool) Result {
	if allow == nil {
		allow = DefaultAllowed
	}
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	cmdText := strings.Join(argv, " ")

	if !Allowed(argv, allow) {
		denied := cmdText
		if denied == "" {
			denied = "empty command"
		}
		return Result{OK: false, Code: 126, Cmd: cmdText, Cwd: cwd, Stderr: "denied: " + denied}
	}

	cmd := execCommand(ctx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Result{OK: false, Code: 127, Cmd: cmdText, Cwd: cwd, Stderr: err.Error()}
		}
		code = exitErr.ExitCode()
	}
	return Result{
		OK:     code == 0,
		Code:   code,
		Cmd:    cmdText,
		Cwd:    cwd,
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
}
