// Package agent shells out to coding-agent CLIs (claude, codex, gemini) to
// drive one iteration of an AUTO task inside its workspace worktree.
package agent

import (
	"strings"
)

// RunSpec carries everything a backend needs to build one invocation.
type RunSpec struct {
	Prompt      string
	Model       string
	AutoApprove bool
	ReadOnly    bool
}

// Backend maps a run spec to the argv of one agent CLI.
type Backend interface {
	Name() string
	Binary() string
	Args(spec RunSpec) []string
}

// claudeBackend drives the Claude Code CLI in non-interactive print mode.
type claudeBackend struct{}

func (claudeBackend) Name() string   { return "claude" }
func (claudeBackend) Binary() string { return "claude" }

func (claudeBackend) Args(spec RunSpec) []string {
	args := []string{"--print", "--output-format", "json"}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.AutoApprove && !spec.ReadOnly {
		args = append(args, "--dangerously-skip-permissions")
	}
	if spec.ReadOnly {
		args = append(args, "--allowed-tools", "Read,Grep,Glob")
	}
	return append(args, spec.Prompt)
}

// codexBackend drives the Codex CLI in exec mode.
type codexBackend struct{}

func (codexBackend) Name() string   { return "codex" }
func (codexBackend) Binary() string { return "codex" }

func (codexBackend) Args(spec RunSpec) []string {
	args := []string{"exec", "--skip-git-repo-check", "--json"}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.ReadOnly {
		args = append(args, "--sandbox", "read-only")
	} else if spec.AutoApprove {
		args = append(args, "--full-auto")
	}
	return append(args, spec.Prompt)
}

// geminiBackend drives the Gemini CLI.
type geminiBackend struct{}

func (geminiBackend) Name() string   { return "gemini" }
func (geminiBackend) Binary() string { return "gemini" }

func (geminiBackend) Args(spec RunSpec) []string {
	args := []string{"--output-format", "json"}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.AutoApprove && !spec.ReadOnly {
		args = append(args, "--approval-mode", "yolo")
	}
	return append(args, spec.Prompt)
}

var backends = map[string]Backend{
	"claude": claudeBackend{},
	"codex":  codexBackend{},
	"gemini": geminiBackend{},
}

// Lookup resolves a backend by name, case-insensitively.
func Lookup(name string) (Backend, bool) {
	b, ok := backends[strings.ToLower(strings.TrimSpace(name))]
	return b, ok
}

// Names lists the registered backend names.
func Names() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	return names
}
