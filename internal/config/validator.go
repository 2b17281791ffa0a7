package config

import (
	"fmt"
	"strings"
)

const minLineBytes = 1 << 20 // framing contract: accept at least 1 MiB per line

// Validate checks configuration invariants and returns one error listing
// every violation.
func Validate(cfg *Config) error {
	var problems []string

	if cfg.General.MaxConcurrentAgents < 1 {
		problems = append(problems, "general.max_concurrent_agents must be >= 1")
	}
	if cfg.General.MaxIterations < 1 {
		problems = append(problems, "general.max_iterations must be >= 1")
	}
	if cfg.Wait.DefaultTimeoutSeconds < 0 {
		problems = append(problems, "wait.default_timeout_seconds must be >= 0")
	}
	if cfg.Wait.MaxTimeoutSeconds <= 0 {
		problems = append(problems, "wait.max_timeout_seconds must be > 0")
	}
	if cfg.Wait.DefaultTimeoutSeconds > cfg.Wait.MaxTimeoutSeconds {
		problems = append(problems, "wait.default_timeout_seconds must not exceed wait.max_timeout_seconds")
	}
	switch cfg.Session.DefaultTerminalBackend {
	case "tmux", "vscode", "cursor":
	default:
		problems = append(problems, fmt.Sprintf("session.default_terminal_backend %q is not one of tmux, vscode, cursor", cfg.Session.DefaultTerminalBackend))
	}
	if cfg.IPC.MaxLineBytes < minLineBytes {
		problems = append(problems, fmt.Sprintf("ipc.max_line_bytes must be at least %d", minLineBytes))
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", cfg.Log.Level))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}
