package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/kagan-dev/kagan/internal/config"
	"github.com/kagan-dev/kagan/internal/core"
	"github.com/kagan-dev/kagan/internal/logging"
)

// CommandRunner shells out to session launchers. Tests substitute a fake.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

const (
	handoffDir        = ".kagan"
	handoffStateFile  = "session.json"
	handoffPromptFile = "start_prompt.md"
	tmuxSessionPrefix = "kagan-"
)

// SessionHandoff is the state file a launched PAIR session reads to find the
// core and its task.
type SessionHandoff struct {
	TaskID       string    `json:"task_id"`
	SessionID    string    `json:"session_id"`
	Backend      string    `json:"backend"`
	EndpointPath string    `json:"endpoint_path"`
	WorktreePath string    `json:"worktree_path"`
	CreatedAt    time.Time `json:"created_at"`
}

// SessionInfo is the outcome of sessions.create and sessions.attach.
type SessionInfo struct {
	TaskID       string   `json:"task_id"`
	Backend      string   `json:"backend"`
	WorktreePath string   `json:"worktree_path"`
	TmuxSession  string   `json:"tmux_session,omitempty"`
	AttachArgv   []string `json:"attach_argv,omitempty"`
}

// SessionService launches and tracks interactive PAIR sessions. One session
// per task; the backend comes from the task override, then the config
// default, then tmux.
type SessionService struct {
	cfg          *config.Handle
	tasks        *TaskService
	workspaces   *WorkspaceService
	endpointPath string
	run          CommandRunner
	log          *logging.Logger
}

// NewSessionService creates a session service. endpointPath is the published
// discovery file that launched sessions use to reach the core.
func NewSessionService(cfg *config.Handle, tasks *TaskService, workspaces *WorkspaceService, endpointPath string, run CommandRunner, log *logging.Logger) *SessionService {
	if run == nil {
		run = ExecRunner{}
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &SessionService{
		cfg:          cfg,
		tasks:        tasks,
		workspaces:   workspaces,
		endpointPath: endpointPath,
		run:          run,
		log:          log.WithComponent("sessions"),
	}
}

// backendFor picks the launcher: task override, config default, tmux.
func (s *SessionService) backendFor(task *core.Task) core.TerminalBackend {
	if task.TerminalBackend != "" {
		return task.TerminalBackend
	}
	if def := s.cfg.Current().Session.DefaultTerminalBackend; def != "" {
		return core.TerminalBackend(def)
	}
	return core.BackendTmux
}

// TmuxSessionName returns the tmux session a task maps to.
func TmuxSessionName(taskID string) string {
	return tmuxSessionPrefix + taskID
}

// Create launches a PAIR session for the task, writing the handoff bundle
// into the primary worktree first.
func (s *SessionService) Create(ctx context.Context, taskID string) (*SessionInfo, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.TaskType != core.TaskTypePair {
		return nil, core.ErrState(core.CodeTaskTypeMismatch,
			fmt.Sprintf("task %s is %s; sessions need a PAIR task", taskID, task.TaskType))
	}

	worktree, err := s.primaryWorktree(ctx, task)
	if err != nil {
		return nil, err
	}

	backend := s.backendFor(task)
	if err := s.writeHandoff(task, backend, worktree); err != nil {
		return nil, err
	}

	info := &SessionInfo{TaskID: taskID, Backend: string(backend), WorktreePath: worktree}
	promptPath := filepath.Join(worktree, handoffDir, handoffPromptFile)

	switch backend {
	case core.BackendTmux:
		name := TmuxSessionName(taskID)
		out, err := s.run.Run(ctx, "tmux",
			"new-session", "-d", "-s", name, "-c", worktree,
			"-e", "KAGAN_TASK_ID="+taskID,
			"-e", "KAGAN_SESSION_ID=task:"+taskID,
			"-e", "KAGAN_ENDPOINT="+s.endpointPath)
		if err != nil {
			return nil, core.ErrState(core.CodeSessionCreateFailed,
				"tmux new-session failed: "+strings.TrimSpace(out)).WithCause(err)
		}
		info.TmuxSession = name
		info.AttachArgv = []string{"tmux", "attach-session", "-t", name}
	case core.BackendVSCode:
		if err := s.writeMCPConfig(worktree, ".vscode"); err != nil {
			return nil, err
		}
		out, err := s.run.Run(ctx, "code", "--new-window", worktree, promptPath)
		if err != nil {
			return nil, core.ErrState(core.CodeSessionCreateFailed,
				"launching vscode failed: "+strings.TrimSpace(out)).WithCause(err)
		}
		info.AttachArgv = []string{"code", "--new-window", worktree, promptPath}
	case core.BackendCursor:
		if err := s.writeMCPConfig(worktree, ".cursor"); err != nil {
			return nil, err
		}
		out, err := s.run.Run(ctx, "cursor", "--new-window", worktree, promptPath)
		if err != nil {
			return nil, core.ErrState(core.CodeSessionCreateFailed,
				"launching cursor failed: "+strings.TrimSpace(out)).WithCause(err)
		}
		info.AttachArgv = []string{"cursor", "--new-window", worktree, promptPath}
	default:
		return nil, core.ErrValidation(core.CodeInvalidParams,
			"unknown terminal backend: "+string(backend))
	}

	s.log.Info("session created", "task_id", taskID, "backend", backend, "worktree", worktree)
	return info, nil
}

// Exists reports whether a session is live for the task. tmux sessions are
// checked against the server's session list; editor sessions exist while
// their handoff bundle does.
func (s *SessionService) Exists(ctx context.Context, taskID string) (bool, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	backend := s.backendFor(task)

	if backend == core.BackendTmux {
		out, err := s.run.Run(ctx, "tmux", "list-sessions", "-F", "#{session_name}")
		if err != nil {
			// No tmux server means no sessions.
			return false, nil
		}
		name := TmuxSessionName(taskID)
		for _, line := range strings.Split(out, "\n") {
			if strings.TrimSpace(line) == name {
				return true, nil
			}
		}
		return false, nil
	}

	worktree, err := s.primaryWorktreeIfAny(ctx, task)
	if err != nil || worktree == "" {
		return false, err
	}
	_, statErr := os.Stat(filepath.Join(worktree, handoffDir, handoffStateFile))
	return statErr == nil, nil
}

// Attach returns the argv a client execs to join the session. Editor
// backends relaunch the window.
func (s *SessionService) Attach(ctx context.Context, taskID string) (*SessionInfo, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	exists, err := s.Exists(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return s.Create(ctx, taskID)
	}

	backend := s.backendFor(task)
	worktree, err := s.primaryWorktreeIfAny(ctx, task)
	if err != nil {
		return nil, err
	}
	info := &SessionInfo{TaskID: taskID, Backend: string(backend), WorktreePath: worktree}
	switch backend {
	case core.BackendTmux:
		info.TmuxSession = TmuxSessionName(taskID)
		info.AttachArgv = []string{"tmux", "attach-session", "-t", info.TmuxSession}
	case core.BackendVSCode:
		info.AttachArgv = []string{"code", "--new-window", worktree}
	case core.BackendCursor:
		info.AttachArgv = []string{"cursor", "--new-window", worktree}
	}
	return info, nil
}

// Kill tears the session down: tmux kill-session, or removal of the handoff
// bundle for editor backends.
func (s *SessionService) Kill(ctx context.Context, taskID string) error {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	backend := s.backendFor(task)

	if backend == core.BackendTmux {
		out, err := s.run.Run(ctx, "tmux", "kill-session", "-t", TmuxSessionName(taskID))
		if err != nil && !strings.Contains(out, "can't find session") {
			return core.ErrState(core.CodeSessionCreateFailed,
				"tmux kill-session failed: "+strings.TrimSpace(out)).WithCause(err)
		}
		s.log.Info("session killed", "task_id", taskID, "backend", backend)
		return nil
	}

	worktree, err := s.primaryWorktreeIfAny(ctx, task)
	if err != nil || worktree == "" {
		return err
	}
	if err := os.RemoveAll(filepath.Join(worktree, handoffDir)); err != nil {
		return err
	}
	s.log.Info("session killed", "task_id", taskID, "backend", backend)
	return nil
}

// primaryWorktree resolves the worktree of the task's workspace in its
// primary repo, provisioning the workspace when none exists yet.
func (s *SessionService) primaryWorktree(ctx context.Context, task *core.Task) (string, error) {
	worktree, err := s.primaryWorktreeIfAny(ctx, task)
	if err == nil && worktree != "" {
		return worktree, nil
	}
	if err != nil && core.CodeOf(err) != core.CodeWorkspaceNotFound {
		return "", err
	}
	ws, err := s.workspaces.CreateForTask(ctx, task)
	if err != nil {
		return "", err
	}
	pairs, err := s.workspaces.Repos(ctx, ws.ID)
	if err != nil {
		return "", err
	}
	return pairs[0].WorktreePath, nil
}

func (s *SessionService) primaryWorktreeIfAny(ctx context.Context, task *core.Task) (string, error) {
	ws, err := s.workspaces.GetForTask(ctx, task.ID)
	if err != nil {
		return "", err
	}
	pairs, err := s.workspaces.Repos(ctx, ws.ID)
	if err != nil {
		return "", err
	}
	if len(pairs) == 0 {
		return "", core.ErrNotFound(core.CodeWorkspaceNotFound, "worktree for task", task.ID)
	}
	return pairs[0].WorktreePath, nil
}

// writeHandoff writes the per-worktree bundle a launched session reads.
func (s *SessionService) writeHandoff(task *core.Task, backend core.TerminalBackend, worktree string) error {
	dir := filepath.Join(worktree, handoffDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}

	handoff := SessionHandoff{
		TaskID:       task.ID,
		SessionID:    "task:" + task.ID,
		Backend:      string(backend),
		EndpointPath: s.endpointPath,
		WorktreePath: worktree,
		CreatedAt:    time.Now().UTC(),
	}
	data, err := json.MarshalIndent(handoff, "", "  ")
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(filepath.Join(dir, handoffStateFile), append(data, '\n'), 0o600); err != nil {
		return err
	}

	prompt := buildStartPrompt(task)
	return renameio.WriteFile(filepath.Join(dir, handoffPromptFile), []byte(prompt), 0o600)
}

// writeMCPConfig writes the editor's MCP config pointing at the core.
func (s *SessionService) writeMCPConfig(worktree, editorDir string) error {
	dir := filepath.Join(worktree, editorDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	cfg := map[string]any{
		"servers": map[string]any{
			"kagan": map[string]any{
				"command": "kagan",
				"args":    []string{"mcp"},
				"env":     map[string]string{"KAGAN_ENDPOINT": s.endpointPath},
			},
		},
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(dir, "mcp.json"), append(data, '\n'), 0o600)
}

func buildStartPrompt(task *core.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s: %s\n\n", task.ID, task.Title)
	if task.Description != "" {
		b.WriteString(task.Description)
		b.WriteString("\n\n")
	}
	if len(task.AcceptanceCriteria) > 0 {
		b.WriteString("## Acceptance criteria\n\n")
		for _, c := range task.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}
	if task.Scratchpad != "" {
		b.WriteString("## Scratchpad\n\n")
		b.WriteString(task.Scratchpad)
		b.WriteString("\n")
	}
	return b.String()
}
