package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kagan-dev/kagan/internal/core"
)

// fakeRunner emulates the session launchers, keeping a fake tmux server's
// session table in memory.
type fakeRunner struct {
	mu       sync.Mutex
	calls    [][]string
	sessions map[string]bool
	fail     map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{sessions: make(map[string]bool), fail: make(map[string]error)}
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))

	key := name
	if name == "tmux" && len(args) > 0 {
		key = args[0]
	}
	if err := r.fail[key]; err != nil {
		return "launcher exploded", err
	}

	if name != "tmux" {
		return "", nil
	}
	switch args[0] {
	case "new-session":
		r.sessions[flagValue(args, "-s")] = true
		return "", nil
	case "list-sessions":
		if len(r.sessions) == 0 {
			return "no server running", errors.New("exit status 1")
		}
		var names []string
		for s := range r.sessions {
			names = append(names, s)
		}
		return strings.Join(names, "\n") + "\n", nil
	case "kill-session":
		target := flagValue(args, "-t")
		if !r.sessions[target] {
			return fmt.Sprintf("can't find session: %s", target), errors.New("exit status 1")
		}
		delete(r.sessions, target)
		return "", nil
	}
	return "", nil
}

func flagValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func (r *fakeRunner) callCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, call := range r.calls {
		if call[0] == name || (call[0] == "tmux" && len(call) > 1 && call[1] == name) {
			n++
		}
	}
	return n
}

// seedWorkspaceRows plants a repo, link, and active workspace directly in the
// store so session tests never touch git.
func seedWorkspaceRows(t *testing.T, f *fixture, task *core.Task, worktree string) {
	t.Helper()
	ctx := context.Background()
	repo := &core.Repo{ID: "repo-1", Name: "app", Path: filepath.Dir(worktree), DefaultBranch: "main"}
	if err := f.store.CreateRepo(ctx, repo); err != nil {
		t.Fatal(err)
	}
	if err := f.store.LinkRepo(ctx, &core.ProjectRepo{ProjectID: task.ProjectID, RepoID: repo.ID, IsPrimary: true}); err != nil {
		t.Fatal(err)
	}
	ws := &core.Workspace{
		ID: "ws1", ProjectID: task.ProjectID, TaskID: task.ID,
		BranchName: "kagan/ws1", Path: filepath.Dir(worktree),
		Status: core.WorkspaceActive, CreatedAt: time.Now().UTC(),
	}
	repos := []*core.WorkspaceRepo{{WorkspaceID: ws.ID, RepoID: repo.ID, WorktreePath: worktree}}
	if err := f.store.CreateWorkspace(ctx, ws, repos); err != nil {
		t.Fatal(err)
	}
}

func newSessionFixture(t *testing.T) (*fixture, *SessionService, *fakeRunner) {
	t.Helper()
	f := newFixture(t)
	runner := newFakeRunner()
	workspaces := NewWorkspaceService(f.store, nil, f.bus, t.TempDir(), nil)
	sessions := NewSessionService(newHandle(t), f.tasks, workspaces, "/run/kagan/endpoint.json", runner, nil)
	return f, sessions, runner
}

func seedPairTask(t *testing.T, f *fixture, backend core.TerminalBackend) (*core.Task, string) {
	t.Helper()
	task, err := f.tasks.Create(context.Background(), CreateParams{
		ProjectID: "proj-1", Title: "wire the adapter",
		Description:        "hook the adapter into the loop",
		TaskType:           core.TaskTypePair,
		TerminalBackend:    backend,
		AcceptanceCriteria: []string{"loop runs"},
	})
	if err != nil {
		t.Fatal(err)
	}
	worktree := filepath.Join(t.TempDir(), "app")
	if err := os.MkdirAll(worktree, 0o750); err != nil {
		t.Fatal(err)
	}
	seedWorkspaceRows(t, f, task, worktree)
	return task, worktree
}

func TestSessionCreateRequiresPairTask(t *testing.T) {
	f, sessions, _ := newSessionFixture(t)
	task := seedTask(t, f.tasks, "proj-1", "automation task")

	_, err := sessions.Create(context.Background(), task.ID)
	if core.CodeOf(err) != core.CodeTaskTypeMismatch {
		t.Errorf("expected TASK_TYPE_MISMATCH, got %v", err)
	}
}

func TestSessionCreateTmux(t *testing.T) {
	f, sessions, runner := newSessionFixture(t)
	task, worktree := seedPairTask(t, f, "")

	info, err := sessions.Create(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	wantName := "kagan-" + task.ID
	if info.TmuxSession != wantName || info.WorktreePath != worktree {
		t.Errorf("info %+v", info)
	}
	if len(info.AttachArgv) == 0 || info.AttachArgv[0] != "tmux" {
		t.Errorf("attach argv %v", info.AttachArgv)
	}
	if !runner.sessions[wantName] {
		t.Error("tmux session not created")
	}

	// The handoff bundle is written into the worktree before launch.
	data, err := os.ReadFile(filepath.Join(worktree, ".kagan", "session.json"))
	if err != nil {
		t.Fatalf("handoff state: %v", err)
	}
	var handoff SessionHandoff
	if err := json.Unmarshal(data, &handoff); err != nil {
		t.Fatal(err)
	}
	if handoff.TaskID != task.ID || handoff.SessionID != "task:"+task.ID {
		t.Errorf("handoff %+v", handoff)
	}
	if handoff.EndpointPath != "/run/kagan/endpoint.json" {
		t.Errorf("endpoint %q", handoff.EndpointPath)
	}

	prompt, err := os.ReadFile(filepath.Join(worktree, ".kagan", "start_prompt.md"))
	if err != nil {
		t.Fatalf("start prompt: %v", err)
	}
	for _, want := range []string{task.ID, "wire the adapter", "hook the adapter into the loop", "- loop runs"} {
		if !strings.Contains(string(prompt), want) {
			t.Errorf("start prompt missing %q", want)
		}
	}
}

func TestSessionCreateSurfacesLaunchFailure(t *testing.T) {
	f, sessions, runner := newSessionFixture(t)
	task, _ := seedPairTask(t, f, "")
	runner.fail["new-session"] = errors.New("exit status 1")

	_, err := sessions.Create(context.Background(), task.ID)
	if core.CodeOf(err) != core.CodeSessionCreateFailed {
		t.Errorf("expected SESSION_CREATE_FAILED, got %v", err)
	}
	if !strings.Contains(err.Error(), "launcher exploded") {
		t.Errorf("launcher output not surfaced: %v", err)
	}
}

func TestSessionExistsTmux(t *testing.T) {
	f, sessions, _ := newSessionFixture(t)
	task, _ := seedPairTask(t, f, "")
	ctx := context.Background()

	// No tmux server yet.
	if ok, err := sessions.Exists(ctx, task.ID); err != nil || ok {
		t.Errorf("exists before create: %v %v", ok, err)
	}
	if _, err := sessions.Create(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if ok, err := sessions.Exists(ctx, task.ID); err != nil || !ok {
		t.Errorf("exists after create: %v %v", ok, err)
	}
}

func TestSessionAttachCreatesWhenMissing(t *testing.T) {
	f, sessions, runner := newSessionFixture(t)
	task, _ := seedPairTask(t, f, "")
	ctx := context.Background()

	info, err := sessions.Attach(ctx, task.ID)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if runner.callCount("new-session") != 1 {
		t.Error("attach to a dead session did not launch one")
	}
	if info.TmuxSession != "kagan-"+task.ID {
		t.Errorf("info %+v", info)
	}

	// Second attach reuses the live session.
	info, err = sessions.Attach(ctx, task.ID)
	if err != nil {
		t.Fatalf("re-attach: %v", err)
	}
	if runner.callCount("new-session") != 1 {
		t.Error("re-attach relaunched the session")
	}
	want := []string{"tmux", "attach-session", "-t", "kagan-" + task.ID}
	if len(info.AttachArgv) != len(want) {
		t.Fatalf("argv %v", info.AttachArgv)
	}
	for i := range want {
		if info.AttachArgv[i] != want[i] {
			t.Fatalf("argv %v", info.AttachArgv)
		}
	}
}

func TestSessionKillTmux(t *testing.T) {
	f, sessions, runner := newSessionFixture(t)
	task, _ := seedPairTask(t, f, "")
	ctx := context.Background()

	if _, err := sessions.Create(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if err := sessions.Kill(ctx, task.ID); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if runner.sessions["kagan-"+task.ID] {
		t.Error("session survived kill")
	}
	// Killing an already-dead session is a no-op.
	if err := sessions.Kill(ctx, task.ID); err != nil {
		t.Errorf("re-kill: %v", err)
	}
}

func TestSessionEditorBackend(t *testing.T) {
	f, sessions, runner := newSessionFixture(t)
	task, worktree := seedPairTask(t, f, core.BackendVSCode)
	ctx := context.Background()

	info, err := sessions.Create(ctx, task.ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if info.TmuxSession != "" {
		t.Errorf("editor session got a tmux name: %+v", info)
	}
	if runner.callCount("code") != 1 {
		t.Error("vscode not launched")
	}
	if _, err := os.Stat(filepath.Join(worktree, ".vscode", "mcp.json")); err != nil {
		t.Errorf("mcp config: %v", err)
	}

	// Editor sessions exist while their handoff bundle does.
	if ok, _ := sessions.Exists(ctx, task.ID); !ok {
		t.Error("editor session not reported live")
	}
	if err := sessions.Kill(ctx, task.ID); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if _, err := os.Stat(filepath.Join(worktree, ".kagan")); !os.IsNotExist(err) {
		t.Error("handoff bundle survived kill")
	}
	if ok, _ := sessions.Exists(ctx, task.ID); ok {
		t.Error("killed editor session reported live")
	}
}
