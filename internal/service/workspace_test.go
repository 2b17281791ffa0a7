package service

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/kagan-dev/kagan/internal/adapters/git"
	"github.com/kagan-dev/kagan/internal/core"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

// gitInitRepo creates a repository with one commit on main.
func gitInitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitRun(t, dir, "init", "-b", "main")
	gitRun(t, dir, "config", "user.email", "test@example.com")
	gitRun(t, dir, "config", "user.name", "Test")
	gitWriteFile(t, dir, "README.md", "hello\n")
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", "initial commit")
	return dir
}

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return string(out)
}

func gitWriteFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

func gitCommitFile(t *testing.T, dir, name, content, message string) {
	t.Helper()
	gitWriteFile(t, dir, name, content)
	gitRun(t, dir, "add", name)
	gitRun(t, dir, "commit", "-m", message)
}

// gitFixture wires the task fixture to a real repository and a real worktree
// adapter.
type gitFixture struct {
	*fixture
	adapter    *git.WorktreeAdapter
	workspaces *WorkspaceService
	repoPath   string
}

func newGitFixture(t *testing.T) *gitFixture {
	t.Helper()
	requireGit(t)
	f := newFixture(t)
	ctx := context.Background()

	repoPath := gitInitRepo(t)
	repo := &core.Repo{ID: "repo-1", Name: "app", Path: repoPath, DefaultBranch: "main"}
	if err := f.store.CreateRepo(ctx, repo); err != nil {
		t.Fatal(err)
	}
	if err := f.store.LinkRepo(ctx, &core.ProjectRepo{ProjectID: "proj-1", RepoID: repo.ID, IsPrimary: true}); err != nil {
		t.Fatal(err)
	}

	adapter := git.NewWorktreeAdapter(git.NewClient(nil), nil)
	workspaces := NewWorkspaceService(f.store, adapter, f.bus, t.TempDir(), nil)
	return &gitFixture{fixture: f, adapter: adapter, workspaces: workspaces, repoPath: repoPath}
}

// provision creates a workspace for the task and returns it with its single
// worktree path.
func (g *gitFixture) provision(t *testing.T, task *core.Task) (*core.Workspace, string) {
	t.Helper()
	ws, err := g.workspaces.CreateForTask(context.Background(), task)
	if err != nil {
		t.Fatalf("provisioning workspace: %v", err)
	}
	pairs, err := g.workspaces.Repos(context.Background(), ws.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 1 {
		t.Fatalf("expected one worktree, got %d", len(pairs))
	}
	return ws, pairs[0].WorktreePath
}

func TestWorkspaceCreateForTask(t *testing.T) {
	g := newGitFixture(t)
	task := seedTask(t, g.tasks, "proj-1", "t")
	ctx := context.Background()

	ws, worktree := g.provision(t, task)
	if ws.BranchName != "kagan/"+ws.ID {
		t.Errorf("branch %s", ws.BranchName)
	}
	if ws.Status != core.WorkspaceActive || ws.TaskID != task.ID {
		t.Errorf("workspace %+v", ws)
	}
	if _, err := os.Stat(filepath.Join(worktree, "README.md")); err != nil {
		t.Errorf("worktree not populated: %v", err)
	}

	// The branch is registered against the worktree.
	path, err := g.adapter.GetWorktreeForBranch(ctx, g.repoPath, ws.BranchName)
	if err != nil {
		t.Fatal(err)
	}
	if git.ResolvePath(path) != git.ResolvePath(worktree) {
		t.Errorf("branch maps to %s, worktree at %s", path, worktree)
	}

	got, err := g.workspaces.GetForTask(ctx, task.ID)
	if err != nil || got.ID != ws.ID {
		t.Errorf("lookup by task: %v %+v", err, got)
	}
}

func TestWorkspaceCreateRequiresRepos(t *testing.T) {
	g := newGitFixture(t)
	seedProject(t, g.store, "proj-2")
	task := seedTask(t, g.tasks, "proj-2", "t")

	_, err := g.workspaces.CreateForTask(context.Background(), task)
	if core.CodeOf(err) != core.CodeWorkspaceNotFound {
		t.Errorf("expected WORKSPACE_NOT_FOUND, got %v", err)
	}
}

func TestWorkspaceCreateUsesTaskBaseBranch(t *testing.T) {
	g := newGitFixture(t)
	gitRun(t, g.repoPath, "checkout", "-b", "develop")
	gitCommitFile(t, g.repoPath, "dev.txt", "develop only\n", "develop change")
	gitRun(t, g.repoPath, "checkout", "main")

	task, err := g.tasks.Create(context.Background(), CreateParams{
		ProjectID: "proj-1", Title: "t", BaseBranch: "develop",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, worktree := g.provision(t, task)
	if _, err := os.Stat(filepath.Join(worktree, "dev.txt")); err != nil {
		t.Errorf("worktree not based on develop: %v", err)
	}
}

func TestWorkspaceRelease(t *testing.T) {
	g := newGitFixture(t)
	task := seedTask(t, g.tasks, "proj-1", "t")
	ctx := context.Background()

	ws, worktree := g.provision(t, task)
	if err := g.workspaces.Release(ctx, ws.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, err := os.Stat(worktree); !os.IsNotExist(err) {
		t.Error("worktree directory survived release")
	}
	// The active lookup no longer finds it.
	if _, err := g.workspaces.GetForTask(ctx, task.ID); core.CodeOf(err) != core.CodeWorkspaceNotFound {
		t.Errorf("expected WORKSPACE_NOT_FOUND, got %v", err)
	}
	got, err := g.store.GetWorkspace(ctx, ws.ID)
	if err != nil || got.Status != core.WorkspaceClosed {
		t.Errorf("workspace after release: %v %+v", err, got)
	}

	// The branch stays behind for the janitor.
	branches, err := g.adapter.ListKaganBranches(ctx, g.repoPath)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, b := range branches {
		if b == ws.BranchName {
			found = true
		}
	}
	if !found {
		t.Errorf("branch %s gone after release: %v", ws.BranchName, branches)
	}
}
