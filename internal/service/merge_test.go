package service

import (
	"context"
	"strings"
	"testing"

	"github.com/kagan-dev/kagan/internal/core"
)

func newMergeFixture(t *testing.T) (*gitFixture, *MergeService) {
	t.Helper()
	g := newGitFixture(t)
	runner := AgentRunnerFunc(func(context.Context, *core.Task, IterationOptions) (IterationResult, error) {
		return IterationResult{Done: true}, nil
	})
	handle := newHandle(t)
	sched := NewScheduler(context.Background(), handle, g.tasks, runner, nil)
	return g, NewMergeService(handle, g.tasks, g.workspaces, g.adapter, sched, nil)
}

// reviewedTask seeds an approved REVIEW task with one feature commit on its
// workspace branch.
func reviewedTask(t *testing.T, g *gitFixture) (*core.Task, string) {
	t.Helper()
	task := seedTask(t, g.tasks, "proj-1", "land the feature")
	_, worktree := g.provision(t, task)
	gitCommitFile(t, worktree, "feature.go", "package feature\n", "add feature")

	updated, err := g.tasks.UpdateFields(context.Background(), task.ID, map[string]any{
		"status":   string(core.TaskStatusReview),
		"approved": true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return updated, worktree
}

func TestMergeRequiresReviewStatus(t *testing.T) {
	g, merge := newMergeFixture(t)
	task := seedTask(t, g.tasks, "proj-1", "t")

	_, err := merge.MergeTask(context.Background(), task.ID)
	if core.CodeOf(err) != core.CodeReviewNotReady {
		t.Errorf("expected REVIEW_NOT_READY, got %v", err)
	}
}

func TestMergeRequiresApproval(t *testing.T) {
	g, merge := newMergeFixture(t)
	task, _ := reviewedTask(t, g)
	ctx := context.Background()

	if _, err := g.tasks.UpdateFields(ctx, task.ID, map[string]any{"approved": false}); err != nil {
		t.Fatal(err)
	}
	_, err := merge.MergeTask(ctx, task.ID)
	if core.CodeOf(err) != core.CodeReviewNotReady {
		t.Fatalf("expected REVIEW_NOT_READY, got %v", err)
	}

	got, err := g.tasks.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.MergeFailed || got.MergeReadiness != core.MergeBlocked {
		t.Errorf("failure not recorded: %+v", got)
	}
	if !strings.Contains(got.MergeError, "approval") {
		t.Errorf("merge error %q", got.MergeError)
	}
}

func TestMergeCleanPathLandsAndReleases(t *testing.T) {
	g, merge := newMergeFixture(t)
	task, _ := reviewedTask(t, g)
	ctx := context.Background()

	ws, err := g.workspaces.GetForTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}

	res, err := merge.MergeTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.ReposMerged != 1 || res.AutoRebased || res.BranchMerged != ws.BranchName {
		t.Errorf("result %+v", res)
	}
	if res.Task.Status != core.TaskStatusDone || res.Task.MergeReadiness != core.MergeReady {
		t.Errorf("task after merge %+v", res.Task)
	}
	if res.Task.MergeFailed || res.Task.MergeError != "" {
		t.Errorf("stale failure flags: %+v", res.Task)
	}
	if res.Message != "Merge completed" {
		t.Errorf("message %q", res.Message)
	}

	// One squash commit on main carrying the task's message.
	gitRun(t, g.repoPath, "show", "main:feature.go")
	subject := strings.TrimSpace(gitRun(t, g.repoPath, "log", "-1", "--format=%s"))
	if subject != task.ID+": "+task.Title {
		t.Errorf("squash subject %q", subject)
	}

	// The workspace was released.
	if _, err := g.workspaces.GetForTask(ctx, task.ID); core.CodeOf(err) != core.CodeWorkspaceNotFound {
		t.Errorf("workspace survived merge: %v", err)
	}
}

func TestMergeAutoRebasesWhenBaseAhead(t *testing.T) {
	g, merge := newMergeFixture(t)
	task, _ := reviewedTask(t, g)

	// Base moves after the branch diverged, touching a different file.
	gitCommitFile(t, g.repoPath, "base.go", "package base\n", "base change")

	res, err := merge.MergeTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !res.AutoRebased {
		t.Error("base-ahead merge did not auto-rebase")
	}
	if !strings.Contains(res.Message, "after auto-rebase") {
		t.Errorf("message %q", res.Message)
	}
	gitRun(t, g.repoPath, "show", "main:feature.go")
	gitRun(t, g.repoPath, "show", "main:base.go")
}

func TestMergeAutoRebasePushesBranch(t *testing.T) {
	g, merge := newMergeFixture(t)
	task, worktree := reviewedTask(t, g)

	bare := t.TempDir()
	gitRun(t, bare, "init", "--bare")
	gitRun(t, g.repoPath, "remote", "add", "origin", bare)
	gitRun(t, worktree, "push", "origin", "HEAD")

	// Base moves after the branch was pushed; the auto-rebase rewrites the
	// branch and the remote must follow.
	gitCommitFile(t, g.repoPath, "base.go", "package base\n", "base change")

	res, err := merge.MergeTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !res.AutoRebased {
		t.Fatal("base-ahead merge did not auto-rebase")
	}

	local := gitRun(t, g.repoPath, "rev-parse", res.BranchMerged)
	remote := gitRun(t, bare, "rev-parse", res.BranchMerged)
	if local != remote {
		t.Errorf("remote branch head %s, local %s", remote, local)
	}
}

func TestMergeConflictStaysInReview(t *testing.T) {
	g, merge := newMergeFixture(t)
	task := seedTask(t, g.tasks, "proj-1", "t")
	_, worktree := g.provision(t, task)
	ctx := context.Background()

	gitCommitFile(t, worktree, "shared.txt", "branch version\n", "branch edit")
	gitCommitFile(t, g.repoPath, "shared.txt", "base version\n", "base edit")
	if _, err := g.tasks.UpdateFields(ctx, task.ID, map[string]any{
		"status":   string(core.TaskStatusReview),
		"approved": true,
	}); err != nil {
		t.Fatal(err)
	}

	_, err := merge.MergeTask(ctx, task.ID)
	if core.CodeOf(err) != core.CodeMergeFailed {
		t.Fatalf("expected MERGE_FAILED, got %v", err)
	}

	got, err := g.tasks.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != core.TaskStatusReview {
		t.Errorf("task left REVIEW: %s", got.Status)
	}
	if !got.MergeFailed || got.MergeReadiness != core.MergeBlocked {
		t.Errorf("failure not recorded: %+v", got)
	}
	if !strings.Contains(got.MergeError, "app: Merge conflict detected") {
		t.Errorf("merge error %q", got.MergeError)
	}
	if !strings.Contains(got.MergeError, "shared.txt") || !strings.Contains(got.MergeError, "Tip:") {
		t.Errorf("merge error %q", got.MergeError)
	}
	// The workspace is untouched for the retry.
	if _, err := g.workspaces.GetForTask(ctx, task.ID); err != nil {
		t.Errorf("workspace released on failure: %v", err)
	}
}

func TestRebaseTaskCleanClearsFailureFlags(t *testing.T) {
	g, merge := newMergeFixture(t)
	task, worktree := reviewedTask(t, g)
	ctx := context.Background()

	bare := t.TempDir()
	gitRun(t, bare, "init", "--bare")
	gitRun(t, g.repoPath, "remote", "add", "origin", bare)
	gitRun(t, worktree, "push", "origin", "HEAD")

	gitCommitFile(t, g.repoPath, "base.go", "package base\n", "base change")
	if _, err := g.tasks.UpdateFields(ctx, task.ID, map[string]any{
		"merge_failed": true,
		"merge_error":  "stale",
	}); err != nil {
		t.Fatal(err)
	}

	res, err := merge.RebaseTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("rebase: %v", err)
	}
	if res.Conflict {
		t.Fatalf("disjoint rebase conflicted: %+v", res)
	}
	if res.Task.MergeFailed || res.Task.MergeError != "" {
		t.Errorf("failure flags not cleared: %+v", res.Task)
	}

	// The rewritten branch was force-pushed.
	ws, err := g.workspaces.GetForTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	local := gitRun(t, worktree, "rev-parse", "HEAD")
	remote := gitRun(t, bare, "rev-parse", ws.BranchName)
	if local != remote {
		t.Errorf("remote branch head %s, local %s", remote, local)
	}
}

func TestRebaseConflictRespawnsAutoTask(t *testing.T) {
	g, merge := newMergeFixture(t)
	task := seedTask(t, g.tasks, "proj-1", "t")
	_, worktree := g.provision(t, task)
	ctx := context.Background()

	gitCommitFile(t, worktree, "shared.txt", "branch version\n", "branch edit")
	gitCommitFile(t, g.repoPath, "shared.txt", "base version\n", "base edit")
	if _, err := g.tasks.UpdateFields(ctx, task.ID, map[string]any{
		"status": string(core.TaskStatusReview),
	}); err != nil {
		t.Fatal(err)
	}

	res, err := merge.RebaseTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("rebase: %v", err)
	}
	if !res.Conflict {
		t.Fatal("conflict not reported")
	}
	if len(res.ConflictFiles) != 1 || res.ConflictFiles[0] != "shared.txt" {
		t.Errorf("conflict files %v", res.ConflictFiles)
	}
	if res.Task.Status != core.TaskStatusInProgress {
		t.Errorf("task at %s after conflict", res.Task.Status)
	}
	if !strings.Contains(res.Task.Description, "Rebase conflict") {
		t.Errorf("conflict not recorded in description: %q", res.Task.Description)
	}
	if !res.Respawned {
		t.Error("conflicted AUTO task not respawned")
	}

	// The aborted rebase left the worktree clean for the fresh run.
	status := gitRun(t, worktree, "status", "--porcelain")
	if strings.TrimSpace(status) != "" {
		t.Errorf("worktree dirty after abort:\n%s", status)
	}
}
