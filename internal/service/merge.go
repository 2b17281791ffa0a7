package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kagan-dev/kagan/internal/adapters/git"
	"github.com/kagan-dev/kagan/internal/config"
	"github.com/kagan-dev/kagan/internal/core"
	"github.com/kagan-dev/kagan/internal/logging"
)

const (
	// mergeQuiesceTimeout bounds how long a merge waits for the task's
	// automation runtime to wind down after stop_task.
	mergeQuiesceTimeout = 10 * time.Second
	mergeQuiescePoll    = 250 * time.Millisecond

	// mergeErrorMaxLen caps the error text stored on the task.
	mergeErrorMaxLen = 2000

	mergeConflictTip = "Tip: run review rebase, resolve conflicts, then merge again"
)

// MergeService serialises destructive git mutations across the repos of a
// workspace: squash merges, auto-rebase retries, and the manual rebase flow.
type MergeService struct {
	cfg        *config.Handle
	tasks      *TaskService
	workspaces *WorkspaceService
	worktrees  *git.WorktreeAdapter
	scheduler  *Scheduler
	log        *logging.Logger
}

// NewMergeService creates a merge service.
func NewMergeService(cfg *config.Handle, tasks *TaskService, workspaces *WorkspaceService, worktrees *git.WorktreeAdapter, scheduler *Scheduler, log *logging.Logger) *MergeService {
	if log == nil {
		log = logging.NewNop()
	}
	return &MergeService{
		cfg:        cfg,
		tasks:      tasks,
		workspaces: workspaces,
		worktrees:  worktrees,
		scheduler:  scheduler,
		log:        log.WithComponent("merge"),
	}
}

// MergeResult reports a completed merge.
type MergeResult struct {
	Task         *core.Task `json:"task"`
	Message      string     `json:"message"`
	ReposMerged  int        `json:"repos_merged"`
	AutoRebased  bool       `json:"auto_rebased"`
	WorkspaceID  string     `json:"workspace_id"`
	BranchMerged string     `json:"branch_merged"`
}

// MergeTask lands the task's workspace branch onto base across every repo of
// the workspace. On success the task moves to DONE and the workspace is
// released; on failure the task stays in REVIEW with merge_readiness BLOCKED
// and the error recorded on the task.
func (s *MergeService) MergeTask(ctx context.Context, taskID string) (*MergeResult, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != core.TaskStatusReview {
		return nil, core.ErrState(core.CodeReviewNotReady,
			fmt.Sprintf("task %s is %s, not REVIEW", taskID, task.Status))
	}

	cfg := s.cfg.Current()
	if cfg.Merge.RequireReviewApproval && !task.Approved {
		msg := "Review approval required before merge"
		if _, uerr := s.markMergeFailure(ctx, taskID, msg); uerr != nil {
			return nil, uerr
		}
		return nil, core.ErrState(core.CodeReviewNotReady, msg)
	}

	if cfg.Merge.SerializeMerges {
		s.scheduler.MergeLock.Lock()
		defer s.scheduler.MergeLock.Unlock()
	}

	if err := s.quiesceRuntime(ctx, taskID); err != nil {
		msg := "Merge blocked: Task runtime is still active"
		if _, uerr := s.markMergeFailure(ctx, taskID, msg); uerr != nil {
			return nil, uerr
		}
		return nil, core.ErrState(core.CodeMergeFailed, msg)
	}

	ws, err := s.workspaces.GetForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	pairs, err := s.workspaces.Repos(ctx, ws.ID)
	if err != nil {
		return nil, err
	}

	message := fmt.Sprintf("%s: %s", task.ID, task.Title)
	autoRebased := false

	for _, pair := range pairs {
		base := task.BaseBranch
		if base == "" {
			base = pair.Repo.DefaultBranch
		}

		// Preemptive rebase when the branch and base touched the same files.
		if overlap, oerr := s.filesOverlap(ctx, pair.WorktreePath, base); oerr == nil && overlap {
			s.log.Info("preemptive rebase", "task_id", taskID, "repo", pair.Repo.Name)
			if merr := s.rebaseRepo(ctx, taskID, pair, base, ws.BranchName); merr != nil {
				return nil, merr
			}
			autoRebased = true
		}

		out, err := s.worktrees.MergeSquash(ctx, pair.Repo.Path, ws.BranchName, base, message)
		if err != nil {
			return nil, err
		}

		if out.BaseAhead {
			s.log.Info("base ahead, auto-rebasing", "task_id", taskID, "repo", pair.Repo.Name)
			if merr := s.rebaseRepo(ctx, taskID, pair, base, ws.BranchName); merr != nil {
				return nil, merr
			}
			autoRebased = true
			out, err = s.worktrees.MergeSquash(ctx, pair.Repo.Path, ws.BranchName, base, message)
			if err != nil {
				return nil, err
			}
			if !out.OK() || out.BaseAhead || out.Conflict {
				msg := fmt.Sprintf("Merge of %s failed after auto-rebase: %s",
					pair.Repo.Name, out.Combined())
				return nil, s.failMerge(ctx, taskID, msg)
			}
		} else if out.Conflict {
			msg := fmt.Sprintf("%s: Merge conflict detected (%s)",
				pair.Repo.Name, strings.Join(out.ConflictFiles, ", "))
			return nil, s.failMerge(ctx, taskID, msg)
		} else if !out.OK() {
			msg := fmt.Sprintf("Merge of %s failed: %s", pair.Repo.Name, out.Combined())
			return nil, s.failMerge(ctx, taskID, msg)
		}
	}

	if err := s.workspaces.Release(ctx, ws.ID); err != nil {
		s.log.Warn("releasing workspace after merge failed", "workspace_id", ws.ID, "error", err)
	}

	updated, err := s.tasks.UpdateFields(ctx, taskID, map[string]any{
		"status":          string(core.TaskStatusDone),
		"merge_readiness": string(core.MergeReady),
		"merge_failed":    false,
		"merge_error":     "",
	})
	if err != nil {
		return nil, err
	}
	resultMsg := "Merge completed"
	if autoRebased {
		resultMsg = "Merge completed after auto-rebase"
	}
	s.log.Info("merge completed", "task_id", taskID, "repos", len(pairs), "auto_rebased", autoRebased)
	return &MergeResult{
		Task:         updated,
		Message:      resultMsg,
		ReposMerged:  len(pairs),
		AutoRebased:  autoRebased,
		WorkspaceID:  ws.ID,
		BranchMerged: ws.BranchName,
	}, nil
}

// RebaseResult reports a manual rebase.
type RebaseResult struct {
	Task          *core.Task `json:"task"`
	Conflict      bool       `json:"conflict"`
	ConflictFiles []string   `json:"conflict_files,omitempty"`
	Respawned     bool       `json:"respawned"`
}

// RebaseTask is the manual counterpart of the auto-rebase inside MergeTask.
// On conflict the rebase is aborted, the task moves back to IN_PROGRESS with
// the conflict recorded in its description, and AUTO tasks get a fresh
// automation run to resolve it.
func (s *MergeService) RebaseTask(ctx context.Context, taskID string) (*RebaseResult, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	ws, err := s.workspaces.GetForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	pairs, err := s.workspaces.Repos(ctx, ws.ID)
	if err != nil {
		return nil, err
	}

	for _, pair := range pairs {
		base := task.BaseBranch
		if base == "" {
			base = pair.Repo.DefaultBranch
		}
		out, err := s.worktrees.RebaseOntoBase(ctx, pair.WorktreePath, base)
		if err != nil {
			return nil, err
		}
		if !out.Conflict && !out.OK() {
			return nil, core.ErrState(core.CodeRebaseConflict,
				fmt.Sprintf("rebase of %s failed: %s", pair.Repo.Name, out.Combined()))
		}
		if out.Conflict {
			if _, aerr := s.worktrees.AbortRebase(ctx, pair.WorktreePath); aerr != nil {
				s.log.Warn("aborting conflicted rebase failed", "task_id", taskID, "error", aerr)
			}
			note := fmt.Sprintf("Rebase conflict in %s: %s",
				pair.Repo.Name, strings.Join(out.ConflictFiles, ", "))
			updated, uerr := s.tasks.UpdateFields(ctx, taskID, map[string]any{
				"status":      string(core.TaskStatusInProgress),
				"description": strings.TrimSpace(task.Description + "\n\n" + note),
			})
			if uerr != nil {
				return nil, uerr
			}
			respawned := false
			if task.TaskType == core.TaskTypeAuto {
				s.scheduler.ResetIterations(taskID)
				respawned = s.scheduler.SpawnForTask(updated)
			}
			s.log.Info("rebase conflict", "task_id", taskID, "repo", pair.Repo.Name, "respawned", respawned)
			return &RebaseResult{
				Task:          updated,
				Conflict:      true,
				ConflictFiles: out.ConflictFiles,
				Respawned:     respawned,
			}, nil
		}
		s.pushRebased(ctx, taskID, pair, ws.BranchName)
	}

	updated, err := s.tasks.UpdateFields(ctx, taskID, map[string]any{
		"merge_failed": false,
		"merge_error":  "",
	})
	if err != nil {
		return nil, err
	}
	return &RebaseResult{Task: updated}, nil
}

// quiesceRuntime stops the task's automation and waits for it to wind down.
func (s *MergeService) quiesceRuntime(ctx context.Context, taskID string) error {
	if !s.scheduler.IsRunning(taskID) && !s.scheduler.IsReviewing(taskID) {
		return nil
	}
	s.scheduler.StopTask(taskID)

	deadline := time.Now().Add(mergeQuiesceTimeout)
	for time.Now().Before(deadline) {
		if !s.scheduler.IsRunning(taskID) && !s.scheduler.IsReviewing(taskID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(mergeQuiescePoll):
		}
	}
	return core.ErrTimeout(core.CodeMergeFailed, "task runtime did not quiesce")
}

// rebaseRepo rebases one worktree onto base; a conflict aborts the rebase and
// fails the merge with the conflict files recorded on the task. A clean
// rebase rewrites history, so the branch is force-pushed to keep any remote
// in sync.
func (s *MergeService) rebaseRepo(ctx context.Context, taskID string, pair WorkspaceRepoPair, base, branch string) error {
	out, err := s.worktrees.RebaseOntoBase(ctx, pair.WorktreePath, base)
	if err != nil {
		return err
	}
	if out.Conflict {
		if _, aerr := s.worktrees.AbortRebase(ctx, pair.WorktreePath); aerr != nil {
			s.log.Warn("aborting conflicted rebase failed", "task_id", taskID, "error", aerr)
		}
		msg := fmt.Sprintf("%s: Merge conflict detected (%s)",
			pair.Repo.Name, strings.Join(out.ConflictFiles, ", "))
		return s.failMerge(ctx, taskID, msg)
	}
	if !out.OK() {
		return s.failMerge(ctx, taskID,
			fmt.Sprintf("Rebase of %s failed: %s", pair.Repo.Name, out.Combined()))
	}
	s.pushRebased(ctx, taskID, pair, branch)
	return nil
}

// pushRebased force-pushes the rebased branch when the repo has an origin
// remote. A push failure never fails the flow; the rewritten history lands
// on the next push.
func (s *MergeService) pushRebased(ctx context.Context, taskID string, pair WorkspaceRepoPair, branch string) {
	has, err := s.worktrees.HasRemote(ctx, pair.WorktreePath, "origin")
	if err != nil || !has {
		return
	}
	res, err := s.worktrees.Push(ctx, pair.WorktreePath, "origin", branch, true)
	if err != nil || !res.OK() {
		s.log.Warn("pushing rebased branch failed",
			"task_id", taskID, "repo", pair.Repo.Name, "branch", branch,
			"error", err, "detail", res.Combined())
	}
}

// filesOverlap reports whether the branch and base changed any common file.
func (s *MergeService) filesOverlap(ctx context.Context, worktreePath, base string) (bool, error) {
	changed, err := s.worktrees.GetFilesChanged(ctx, worktreePath, base)
	if err != nil {
		return false, err
	}
	baseChanged, err := s.worktrees.GetFilesChangedOnBase(ctx, worktreePath, base)
	if err != nil {
		return false, err
	}
	onBase := make(map[string]bool, len(baseChanged))
	for _, f := range baseChanged {
		onBase[f] = true
	}
	for _, f := range changed {
		if onBase[f] {
			return true, nil
		}
	}
	return false, nil
}

// failMerge records the failure on the task and returns the MERGE_FAILED
// error the caller propagates.
func (s *MergeService) failMerge(ctx context.Context, taskID, message string) error {
	if _, err := s.markMergeFailure(ctx, taskID, message); err != nil {
		return err
	}
	return core.ErrState(core.CodeMergeFailed, message)
}

// markMergeFailure keeps the task in REVIEW, blocks merge readiness, and
// stores the truncated error with the resolution tip appended.
func (s *MergeService) markMergeFailure(ctx context.Context, taskID, message string) (*core.Task, error) {
	stored := truncate(message, mergeErrorMaxLen) + "\n" + mergeConflictTip
	return s.tasks.UpdateFields(ctx, taskID, map[string]any{
		"merge_readiness": string(core.MergeBlocked),
		"merge_failed":    true,
		"merge_error":     stored,
	})
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
