package service

import (
	"context"
	"os"
	"strings"

	"github.com/kagan-dev/kagan/internal/adapters/git"
	"github.com/kagan-dev/kagan/internal/logging"
	"github.com/kagan-dev/kagan/internal/state"
)

// Janitor reclaims worktree registrations and branches the core owns but no
// workspace maps to anymore. It only ever touches refs under the kagan/
// namespace.
type Janitor struct {
	store     *state.Store
	worktrees *git.WorktreeAdapter
	log       *logging.Logger
}

// NewJanitor creates a janitor.
func NewJanitor(store *state.Store, worktrees *git.WorktreeAdapter, log *logging.Logger) *Janitor {
	if log == nil {
		log = logging.NewNop()
	}
	return &Janitor{store: store, worktrees: worktrees, log: log.WithComponent("janitor")}
}

// JanitorResult summarises one cleanup pass.
type JanitorResult struct {
	WorktreesPruned int      `json:"worktrees_pruned"`
	BranchesDeleted []string `json:"branches_deleted"`
	ReposProcessed  int      `json:"repos_processed"`
}

// TotalCleaned is the pruned worktrees plus the deleted branches.
func (r JanitorResult) TotalCleaned() int {
	return r.WorktreesPruned + len(r.BranchesDeleted)
}

// Clean prunes stale worktree registrations and deletes orphaned kagan/*
// branches across every known repo. A branch is an orphan when its workspace
// suffix maps to no known workspace and no worktree still holds it; that
// includes merge-worktree-* leftovers.
func (j *Janitor) Clean(ctx context.Context) (JanitorResult, error) {
	valid, err := j.store.ValidWorkspaceIDs(ctx)
	if err != nil {
		return JanitorResult{}, err
	}
	repos, err := j.store.ListRepos(ctx)
	if err != nil {
		return JanitorResult{}, err
	}

	result := JanitorResult{BranchesDeleted: []string{}}
	for _, repo := range repos {
		if _, err := os.Stat(repo.Path); err != nil {
			j.log.Warn("skipping missing repo", "repo", repo.Name, "path", repo.Path)
			continue
		}
		result.ReposProcessed++

		pruned, err := j.worktrees.PruneWorktrees(ctx, repo.Path)
		if err != nil {
			j.log.Warn("worktree prune failed", "repo", repo.Name, "error", err)
		} else {
			result.WorktreesPruned += pruned
		}

		branches, err := j.worktrees.ListKaganBranches(ctx, repo.Path)
		if err != nil {
			j.log.Warn("listing branches failed", "repo", repo.Name, "error", err)
			continue
		}
		for _, branch := range branches {
			wsID := git.WorkspaceIDForBranch(branch)
			if wsID == "" {
				continue
			}
			if valid[wsID] && !strings.HasPrefix(branch, git.MergeWorktreePrefix) {
				continue
			}
			worktree, err := j.worktrees.GetWorktreeForBranch(ctx, repo.Path, branch)
			if err != nil {
				j.log.Warn("worktree lookup failed", "repo", repo.Name, "branch", branch, "error", err)
				continue
			}
			if worktree != "" {
				continue
			}
			res, err := j.worktrees.DeleteBranch(ctx, repo.Path, branch)
			if err != nil || !res.OK() {
				j.log.Warn("deleting branch failed", "repo", repo.Name, "branch", branch,
					"error", err, "detail", res.Combined())
				continue
			}
			result.BranchesDeleted = append(result.BranchesDeleted, branch)
		}
	}

	j.log.Info("janitor pass done",
		"repos", result.ReposProcessed,
		"worktrees_pruned", result.WorktreesPruned,
		"branches_deleted", len(result.BranchesDeleted))
	return result, nil
}
