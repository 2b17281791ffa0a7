package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kagan-dev/kagan/internal/logging"
)

// BranchPrefix is the namespace for branches the core owns.
const BranchPrefix = "kagan/"

// MergeWorktreePrefix names the throwaway branches used during squash
// merges. The janitor treats them as orphans.
const MergeWorktreePrefix = BranchPrefix + "merge-worktree-"

// BranchForWorkspace returns the branch name for a workspace ID.
func BranchForWorkspace(workspaceID string) string {
	return BranchPrefix + workspaceID
}

// WorkspaceIDForBranch returns the workspace ID encoded in a branch name,
// or "" when the branch is outside the namespace.
func WorkspaceIDForBranch(branch string) string {
	if !strings.HasPrefix(branch, BranchPrefix) {
		return ""
	}
	return strings.TrimPrefix(branch, BranchPrefix)
}

// WorktreeAdapter provisions and mutates the worktrees backing workspaces.
type WorktreeAdapter struct {
	client *Client
	log    *logging.Logger
}

// NewWorktreeAdapter creates a worktree adapter.
func NewWorktreeAdapter(client *Client, log *logging.Logger) *WorktreeAdapter {
	if log == nil {
		log = logging.NewNop()
	}
	return &WorktreeAdapter{client: client, log: log}
}

// Create adds a worktree at worktreePath on branch, creating the branch from
// baseBranch when it does not exist yet.
func (a *WorktreeAdapter) Create(ctx context.Context, repoPath, worktreePath, branch, baseBranch string) (Result, error) {
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o750); err != nil {
		return Result{}, fmt.Errorf("creating worktree parent directory: %w", err)
	}

	exists, err := a.branchExists(ctx, repoPath, branch)
	if err != nil {
		return Result{}, err
	}
	if exists {
		return a.client.Run(ctx, repoPath, "worktree", "add", worktreePath, branch)
	}
	return a.client.Run(ctx, repoPath, "worktree", "add", "-b", branch, worktreePath, baseBranch)
}

// Release removes a worktree. Dirty state is discarded; callers decide when
// that is acceptable.
func (a *WorktreeAdapter) Release(ctx context.Context, repoPath, worktreePath string) (Result, error) {
	return a.client.Run(ctx, repoPath, "worktree", "remove", "--force", worktreePath)
}

// RebaseOntoBase rebases the worktree's branch onto baseBranch. A conflicted
// rebase is left in place for AbortRebase or manual resolution; ConflictFiles
// lists the unmerged paths.
func (a *WorktreeAdapter) RebaseOntoBase(ctx context.Context, worktreePath, baseBranch string) (RebaseOutcome, error) {
	res, err := a.client.Run(ctx, worktreePath, "rebase", baseBranch)
	if err != nil {
		return RebaseOutcome{Result: res}, err
	}
	out := RebaseOutcome{Result: res}
	if !res.OK() {
		out.Conflict = strings.Contains(res.Combined(), "CONFLICT") ||
			strings.Contains(res.Stderr, "could not apply")
		if out.Conflict {
			files, ferr := a.client.Run(ctx, worktreePath, "diff", "--name-only", "--diff-filter=U")
			if ferr == nil && files.OK() {
				out.ConflictFiles = splitLines(files.Stdout)
			}
		}
	}
	return out, nil
}

// RebaseOutcome captures a rebase attempt.
type RebaseOutcome struct {
	Result
	Conflict      bool
	ConflictFiles []string
}

// AbortRebase abandons an in-progress rebase in the worktree.
func (a *WorktreeAdapter) AbortRebase(ctx context.Context, worktreePath string) (Result, error) {
	return a.client.Run(ctx, worktreePath, "rebase", "--abort")
}

// MergeOutcome captures a squash merge attempt.
type MergeOutcome struct {
	Result
	BaseAhead     bool
	Conflict      bool
	ConflictFiles []string
}

// MergeSquash lands branch onto baseBranch as a single commit in the
// repository's primary checkout. BaseAhead reports that baseBranch has
// commits the branch has not been rebased over, which callers resolve by
// rebasing and retrying.
func (a *WorktreeAdapter) MergeSquash(ctx context.Context, repoPath, branch, baseBranch, message string) (MergeOutcome, error) {
	ancestor, err := a.client.Run(ctx, repoPath, "merge-base", "--is-ancestor", baseBranch, branch)
	if err != nil {
		return MergeOutcome{Result: ancestor}, err
	}
	if !ancestor.OK() {
		return MergeOutcome{Result: ancestor, BaseAhead: true}, nil
	}

	head, err := a.client.Run(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return MergeOutcome{Result: head}, err
	}
	if strings.TrimSpace(head.Stdout) != baseBranch {
		res, err := a.client.Run(ctx, repoPath, "checkout", baseBranch)
		if err != nil || !res.OK() {
			return MergeOutcome{Result: res}, err
		}
	}

	res, err := a.client.Run(ctx, repoPath, "merge", "--squash", branch)
	if err != nil {
		return MergeOutcome{Result: res}, err
	}
	if !res.OK() {
		out := MergeOutcome{Result: res, Conflict: strings.Contains(res.Combined(), "CONFLICT")}
		if out.Conflict {
			files, ferr := a.client.Run(ctx, repoPath, "diff", "--name-only", "--diff-filter=U")
			if ferr == nil && files.OK() {
				out.ConflictFiles = splitLines(files.Stdout)
			}
			// A squash merge has no MERGE_HEAD; reset clears the attempt.
			_, _ = a.client.Run(ctx, repoPath, "reset", "--merge")
		}
		return out, nil
	}

	res, err = a.client.Run(ctx, repoPath, "commit", "-m", message)
	if err != nil {
		return MergeOutcome{Result: res}, err
	}
	if !res.OK() && strings.Contains(res.Combined(), "nothing to commit") {
		// The branch introduced no changes on top of base.
		return MergeOutcome{Result: Result{Stdout: res.Stdout}}, nil
	}
	return MergeOutcome{Result: res}, nil
}

// Push pushes branch from the worktree to remote. force is a required
// decision, not a default: every post-rebase push must pass true. Forced
// pushes use --force-with-lease so an unexpected remote update is refused
// rather than clobbered.
func (a *WorktreeAdapter) Push(ctx context.Context, worktreePath, remote, branch string, force bool) (Result, error) {
	args := []string{"push"}
	if force {
		args = append(args, "--force-with-lease")
	}
	args = append(args, remote, branch)
	return a.client.Run(ctx, worktreePath, args...)
}

// HasRemote reports whether the worktree's repository has the named remote
// configured. Local-only repos skip the post-rebase push.
func (a *WorktreeAdapter) HasRemote(ctx context.Context, worktreePath, remote string) (bool, error) {
	res, err := a.client.Run(ctx, worktreePath, "remote", "get-url", remote)
	if err != nil {
		return false, err
	}
	return res.OK(), nil
}

// GetCommitLog returns the one-line commits on the worktree branch past
// baseBranch, newest first.
func (a *WorktreeAdapter) GetCommitLog(ctx context.Context, worktreePath, baseBranch string) ([]string, error) {
	res, err := a.client.Run(ctx, worktreePath, "log", "--oneline", baseBranch+"..HEAD")
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("git log failed: %s", res.Combined())
	}
	return splitLines(res.Stdout), nil
}

// GetFilesChanged returns the files the worktree branch changed relative to
// its merge base with baseBranch.
func (a *WorktreeAdapter) GetFilesChanged(ctx context.Context, worktreePath, baseBranch string) ([]string, error) {
	res, err := a.client.Run(ctx, worktreePath, "diff", "--name-only", baseBranch+"...HEAD")
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("git diff failed: %s", res.Combined())
	}
	return splitLines(res.Stdout), nil
}

// GetFilesChangedOnBase returns the files baseBranch changed since it
// diverged from the worktree branch. The merge service intersects this with
// GetFilesChanged to decide on a preemptive rebase.
func (a *WorktreeAdapter) GetFilesChangedOnBase(ctx context.Context, worktreePath, baseBranch string) ([]string, error) {
	res, err := a.client.Run(ctx, worktreePath, "diff", "--name-only", "HEAD..."+baseBranch)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("git diff failed: %s", res.Combined())
	}
	return splitLines(res.Stdout), nil
}

// PruneWorktrees removes stale worktree registrations and returns how many
// were pruned, counted from the verbose "Removing worktrees/" lines.
func (a *WorktreeAdapter) PruneWorktrees(ctx context.Context, repoPath string) (int, error) {
	res, err := a.client.Run(ctx, repoPath, "worktree", "prune", "--verbose")
	if err != nil {
		return 0, err
	}
	if !res.OK() {
		return 0, fmt.Errorf("git worktree prune failed: %s", res.Combined())
	}
	pruned := 0
	for _, line := range splitLines(res.Combined()) {
		if strings.Contains(line, "Removing worktrees/") {
			pruned++
		}
	}
	return pruned, nil
}

// ListKaganBranches returns the branches under the core's namespace.
func (a *WorktreeAdapter) ListKaganBranches(ctx context.Context, repoPath string) ([]string, error) {
	res, err := a.client.Run(ctx, repoPath,
		"for-each-ref", "--format=%(refname:short)", "refs/heads/"+BranchPrefix)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("git for-each-ref failed: %s", res.Combined())
	}
	return splitLines(res.Stdout), nil
}

// DeleteBranch force-deletes a local branch.
func (a *WorktreeAdapter) DeleteBranch(ctx context.Context, repoPath, branch string) (Result, error) {
	return a.client.Run(ctx, repoPath, "branch", "-D", branch)
}

// GetWorktreeForBranch returns the worktree path checked out on branch, or
// "" when no worktree holds it.
func (a *WorktreeAdapter) GetWorktreeForBranch(ctx context.Context, repoPath, branch string) (string, error) {
	res, err := a.client.Run(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", fmt.Errorf("git worktree list failed: %s", res.Combined())
	}

	var current string
	for _, line := range splitLines(res.Stdout) {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current = strings.TrimPrefix(line, "worktree ")
		case line == "branch refs/heads/"+branch:
			return current, nil
		}
	}
	return "", nil
}

// IsBranchMerged reports whether branch is fully contained in baseBranch.
func (a *WorktreeAdapter) IsBranchMerged(ctx context.Context, repoPath, branch, baseBranch string) (bool, error) {
	res, err := a.client.Run(ctx, repoPath, "merge-base", "--is-ancestor", branch, baseBranch)
	if err != nil {
		return false, err
	}
	return res.OK(), nil
}

func (a *WorktreeAdapter) branchExists(ctx context.Context, repoPath, branch string) (bool, error) {
	res, err := a.client.Run(ctx, repoPath, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		return false, err
	}
	return res.OK(), nil
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
