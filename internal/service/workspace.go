package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kagan-dev/kagan/internal/adapters/git"
	"github.com/kagan-dev/kagan/internal/core"
	"github.com/kagan-dev/kagan/internal/events"
	"github.com/kagan-dev/kagan/internal/logging"
	"github.com/kagan-dev/kagan/internal/state"
)

// WorkspaceService provisions one branch plus one worktree per repo for a
// task. It is the only writer of worktree filesystem state besides the
// janitor.
type WorkspaceService struct {
	store        *state.Store
	worktrees    *git.WorktreeAdapter
	bus          *events.Bus
	worktreeBase string
	log          *logging.Logger
}

// NewWorkspaceService creates a workspace service.
func NewWorkspaceService(store *state.Store, worktrees *git.WorktreeAdapter, bus *events.Bus, worktreeBase string, log *logging.Logger) *WorkspaceService {
	if log == nil {
		log = logging.NewNop()
	}
	return &WorkspaceService{
		store:        store,
		worktrees:    worktrees,
		bus:          bus,
		worktreeBase: worktreeBase,
		log:          log.WithComponent("workspaces"),
	}
}

// CreateForTask provisions a workspace for the task: a kagan/<workspace-id>
// branch and one worktree per repo of the task's project. Workspace creation
// is not serialised; separate worktrees are independent.
func (s *WorkspaceService) CreateForTask(ctx context.Context, task *core.Task) (*core.Workspace, error) {
	repos, err := s.store.ListProjectRepos(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	if len(repos) == 0 {
		return nil, core.ErrState(core.CodeWorkspaceNotFound,
			"project "+task.ProjectID+" has no repos to provision")
	}

	wsID := strings.ToLower(uuid.NewString()[:8])
	branch := git.BranchForWorkspace(wsID)
	wsPath := filepath.Join(s.worktreeBase, wsID)

	ws := &core.Workspace{
		ID:         wsID,
		ProjectID:  task.ProjectID,
		TaskID:     task.ID,
		BranchName: branch,
		Path:       wsPath,
		Status:     core.WorkspaceActive,
		CreatedAt:  time.Now().UTC(),
	}

	var wsRepos []*core.WorkspaceRepo
	var created []string
	for _, repo := range repos {
		base := task.BaseBranch
		if base == "" {
			base = repo.DefaultBranch
		}
		worktreePath := filepath.Join(wsPath, repo.Name)
		res, err := s.worktrees.Create(ctx, repo.Path, worktreePath, branch, base)
		if err == nil && !res.OK() {
			err = fmt.Errorf("git worktree add failed: %s", res.Combined())
		}
		if err != nil {
			// Roll back the worktrees already provisioned.
			for i, path := range created {
				if rres, rerr := s.worktrees.Release(ctx, repos[i].Path, path); rerr != nil || !rres.OK() {
					s.log.Warn("rollback release failed", "path", path, "error", rerr)
				}
			}
			return nil, fmt.Errorf("provisioning worktree for repo %s: %w", repo.Name, err)
		}
		created = append(created, worktreePath)
		wsRepos = append(wsRepos, &core.WorkspaceRepo{
			WorkspaceID:  wsID,
			RepoID:       repo.ID,
			WorktreePath: worktreePath,
		})
	}

	if err := s.store.CreateWorkspace(ctx, ws, wsRepos); err != nil {
		return nil, err
	}
	s.log.Info("workspace created", "workspace_id", wsID, "task_id", task.ID, "branch", branch)
	s.bus.Publish(events.NewWorkspaceChangedEvent(wsID, core.WorkspaceActive))
	return ws, nil
}

// GetForTask returns the active workspace for a task.
func (s *WorkspaceService) GetForTask(ctx context.Context, taskID string) (*core.Workspace, error) {
	return s.store.GetWorkspaceForTask(ctx, taskID)
}

// Repos returns the per-repo worktrees of a workspace together with their
// repo records.
func (s *WorkspaceService) Repos(ctx context.Context, workspaceID string) ([]WorkspaceRepoPair, error) {
	wsRepos, err := s.store.ListWorkspaceRepos(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	pairs := make([]WorkspaceRepoPair, 0, len(wsRepos))
	for _, wr := range wsRepos {
		repo, err := s.store.GetRepo(ctx, wr.RepoID)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, WorkspaceRepoPair{Repo: repo, WorktreePath: wr.WorktreePath})
	}
	return pairs, nil
}

// WorkspaceRepoPair joins a repo record with its worktree inside a
// workspace.
type WorkspaceRepoPair struct {
	Repo         *core.Repo
	WorktreePath string
}

// Release removes the workspace's worktrees and closes it. The branch stays
// for the janitor to collect on its next pass; only ACTIVE workspaces pin
// their branch.
func (s *WorkspaceService) Release(ctx context.Context, workspaceID string) error {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	pairs, err := s.Repos(ctx, workspaceID)
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		res, err := s.worktrees.Release(ctx, pair.Repo.Path, pair.WorktreePath)
		if err != nil {
			return err
		}
		if !res.OK() {
			s.log.Warn("releasing worktree failed", "path", pair.WorktreePath, "detail", res.Combined())
		}
	}
	if err := s.store.SetWorkspaceStatus(ctx, workspaceID, core.WorkspaceClosed); err != nil {
		return err
	}
	s.log.Info("workspace released", "workspace_id", workspaceID, "task_id", ws.TaskID)
	s.bus.Publish(events.NewWorkspaceChangedEvent(workspaceID, core.WorkspaceClosed))
	return nil
}
