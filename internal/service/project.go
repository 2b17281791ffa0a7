package service

import (
	"context"
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

// ProjectService owns the projects capability: create, open, and the read
// surface.
type ProjectService struct {
	store *state.Store
	gitc  *git.Client
	bus   *events.Bus
	log   *logging.Logger
}

// NewProjectService creates a project service.
func NewProjectService(store *state.Store, gitc *git.Client, bus *events.Bus, log *logging.Logger) *ProjectService {
	if log == nil {
		log = logging.NewNop()
	}
	return &ProjectService{store: store, gitc: gitc, bus: bus, log: log.WithComponent("projects")}
}

// CreateProjectParams are the inputs of projects.create. RepoPaths must be
// existing git repositories; the first one becomes primary.
type CreateProjectParams struct {
	Name        string
	Description string
	RepoPaths   []string
}

// Create registers a project with its repos. Every repo path is validated as
// a git repository before anything is written.
func (s *ProjectService) Create(ctx context.Context, p CreateProjectParams) (*core.Project, error) {
	if p.Name == "" {
		return nil, core.ErrValidation(core.CodeInvalidParams, "project name cannot be empty")
	}
	if len(p.RepoPaths) == 0 {
		return nil, core.ErrValidation(core.CodeInvalidParams, "project needs at least one repo path")
	}

	type repoInfo struct {
		path          string
		defaultBranch string
	}
	infos := make([]repoInfo, 0, len(p.RepoPaths))
	for _, raw := range p.RepoPaths {
		path := git.ResolvePath(raw)
		if !s.gitc.IsRepo(ctx, path) {
			return nil, core.ErrValidation(core.CodeInvalidWorktreePath,
				"not a git repository: "+path)
		}
		branch, err := s.defaultBranch(ctx, path)
		if err != nil {
			return nil, err
		}
		infos = append(infos, repoInfo{path: path, defaultBranch: branch})
	}

	project := &core.Project{
		ID:          strings.ToLower(uuid.NewString()[:8]),
		Name:        p.Name,
		Description: p.Description,
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	for i, info := range infos {
		repo := &core.Repo{
			ID:            strings.ToLower(uuid.NewString()[:8]),
			Name:          filepath.Base(info.path),
			Path:          info.path,
			DefaultBranch: info.defaultBranch,
		}
		if err := s.store.CreateRepo(ctx, repo); err != nil {
			return nil, err
		}
		link := &core.ProjectRepo{
			ProjectID:    project.ID,
			RepoID:       repo.ID,
			IsPrimary:    i == 0,
			DisplayOrder: i,
		}
		if err := s.store.LinkRepo(ctx, link); err != nil {
			return nil, err
		}
	}

	s.log.Info("project created", "project_id", project.ID, "repos", len(infos))
	s.bus.Publish(events.NewProjectChangedEvent(project.ID))
	return project, nil
}

// Get loads a project.
func (s *ProjectService) Get(ctx context.Context, projectID string) (*core.Project, error) {
	return s.store.GetProject(ctx, projectID)
}

// List returns all projects, most recently opened first.
func (s *ProjectService) List(ctx context.Context) ([]*core.Project, error) {
	return s.store.ListProjects(ctx)
}

// Open records that a project was opened and returns it.
func (s *ProjectService) Open(ctx context.Context, projectID string) (*core.Project, error) {
	if err := s.store.TouchProjectOpened(ctx, projectID, time.Now().UTC()); err != nil {
		return nil, err
	}
	s.bus.Publish(events.NewProjectChangedEvent(projectID))
	return s.store.GetProject(ctx, projectID)
}

// Repos returns the repos linked to a project.
func (s *ProjectService) Repos(ctx context.Context, projectID string) ([]*core.Repo, error) {
	return s.store.ListProjectRepos(ctx, projectID)
}

// defaultBranch resolves the repo's HEAD branch name.
func (s *ProjectService) defaultBranch(ctx context.Context, repoPath string) (string, error) {
	res, err := s.gitc.Run(ctx, repoPath, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	if !res.OK() {
		// Detached HEAD; fall back to the conventional name.
		return "main", nil
	}
	return strings.TrimSpace(res.Stdout), nil
}
