package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kagan-dev/kagan/internal/core"
)

// CreateProject inserts a new project.
func (s *Store) CreateProject(ctx context.Context, p *core.Project) error {
	if err := p.Validate(); err != nil {
		return err
	}
	var lastOpened any
	if p.LastOpenedAt != nil {
		lastOpened = encodeTime(*p.LastOpenedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, last_opened_at)
		VALUES (?, ?, ?, ?)
	`, p.ID, p.Name, p.Description, lastOpened)
	if err != nil {
		return fmt.Errorf("inserting project: %w", err)
	}
	return nil
}

// GetProject loads a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*core.Project, error) {
	var (
		p          core.Project
		lastOpened sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, last_opened_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Description, &lastOpened)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeProjectNotFound, "project", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading project %s: %w", id, err)
	}
	if lastOpened.Valid {
		t, err := decodeTime(lastOpened.String)
		if err != nil {
			return nil, err
		}
		p.LastOpenedAt = &t
	}
	return &p, nil
}

// ListProjects returns all projects, most recently opened first.
func (s *Store) ListProjects(ctx context.Context) ([]*core.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, last_opened_at FROM projects
		ORDER BY last_opened_at DESC NULLS LAST, name
	`)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	defer rows.Close()

	var projects []*core.Project
	for rows.Next() {
		var (
			p          core.Project
			lastOpened sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &lastOpened); err != nil {
			return nil, err
		}
		if lastOpened.Valid {
			t, err := decodeTime(lastOpened.String)
			if err != nil {
				return nil, err
			}
			p.LastOpenedAt = &t
		}
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// TouchProjectOpened records that a project was opened now.
func (s *Store) TouchProjectOpened(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET last_opened_at = ? WHERE id = ?`, encodeTime(at), id)
	if err != nil {
		return fmt.Errorf("updating project %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrNotFound(core.CodeProjectNotFound, "project", id)
	}
	return nil
}

// CreateRepo inserts a repo.
func (s *Store) CreateRepo(ctx context.Context, r *core.Repo) error {
	scripts, err := json.Marshal(r.Scripts)
	if err != nil {
		return fmt.Errorf("marshaling scripts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO repos (id, name, path, default_branch, scripts)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.Name, r.Path, r.DefaultBranch, string(scripts))
	if err != nil {
		return fmt.Errorf("inserting repo: %w", err)
	}
	return nil
}

// GetRepo loads a repo by ID.
func (s *Store) GetRepo(ctx context.Context, id string) (*core.Repo, error) {
	var (
		r       core.Repo
		scripts string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, path, default_branch, scripts FROM repos WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.Path, &r.DefaultBranch, &scripts)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeProjectNotFound, "repo", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading repo %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(scripts), &r.Scripts); err != nil {
		return nil, fmt.Errorf("unmarshaling scripts: %w", err)
	}
	return &r, nil
}

// ListRepos returns every known repo. The janitor walks this set.
func (s *Store) ListRepos(ctx context.Context) ([]*core.Repo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, path, default_branch, scripts FROM repos ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing repos: %w", err)
	}
	defer rows.Close()

	var repos []*core.Repo
	for rows.Next() {
		var (
			r       core.Repo
			scripts string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Path, &r.DefaultBranch, &scripts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(scripts), &r.Scripts); err != nil {
			return nil, fmt.Errorf("unmarshaling scripts: %w", err)
		}
		repos = append(repos, &r)
	}
	return repos, rows.Err()
}

// LinkRepo attaches a repo to a project.
func (s *Store) LinkRepo(ctx context.Context, link *core.ProjectRepo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_repos (project_id, repo_id, is_primary, display_order)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(project_id, repo_id) DO UPDATE SET
			is_primary = excluded.is_primary,
			display_order = excluded.display_order
	`, link.ProjectID, link.RepoID, boolToInt(link.IsPrimary), link.DisplayOrder)
	if err != nil {
		return fmt.Errorf("linking repo %s to project %s: %w", link.RepoID, link.ProjectID, err)
	}
	return nil
}

// ListProjectRepos returns the repos linked to a project in display order,
// primary first.
func (s *Store) ListProjectRepos(ctx context.Context, projectID string) ([]*core.Repo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.path, r.default_branch, r.scripts
		FROM repos r
		JOIN project_repos pr ON pr.repo_id = r.id
		WHERE pr.project_id = ?
		ORDER BY pr.is_primary DESC, pr.display_order, r.name
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing repos for project %s: %w", projectID, err)
	}
	defer rows.Close()

	var repos []*core.Repo
	for rows.Next() {
		var (
			r       core.Repo
			scripts string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Path, &r.DefaultBranch, &scripts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(scripts), &r.Scripts); err != nil {
			return nil, fmt.Errorf("unmarshaling scripts: %w", err)
		}
		repos = append(repos, &r)
	}
	return repos, rows.Err()
}

// PrimaryRepo returns the primary repo of a project, or the first linked repo
// when none is marked primary.
func (s *Store) PrimaryRepo(ctx context.Context, projectID string) (*core.Repo, error) {
	repos, err := s.ListProjectRepos(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(repos) == 0 {
		return nil, core.ErrNotFound(core.CodeProjectNotFound, "primary repo for project", projectID)
	}
	return repos[0], nil
}
