package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kagan-dev/kagan/internal/core"
)

// CreateWorkspace inserts a workspace and its per-repo worktree rows in one
// transaction.
func (s *Store) CreateWorkspace(ctx context.Context, ws *core.Workspace, repos []*core.WorkspaceRepo) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workspaces (id, project_id, task_id, branch_name, path, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, ws.ID, ws.ProjectID, nullIfEmpty(ws.TaskID), ws.BranchName, ws.Path,
			string(ws.Status), encodeTime(ws.CreatedAt))
		if err != nil {
			return fmt.Errorf("inserting workspace: %w", err)
		}
		for _, wr := range repos {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO workspace_repos (workspace_id, repo_id, worktree_path)
				VALUES (?, ?, ?)
			`, wr.WorkspaceID, wr.RepoID, wr.WorktreePath)
			if err != nil {
				return fmt.Errorf("inserting workspace repo %s: %w", wr.RepoID, err)
			}
		}
		return nil
	})
}

// GetWorkspace loads a workspace by ID.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*core.Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, task_id, branch_name, path, status, created_at
		FROM workspaces WHERE id = ?
	`, id)
	ws, err := scanWorkspace(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeWorkspaceNotFound, "workspace", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading workspace %s: %w", id, err)
	}
	return ws, nil
}

// GetWorkspaceForTask returns the active workspace bound to a task, if any.
func (s *Store) GetWorkspaceForTask(ctx context.Context, taskID string) (*core.Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, task_id, branch_name, path, status, created_at
		FROM workspaces WHERE task_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1
	`, taskID, string(core.WorkspaceActive))
	ws, err := scanWorkspace(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeWorkspaceNotFound, "workspace for task", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading workspace for task %s: %w", taskID, err)
	}
	return ws, nil
}

// ListWorkspaces returns workspaces, optionally filtered by status.
func (s *Store) ListWorkspaces(ctx context.Context, status core.WorkspaceStatus) ([]*core.Workspace, error) {
	query := `SELECT id, project_id, task_id, branch_name, path, status, created_at FROM workspaces`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing workspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []*core.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, rows.Err()
}

// SetWorkspaceStatus moves a workspace between ACTIVE and CLOSED.
func (s *Store) SetWorkspaceStatus(ctx context.Context, id string, status core.WorkspaceStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workspaces SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("updating workspace %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrNotFound(core.CodeWorkspaceNotFound, "workspace", id)
	}
	return nil
}

// DeleteWorkspace removes a workspace row (workspace_repos cascade).
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting workspace %s: %w", id, err)
	}
	return nil
}

// ListWorkspaceRepos returns the per-repo worktrees of a workspace.
func (s *Store) ListWorkspaceRepos(ctx context.Context, workspaceID string) ([]*core.WorkspaceRepo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_id, repo_id, worktree_path
		FROM workspace_repos WHERE workspace_id = ?
		ORDER BY repo_id
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("listing workspace repos: %w", err)
	}
	defer rows.Close()

	var repos []*core.WorkspaceRepo
	for rows.Next() {
		var wr core.WorkspaceRepo
		if err := rows.Scan(&wr.WorkspaceID, &wr.RepoID, &wr.WorktreePath); err != nil {
			return nil, err
		}
		repos = append(repos, &wr)
	}
	return repos, rows.Err()
}

// ValidWorkspaceIDs returns the set of ACTIVE workspace IDs. The janitor
// keys branch GC off this set; closed workspaces keep their row for history
// but their branches are fair game.
func (s *Store) ValidWorkspaceIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM workspaces WHERE status = ?`, string(core.WorkspaceActive))
	if err != nil {
		return nil, fmt.Errorf("listing workspace ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

func scanWorkspace(row rowScanner) (*core.Workspace, error) {
	var (
		ws        core.Workspace
		taskID    sql.NullString
		createdAt string
	)
	err := row.Scan(&ws.ID, &ws.ProjectID, &taskID, &ws.BranchName, &ws.Path,
		(*string)(&ws.Status), &createdAt)
	if err != nil {
		return nil, err
	}
	ws.TaskID = taskID.String
	if ws.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	return &ws, nil
}
