package core

import "time"

// Project groups repositories and tasks.
type Project struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	LastOpenedAt *time.Time `json:"last_opened_at,omitempty"`
}

// Validate checks project invariants.
func (p *Project) Validate() error {
	if p.ID == "" {
		return ErrValidation("PROJECT_ID_REQUIRED", "project ID cannot be empty")
	}
	if p.Name == "" {
		return ErrValidation("PROJECT_NAME_REQUIRED", "project name cannot be empty")
	}
	return nil
}

// Repo is a git repository known to the core. Scripts is a repo-level
// key/value blob used by plugins and by setup/cleanup/dev_server conventions.
type Repo struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Path          string            `json:"path"`
	DefaultBranch string            `json:"default_branch"`
	Scripts       map[string]string `json:"scripts,omitempty"`
}

// ProjectRepo links a repo into a project.
type ProjectRepo struct {
	ProjectID    string `json:"project_id"`
	RepoID       string `json:"repo_id"`
	IsPrimary    bool   `json:"is_primary"`
	DisplayOrder int    `json:"display_order"`
}

// WorkspaceStatus is the lifecycle state of a workspace.
type WorkspaceStatus string

const (
	WorkspaceActive WorkspaceStatus = "ACTIVE"
	WorkspaceClosed WorkspaceStatus = "CLOSED"
)

// Workspace bundles one branch plus one worktree per repo for one task.
// BranchName follows the kagan/<workspace-id> convention.
type Workspace struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"project_id"`
	TaskID     string          `json:"task_id,omitempty"`
	BranchName string          `json:"branch_name"`
	Path       string          `json:"path"`
	Status     WorkspaceStatus `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}

// WorkspaceRepo is the per-repo worktree mirror inside a workspace,
// used by multi-repo tasks.
type WorkspaceRepo struct {
	WorkspaceID  string `json:"workspace_id"`
	RepoID       string `json:"repo_id"`
	WorktreePath string `json:"worktree_path"`
}

// Execution records one agent run against a task. Transcript lines live in a
// JSONL sidecar next to the database, keyed by execution ID.
type Execution struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"task_id"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ActorType identifies who performed an audited action.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorAgent  ActorType = "agent"
	ActorSystem ActorType = "system"
)

// AuditEvent is one row of the append-only audit trail.
type AuditEvent struct {
	ID          string    `json:"id"`
	OccurredAt  time.Time `json:"occurred_at"`
	ActorType   ActorType `json:"actor_type"`
	ActorID     string    `json:"actor_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Capability  string    `json:"capability"`
	CommandName string    `json:"command_name"`
	PayloadJSON string    `json:"payload_json,omitempty"`
	ResultJSON  string    `json:"result_json,omitempty"`
	Success     bool      `json:"success"`
}
