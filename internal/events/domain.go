package events

import "github.com/kagan-dev/kagan/internal/core"

// Event type constants for domain events.
const (
	TypeTaskCreated      = "task_created"
	TypeTaskChanged      = "task_changed"
	TypeTaskDeleted      = "task_deleted"
	TypeJobUpdated       = "job_updated"
	TypeProjectChanged   = "project_changed"
	TypeWorkspaceChanged = "workspace_changed"
)

// TaskCreatedEvent is emitted when a task is created.
type TaskCreatedEvent struct {
	BaseEvent
	TaskID    string `json:"task_id"`
	ProjectID string `json:"project_id"`
}

// NewTaskCreatedEvent creates a new task created event.
func NewTaskCreatedEvent(taskID, projectID string) TaskCreatedEvent {
	return TaskCreatedEvent{
		BaseEvent: NewBaseEvent(TypeTaskCreated),
		TaskID:    taskID,
		ProjectID: projectID,
	}
}

// TaskChangedEvent is emitted on every task mutation. PreviousStatus and
// CurrentStatus are set whenever the mutation moved the task between
// statuses; for other field changes they are equal.
type TaskChangedEvent struct {
	BaseEvent
	TaskID         string          `json:"task_id"`
	PreviousStatus core.TaskStatus `json:"previous_status,omitempty"`
	CurrentStatus  core.TaskStatus `json:"current_status,omitempty"`
}

// NewTaskChangedEvent creates a new task changed event.
func NewTaskChangedEvent(taskID string, previous, current core.TaskStatus) TaskChangedEvent {
	return TaskChangedEvent{
		BaseEvent:      NewBaseEvent(TypeTaskChanged),
		TaskID:         taskID,
		PreviousStatus: previous,
		CurrentStatus:  current,
	}
}

// TaskDeletedEvent is emitted when a task is deleted.
type TaskDeletedEvent struct {
	BaseEvent
	TaskID string `json:"task_id"`
}

// NewTaskDeletedEvent creates a new task deleted event.
func NewTaskDeletedEvent(taskID string) TaskDeletedEvent {
	return TaskDeletedEvent{
		BaseEvent: NewBaseEvent(TypeTaskDeleted),
		TaskID:    taskID,
	}
}

// JobUpdatedEvent is emitted on every job status transition.
type JobUpdatedEvent struct {
	BaseEvent
	JobID  string         `json:"job_id"`
	TaskID string         `json:"task_id"`
	Status core.JobStatus `json:"status"`
	Code   string         `json:"code,omitempty"`
}

// NewJobUpdatedEvent creates a new job updated event.
func NewJobUpdatedEvent(jobID, taskID string, status core.JobStatus, code string) JobUpdatedEvent {
	return JobUpdatedEvent{
		BaseEvent: NewBaseEvent(TypeJobUpdated),
		JobID:     jobID,
		TaskID:    taskID,
		Status:    status,
		Code:      code,
	}
}

// ProjectChangedEvent is emitted on project create/open/update.
type ProjectChangedEvent struct {
	BaseEvent
	ProjectID string `json:"project_id"`
}

// NewProjectChangedEvent creates a new project changed event.
func NewProjectChangedEvent(projectID string) ProjectChangedEvent {
	return ProjectChangedEvent{
		BaseEvent: NewBaseEvent(TypeProjectChanged),
		ProjectID: projectID,
	}
}

// WorkspaceChangedEvent is emitted on workspace create/close.
type WorkspaceChangedEvent struct {
	BaseEvent
	WorkspaceID string               `json:"workspace_id"`
	Status      core.WorkspaceStatus `json:"status"`
}

// NewWorkspaceChangedEvent creates a new workspace changed event.
func NewWorkspaceChangedEvent(workspaceID string, status core.WorkspaceStatus) WorkspaceChangedEvent {
	return WorkspaceChangedEvent{
		BaseEvent:   NewBaseEvent(TypeWorkspaceChanged),
		WorkspaceID: workspaceID,
		Status:      status,
	}
}
