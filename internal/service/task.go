// Package service implements the core's business operations: tasks, projects,
// workspaces, jobs, automation, merges, PAIR sessions, plugins, audit, and
// settings. Services own all mutating state; clients reach them only through
// the dispatcher.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kagan-dev/kagan/internal/core"
	"github.com/kagan-dev/kagan/internal/events"
	"github.com/kagan-dev/kagan/internal/logging"
	"github.com/kagan-dev/kagan/internal/state"
)

// TaskService owns task CRUD and status transitions. Every mutation bumps
// updated_at and publishes a domain event before returning.
type TaskService struct {
	store *state.Store
	bus   *events.Bus
	log   *logging.Logger
}

// NewTaskService creates a task service.
func NewTaskService(store *state.Store, bus *events.Bus, log *logging.Logger) *TaskService {
	if log == nil {
		log = logging.NewNop()
	}
	return &TaskService{store: store, bus: bus, log: log.WithComponent("tasks")}
}

// NewTaskID generates a task ID.
func NewTaskID() string {
	return "TASK-" + strings.ToUpper(uuid.NewString()[:8])
}

// CreateParams are the inputs for Create.
type CreateParams struct {
	ProjectID          string
	ParentID           string
	Title              string
	Description        string
	Priority           core.TaskPriority
	TaskType           core.TaskType
	TerminalBackend    core.TerminalBackend
	AgentBackend       string
	AcceptanceCriteria []string
	BaseBranch         string
}

// Create inserts a new BACKLOG task.
func (s *TaskService) Create(ctx context.Context, p CreateParams) (*core.Task, error) {
	if _, err := s.store.GetProject(ctx, p.ProjectID); err != nil {
		return nil, err
	}

	task := core.NewTask(NewTaskID(), p.ProjectID, p.Title)
	task.ParentID = p.ParentID
	task.Description = p.Description
	if p.Priority != "" {
		task.Priority = p.Priority
	}
	if p.TaskType != "" {
		task.TaskType = p.TaskType
	}
	task.TerminalBackend = p.TerminalBackend
	task.AgentBackend = p.AgentBackend
	task.AcceptanceCriteria = p.AcceptanceCriteria
	task.BaseBranch = p.BaseBranch

	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, task.ID, core.TaskEventCreated, "Task created")
	s.log.Info("task created", "task_id", task.ID, "project_id", task.ProjectID)
	s.bus.Publish(events.NewTaskCreatedEvent(task.ID, task.ProjectID))
	return task, nil
}

// Get loads a task.
func (s *TaskService) Get(ctx context.Context, taskID string) (*core.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// List returns tasks matching the filter.
func (s *TaskService) List(ctx context.Context, filter state.TaskFilter) ([]*core.Task, error) {
	return s.store.ListTasks(ctx, filter)
}

// UpdateFields is the general mutator: fields maps column-style names to new
// values. Unknown fields are INVALID_PARAMS.
func (s *TaskService) UpdateFields(ctx context.Context, taskID string, fields map[string]any) (*core.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	previous := task.Status

	for name, value := range fields {
		if err := applyTaskField(task, name, value); err != nil {
			return nil, err
		}
	}
	task.Touch()
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	if task.Status != previous {
		s.recordEvent(ctx, task.ID, core.TaskEventStatusChange,
			fmt.Sprintf("%s -> %s", previous, task.Status))
	}
	s.bus.Publish(events.NewTaskChangedEvent(task.ID, previous, task.Status))
	return task, nil
}

// Move transitions a task to a status. It is the narrow helper around
// UpdateFields for kanban moves.
func (s *TaskService) Move(ctx context.Context, taskID string, status core.TaskStatus) (*core.Task, error) {
	if !core.ValidTaskStatus(string(status)) {
		return nil, core.ErrValidation(core.CodeInvalidParams, "unknown status: "+string(status))
	}
	return s.UpdateFields(ctx, taskID, map[string]any{"status": string(status)})
}

// Delete removes a task and publishes TaskDeleted.
func (s *TaskService) Delete(ctx context.Context, taskID string) error {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return err
	}
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	s.log.Info("task deleted", "task_id", taskID)
	s.bus.Publish(events.NewTaskDeletedEvent(taskID))
	return nil
}

// AppendScratchpad appends a note to the task's scratchpad.
func (s *TaskService) AppendScratchpad(ctx context.Context, taskID, note string) (*core.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	previous := task.Status
	task.AppendScratchpad(note)
	task.Touch()
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	s.bus.Publish(events.NewTaskChangedEvent(task.ID, previous, task.Status))
	return task, nil
}

// Links returns the @TASK-xxx mentions of a task.
func (s *TaskService) Links(ctx context.Context, taskID string) ([]string, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return task.Links(), nil
}

// SyncStatusFromAgentComplete moves IN_PROGRESS to REVIEW when an agent run
// succeeded. Any other combination is a no-op returning the task unchanged.
func (s *TaskService) SyncStatusFromAgentComplete(ctx context.Context, taskID string, success bool) (*core.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != core.TaskStatusInProgress || !success {
		return task, nil
	}
	return s.Move(ctx, taskID, core.TaskStatusReview)
}

// SyncStatusFromReviewPass moves REVIEW to DONE; otherwise no change.
func (s *TaskService) SyncStatusFromReviewPass(ctx context.Context, taskID string) (*core.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != core.TaskStatusReview {
		return task, nil
	}
	return s.Move(ctx, taskID, core.TaskStatusDone)
}

// SyncStatusFromReviewReject moves REVIEW back to IN_PROGRESS, appending the
// rejection reason to the description; otherwise no change.
func (s *TaskService) SyncStatusFromReviewReject(ctx context.Context, taskID, reason string) (*core.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != core.TaskStatusReview {
		return task, nil
	}
	previous := task.Status
	if reason != "" {
		task.Description = strings.TrimSpace(task.Description + "\n\nReview rejected: " + reason)
	}
	task.Status = core.TaskStatusInProgress
	task.Touch()
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, task.ID, core.TaskEventStatusChange,
		fmt.Sprintf("%s -> %s (review rejected)", previous, task.Status))
	s.bus.Publish(events.NewTaskChangedEvent(task.ID, previous, task.Status))
	return task, nil
}

// AppendEvent appends a free-form entry to the task's event trail.
func (s *TaskService) AppendEvent(ctx context.Context, taskID, eventType, message string) (*core.TaskEvent, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	if eventType == "" {
		eventType = core.TaskEventNote
	}
	ev := &core.TaskEvent{
		TaskID:     taskID,
		OccurredAt: time.Now().UTC(),
		EventType:  eventType,
		Message:    message,
	}
	if err := s.store.AppendTaskEvent(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Events returns the task's event trail in append order.
func (s *TaskService) Events(ctx context.Context, taskID string) ([]core.TaskEvent, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListTaskEvents(ctx, taskID)
}

// recordEvent appends a lifecycle entry. The trail is supplemental: a failed
// append is logged, never propagated.
func (s *TaskService) recordEvent(ctx context.Context, taskID, eventType, message string) {
	ev := &core.TaskEvent{
		TaskID:     taskID,
		OccurredAt: time.Now().UTC(),
		EventType:  eventType,
		Message:    message,
	}
	if err := s.store.AppendTaskEvent(ctx, ev); err != nil {
		s.log.Warn("appending task event failed", "task_id", taskID, "error", err)
	}
}

// SetApproved flips the review approval flag.
func (s *TaskService) SetApproved(ctx context.Context, taskID string, approved bool) (*core.Task, error) {
	return s.UpdateFields(ctx, taskID, map[string]any{"approved": approved})
}

func applyTaskField(task *core.Task, name string, value any) error {
	invalid := func(want string) error {
		return core.ErrValidation(core.CodeInvalidParams,
			fmt.Sprintf("field %s expects %s, got %T", name, want, value))
	}
	str := func() (string, error) {
		s, ok := value.(string)
		if !ok {
			return "", invalid("string")
		}
		return s, nil
	}

	switch name {
	case "title":
		v, err := str()
		if err != nil {
			return err
		}
		task.Title = v
	case "description":
		v, err := str()
		if err != nil {
			return err
		}
		task.Description = v
	case "status":
		v, err := str()
		if err != nil {
			return err
		}
		if !core.ValidTaskStatus(v) {
			return core.ErrValidation(core.CodeInvalidParams, "unknown status: "+v)
		}
		task.Status = core.TaskStatus(v)
	case "priority":
		v, err := str()
		if err != nil {
			return err
		}
		switch core.TaskPriority(v) {
		case core.PriorityLow, core.PriorityMedium, core.PriorityHigh:
			task.Priority = core.TaskPriority(v)
		default:
			return core.ErrValidation(core.CodeInvalidParams, "unknown priority: "+v)
		}
	case "task_type":
		v, err := str()
		if err != nil {
			return err
		}
		switch core.TaskType(v) {
		case core.TaskTypeAuto, core.TaskTypePair:
			task.TaskType = core.TaskType(v)
		default:
			return core.ErrValidation(core.CodeInvalidParams, "unknown task_type: "+v)
		}
	case "terminal_backend":
		v, err := str()
		if err != nil {
			return err
		}
		task.TerminalBackend = core.TerminalBackend(v)
	case "agent_backend":
		v, err := str()
		if err != nil {
			return err
		}
		task.AgentBackend = v
	case "base_branch":
		v, err := str()
		if err != nil {
			return err
		}
		task.BaseBranch = v
	case "parent_id":
		v, err := str()
		if err != nil {
			return err
		}
		task.ParentID = v
	case "acceptance_criteria":
		items, ok := value.([]any)
		if !ok {
			return invalid("list of strings")
		}
		criteria := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return invalid("list of strings")
			}
			criteria = append(criteria, s)
		}
		task.AcceptanceCriteria = criteria
	case "approved":
		v, ok := value.(bool)
		if !ok {
			return invalid("bool")
		}
		task.Approved = v
	case "merge_readiness":
		v, err := str()
		if err != nil {
			return err
		}
		switch core.MergeReadiness(v) {
		case core.MergeReady, core.MergeRisk, core.MergeBlocked:
			task.MergeReadiness = core.MergeReadiness(v)
		default:
			return core.ErrValidation(core.CodeInvalidParams, "unknown merge_readiness: "+v)
		}
	case "merge_failed":
		v, ok := value.(bool)
		if !ok {
			return invalid("bool")
		}
		task.MergeFailed = v
	case "merge_error":
		v, err := str()
		if err != nil {
			return err
		}
		task.MergeError = v
	case "checks_passed":
		if value == nil {
			task.ChecksPassed = nil
			return nil
		}
		v, ok := value.(bool)
		if !ok {
			return invalid("bool or null")
		}
		task.ChecksPassed = &v
	case "scratchpad":
		v, err := str()
		if err != nil {
			return err
		}
		task.Scratchpad = v
	default:
		return core.ErrValidation(core.CodeInvalidParams, "unknown task field: "+name)
	}
	return nil
}
