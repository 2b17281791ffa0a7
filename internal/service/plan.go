package service

import (
	"context"
	"strconv"

	"github.com/kagan-dev/kagan/internal/core"
	"github.com/kagan-dev/kagan/internal/logging"
)

// PlanService turns a planner's proposal into BACKLOG tasks. Planner
// sessions cannot mutate existing tasks; proposing new ones is their only
// write path.
type PlanService struct {
	tasks *TaskService
	log   *logging.Logger
}

// NewPlanService creates a plan service.
func NewPlanService(tasks *TaskService, log *logging.Logger) *PlanService {
	if log == nil {
		log = logging.NewNop()
	}
	return &PlanService{tasks: tasks, log: log.WithComponent("plan")}
}

// ProposedTask is one task in a plan proposal.
type ProposedTask struct {
	Title              string            `json:"title"`
	Description        string            `json:"description,omitempty"`
	Priority           core.TaskPriority `json:"priority,omitempty"`
	TaskType           core.TaskType     `json:"task_type,omitempty"`
	AcceptanceCriteria []string          `json:"acceptance_criteria,omitempty"`
	ParentID           string            `json:"parent_id,omitempty"`
}

// Propose creates the proposed tasks in the project, all in BACKLOG, and
// returns them in proposal order. Validation fails the whole proposal before
// any task is created.
func (s *PlanService) Propose(ctx context.Context, projectID string, proposals []ProposedTask) ([]*core.Task, error) {
	if len(proposals) == 0 {
		return nil, core.ErrValidation(core.CodeInvalidParams, "a plan needs at least one task")
	}
	for i, p := range proposals {
		if p.Title == "" {
			return nil, core.ErrValidation(core.CodeInvalidParams,
				"proposed task has no title (index "+strconv.Itoa(i)+")")
		}
	}

	created := make([]*core.Task, 0, len(proposals))
	for _, p := range proposals {
		task, err := s.tasks.Create(ctx, CreateParams{
			ProjectID:          projectID,
			ParentID:           p.ParentID,
			Title:              p.Title,
			Description:        p.Description,
			Priority:           p.Priority,
			TaskType:           p.TaskType,
			AcceptanceCriteria: p.AcceptanceCriteria,
		})
		if err != nil {
			return nil, err
		}
		created = append(created, task)
	}
	s.log.Info("plan proposed", "project_id", projectID, "tasks", len(created))
	return created, nil
}
