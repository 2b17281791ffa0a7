package server

import (
	"context"
	"time"

	"github.com/kagan-dev/kagan/internal/core"
	"github.com/kagan-dev/kagan/internal/diagnostics"
	"github.com/kagan-dev/kagan/internal/service"
	"github.com/kagan-dev/kagan/internal/state"
)

// Services bundles everything the dispatch surface exposes.
type Services struct {
	Tasks      *service.TaskService
	Waiter     *service.TaskWaiter
	Jobs       *service.JobService
	Projects   *service.ProjectService
	Workspaces *service.WorkspaceService
	Merge      *service.MergeService
	Sessions   *service.SessionService
	Plan       *service.PlanService
	Audit      *service.AuditService
	Settings   *service.SettingsService
	Scheduler  *service.Scheduler
	Janitor    *service.Janitor
	Diag       *diagnostics.Collector
	Plugins    *service.PluginRegistry
}

func registerRoutes(d *Dispatcher, s *Services) {
	// tasks
	d.register("tasks", "list", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		projectID, err := stringParam(params, "project_id")
		if err != nil {
			return nil, err
		}
		status, err := stringParam(params, "status")
		if err != nil {
			return nil, err
		}
		if status != "" && !core.ValidTaskStatus(status) {
			return nil, core.ErrValidation(core.CodeInvalidParams, "unknown status: "+status)
		}
		tasks, err := s.Tasks.List(ctx, state.TaskFilter{
			ProjectID: projectID,
			Status:    core.TaskStatus(status),
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"tasks": tasks}, nil
	})

	d.register("tasks", "get", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		taskID, err := requiredString(params, "task_id")
		if err != nil {
			return nil, err
		}
		task, err := s.Tasks.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": task}, nil
	})

	d.register("tasks", "wait", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		taskID, err := requiredString(params, "task_id")
		if err != nil {
			return nil, err
		}
		timeout, err := timeoutParam(params, "timeout_seconds")
		if err != nil {
			return nil, err
		}
		statuses, err := statusListParam(params, "wait_for_status")
		if err != nil {
			return nil, err
		}
		cursor, err := cursorParam(params, "from_updated_at")
		if err != nil {
			return nil, err
		}
		return s.Waiter.Wait(ctx, service.WaitParams{
			TaskID:         taskID,
			TimeoutSeconds: timeout,
			WaitForStatus:  statuses,
			FromUpdatedAt:  cursor,
		})
	})

	d.register("tasks", "create", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		p, err := createParamsFrom(params)
		if err != nil {
			return nil, err
		}
		task, err := s.Tasks.Create(ctx, p)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": task}, nil
	})

	d.register("tasks", "update", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		taskID, err := requiredString(params, "task_id")
		if err != nil {
			return nil, err
		}
		fields, err := mapParam(params, "fields")
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			return nil, core.ErrValidation(core.CodeInvalidParams, "fields cannot be empty")
		}
		task, err := s.Tasks.UpdateFields(ctx, taskID, fields)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": task}, nil
	})

	d.register("tasks", "move", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		taskID, err := requiredString(params, "task_id")
		if err != nil {
			return nil, err
		}
		status, err := requiredString(params, "status")
		if err != nil {
			return nil, err
		}
		task, err := s.Tasks.Move(ctx, taskID, core.TaskStatus(status))
		if err != nil {
			return nil, err
		}
		spawned := false
		if task.Status == core.TaskStatusInProgress && task.TaskType == core.TaskTypeAuto {
			if err := ensureWorkspace(ctx, s, task); err != nil {
				return nil, err
			}
			spawned = s.Scheduler.SpawnForTask(task)
		}
		return map[string]any{"task": task, "agent_spawned": spawned}, nil
	})

	d.register("tasks", "delete", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		taskID, err := requiredString(params, "task_id")
		if err != nil {
			return nil, err
		}
		s.Scheduler.StopTask(taskID)
		if ws, err := s.Workspaces.GetForTask(ctx, taskID); err == nil {
			if rerr := s.Workspaces.Release(ctx, ws.ID); rerr != nil {
				return nil, rerr
			}
		}
		if err := s.Tasks.Delete(ctx, taskID); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": true}, nil
	})

	d.register("tasks", "update_scratchpad", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		taskID, err := requiredString(params, "task_id")
		if err != nil {
			return nil, err
		}
		note, err := requiredString(params, "content")
		if err != nil {
			return nil, err
		}
		task, err := s.Tasks.AppendScratchpad(ctx, taskID, note)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": task}, nil
	})

	// projects
	d.register("projects", "list", func(ctx context.Context, _ *SessionState, _ map[string]any) (any, error) {
		projects, err := s.Projects.List(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"projects": projects}, nil
	})

	d.register("projects", "get", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		projectID, err := requiredString(params, "project_id")
		if err != nil {
			return nil, err
		}
		project, err := s.Projects.Get(ctx, projectID)
		if err != nil {
			return nil, err
		}
		repos, err := s.Projects.Repos(ctx, projectID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"project": project, "repos": repos}, nil
	})

	d.register("projects", "create", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		name, err := requiredString(params, "name")
		if err != nil {
			return nil, err
		}
		description, err := stringParam(params, "description")
		if err != nil {
			return nil, err
		}
		repoPaths, err := stringListParam(params, "repo_paths")
		if err != nil {
			return nil, err
		}
		project, err := s.Projects.Create(ctx, service.CreateProjectParams{
			Name:        name,
			Description: description,
			RepoPaths:   repoPaths,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"project": project}, nil
	})

	d.register("projects", "open", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		projectID, err := requiredString(params, "project_id")
		if err != nil {
			return nil, err
		}
		project, err := s.Projects.Open(ctx, projectID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"project": project}, nil
	})

	// plan
	d.register("plan", "propose", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		projectID, err := requiredString(params, "project_id")
		if err != nil {
			return nil, err
		}
		items, err := listParam(params, "tasks")
		if err != nil {
			return nil, err
		}
		proposals, err := proposalsFrom(items)
		if err != nil {
			return nil, err
		}
		created, err := s.Plan.Propose(ctx, projectID, proposals)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(created))
		for i, t := range created {
			ids[i] = t.ID
		}
		return map[string]any{"tasks": created, "task_ids": ids}, nil
	})

	// jobs
	d.register("jobs", "submit", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		taskID, err := requiredString(params, "task_id")
		if err != nil {
			return nil, err
		}
		action, err := requiredString(params, "action")
		if err != nil {
			return nil, err
		}
		jobParams, err := mapParam(params, "params")
		if err != nil {
			return nil, err
		}
		job, err := s.Jobs.Submit(ctx, taskID, core.JobAction(action), jobParams)
		if err != nil {
			return nil, err
		}
		return map[string]any{"job": job}, nil
	})

	d.register("jobs", "get", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		jobID, err := requiredString(params, "job_id")
		if err != nil {
			return nil, err
		}
		job, err := s.Jobs.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"job": job}, nil
	})

	d.register("jobs", "wait", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		jobID, err := requiredString(params, "job_id")
		if err != nil {
			return nil, err
		}
		timeout, err := timeoutParam(params, "timeout_seconds")
		if err != nil {
			return nil, err
		}
		wait := 30 * time.Second
		if timeout != nil {
			secs := *timeout
			if secs < 0 {
				secs = 0
			}
			wait = time.Duration(secs * float64(time.Second))
		}
		return s.Jobs.Wait(ctx, jobID, wait)
	})

	d.register("jobs", "events", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		jobID, err := requiredString(params, "job_id")
		if err != nil {
			return nil, err
		}
		limit, err := intParam(params, "limit", 50)
		if err != nil {
			return nil, err
		}
		offset, err := intParam(params, "offset", 0)
		if err != nil {
			return nil, err
		}
		return s.Jobs.Events(ctx, jobID, limit, offset)
	})

	d.register("jobs", "cancel", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		jobID, err := requiredString(params, "job_id")
		if err != nil {
			return nil, err
		}
		job, err := s.Jobs.Cancel(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"job": job}, nil
	})

	// review
	d.register("review", "request", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		taskID, err := requiredString(params, "task_id")
		if err != nil {
			return nil, err
		}
		task, err := s.Tasks.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task.Status != core.TaskStatusInProgress {
			return nil, core.ErrState(core.CodeReviewNotReady,
				"task "+taskID+" is "+string(task.Status)+", not IN_PROGRESS")
		}
		task, err = s.Tasks.Move(ctx, taskID, core.TaskStatusReview)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": task}, nil
	})

	d.register("review", "approve", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		taskID, err := requiredString(params, "task_id")
		if err != nil {
			return nil, err
		}
		task, err := s.Tasks.SetApproved(ctx, taskID, true)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": task}, nil
	})

	d.register("review", "reject", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		taskID, err := requiredString(params, "task_id")
		if err != nil {
			return nil, err
		}
		reason, err := stringParam(params, "reason")
		if err != nil {
			return nil, err
		}
		task, err := s.Tasks.SyncStatusFromReviewReject(ctx, taskID, reason)
		if err != nil {
			return nil, err
		}
		respawned := false
		if task.Status == core.TaskStatusInProgress && task.TaskType == core.TaskTypeAuto {
			s.Scheduler.ResetIterations(taskID)
			respawned = s.Scheduler.SpawnForTask(task)
		}
		return map[string]any{"task": task, "agent_spawned": respawned}, nil
	})

	d.register("review", "merge", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		taskID, err := requiredString(params, "task_id")
		if err != nil {
			return nil, err
		}
		return s.Merge.MergeTask(ctx, taskID)
	})

	d.register("review", "rebase", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		taskID, err := requiredString(params, "task_id")
		if err != nil {
			return nil, err
		}
		return s.Merge.RebaseTask(ctx, taskID)
	})

	// sessions
	d.register("sessions", "create", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		taskID, err := requiredString(params, "task_id")
		if err != nil {
			return nil, err
		}
		return s.Sessions.Create(ctx, taskID)
	})

	d.register("sessions", "attach", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		taskID, err := requiredString(params, "task_id")
		if err != nil {
			return nil, err
		}
		return s.Sessions.Attach(ctx, taskID)
	})

	d.register("sessions", "exists", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		taskID, err := requiredString(params, "task_id")
		if err != nil {
			return nil, err
		}
		exists, err := s.Sessions.Exists(ctx, taskID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"exists": exists}, nil
	})

	d.register("sessions", "kill", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		taskID, err := requiredString(params, "task_id")
		if err != nil {
			return nil, err
		}
		if err := s.Sessions.Kill(ctx, taskID); err != nil {
			return nil, err
		}
		return map[string]any{"killed": true}, nil
	})

	// audit
	d.register("audit", "list", func(ctx context.Context, _ *SessionState, params map[string]any) (any, error) {
		capability, err := stringParam(params, "capability")
		if err != nil {
			return nil, err
		}
		limit, err := intParam(params, "limit", 50)
		if err != nil {
			return nil, err
		}
		cursor, err := stringParam(params, "cursor")
		if err != nil {
			return nil, err
		}
		return s.Audit.List(ctx, capability, limit, cursor)
	})

	// diagnostics
	d.register("diagnostics", "snapshot", func(ctx context.Context, _ *SessionState, _ map[string]any) (any, error) {
		return s.Diag.Collect(ctx), nil
	})

	// settings
	d.register("settings", "get", func(_ context.Context, _ *SessionState, _ map[string]any) (any, error) {
		return map[string]any{"settings": s.Settings.Get()}, nil
	})

	d.register("settings", "update", func(_ context.Context, _ *SessionState, params map[string]any) (any, error) {
		patch, err := mapParam(params, "settings")
		if err != nil {
			return nil, err
		}
		if len(patch) == 0 {
			return nil, core.ErrValidation(core.CodeInvalidParams, "settings patch cannot be empty")
		}
		updated, err := s.Settings.Update(patch)
		if err != nil {
			return nil, err
		}
		return map[string]any{"settings": updated}, nil
	})
}

// ensureWorkspace provisions a workspace for the task when it has none.
func ensureWorkspace(ctx context.Context, s *Services, task *core.Task) error {
	_, err := s.Workspaces.GetForTask(ctx, task.ID)
	if err == nil {
		return nil
	}
	if core.CodeOf(err) != core.CodeWorkspaceNotFound {
		return err
	}
	_, err = s.Workspaces.CreateForTask(ctx, task)
	return err
}

func createParamsFrom(params map[string]any) (service.CreateParams, error) {
	var p service.CreateParams
	var err error
	if p.ProjectID, err = requiredString(params, "project_id"); err != nil {
		return p, err
	}
	if p.Title, err = requiredString(params, "title"); err != nil {
		return p, err
	}
	if p.Description, err = stringParam(params, "description"); err != nil {
		return p, err
	}
	if p.ParentID, err = stringParam(params, "parent_id"); err != nil {
		return p, err
	}
	priority, err := stringParam(params, "priority")
	if err != nil {
		return p, err
	}
	p.Priority = core.TaskPriority(priority)
	taskType, err := stringParam(params, "task_type")
	if err != nil {
		return p, err
	}
	p.TaskType = core.TaskType(taskType)
	backend, err := stringParam(params, "terminal_backend")
	if err != nil {
		return p, err
	}
	p.TerminalBackend = core.TerminalBackend(backend)
	if p.AgentBackend, err = stringParam(params, "agent_backend"); err != nil {
		return p, err
	}
	if p.BaseBranch, err = stringParam(params, "base_branch"); err != nil {
		return p, err
	}
	if p.AcceptanceCriteria, err = stringListParam(params, "acceptance_criteria"); err != nil {
		return p, err
	}
	return p, nil
}

func proposalsFrom(items []any) ([]service.ProposedTask, error) {
	proposals := make([]service.ProposedTask, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, core.ErrValidation(core.CodeInvalidParams,
				"each proposed task must be an object")
		}
		title, err := requiredString(m, "title")
		if err != nil {
			return nil, err
		}
		description, err := stringParam(m, "description")
		if err != nil {
			return nil, err
		}
		priority, err := stringParam(m, "priority")
		if err != nil {
			return nil, err
		}
		taskType, err := stringParam(m, "task_type")
		if err != nil {
			return nil, err
		}
		parentID, err := stringParam(m, "parent_id")
		if err != nil {
			return nil, err
		}
		criteria, err := stringListParam(m, "acceptance_criteria")
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, service.ProposedTask{
			Title:              title,
			Description:        description,
			Priority:           core.TaskPriority(priority),
			TaskType:           core.TaskType(taskType),
			ParentID:           parentID,
			AcceptanceCriteria: criteria,
		})
	}
	return proposals, nil
}
