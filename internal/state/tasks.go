package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kagan-dev/kagan/internal/core"
)

const taskColumns = `id, project_id, parent_id, title, description, status, priority,
	task_type, terminal_backend, agent_backend, acceptance_criteria, base_branch,
	scratchpad, created_at, updated_at, merge_readiness, merge_failed, merge_error,
	checks_passed, approved`

// CreateTask inserts a new task.
func (s *Store) CreateTask(ctx context.Context, task *core.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	criteria, err := json.Marshal(task.AcceptanceCriteria)
	if err != nil {
		return fmt.Errorf("marshaling acceptance criteria: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID, task.ProjectID, nullIfEmpty(task.ParentID), task.Title, task.Description,
		string(task.Status), string(task.Priority), string(task.TaskType),
		string(task.TerminalBackend), task.AgentBackend, string(criteria), task.BaseBranch,
		task.Scratchpad, encodeTime(task.CreatedAt), encodeTime(task.UpdatedAt),
		string(task.MergeReadiness), boolToInt(task.MergeFailed), task.MergeError,
		nullableBool(task.ChecksPassed), boolToInt(task.Approved),
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// GetTask loads a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeTaskNotFound, "task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", id, err)
	}
	return task, nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	ProjectID string
	Status    core.TaskStatus
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*core.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateTask persists every mutable field of task.
func (s *Store) UpdateTask(ctx context.Context, task *core.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	criteria, err := json.Marshal(task.AcceptanceCriteria)
	if err != nil {
		return fmt.Errorf("marshaling acceptance criteria: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			project_id = ?, parent_id = ?, title = ?, description = ?, status = ?,
			priority = ?, task_type = ?, terminal_backend = ?, agent_backend = ?,
			acceptance_criteria = ?, base_branch = ?, scratchpad = ?, updated_at = ?,
			merge_readiness = ?, merge_failed = ?, merge_error = ?, checks_passed = ?,
			approved = ?
		WHERE id = ?
	`,
		task.ProjectID, nullIfEmpty(task.ParentID), task.Title, task.Description,
		string(task.Status), string(task.Priority), string(task.TaskType),
		string(task.TerminalBackend), task.AgentBackend, string(criteria),
		task.BaseBranch, task.Scratchpad, encodeTime(task.UpdatedAt),
		string(task.MergeReadiness), boolToInt(task.MergeFailed), task.MergeError,
		nullableBool(task.ChecksPassed), boolToInt(task.Approved),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", task.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrNotFound(core.CodeTaskNotFound, "task", task.ID)
	}
	return nil
}

// DeleteTask removes a task and its dependents (executions cascade).
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrNotFound(core.CodeTaskNotFound, "task", id)
	}
	return nil
}

// AppendTaskEvent appends one entry to the task's event trail. Seq is
// assigned inside the transaction, so concurrent appends never collide.
func (s *Store) AppendTaskEvent(ctx context.Context, ev *core.TaskEvent) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM task_events WHERE task_id = ?`, ev.TaskID)
		var max int
		if err := row.Scan(&max); err != nil {
			return fmt.Errorf("sequencing task event: %w", err)
		}
		ev.Seq = max + 1
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_events (task_id, seq, occurred_at, event_type, message)
			VALUES (?, ?, ?, ?, ?)
		`, ev.TaskID, ev.Seq, encodeTime(ev.OccurredAt), ev.EventType, ev.Message)
		if err != nil {
			return fmt.Errorf("inserting task event: %w", err)
		}
		return nil
	})
}

// ListTaskEvents returns the task's event trail in append order.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]core.TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, seq, occurred_at, event_type, message
		FROM task_events WHERE task_id = ?
		ORDER BY seq
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing task events: %w", err)
	}
	defer rows.Close()

	var evs []core.TaskEvent
	for rows.Next() {
		var (
			ev         core.TaskEvent
			occurredAt string
		)
		if err := rows.Scan(&ev.TaskID, &ev.Seq, &occurredAt, &ev.EventType, &ev.Message); err != nil {
			return nil, err
		}
		if ev.OccurredAt, err = decodeTime(occurredAt); err != nil {
			return nil, err
		}
		evs = append(evs, ev)
	}
	return evs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*core.Task, error) {
	var (
		task         core.Task
		parentID     sql.NullString
		criteria     string
		createdAt    string
		updatedAt    string
		mergeFailed  int
		checksPassed sql.NullInt64
		approved     int
	)
	err := row.Scan(
		&task.ID, &task.ProjectID, &parentID, &task.Title, &task.Description,
		(*string)(&task.Status), (*string)(&task.Priority), (*string)(&task.TaskType),
		(*string)(&task.TerminalBackend), &task.AgentBackend, &criteria, &task.BaseBranch,
		&task.Scratchpad, &createdAt, &updatedAt, (*string)(&task.MergeReadiness),
		&mergeFailed, &task.MergeError, &checksPassed, &approved,
	)
	if err != nil {
		return nil, err
	}
	task.ParentID = parentID.String
	if err := json.Unmarshal([]byte(criteria), &task.AcceptanceCriteria); err != nil {
		return nil, fmt.Errorf("unmarshaling acceptance criteria: %w", err)
	}
	if task.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	task.MergeFailed = mergeFailed != 0
	task.Approved = approved != 0
	if checksPassed.Valid {
		v := checksPassed.Int64 != 0
		task.ChecksPassed = &v
	}
	return &task, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
