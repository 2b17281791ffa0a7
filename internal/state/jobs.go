package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kagan-dev/kagan/internal/core"
)

// CreateJob inserts a job together with its initial event.
func (s *Store) CreateJob(ctx context.Context, job *core.Job) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := marshalNullable(job.Result)
		if err != nil {
			return fmt.Errorf("marshaling job result: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO jobs (job_id, task_id, action, status, code, message, result, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, job.JobID, job.TaskID, string(job.Action), string(job.Status),
			job.Code, job.Message, result, encodeTime(job.CreatedAt), encodeTime(job.UpdatedAt))
		if err != nil {
			return fmt.Errorf("inserting job: %w", err)
		}
		for i, ev := range job.Events {
			if err := insertJobEvent(ctx, tx, job.JobID, i, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateJob persists a job's mutable fields and appends any events past the
// already-stored prefix. Event rows are append-only; seq preserves insertion
// order for timestamp ties.
func (s *Store) UpdateJob(ctx context.Context, job *core.Job) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := marshalNullable(job.Result)
		if err != nil {
			return fmt.Errorf("marshaling job result: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, code = ?, message = ?, result = ?, updated_at = ?
			WHERE job_id = ?
		`, string(job.Status), job.Code, job.Message, result, encodeTime(job.UpdatedAt), job.JobID)
		if err != nil {
			return fmt.Errorf("updating job %s: %w", job.JobID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return core.ErrNotFound(core.CodeJobNotFound, "job", job.JobID)
		}

		var have int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM job_events WHERE job_id = ?`, job.JobID).Scan(&have); err != nil {
			return err
		}
		for i := have; i < len(job.Events); i++ {
			if err := insertJobEvent(ctx, tx, job.JobID, i, job.Events[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetJob loads a job with its full event log.
func (s *Store) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var (
		job       core.Job
		result    sql.NullString
		createdAt string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, task_id, action, status, code, message, result, created_at, updated_at
		FROM jobs WHERE job_id = ?
	`, jobID).Scan(&job.JobID, &job.TaskID, (*string)(&job.Action), (*string)(&job.Status),
		&job.Code, &job.Message, &result, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeJobNotFound, "job", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &job.Result); err != nil {
			return nil, fmt.Errorf("unmarshaling job result: %w", err)
		}
	}
	if job.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}

	events, err := s.ListJobEvents(ctx, jobID, 0, -1)
	if err != nil {
		return nil, err
	}
	job.Events = events
	return &job, nil
}

// ListJobEvents returns a stable page of a job's events ordered by seq.
// limit < 0 means no limit.
func (s *Store) ListJobEvents(ctx context.Context, jobID string, offset, limit int) ([]core.JobEvent, error) {
	query := `
		SELECT status, timestamp, message, code, payload
		FROM job_events WHERE job_id = ?
		ORDER BY seq`
	args := []any{jobID}
	if limit >= 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing job events: %w", err)
	}
	defer rows.Close()

	events := make([]core.JobEvent, 0)
	for rows.Next() {
		var (
			ev      core.JobEvent
			ts      string
			payload sql.NullString
		)
		if err := rows.Scan((*string)(&ev.Status), &ts, &ev.Message, &ev.Code, &payload); err != nil {
			return nil, err
		}
		if ev.Timestamp, err = decodeTime(ts); err != nil {
			return nil, err
		}
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshaling job event payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListJobsForTask returns a task's jobs, newest first.
func (s *Store) ListJobsForTask(ctx context.Context, taskID string) ([]*core.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id FROM jobs WHERE task_id = ? ORDER BY created_at DESC, job_id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing jobs for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	jobs := make([]*core.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func insertJobEvent(ctx context.Context, tx *sql.Tx, jobID string, seq int, ev core.JobEvent) error {
	payload, err := marshalNullable(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshaling job event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_events (job_id, seq, status, timestamp, message, code, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, jobID, seq, string(ev.Status), encodeTime(ev.Timestamp), ev.Message, ev.Code, payload)
	if err != nil {
		return fmt.Errorf("inserting job event: %w", err)
	}
	return nil
}

func marshalNullable(m map[string]interface{}) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
