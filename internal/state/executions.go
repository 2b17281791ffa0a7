package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kagan-dev/kagan/internal/core"
)

// CreateExecution records one agent run.
func (s *Store) CreateExecution(ctx context.Context, ex *core.Execution) error {
	metadata, err := json.Marshal(ex.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling execution metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, task_id, created_at, metadata)
		VALUES (?, ?, ?, ?)
	`, ex.ID, ex.TaskID, encodeTime(ex.CreatedAt), string(metadata))
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// ListExecutions returns a task's executions, newest first.
func (s *Store) ListExecutions(ctx context.Context, taskID string) ([]*core.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, created_at, metadata FROM executions
		WHERE task_id = ? ORDER BY created_at DESC, id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing executions for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var executions []*core.Execution
	for rows.Next() {
		var (
			ex        core.Execution
			createdAt string
			metadata  string
		)
		if err := rows.Scan(&ex.ID, &ex.TaskID, &createdAt, &metadata); err != nil {
			return nil, err
		}
		if ex.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metadata), &ex.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling execution metadata: %w", err)
		}
		executions = append(executions, &ex)
	}
	return executions, rows.Err()
}

// ExecutionLogPath returns the JSONL sidecar path for an execution. Sidecars
// live next to the database under a logs directory keyed by execution ID.
func (s *Store) ExecutionLogPath(executionID string) string {
	return filepath.Join(filepath.Dir(s.dbPath), "execution_logs", executionID+".jsonl")
}

// AppendExecutionLog appends one JSON line to an execution's log sidecar.
func (s *Store) AppendExecutionLog(executionID string, entry any) error {
	path := s.ExecutionLogPath(executionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating execution log directory: %w", err)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling log entry: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("opening execution log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing execution log: %w", err)
	}
	return nil
}

// ReadExecutionLog returns the raw JSON lines of an execution's log. A
// missing sidecar reads as empty.
func (s *Store) ReadExecutionLog(executionID string) ([]json.RawMessage, error) {
	f, err := os.Open(s.ExecutionLogPath(executionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening execution log: %w", err)
	}
	defer f.Close()

	var lines []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lines = append(lines, json.RawMessage(append([]byte(nil), line...)))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading execution log: %w", err)
	}
	return lines, nil
}
