package core

import (
	"regexp"
	"strings"
	"time"
)

// TaskStatus represents the kanban column a task occupies.
type TaskStatus string

const (
	TaskStatusBacklog    TaskStatus = "BACKLOG"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusReview     TaskStatus = "REVIEW"
	TaskStatusDone       TaskStatus = "DONE"
)

// ValidTaskStatus reports whether s names a known status.
func ValidTaskStatus(s string) bool {
	switch TaskStatus(s) {
	case TaskStatusBacklog, TaskStatusInProgress, TaskStatusReview, TaskStatusDone:
		return true
	}
	return false
}

// TaskPriority orders tasks for operator attention.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "LOW"
	PriorityMedium TaskPriority = "MEDIUM"
	PriorityHigh   TaskPriority = "HIGH"
)

// TaskType selects the execution mode for a task.
type TaskType string

const (
	TaskTypeAuto TaskType = "AUTO" // background agent supervised by the scheduler
	TaskTypePair TaskType = "PAIR" // interactive session launched for a human
)

// TerminalBackend is the launcher used for PAIR sessions.
type TerminalBackend string

const (
	BackendTmux   TerminalBackend = "tmux"
	BackendVSCode TerminalBackend = "vscode"
	BackendCursor TerminalBackend = "cursor"
)

// MergeReadiness summarises whether a task's branch can land.
type MergeReadiness string

const (
	MergeReady   MergeReadiness = "READY"
	MergeRisk    MergeReadiness = "RISK"
	MergeBlocked MergeReadiness = "BLOCKED"
)

// Task is the unit of work the core coordinates.
type Task struct {
	ID                 string          `json:"id"`
	ProjectID          string          `json:"project_id"`
	ParentID           string          `json:"parent_id,omitempty"`
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	Status             TaskStatus      `json:"status"`
	Priority           TaskPriority    `json:"priority"`
	TaskType           TaskType        `json:"task_type"`
	TerminalBackend    TerminalBackend `json:"terminal_backend,omitempty"`
	AgentBackend       string          `json:"agent_backend,omitempty"`
	AcceptanceCriteria []string        `json:"acceptance_criteria"`
	BaseBranch         string          `json:"base_branch,omitempty"`
	Scratchpad         string          `json:"scratchpad,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	MergeReadiness     MergeReadiness  `json:"merge_readiness"`
	MergeFailed        bool            `json:"merge_failed,omitempty"`
	MergeError         string          `json:"merge_error,omitempty"`
	ChecksPassed       *bool           `json:"checks_passed,omitempty"`
	Approved           bool            `json:"approved,omitempty"`
}

// TaskEvent is one entry in a task's append-only history: creations, status
// transitions, review verdicts. Seq orders the trail per task.
type TaskEvent struct {
	TaskID     string    `json:"task_id"`
	Seq        int       `json:"seq"`
	OccurredAt time.Time `json:"occurred_at"`
	EventType  string    `json:"event_type"`
	Message    string    `json:"message,omitempty"`
}

// Task event types.
const (
	TaskEventCreated      = "created"
	TaskEventStatusChange = "status_change"
	TaskEventNote         = "note"
)

// NewTask creates a task with required fields and defaults.
func NewTask(id, projectID, title string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:             id,
		ProjectID:      projectID,
		Title:          title,
		Status:         TaskStatusBacklog,
		Priority:       PriorityMedium,
		TaskType:       TaskTypeAuto,
		MergeReadiness: MergeRisk,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Validate checks task invariants.
func (t *Task) Validate() error {
	if t.ID == "" {
		return ErrValidation("TASK_ID_REQUIRED", "task ID cannot be empty")
	}
	if t.Title == "" {
		return ErrValidation("TASK_TITLE_REQUIRED", "task title cannot be empty")
	}
	if !ValidTaskStatus(string(t.Status)) {
		return ErrValidation("INVALID_STATUS", "unknown task status: "+string(t.Status))
	}
	if t.TaskType == TaskTypeAuto && t.TerminalBackend != "" {
		return ErrValidation("TERMINAL_BACKEND_FORBIDDEN",
			"AUTO tasks cannot carry a terminal backend")
	}
	return nil
}

// IsTerminalForScheduling reports whether the scheduler should ignore the task.
// DONE is terminal for scheduling, not for deletion.
func (t *Task) IsTerminalForScheduling() bool {
	return t.Status == TaskStatusDone
}

// Touch bumps updated_at, guaranteeing a strictly increasing cursor even when
// two mutations land within clock resolution.
func (t *Task) Touch() {
	now := time.Now().UTC()
	if !now.After(t.UpdatedAt) {
		now = t.UpdatedAt.Add(time.Microsecond)
	}
	t.UpdatedAt = now
}

// AppendScratchpad appends a note to the scratchpad, separating entries with
// a newline when the pad is non-empty.
func (t *Task) AppendScratchpad(note string) {
	if t.Scratchpad == "" {
		t.Scratchpad = strings.TrimSpace(note)
		return
	}
	t.Scratchpad = strings.TrimSpace(t.Scratchpad + "\n" + note)
}

var taskMentionRe = regexp.MustCompile(`@(TASK-[A-Za-z0-9]+)`)

// Links returns task IDs mentioned as @TASK-xxx in the scratchpad and
// description, de-duplicated in first-seen order.
func (t *Task) Links() []string {
	seen := make(map[string]bool)
	var links []string
	for _, source := range []string{t.Scratchpad, t.Description} {
		for _, m := range taskMentionRe.FindAllStringSubmatch(source, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				links = append(links, m[1])
			}
		}
	}
	return links
}
