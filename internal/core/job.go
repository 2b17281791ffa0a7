package core

import "time"

// JobStatus is the lifecycle state of an asynchronous job.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// JobAction names the operation a job performs.
type JobAction string

const (
	ActionAgentStart  JobAction = "agent_start"
	ActionStopAgent   JobAction = "stop_agent"
	ActionReviewStart JobAction = "review_start"
)

// JobEvent is one entry in a job's ordered event log.
type JobEvent struct {
	Status    JobStatus              `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Message   string                 `json:"message,omitempty"`
	Code      string                 `json:"code,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Job is the canonical async handle for any operation a client initiates
// but does not block on.
type Job struct {
	JobID     string                 `json:"job_id"`
	TaskID    string                 `json:"task_id"`
	Action    JobAction              `json:"action"`
	Status    JobStatus              `json:"status"`
	Code      string                 `json:"code,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Result    map[string]interface{} `json:"result,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Events    []JobEvent             `json:"events"`
}

// CanTransition reports whether the state machine permits from -> to.
//
//	QUEUED -> RUNNING -> {SUCCEEDED, FAILED, CANCELLED}
//	QUEUED ----------> CANCELLED
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobQueued:
		return to == JobRunning || to == JobCancelled
	case JobRunning:
		return to == JobSucceeded || to == JobFailed || to == JobCancelled
	}
	return false
}
