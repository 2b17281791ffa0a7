package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kagan-dev/kagan/internal/core"
	"github.com/kagan-dev/kagan/internal/events"
	"github.com/kagan-dev/kagan/internal/logging"
	"github.com/kagan-dev/kagan/internal/state"
)

// cancelQuiesceTimeout is how long jobs.cancel waits for a running job to
// acknowledge a cooperative cancel before reporting STOP_PENDING.
const cancelQuiesceTimeout = 3 * time.Second

const cancelQuiescePoll = 50 * time.Millisecond

// JobRunner executes one job action. The runner must honour ctx cancellation;
// its error (or result) decides the terminal status.
type JobRunner func(ctx context.Context, job *core.Job, params map[string]any) (map[string]any, error)

// JobService owns the asynchronous job envelope: persistence, the status
// machine, the event log, and cooperative cancellation.
type JobService struct {
	store *state.Store
	bus   *events.Bus
	log   *logging.Logger

	baseCtx context.Context

	mu          sync.Mutex
	runners     map[core.JobAction]JobRunner
	cancels     map[string]context.CancelFunc
	stopPending map[string]bool
	wg          sync.WaitGroup
}

// NewJobService creates a job service. baseCtx bounds all job execution;
// cancelling it (core shutdown) cancels every running job.
func NewJobService(baseCtx context.Context, store *state.Store, bus *events.Bus, log *logging.Logger) *JobService {
	if log == nil {
		log = logging.NewNop()
	}
	return &JobService{
		store:       store,
		bus:         bus,
		log:         log.WithComponent("jobs"),
		baseCtx:     baseCtx,
		runners:     make(map[core.JobAction]JobRunner),
		cancels:     make(map[string]context.CancelFunc),
		stopPending: make(map[string]bool),
	}
}

// RegisterRunner binds an action to its runner. Later registrations replace
// earlier ones.
func (s *JobService) RegisterRunner(action core.JobAction, runner JobRunner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners[action] = runner
}

// Submit creates a QUEUED job and starts executing it in the background.
// The job_id is stable and returned immediately.
func (s *JobService) Submit(ctx context.Context, taskID string, action core.JobAction, params map[string]any) (*core.Job, error) {
	s.mu.Lock()
	runner, ok := s.runners[action]
	s.mu.Unlock()
	if !ok {
		return nil, core.ErrValidation(core.CodeInvalidParams, fmt.Sprintf("unknown job action %q", action))
	}

	now := time.Now().UTC()
	job := &core.Job{
		JobID:     "job-" + uuid.NewString(),
		TaskID:    taskID,
		Action:    action,
		Status:    core.JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
		Events: []core.JobEvent{{
			Status:    core.JobQueued,
			Timestamp: now,
			Message:   "job accepted",
		}},
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	s.bus.Publish(events.NewJobUpdatedEvent(job.JobID, job.TaskID, job.Status, ""))

	runCtx, cancel := context.WithCancel(s.baseCtx)
	s.mu.Lock()
	s.cancels[job.JobID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(runCtx, job.JobID, runner, params)

	return job, nil
}

func (s *JobService) execute(ctx context.Context, jobID string, runner JobRunner, params map[string]any) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if cancel, ok := s.cancels[jobID]; ok {
			cancel()
			delete(s.cancels, jobID)
		}
		delete(s.stopPending, jobID)
		s.mu.Unlock()
	}()

	job, err := s.transition(context.Background(), jobID, core.JobRunning, "job started", "", nil)
	if err != nil {
		// A cancel landed while the job was still queued.
		s.log.Debug("job did not start", "job_id", jobID, "error", err)
		return
	}

	result, runErr := runner(ctx, job, params)
	switch {
	case ctx.Err() != nil:
		if _, err := s.transition(context.Background(), jobID, core.JobCancelled, "job cancelled", "", nil); err != nil {
			s.log.Warn("recording job cancellation failed", "job_id", jobID, "error", err)
		}
	case runErr != nil:
		code := core.CodeOf(runErr)
		if _, err := s.transitionResult(jobID, core.JobFailed, runErr.Error(), code, nil); err != nil {
			s.log.Warn("recording job failure failed", "job_id", jobID, "error", err)
		}
	default:
		if _, err := s.transitionResult(jobID, core.JobSucceeded, "job completed", "", result); err != nil {
			s.log.Warn("recording job success failed", "job_id", jobID, "error", err)
		}
	}
}

// Get loads a job. A running job with an unacknowledged cancel carries
// code STOP_PENDING.
func (s *JobService) Get(ctx context.Context, jobID string) (*core.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	pending := s.stopPending[jobID]
	s.mu.Unlock()
	if pending && job.Status == core.JobRunning {
		job.Code = core.CodeStopPending
	}
	return job, nil
}

// WaitOutcome is the result of jobs.wait.
type WaitOutcome struct {
	Job      *core.Job `json:"job"`
	TimedOut bool      `json:"timed_out"`
	Code     string    `json:"code,omitempty"`
}

// Wait blocks until the job reaches a terminal status or the timeout
// expires. A timeout is not an error: the outcome still carries the job,
// with timed_out=true and code JOB_TIMEOUT.
func (s *JobService) Wait(ctx context.Context, jobID string, timeout time.Duration) (WaitOutcome, error) {
	ch := s.bus.Subscribe(events.TypeJobUpdated)
	defer s.bus.Unsubscribe(ch)

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return WaitOutcome{}, err
	}
	if job.Status.IsTerminal() {
		return WaitOutcome{Job: job}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return WaitOutcome{Job: job, TimedOut: true, Code: core.CodeJobTimeout}, nil
		case <-timer.C:
			job, err := s.Get(ctx, jobID)
			if err != nil {
				return WaitOutcome{}, err
			}
			if job.Status.IsTerminal() {
				return WaitOutcome{Job: job}, nil
			}
			return WaitOutcome{Job: job, TimedOut: true, Code: core.CodeJobTimeout}, nil
		case ev, ok := <-ch:
			if !ok {
				return WaitOutcome{Job: job, TimedOut: true, Code: core.CodeJobTimeout}, nil
			}
			updated, isJob := ev.(events.JobUpdatedEvent)
			if !isJob || updated.JobID != jobID || !updated.Status.IsTerminal() {
				continue
			}
			job, err := s.Get(ctx, jobID)
			if err != nil {
				return WaitOutcome{}, err
			}
			return WaitOutcome{Job: job}, nil
		}
	}
}

// EventsPage is one slice of a job's event log.
type EventsPage struct {
	Events         []core.JobEvent `json:"events"`
	Limit          int             `json:"limit"`
	Offset         int             `json:"offset"`
	ReturnedEvents int             `json:"returned_events"`
	TotalEvents    int             `json:"total_events"`
	HasMore        bool            `json:"has_more"`
	NextOffset     int             `json:"next_offset"`
}

// Events returns a stable page of the job's ordered event log.
func (s *JobService) Events(ctx context.Context, jobID string, limit, offset int) (EventsPage, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return EventsPage{}, err
	}
	total := len(job.Events)

	page, err := s.store.ListJobEvents(ctx, jobID, offset, limit)
	if err != nil {
		return EventsPage{}, err
	}
	return EventsPage{
		Events:         page,
		Limit:          limit,
		Offset:         offset,
		ReturnedEvents: len(page),
		TotalEvents:    total,
		HasMore:        offset+len(page) < total,
		NextOffset:     offset + len(page),
	}, nil
}

// Cancel transitions a QUEUED job to CANCELLED unconditionally and signals a
// cooperative cancel for RUNNING jobs. Terminal jobs ignore the request.
func (s *JobService) Cancel(ctx context.Context, jobID string) (*core.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	// Cancel the run context before touching the status row, so a job that
	// slips from QUEUED into RUNNING under us still sees the cancel.
	s.mu.Lock()
	if cancel, ok := s.cancels[jobID]; ok {
		cancel()
	}
	s.mu.Unlock()

	if job.Status == core.JobQueued {
		cancelled, err := s.transition(ctx, jobID, core.JobCancelled, "job cancelled before start", "", nil)
		if err == nil {
			return cancelled, nil
		}
		// Lost the race: the job started. Fall through to the quiesce wait.
	}

	deadline := time.Now().Add(cancelQuiesceTimeout)
	for time.Now().Before(deadline) {
		job, err = s.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cancelQuiescePoll):
		}
	}

	s.mu.Lock()
	s.stopPending[jobID] = true
	s.mu.Unlock()
	job.Code = core.CodeStopPending
	return job, nil
}

// Shutdown waits for in-flight job goroutines to finish. Callers cancel the
// base context first.
func (s *JobService) Shutdown() {
	s.wg.Wait()
}

// transition applies one state-machine step, appends the event, persists,
// and publishes JobUpdated.
func (s *JobService) transition(ctx context.Context, jobID string, to core.JobStatus, message, code string, payload map[string]any) (*core.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !core.CanTransition(job.Status, to) {
		return nil, core.ErrState(core.CodeInvalidParams,
			fmt.Sprintf("job %s cannot move from %s to %s", jobID, job.Status, to))
	}
	now := time.Now().UTC()
	job.Status = to
	job.Code = code
	job.Message = message
	job.UpdatedAt = now
	job.Events = append(job.Events, core.JobEvent{
		Status:    to,
		Timestamp: now,
		Message:   message,
		Code:      code,
		Payload:   payload,
	})
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	s.bus.Publish(events.NewJobUpdatedEvent(job.JobID, job.TaskID, to, code))
	return job, nil
}

func (s *JobService) transitionResult(jobID string, to core.JobStatus, message, code string, result map[string]any) (*core.Job, error) {
	job, err := s.transition(context.Background(), jobID, to, message, code, nil)
	if err != nil {
		return nil, err
	}
	if result != nil {
		job.Result = result
		if err := s.store.UpdateJob(context.Background(), job); err != nil {
			return nil, err
		}
	}
	return job, nil
}
