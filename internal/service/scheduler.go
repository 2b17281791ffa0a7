package service

import (
	"context"
	"sync"
	"time"

	"github.com/kagan-dev/kagan/internal/config"
	"github.com/kagan-dev/kagan/internal/core"
	"github.com/kagan-dev/kagan/internal/logging"
)

// stopQuiesceTimeout is how long stop_task waits for a cancelled runtime to
// wind down before reporting failure.
const stopQuiesceTimeout = 5 * time.Second

// IterationOptions carry the per-iteration settings an agent receives.
// AutoApprove is re-read from the live config before every iteration, so
// settings updates propagate to running agents on their next turn.
type IterationOptions struct {
	Iteration   int
	AutoApprove bool
	ReadOnly    bool
}

// IterationResult reports one agent iteration.
type IterationResult struct {
	Done    bool
	Success bool
}

// AgentRunner runs one iteration of an agent against a task. Implementations
// spawn the agent subprocess and watch for its completion signal.
type AgentRunner interface {
	RunIteration(ctx context.Context, task *core.Task, opts IterationOptions) (IterationResult, error)
}

// AgentRunnerFunc adapts a function to AgentRunner.
type AgentRunnerFunc func(ctx context.Context, task *core.Task, opts IterationOptions) (IterationResult, error)

func (f AgentRunnerFunc) RunIteration(ctx context.Context, task *core.Task, opts IterationOptions) (IterationResult, error) {
	return f(ctx, task, opts)
}

type runtime struct {
	cancel    context.CancelFunc
	reviewing bool
	done      chan struct{}
}

// Scheduler owns every AUTO agent runtime: at most one per task, a global
// concurrency cap, per-task iteration budgets, and the process-wide merge
// lock that serialises destructive git flows.
type Scheduler struct {
	cfg    *config.Handle
	tasks  *TaskService
	runner AgentRunner
	log    *logging.Logger

	baseCtx context.Context

	// MergeLock serialises all merges across the process. The merge
	// service takes it for every merge flow when serialize_merges is on.
	MergeLock sync.Mutex

	mu         sync.Mutex
	runtimes   map[string]*runtime
	iterations map[string]int
}

// NewScheduler creates a scheduler. baseCtx bounds all agent runtimes.
func NewScheduler(baseCtx context.Context, cfg *config.Handle, tasks *TaskService, runner AgentRunner, log *logging.Logger) *Scheduler {
	if log == nil {
		log = logging.NewNop()
	}
	return &Scheduler{
		cfg:        cfg,
		tasks:      tasks,
		runner:     runner,
		log:        log.WithComponent("scheduler"),
		baseCtx:    baseCtx,
		runtimes:   make(map[string]*runtime),
		iterations: make(map[string]int),
	}
}

// IsRunning reports whether an automation runtime exists for the task.
func (s *Scheduler) IsRunning(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[taskID]
	return ok && !rt.reviewing
}

// IsReviewing reports whether a review runtime exists for the task.
func (s *Scheduler) IsReviewing(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[taskID]
	return ok && rt.reviewing
}

// RunningCount returns how many runtimes are live.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runtimes)
}

// ResetIterations clears the task's iteration budget. Used by the rejection
// retry path so a rejected task gets a fresh run.
func (s *Scheduler) ResetIterations(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.iterations, taskID)
}

// SpawnForTask starts an automation runtime for the task. Returns true only
// when an agent was actually spawned: false when one is already running for
// the task or the concurrency cap is reached.
func (s *Scheduler) SpawnForTask(task *core.Task) bool {
	return s.spawn(task, false)
}

// SpawnReview starts a read-only review runtime for the task. Review agents
// get no write-file or terminal capability.
func (s *Scheduler) SpawnReview(task *core.Task) bool {
	return s.spawn(task, true)
}

func (s *Scheduler) spawn(task *core.Task, reviewing bool) bool {
	if task.IsTerminalForScheduling() {
		s.log.Debug("not spawning for terminal task", "task_id", task.ID, "status", task.Status)
		return false
	}
	maxConcurrent := s.cfg.Current().General.MaxConcurrentAgents

	s.mu.Lock()
	if _, exists := s.runtimes[task.ID]; exists {
		s.mu.Unlock()
		return false
	}
	if len(s.runtimes) >= maxConcurrent {
		s.mu.Unlock()
		s.log.Debug("at capacity, not spawning", "task_id", task.ID, "max", maxConcurrent)
		return false
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	rt := &runtime{cancel: cancel, reviewing: reviewing, done: make(chan struct{})}
	s.runtimes[task.ID] = rt
	s.mu.Unlock()

	s.log.Info("spawning agent", "task_id", task.ID, "reviewing", reviewing)
	go s.drive(ctx, task, rt)
	return true
}

// drive runs the iteration loop for one task until done, cancelled, or the
// iteration budget is exhausted.
func (s *Scheduler) drive(ctx context.Context, task *core.Task, rt *runtime) {
	defer func() {
		s.mu.Lock()
		delete(s.runtimes, task.ID)
		s.mu.Unlock()
		close(rt.done)
	}()

	success := false
	for {
		cfg := s.cfg.Current()

		s.mu.Lock()
		iteration := s.iterations[task.ID]
		if iteration >= cfg.General.MaxIterations {
			s.mu.Unlock()
			s.log.Warn("iteration budget exhausted", "task_id", task.ID, "iterations", iteration)
			break
		}
		s.iterations[task.ID] = iteration + 1
		s.mu.Unlock()

		res, err := s.runner.RunIteration(ctx, task, IterationOptions{
			Iteration:   iteration,
			AutoApprove: cfg.General.AutoApprove,
			ReadOnly:    rt.reviewing,
		})
		if ctx.Err() != nil {
			s.log.Info("agent runtime cancelled", "task_id", task.ID)
			return
		}
		if err != nil {
			s.log.Error("agent iteration failed", "task_id", task.ID, "iteration", iteration, "error", err)
			break
		}
		if res.Done {
			success = res.Success
			break
		}
	}

	if rt.reviewing {
		return
	}
	if _, err := s.tasks.SyncStatusFromAgentComplete(context.Background(), task.ID, success); err != nil {
		s.log.Warn("syncing task status after agent run failed", "task_id", task.ID, "error", err)
	}
}

// StopTask cooperatively cancels the task's runtime and waits for quiesce.
// Returns true once the runtime is gone; false when the window expired.
func (s *Scheduler) StopTask(taskID string) bool {
	s.mu.Lock()
	rt, ok := s.runtimes[taskID]
	s.mu.Unlock()
	if !ok {
		return true
	}

	rt.cancel()
	select {
	case <-rt.done:
		return true
	case <-time.After(stopQuiesceTimeout):
		return false
	}
}

// Shutdown stops every runtime and waits for quiesce with a bounded
// deadline.
func (s *Scheduler) Shutdown(deadline time.Duration) {
	s.mu.Lock()
	var pending []*runtime
	for _, rt := range s.runtimes {
		rt.cancel()
		pending = append(pending, rt)
	}
	s.mu.Unlock()

	timeout := time.After(deadline)
	for _, rt := range pending {
		select {
		case <-rt.done:
		case <-timeout:
			s.log.Warn("shutdown deadline passed with runtimes still active")
			return
		}
	}
}
