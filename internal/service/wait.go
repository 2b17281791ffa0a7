package service

import (
	"context"
	"time"

	"github.com/kagan-dev/kagan/internal/config"
	"github.com/kagan-dev/kagan/internal/core"
	"github.com/kagan-dev/kagan/internal/events"
	"github.com/kagan-dev/kagan/internal/state"
)

// WaitParams are the inputs of the tasks.wait long-poll.
type WaitParams struct {
	TaskID         string
	TimeoutSeconds *float64
	WaitForStatus  []core.TaskStatus
	FromUpdatedAt  *time.Time
}

// WaitResult is the outcome of a tasks.wait call. Code is always set; the
// call itself only errors on infrastructure failure.
type WaitResult struct {
	Changed        bool            `json:"changed"`
	TimedOut       bool            `json:"timed_out"`
	Code           string          `json:"code"`
	PreviousStatus core.TaskStatus `json:"previous_status,omitempty"`
	CurrentStatus  core.TaskStatus `json:"current_status,omitempty"`
	Task           *core.Task      `json:"task,omitempty"`
}

// TaskWaiter implements the long-poll primitive replacing client polling.
type TaskWaiter struct {
	store *state.Store
	bus   *events.Bus
	cfg   *config.Handle
}

// NewTaskWaiter creates a waiter.
func NewTaskWaiter(store *state.Store, bus *events.Bus, cfg *config.Handle) *TaskWaiter {
	return &TaskWaiter{store: store, bus: bus, cfg: cfg}
}

// Wait blocks until the task changes, is deleted, or the timeout passes.
// The subscription is registered before state is re-checked, so a mutation
// committing between the first check and the subscribe is never lost, and it
// is always released before returning.
func (w *TaskWaiter) Wait(ctx context.Context, p WaitParams) (WaitResult, error) {
	cfg := w.cfg.Current()
	timeout := time.Duration(cfg.Wait.DefaultTimeoutSeconds * float64(time.Second))
	if p.TimeoutSeconds != nil {
		secs := *p.TimeoutSeconds
		if secs < 0 {
			secs = 0
		}
		if secs > cfg.Wait.MaxTimeoutSeconds {
			secs = cfg.Wait.MaxTimeoutSeconds
		}
		timeout = time.Duration(secs * float64(time.Second))
	}

	task, err := w.store.GetTask(ctx, p.TaskID)
	if err != nil {
		if core.CodeOf(err) == core.CodeTaskNotFound {
			return WaitResult{Code: core.CodeTaskNotFound}, nil
		}
		return WaitResult{}, err
	}

	if len(p.WaitForStatus) > 0 && matchesFilter(task.Status, p.WaitForStatus) {
		return WaitResult{
			Changed:        true,
			Code:           core.CodeAlreadyAtStatus,
			CurrentStatus:  task.Status,
			PreviousStatus: task.Status,
			Task:           task,
		}, nil
	}
	if p.FromUpdatedAt != nil && task.UpdatedAt.After(*p.FromUpdatedAt) {
		return WaitResult{
			Changed:       true,
			Code:          core.CodeChangedSinceCursor,
			CurrentStatus: task.Status,
			Task:          task,
		}, nil
	}

	ch := w.bus.Subscribe(events.TypeTaskChanged, events.TypeTaskDeleted)
	defer w.bus.Unsubscribe(ch)

	// Re-check once after subscribing: a mutation may have landed between
	// the read above and the subscription.
	current, err := w.store.GetTask(ctx, p.TaskID)
	if err != nil {
		if core.CodeOf(err) == core.CodeTaskNotFound {
			return WaitResult{Changed: true, Code: core.CodeTaskDeleted}, nil
		}
		return WaitResult{}, err
	}
	changedUnderneath := current.UpdatedAt.After(task.UpdatedAt)
	if (len(p.WaitForStatus) > 0 && matchesFilter(current.Status, p.WaitForStatus)) ||
		(len(p.WaitForStatus) == 0 && changedUnderneath) {
		return WaitResult{
			Changed:        true,
			Code:           core.CodeTaskChanged,
			PreviousStatus: task.Status,
			CurrentStatus:  current.Status,
			Task:           current,
		}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return WaitResult{Code: core.CodeWaitInterrupted}, nil
		case <-timer.C:
			return WaitResult{TimedOut: true, Code: core.CodeWaitTimeout}, nil
		case ev, ok := <-ch:
			if !ok {
				return WaitResult{Code: core.CodeWaitInterrupted}, nil
			}
			switch e := ev.(type) {
			case events.TaskDeletedEvent:
				if e.TaskID != p.TaskID {
					continue
				}
				return WaitResult{Changed: true, Code: core.CodeTaskDeleted}, nil
			case events.TaskChangedEvent:
				if e.TaskID != p.TaskID {
					continue
				}
				if len(p.WaitForStatus) > 0 && !matchesFilter(e.CurrentStatus, p.WaitForStatus) {
					continue
				}
				fresh, err := w.store.GetTask(ctx, p.TaskID)
				if err != nil {
					if core.CodeOf(err) == core.CodeTaskNotFound {
						return WaitResult{Changed: true, Code: core.CodeTaskDeleted}, nil
					}
					return WaitResult{}, err
				}
				return WaitResult{
					Changed:        true,
					Code:           core.CodeTaskChanged,
					PreviousStatus: e.PreviousStatus,
					CurrentStatus:  e.CurrentStatus,
					Task:           fresh,
				}, nil
			}
		}
	}
}

func matchesFilter(status core.TaskStatus, filter []core.TaskStatus) bool {
	for _, want := range filter {
		if status == want {
			return true
		}
	}
	return false
}
