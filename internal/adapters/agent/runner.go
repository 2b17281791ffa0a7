package agent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kagan-dev/kagan/internal/config"
	"github.com/kagan-dev/kagan/internal/core"
	"github.com/kagan-dev/kagan/internal/logging"
	"github.com/kagan-dev/kagan/internal/service"
	"github.com/kagan-dev/kagan/internal/state"
)

// iterationTimeout bounds one agent invocation. Agents that need longer runs
// split work across iterations.
const iterationTimeout = 30 * time.Minute

// Status markers the agent is instructed to emit as the last line of its
// final message. Anything else counts as CONTINUE.
const (
	markerDone     = "KAGAN_STATUS: DONE"
	markerContinue = "KAGAN_STATUS: CONTINUE"
	markerFailed   = "KAGAN_STATUS: FAILED"
)

// Runner drives coding-agent CLIs for the scheduler. Each iteration runs the
// task's backend in the workspace's primary worktree and records a transcript
// in the execution log sidecar.
type Runner struct {
	cfg        *config.Handle
	workspaces *service.WorkspaceService
	store      *state.Store
	log        *logging.Logger
}

// NewRunner creates a runner.
func NewRunner(cfg *config.Handle, workspaces *service.WorkspaceService, store *state.Store, log *logging.Logger) *Runner {
	if log == nil {
		log = logging.NewNop()
	}
	return &Runner{
		cfg:        cfg,
		workspaces: workspaces,
		store:      store,
		log:        log.WithComponent("agent"),
	}
}

// RunIteration implements service.AgentRunner.
func (r *Runner) RunIteration(ctx context.Context, task *core.Task, opts service.IterationOptions) (service.IterationResult, error) {
	name := task.AgentBackend
	if name == "" {
		name = r.cfg.Current().General.DefaultAgentBackend
	}
	backend, ok := Lookup(name)
	if !ok {
		return service.IterationResult{}, core.ErrValidation(core.CodeInvalidParams,
			fmt.Sprintf("unknown agent backend %q (known: %s)", name, strings.Join(Names(), ", ")))
	}

	worktree, err := r.primaryWorktree(ctx, task.ID)
	if err != nil {
		return service.IterationResult{}, err
	}

	execution := &core.Execution{
		ID:        strings.ToLower(uuid.NewString()[:8]),
		TaskID:    task.ID,
		CreatedAt: time.Now().UTC(),
		Metadata: map[string]string{
			"backend":   backend.Name(),
			"iteration": fmt.Sprintf("%d", opts.Iteration),
			"worktree":  worktree,
		},
	}
	if err := r.store.CreateExecution(ctx, execution); err != nil {
		return service.IterationResult{}, err
	}

	spec := RunSpec{
		Prompt:      buildPrompt(task, opts),
		AutoApprove: opts.AutoApprove,
		ReadOnly:    opts.ReadOnly,
	}
	stdout, err := r.execute(ctx, backend, spec, worktree, task.ID, execution.ID)
	if err != nil {
		return service.IterationResult{}, err
	}

	return classify(stdout), nil
}

// primaryWorktree resolves the checkout the agent runs in: the primary
// repo's worktree, falling back to the first repo of the workspace.
func (r *Runner) primaryWorktree(ctx context.Context, taskID string) (string, error) {
	ws, err := r.workspaces.GetForTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	pairs, err := r.workspaces.Repos(ctx, ws.ID)
	if err != nil {
		return "", err
	}
	if len(pairs) == 0 {
		return "", core.ErrNotFound(core.CodeWorkspaceNotFound, "workspace repo", ws.ID)
	}
	if primary, perr := r.store.PrimaryRepo(ctx, ws.ProjectID); perr == nil {
		for _, pair := range pairs {
			if pair.Repo.ID == primary.ID {
				return pair.WorktreePath, nil
			}
		}
	}
	return pairs[0].WorktreePath, nil
}

// execute runs one backend invocation, streaming stderr lines into the
// execution log as they arrive.
func (r *Runner) execute(ctx context.Context, backend Backend, spec RunSpec, worktree, taskID, executionID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, iterationTimeout)
	defer cancel()

	binary, err := exec.LookPath(backend.Binary())
	if err != nil {
		return "", core.ErrNotFound(core.CodeInvalidParams, "agent binary", backend.Binary())
	}

	args := backend.Args(spec)
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = worktree
	cmd.Env = append(os.Environ(),
		"KAGAN_MANAGED=true",
		"KAGAN_TASK_ID="+taskID,
		"KAGAN_SESSION_ID=task:"+taskID,
	)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("creating stderr pipe: %w", err)
	}

	r.log.Info("agent iteration starting",
		"backend", backend.Name(), "task_id", taskID,
		"execution_id", executionID, "worktree", worktree, "read_only", spec.ReadOnly)
	r.appendLog(executionID, map[string]any{
		"event":   "started",
		"backend": backend.Name(),
		"args":    args[:len(args)-1], // the prompt is in the task record already
	})

	start := time.Now()
	if err := cmd.Start(); err != nil {
		_ = stderrPipe.Close()
		return "", fmt.Errorf("starting %s: %w", backend.Name(), err)
	}

	r.drainStderr(stderrPipe, executionID)
	waitErr := cmd.Wait()
	duration := time.Since(start)

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		r.appendLog(executionID, map[string]any{"event": "timeout", "duration_ms": duration.Milliseconds()})
		return "", core.ErrTimeout(core.CodeJobTimeout,
			fmt.Sprintf("agent iteration exceeded %s", iterationTimeout))
	case ctx.Err() != nil:
		r.appendLog(executionID, map[string]any{"event": "cancelled", "duration_ms": duration.Milliseconds()})
		return "", ctx.Err()
	case waitErr != nil:
		exitCode := -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		r.appendLog(executionID, map[string]any{
			"event": "failed", "exit_code": exitCode, "duration_ms": duration.Milliseconds(),
		})
		return "", core.ErrState(core.CodeInternalError,
			fmt.Sprintf("%s exited with code %d", backend.Name(), exitCode))
	}

	r.appendLog(executionID, map[string]any{
		"event": "completed", "duration_ms": duration.Milliseconds(), "stdout_bytes": stdout.Len(),
	})
	return stdout.String(), nil
}

// drainStderr copies the agent's progress output into the execution log, one
// entry per line.
func (r *Runner) drainStderr(pipe io.ReadCloser, executionID string) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		r.appendLog(executionID, map[string]any{"event": "stderr", "line": line})
	}
	// Scanner errors mean the pipe closed abruptly; the exit status carries
	// the real failure.
}

func (r *Runner) appendLog(executionID string, entry map[string]any) {
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	if err := r.store.AppendExecutionLog(executionID, entry); err != nil {
		r.log.Warn("appending execution log failed", "execution_id", executionID, "error", err)
	}
}

// classify reads the status marker out of the agent's final output. The
// marker may be embedded in a JSON result envelope, so a substring scan is
// deliberate.
func classify(stdout string) service.IterationResult {
	switch {
	case strings.Contains(stdout, markerDone):
		return service.IterationResult{Done: true, Success: true}
	case strings.Contains(stdout, markerFailed):
		return service.IterationResult{Done: true, Success: false}
	case strings.Contains(stdout, markerContinue):
		return service.IterationResult{}
	default:
		// No marker: the agent finished its turn without claiming
		// completion. Treat as one more iteration needed.
		return service.IterationResult{}
	}
}

// buildPrompt renders the task into the iteration prompt, including the
// status-marker contract the classifier depends on.
func buildPrompt(task *core.Task, opts service.IterationOptions) string {
	var b strings.Builder
	if opts.ReadOnly {
		b.WriteString("You are reviewing completed work for the task below. Do not modify any files.\n\n")
	} else {
		b.WriteString("You are working on the task below inside a dedicated git worktree. Commit your changes as you go.\n\n")
	}
	fmt.Fprintf(&b, "# %s\n\n", task.Title)
	if task.Description != "" {
		b.WriteString(task.Description)
		b.WriteString("\n\n")
	}
	if len(task.AcceptanceCriteria) > 0 {
		b.WriteString("## Acceptance criteria\n\n")
		for _, c := range task.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}
	if task.Scratchpad != "" {
		b.WriteString("## Notes from previous iterations\n\n")
		b.WriteString(task.Scratchpad)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "This is iteration %d.\n", opts.Iteration+1)
	b.WriteString("End your final message with exactly one of these lines:\n")
	b.WriteString(markerDone + " (all acceptance criteria met)\n")
	b.WriteString(markerContinue + " (progress made, more work remains)\n")
	b.WriteString(markerFailed + " (the task cannot be completed)\n")
	return b.String()
}
