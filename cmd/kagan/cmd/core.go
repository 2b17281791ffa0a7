package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kagan-dev/kagan/internal/adapters/agent"
	"github.com/kagan-dev/kagan/internal/adapters/git"
	"github.com/kagan-dev/kagan/internal/config"
	"github.com/kagan-dev/kagan/internal/core"
	"github.com/kagan-dev/kagan/internal/diagnostics"
	"github.com/kagan-dev/kagan/internal/events"
	"github.com/kagan-dev/kagan/internal/ipc"
	"github.com/kagan-dev/kagan/internal/logging"
	"github.com/kagan-dev/kagan/internal/server"
	"github.com/kagan-dev/kagan/internal/service"
	"github.com/kagan-dev/kagan/internal/state"
)

// shutdownDeadline bounds how long the core waits for agent runtimes to
// quiesce after the stop signal.
const shutdownDeadline = 10 * time.Second

// eventBusBuffer is the per-subscriber channel depth.
const eventBusBuffer = 256

var coreCmd = &cobra.Command{
	Use:   "core",
	Short: "Manage the core daemon",
}

var coreStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the core daemon (blocks until signalled)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runCore(cmd.Context())
	},
}

func init() {
	coreCmd.AddCommand(coreStartCmd)
	rootCmd.AddCommand(coreCmd)
}

// runCore wires the whole daemon: config, lock, store, services, IPC server.
// It blocks until SIGINT/SIGTERM, then shuts down in dependency order.
func runCore(parent context.Context) error {
	paths, err := config.ResolvePaths()
	if err != nil {
		return err
	}
	if err := paths.EnsureDirs(); err != nil {
		return err
	}

	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader = loader.WithConfigFile(cfgFile)
	} else {
		loader = loader.WithConfigFile(paths.ConfigFile())
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log.Info("core starting", "version", appVersion, "pid", os.Getpid())

	// The start lock gates concurrent launchers: only one of them boots a
	// core while the others wait for its endpoint.
	startLock, existing, err := ipc.AcquireStartSlot(parent, paths.StartLockFile(), paths.EndpointFile())
	if err != nil {
		return err
	}
	if existing != nil {
		log.Info("core already running", "pid", existing.PID, "address", existing.Address)
		return fmt.Errorf("core already running (pid %d)", existing.PID)
	}
	defer func() {
		if err := startLock.Release(); err != nil {
			log.Warn("releasing start lock failed", "error", err)
		}
	}()

	lock := ipc.NewInstanceLock(paths.InstanceLockFile(), paths.LeaseFile(), log)
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("releasing instance lock failed", "error", err)
		}
	}()
	ipc.CleanStaleEndpoint(paths.EndpointFile())

	store, err := state.Open(paths.DatabaseFile(), log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("closing store failed", "error", err)
		}
	}()

	handle := config.NewHandle(cfg, paths.ConfigFile())
	stopWatch, err := handle.Watch(
		func(*config.Config) { log.Info("configuration reloaded") },
		func(err error) { log.Warn("config watch", "error", err) },
	)
	if err != nil {
		log.Warn("config hot-reload unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus := events.New(eventBusBuffer)
	gitc := git.NewClient(log)
	worktrees := git.NewWorktreeAdapter(gitc, log)

	tasks := service.NewTaskService(store, bus, log)
	waiter := service.NewTaskWaiter(store, bus, handle)
	jobs := service.NewJobService(ctx, store, bus, log)
	workspaces := service.NewWorkspaceService(store, worktrees, bus, paths.WorktreeBase, log)
	runner := agent.NewRunner(handle, workspaces, store, log)
	scheduler := service.NewScheduler(ctx, handle, tasks, runner, log)
	merge := service.NewMergeService(handle, tasks, workspaces, worktrees, scheduler, log)
	sessions := service.NewSessionService(handle, tasks, workspaces, paths.EndpointFile(), nil, log)
	projects := service.NewProjectService(store, gitc, bus, log)
	plan := service.NewPlanService(tasks, log)
	audit := service.NewAuditService(store, log)
	settings := service.NewSettingsService(handle, log)
	janitor := service.NewJanitor(store, worktrees, log)
	plugins := service.NewPluginRegistry(log)
	diag := diagnostics.NewCollector(appVersion, store.Path(),
		func() int { return handle.Current().General.MaxConcurrentAgents }, scheduler)

	registerJobRunners(jobs, tasks, workspaces, scheduler)

	dispatcher := server.NewDispatcher(&server.Services{
		Tasks:      tasks,
		Waiter:     waiter,
		Jobs:       jobs,
		Projects:   projects,
		Workspaces: workspaces,
		Merge:      merge,
		Sessions:   sessions,
		Plan:       plan,
		Audit:      audit,
		Settings:   settings,
		Scheduler:  scheduler,
		Janitor:    janitor,
		Diag:       diag,
		Plugins:    plugins,
	}, log)

	listener, err := ipc.Listen(paths.SocketFile(), cfg.IPC.ForceTCP, log)
	if err != nil {
		return err
	}
	token, err := ipc.NewToken()
	if err != nil {
		_ = listener.Close()
		return err
	}
	if err := ipc.WriteEndpoint(paths.EndpointFile(), listener.Describe(os.Getpid(), token)); err != nil {
		_ = listener.Close()
		return err
	}
	defer func() {
		if err := ipc.RemoveEndpoint(paths.EndpointFile()); err != nil {
			log.Warn("removing endpoint file failed", "error", err)
		}
	}()
	// The endpoint is advertised; waiting launchers can connect now.
	if err := startLock.Release(); err != nil {
		log.Warn("releasing start lock failed", "error", err)
	}

	srv := server.New(listener, dispatcher, token, cfg.IPC.MaxLineBytes, log)

	// One cleaning pass before accepting work: dead worktrees and orphan
	// branches from a previous run must not leak into this one.
	if result, err := janitor.Clean(ctx); err != nil {
		log.Warn("startup janitor pass failed", "error", err)
	} else if result.TotalCleaned() > 0 {
		log.Info("startup janitor pass",
			"worktrees_pruned", result.WorktreesPruned,
			"branches_deleted", len(result.BranchesDeleted),
			"repos", result.ReposProcessed)
	}

	srv.SetReady(true)
	log.Info("core ready", "transport", listener.Transport, "address", listener.Address)

	serveErr := srv.Serve(ctx)

	log.Info("core shutting down")
	scheduler.Shutdown(shutdownDeadline)
	jobs.Shutdown()
	if serveErr != nil {
		return fmt.Errorf("serving: %w", serveErr)
	}
	return nil
}

// registerJobRunners binds the async job actions to the scheduler lifecycle.
func registerJobRunners(jobs *service.JobService, tasks *service.TaskService, workspaces *service.WorkspaceService, scheduler *service.Scheduler) {
	jobs.RegisterRunner(core.ActionAgentStart, func(ctx context.Context, job *core.Job, _ map[string]any) (map[string]any, error) {
		task, err := tasks.Get(ctx, job.TaskID)
		if err != nil {
			return nil, err
		}
		if err := ensureWorkspace(ctx, workspaces, task); err != nil {
			return nil, err
		}
		spawned := scheduler.SpawnForTask(task)
		return map[string]any{"agent_spawned": spawned}, nil
	})

	jobs.RegisterRunner(core.ActionStopAgent, func(_ context.Context, job *core.Job, _ map[string]any) (map[string]any, error) {
		stopped := scheduler.StopTask(job.TaskID)
		if !stopped {
			return map[string]any{"stopped": false}, core.ErrTimeout(core.CodeStopPending,
				"agent runtime did not quiesce within the stop window")
		}
		return map[string]any{"stopped": true}, nil
	})

	jobs.RegisterRunner(core.ActionReviewStart, func(ctx context.Context, job *core.Job, _ map[string]any) (map[string]any, error) {
		task, err := tasks.Get(ctx, job.TaskID)
		if err != nil {
			return nil, err
		}
		spawned := scheduler.SpawnReview(task)
		return map[string]any{"review_spawned": spawned}, nil
	})
}

// ensureWorkspace provisions a workspace when the task has none yet.
func ensureWorkspace(ctx context.Context, workspaces *service.WorkspaceService, task *core.Task) error {
	_, err := workspaces.GetForTask(ctx, task.ID)
	if err == nil {
		return nil
	}
	if core.CodeOf(err) != core.CodeWorkspaceNotFound {
		return err
	}
	_, err = workspaces.CreateForTask(ctx, task)
	return err
}
