package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"

	"github.com/kagan-dev/kagan/internal/config"
	"github.com/kagan-dev/kagan/internal/ipc"
)

// stopEscalateAfter is how long reset waits for a SIGTERM'd core before
// sending SIGKILL.
const stopEscalateAfter = 5 * time.Second

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Stop the core and delete all local state",
	Long: `reset stops a running core daemon and removes every directory kagan
owns: configuration, database, cache, and all managed worktrees.
This is destructive and cannot be undone.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runReset()
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func runReset() error {
	paths, err := config.ResolvePaths()
	if err != nil {
		return err
	}

	if !resetForce && !confirmReset(paths) {
		fmt.Println("Aborted.")
		return nil
	}

	if ep := ipc.Discover(paths.EndpointFile()); ep != nil {
		if err := stopCore(ep.PID); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: stopping core (pid %d): %v\n", ep.PID, err)
		} else {
			fmt.Printf("Stopped core (pid %d)\n", ep.PID)
		}
	}

	var failed bool
	for _, dir := range []string{paths.WorktreeBase, paths.DataDir, paths.CacheDir, paths.ConfigDir, paths.RuntimeDir, paths.LocksDir} {
		if err := os.RemoveAll(dir); err != nil {
			failed = true
			fmt.Fprintf(os.Stderr, "Warning: removing %s: %v\n", dir, err)
			continue
		}
		fmt.Printf("Removed %s\n", dir)
	}
	if failed {
		return fmt.Errorf("reset completed with errors; some paths remain")
	}
	fmt.Println("Reset complete.")
	return nil
}

// stopCore terminates the core cooperatively, escalating to SIGKILL when the
// process outlives the grace window.
func stopCore(pid int) error {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		// Already gone.
		return nil
	}
	if err := proc.Terminate(); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	deadline := time.Now().Add(stopEscalateAfter)
	for time.Now().Before(deadline) {
		alive, err := process.PidExists(int32(pid))
		if err != nil || !alive {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := proc.Kill(); err != nil {
		return fmt.Errorf("sending SIGKILL: %w", err)
	}
	return nil
}

func confirmReset(paths *config.Paths) bool {
	fmt.Printf("This will stop the core and delete:\n")
	for _, dir := range []string{paths.ConfigDir, paths.DataDir, paths.CacheDir, paths.WorktreeBase} {
		fmt.Printf("  %s\n", dir)
	}
	fmt.Print("Continue? [y/N] ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
