package diagnostics

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeOccupancy struct{ n int }

func (f fakeOccupancy) RunningCount() int { return f.n }

func TestCollectorCoreVitals(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kagan.db")
	if err := os.WriteFile(dbPath, []byte("not a real db"), 0o600); err != nil {
		t.Fatal(err)
	}

	c := NewCollector("1.2.3", dbPath, func() int { return 4 }, fakeOccupancy{n: 2})
	time.Sleep(10 * time.Millisecond)
	snap := c.Collect(context.Background())

	if snap.Core.Version != "1.2.3" {
		t.Errorf("version = %q", snap.Core.Version)
	}
	if snap.Core.UptimeSeconds <= 0 {
		t.Errorf("uptime = %v, want > 0", snap.Core.UptimeSeconds)
	}
	if snap.Core.DBSizeBytes == 0 {
		t.Error("db size not collected")
	}
	if snap.Core.MaxAgents != 4 || snap.Core.RunningAgents != 2 {
		t.Errorf("occupancy = %d/%d, want 2/4", snap.Core.RunningAgents, snap.Core.MaxAgents)
	}
}

func TestCollectorProcessAndHost(t *testing.T) {
	c := NewCollector("dev", "", nil, nil)
	snap := c.Collect(context.Background())

	if snap.Process.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", snap.Process.PID, os.Getpid())
	}
	if snap.Process.NumGoroutines == 0 {
		t.Error("goroutine count not collected")
	}
	if snap.Host.CPUCores == 0 {
		t.Error("cpu cores not collected")
	}
	if snap.TakenAt.IsZero() {
		t.Error("taken_at not set")
	}
}
