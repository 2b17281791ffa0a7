// Package diagnostics builds the diagnostics.snapshot payload: process and
// host resource usage plus the core's own vitals. Collection is best-effort;
// a probe that fails leaves its section zeroed rather than failing the
// snapshot.
package diagnostics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// HostMetrics is the machine-level section of a snapshot.
type HostMetrics struct {
	Hostname      string  `json:"hostname,omitempty"`
	OS            string  `json:"os"`
	Platform      string  `json:"platform,omitempty"`
	KernelVersion string  `json:"kernel_version,omitempty"`
	UptimeSeconds uint64  `json:"uptime_seconds,omitempty"`
	CPUCores      int     `json:"cpu_cores"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemTotalMB    float64 `json:"mem_total_mb,omitempty"`
	MemUsedMB     float64 `json:"mem_used_mb,omitempty"`
	MemPercent    float64 `json:"mem_percent,omitempty"`
	LoadAvg1      float64 `json:"load_avg_1,omitempty"`
	LoadAvg5      float64 `json:"load_avg_5,omitempty"`
	LoadAvg15     float64 `json:"load_avg_15,omitempty"`
}

// ProcessMetrics is the core-process section of a snapshot.
type ProcessMetrics struct {
	PID           int     `json:"pid"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemRSSMB      float64 `json:"mem_rss_mb,omitempty"`
	NumGoroutines int     `json:"num_goroutines"`
	NumThreads    int32   `json:"num_threads,omitempty"`
	OpenFiles     int     `json:"open_files,omitempty"`
}

// CoreVitals are the orchestration-level stats the snapshot carries.
type CoreVitals struct {
	Version        string  `json:"version"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	DBPath         string  `json:"db_path,omitempty"`
	DBSizeBytes    int64   `json:"db_size_bytes,omitempty"`
	RunningAgents  int     `json:"running_agents"`
	MaxAgents      int     `json:"max_agents"`
	ActiveSessions int     `json:"active_sessions"`
}

// Snapshot is the diagnostics.snapshot payload.
type Snapshot struct {
	TakenAt time.Time      `json:"taken_at"`
	Host    HostMetrics    `json:"host"`
	Process ProcessMetrics `json:"process"`
	Core    CoreVitals     `json:"core"`
}

// OccupancySource reports scheduler occupancy. The scheduler satisfies it.
type OccupancySource interface {
	RunningCount() int
}

// Collector assembles snapshots.
type Collector struct {
	version   string
	dbPath    string
	maxAgents func() int
	occupancy OccupancySource
	startedAt time.Time
}

// NewCollector creates a collector. maxAgents is read live so settings
// updates show up in the next snapshot.
func NewCollector(version, dbPath string, maxAgents func() int, occupancy OccupancySource) *Collector {
	return &Collector{
		version:   version,
		dbPath:    dbPath,
		maxAgents: maxAgents,
		occupancy: occupancy,
		startedAt: time.Now(),
	}
}

// Collect gathers a snapshot. Individual probe failures are tolerated.
func (c *Collector) Collect(ctx context.Context) Snapshot {
	snap := Snapshot{TakenAt: time.Now().UTC()}
	c.collectHost(ctx, &snap.Host)
	c.collectProcess(ctx, &snap.Process)
	c.collectCore(&snap.Core)
	return snap
}

func (c *Collector) collectHost(ctx context.Context, h *HostMetrics) {
	h.OS = runtime.GOOS
	h.CPUCores = runtime.NumCPU()

	if info, err := host.InfoWithContext(ctx); err == nil {
		h.Hostname = info.Hostname
		h.Platform = info.Platform
		h.KernelVersion = info.KernelVersion
		h.UptimeSeconds = info.Uptime
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		h.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		h.MemTotalMB = float64(vm.Total) / 1024 / 1024
		h.MemUsedMB = float64(vm.Used) / 1024 / 1024
		h.MemPercent = vm.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		h.LoadAvg1 = avg.Load1
		h.LoadAvg5 = avg.Load5
		h.LoadAvg15 = avg.Load15
	}
}

func (c *Collector) collectProcess(ctx context.Context, p *ProcessMetrics) {
	p.PID = os.Getpid()
	p.NumGoroutines = runtime.NumGoroutine()

	proc, err := process.NewProcessWithContext(ctx, int32(p.PID))
	if err != nil {
		return
	}
	if percent, err := proc.CPUPercentWithContext(ctx); err == nil {
		p.CPUPercent = percent
	}
	if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
		p.MemRSSMB = float64(info.RSS) / 1024 / 1024
	}
	if threads, err := proc.NumThreadsWithContext(ctx); err == nil {
		p.NumThreads = threads
	}
	if files, err := proc.OpenFilesWithContext(ctx); err == nil {
		p.OpenFiles = len(files)
	}
}

func (c *Collector) collectCore(v *CoreVitals) {
	v.Version = c.version
	v.UptimeSeconds = time.Since(c.startedAt).Seconds()
	v.DBPath = c.dbPath
	if c.dbPath != "" {
		if fi, err := os.Stat(c.dbPath); err == nil {
			v.DBSizeBytes = fi.Size()
		}
	}
	if c.maxAgents != nil {
		v.MaxAgents = c.maxAgents()
	}
	if c.occupancy != nil {
		v.RunningAgents = c.occupancy.RunningCount()
	}
}
