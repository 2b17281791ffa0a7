package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths resolves the per host-user filesystem layout. Every directory can be
// overridden through environment variables at resolution time.
type Paths struct {
	ConfigDir    string
	DataDir      string
	CacheDir     string
	RuntimeDir   string
	LocksDir     string
	WorktreeBase string
}

// ResolvePaths computes the directory layout from the environment.
//
//	KAGAN_CONFIG_DIR    -> config dir (default ~/.config/kagan)
//	KAGAN_DATA_DIR      -> data dir (default ~/.local/share/kagan)
//	KAGAN_CACHE_DIR     -> cache dir (default ~/.cache/kagan)
//	KAGAN_WORKTREE_BASE -> worktree base (default {data}/worktrees)
//	XDG_STATE_HOME      -> locks parent (default ~/.local/state)
func ResolvePaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolving home directory: %w", err)
	}

	p := &Paths{}

	if v := os.Getenv("KAGAN_CONFIG_DIR"); v != "" {
		p.ConfigDir = v
	} else {
		p.ConfigDir = filepath.Join(home, ".config", "kagan")
	}

	if v := os.Getenv("KAGAN_DATA_DIR"); v != "" {
		p.DataDir = v
	} else {
		p.DataDir = filepath.Join(home, ".local", "share", "kagan")
	}

	if v := os.Getenv("KAGAN_CACHE_DIR"); v != "" {
		p.CacheDir = v
	} else {
		p.CacheDir = filepath.Join(home, ".cache", "kagan")
	}

	if v := os.Getenv("KAGAN_WORKTREE_BASE"); v != "" {
		p.WorktreeBase = v
	} else {
		p.WorktreeBase = filepath.Join(p.DataDir, "worktrees")
	}

	stateHome := os.Getenv("XDG_STATE_HOME")
	if stateHome == "" {
		stateHome = filepath.Join(home, ".local", "state")
	}
	p.LocksDir = filepath.Join(stateHome, "kagan", "locks")

	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		p.RuntimeDir = filepath.Join(v, "kagan")
	} else {
		p.RuntimeDir = filepath.Join(p.DataDir, "run")
	}

	return p, nil
}

// EnsureDirs creates every resolved directory. Runtime and locks dirs are
// private to the user; worktrees are group-readable.
func (p *Paths) EnsureDirs() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir, p.CacheDir, p.WorktreeBase} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	for _, dir := range []string{p.RuntimeDir, p.LocksDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// ConfigFile is the YAML config file path.
func (p *Paths) ConfigFile() string { return filepath.Join(p.ConfigDir, "config.yaml") }

// DatabaseFile is the primary SQLite database path.
func (p *Paths) DatabaseFile() string { return filepath.Join(p.DataDir, "kagan.db") }

// SocketFile is the Unix transport bind point.
func (p *Paths) SocketFile() string { return filepath.Join(p.RuntimeDir, "core.sock") }

// EndpointFile is the discovery descriptor path.
func (p *Paths) EndpointFile() string { return filepath.Join(p.RuntimeDir, "core.endpoint.json") }

// LeaseFile records the owning core PID.
func (p *Paths) LeaseFile() string { return filepath.Join(p.RuntimeDir, "core.lease.json") }

// StartLockFile serialises concurrent launcher starts.
func (p *Paths) StartLockFile() string { return filepath.Join(p.RuntimeDir, "core.start.lock") }

// InstanceLockFile is the OS advisory lock path.
func (p *Paths) InstanceLockFile() string { return filepath.Join(p.LocksDir, "kagan.lock") }
