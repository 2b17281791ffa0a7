package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
	"github.com/kagan-dev/kagan/internal/logging"
	"github.com/shirou/gopsutil/v3/process"
)

// startLockStaleAfter is how old a start lock's mtime may be before another
// launcher ignores it.
const startLockStaleAfter = 60 * time.Second

// Lease is the ownership record written next to the instance lock.
type Lease struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// InstanceLock enforces the one-core-per-user singleton. The OS advisory
// lock is the source of truth; the lease file is advisory metadata for
// humans and stale-reap decisions.
type InstanceLock struct {
	flock     *flock.Flock
	leasePath string
	log       *logging.Logger
}

// NewInstanceLock prepares (but does not acquire) the lock.
func NewInstanceLock(lockPath, leasePath string, log *logging.Logger) *InstanceLock {
	if log == nil {
		log = logging.NewNop()
	}
	return &InstanceLock{
		flock:     flock.New(lockPath),
		leasePath: leasePath,
		log:       log,
	}
}

// Acquire takes the exclusive lock without blocking. When the lock is held,
// the holder's lease is consulted: the current process's own PID is never
// contention, and a lease naming a dead PID is reaped (the advisory lock of
// a dead process is already released by the OS, so a retry then succeeds).
func (l *InstanceLock) Acquire() error {
	locked, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring instance lock: %w", err)
	}
	if !locked {
		lease, readErr := l.readLease()
		if readErr == nil && lease.PID == os.Getpid() {
			// Re-entry by the owning process.
			return nil
		}
		if readErr == nil {
			alive, _ := process.PidExists(int32(lease.PID))
			if !alive {
				l.log.Warn("reaping stale lease held by dead process", "pid", lease.PID)
				_ = os.Remove(l.leasePath)
				locked, err = l.flock.TryLock()
				if err != nil {
					return fmt.Errorf("acquiring instance lock after reap: %w", err)
				}
			}
		}
		if !locked {
			return fmt.Errorf("another core instance holds the lock (lease: %s)", l.leasePath)
		}
	}

	lease := Lease{PID: os.Getpid(), AcquiredAt: time.Now().UTC()}
	data, err := json.MarshalIndent(lease, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling lease: %w", err)
	}
	if err := renameio.WriteFile(l.leasePath, data, 0o600); err != nil {
		return fmt.Errorf("writing lease: %w", err)
	}
	return nil
}

// Release drops the lock and removes the lease.
func (l *InstanceLock) Release() error {
	if err := os.Remove(l.leasePath); err != nil && !os.IsNotExist(err) {
		l.log.Warn("removing lease failed", "error", err)
	}
	return l.flock.Unlock()
}

func (l *InstanceLock) readLease() (*Lease, error) {
	data, err := os.ReadFile(l.leasePath)
	if err != nil {
		return nil, err
	}
	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, fmt.Errorf("parsing lease: %w", err)
	}
	return &lease, nil
}

// StartLock is the launcher-side gate that keeps concurrent launchers from
// starting several cores at once while the first one boots.
type StartLock struct {
	path string
}

// NewStartLock creates a start lock handle.
func NewStartLock(path string) *StartLock {
	return &StartLock{path: path}
}

// TryAcquire claims the start lock. A lock file owned by this PID or with a
// stale mtime is taken over.
func (s *StartLock) TryAcquire() (bool, error) {
	info, err := os.Stat(s.path)
	if err == nil {
		if pid, readErr := s.ownerPID(); readErr == nil && pid == os.Getpid() {
			return true, s.write()
		}
		if time.Since(info.ModTime()) < startLockStaleAfter {
			return false, nil
		}
		// Stale: the starting core died or hung past the window.
	} else if !os.IsNotExist(err) {
		return false, err
	}
	return true, s.write()
}

// Release removes the start lock if this process owns it.
func (s *StartLock) Release() error {
	pid, err := s.ownerPID()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	err = os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *StartLock) write() error {
	return renameio.WriteFile(s.path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600)
}

func (s *StartLock) ownerPID() (int, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return 0, err
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, fmt.Errorf("parsing start lock: %w", err)
	}
	return pid, nil
}
