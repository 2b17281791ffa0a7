package ipc

import (
	"context"
	"fmt"
	"os"
	"time"
)

// DiscoveryDeadline is the default time a launcher waits for a starting
// core's endpoint to appear.
const DiscoveryDeadline = 15 * time.Second

// discoveryPoll is the interval between endpoint file checks.
const discoveryPoll = 200 * time.Millisecond

// Discover reads the endpoint file once, returning nil when no live core is
// advertised.
func Discover(endpointPath string) *Endpoint {
	ep, err := ReadEndpoint(endpointPath)
	if err != nil {
		return nil
	}
	if !ValidateEndpoint(ep) {
		return nil
	}
	return ep
}

// WaitForEndpoint polls until a live endpoint appears or the deadline
// passes. A descriptor naming a dead PID is treated as absent.
func WaitForEndpoint(ctx context.Context, endpointPath string, deadline time.Duration) (*Endpoint, error) {
	if deadline <= 0 {
		deadline = DiscoveryDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(discoveryPoll)
	defer ticker.Stop()

	for {
		if ep := Discover(endpointPath); ep != nil {
			return ep, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no core endpoint appeared at %s within %s", endpointPath, deadline)
		case <-ticker.C:
		}
	}
}

// AcquireStartSlot runs the launcher side of the start protocol. When a live
// core is already advertised its endpoint is returned and no lock is taken.
// Otherwise the start lock is claimed so exactly one launcher boots a core;
// a launcher that loses the claim waits for the winner's endpoint instead of
// starting a second core. Exactly one of the returns is non-nil on success:
// the held lock (proceed with boot) or the endpoint (a core is up).
func AcquireStartSlot(ctx context.Context, startLockPath, endpointPath string) (*StartLock, *Endpoint, error) {
	if ep := Discover(endpointPath); ep != nil {
		return nil, ep, nil
	}

	lock := NewStartLock(startLockPath)
	acquired, err := lock.TryAcquire()
	if err != nil {
		return nil, nil, err
	}
	if !acquired {
		ep, err := WaitForEndpoint(ctx, endpointPath, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("another launcher holds the start lock: %w", err)
		}
		return nil, ep, nil
	}

	// A core may have come up between the first check and the claim.
	if ep := Discover(endpointPath); ep != nil {
		_ = lock.Release()
		return nil, ep, nil
	}
	return lock, nil, nil
}

// CleanStaleEndpoint removes a descriptor advertising a dead core so the
// next discovery does not trip over it.
func CleanStaleEndpoint(endpointPath string) {
	ep, err := ReadEndpoint(endpointPath)
	if err != nil {
		return
	}
	if !ValidateEndpoint(ep) {
		_ = os.Remove(endpointPath)
	}
}
