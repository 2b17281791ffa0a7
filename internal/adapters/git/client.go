// Package git shells out to the git CLI for every repository mutation the
// core performs. Commands return a uniform (rc, stdout, stderr) result;
// non-zero exits are data, not errors, because merge and rebase paths
// interpret them.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kagan-dev/kagan/internal/core"
	"github.com/kagan-dev/kagan/internal/logging"
)

// DefaultTimeout bounds a single git invocation.
const DefaultTimeout = 60 * time.Second

// Result is the uniform outcome of one git invocation.
type Result struct {
	RC     int
	Stdout string
	Stderr string
}

// OK reports a zero exit.
func (r Result) OK() bool { return r.RC == 0 }

// Combined returns stdout and stderr joined for error messages.
func (r Result) Combined() string {
	return strings.TrimSpace(strings.TrimSpace(r.Stdout) + "\n" + strings.TrimSpace(r.Stderr))
}

// Client runs git commands against arbitrary repository paths.
type Client struct {
	timeout time.Duration
	log     *logging.Logger
}

// NewClient creates a git client.
func NewClient(log *logging.Logger) *Client {
	if log == nil {
		log = logging.NewNop()
	}
	return &Client{timeout: DefaultTimeout, log: log}
}

// WithTimeout returns a copy of the client with a different per-command
// timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	cp := *c
	cp.timeout = d
	return &cp
}

// Run executes git with args in repoPath. The returned error is non-nil only
// when the command could not run at all (bad path, missing binary, timeout);
// a non-zero exit comes back in the Result.
func (c *Client) Run(ctx context.Context, repoPath string, args ...string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return res, core.ErrTimeout("GIT_TIMEOUT",
				fmt.Sprintf("git %s timed out after %s", strings.Join(args, " "), c.timeout))
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.RC = exitErr.ExitCode()
			c.log.Debug("git command failed",
				"args", strings.Join(args, " "), "rc", res.RC, "stderr", strings.TrimSpace(res.Stderr))
			return res, nil
		}
		return res, fmt.Errorf("running git %s: %w", strings.Join(args, " "), err)
	}
	return res, nil
}

// IsRepo reports whether path is inside a git repository.
func (c *Client) IsRepo(ctx context.Context, path string) bool {
	res, err := c.Run(ctx, path, "rev-parse", "--git-dir")
	return err == nil && res.OK()
}

// ResolvePath resolves symlinks to an absolute path for comparison.
func ResolvePath(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		abs, err := filepath.Abs(path)
		if err != nil {
			return path
		}
		return abs
	}
	return resolved
}
