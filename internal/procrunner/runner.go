// Package procrunner executes local subprocesses on the daemon's behalf:
// multiplexer CLI calls and butler-plugin pipe RPC invocations. It is
// generalized from agtmux's internal/target executor, dropping the
// SSH-target branch (jellyj is single-machine by design, see spec.md §1
// Non-goals: distributed operation across machines) and retargeting retry
// policy at read-only multiplexer queries.
package procrunner

import (
	"context"
	"os/exec"
	"time"

	"github.com/jelly-j/jellyj/internal/config"
	"github.com/jelly-j/jellyj/internal/jlyerr"
)

// Result is the outcome of a successful Run.
type Result struct {
	Output   string
	Duration time.Duration
}

// Runner executes one subprocess invocation. It is an interface so tests
// can substitute a fake without spawning real processes.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// OSRunner shells out via os/exec, combining stdout and stderr the way
// agtmux's OSRunner does.
type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Executor retries read-only commands with the configured backoff and
// wraps failures in the jlyerr taxonomy.
type Executor struct {
	cfg    config.Config
	runner Runner
}

func NewExecutor(cfg config.Config) *Executor {
	return &Executor{cfg: cfg, runner: OSRunner{}}
}

func NewExecutorWithRunner(cfg config.Config, runner Runner) *Executor {
	e := NewExecutor(cfg)
	e.runner = runner
	return e
}

// Run executes command[0] with command[1:] as arguments under the given
// timeout. Idempotent, read-only commands (per isRetryableCommand) are
// retried per cfg.RetryBackoff; anything else runs exactly once.
func (e *Executor) Run(ctx context.Context, timeout time.Duration, command []string) (Result, error) {
	if len(command) == 0 {
		return Result{}, jlyerr.Protocolf("procrunner.Run", "empty command")
	}

	maxAttempts := 1
	if isRetryableCommand(command) {
		maxAttempts += len(e.cfg.RetryBackoff)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := e.runner.Run(runCtx, command[0], command[1:]...)
		cancel()
		if err == nil {
			return Result{Output: string(out), Duration: time.Since(start)}, nil
		}
		lastErr = err

		if attempt < maxAttempts {
			backoff := e.cfg.RetryBackoff[attempt-1]
			select {
			case <-ctx.Done():
				return Result{}, jlyerr.Timeoutf("procrunner.Run", "%v", ctx.Err())
			case <-time.After(backoff):
			}
		}
	}

	if lastErr == context.DeadlineExceeded {
		return Result{}, jlyerr.Timeoutf("procrunner.Run", "%s: %v", command[0], lastErr)
	}
	return Result{}, jlyerr.IOf("procrunner.Run", "%s: %v", command[0], lastErr)
}

// BuildTmuxCommand prefixes args with the tmux binary name.
func BuildTmuxCommand(args ...string) []string {
	cmd := make([]string, 0, len(args)+1)
	cmd = append(cmd, "tmux")
	cmd = append(cmd, args...)
	return cmd
}

// BuildZellijCommand prefixes args with the zellij binary name, or an
// explicit override path when the caller's EnvContext pins one.
func BuildZellijCommand(binaryPath string, args ...string) []string {
	bin := "zellij"
	if binaryPath != "" {
		bin = binaryPath
	}
	cmd := make([]string, 0, len(args)+1)
	cmd = append(cmd, bin)
	cmd = append(cmd, args...)
	return cmd
}

func isRetryableCommand(command []string) bool {
	if len(command) < 2 {
		return false
	}
	switch command[0] {
	case "tmux":
		switch command[1] {
		case "list-panes", "list-windows", "list-sessions", "display-message", "capture-pane", "show-options", "show-environment":
			return true
		}
	}
	return false
}
