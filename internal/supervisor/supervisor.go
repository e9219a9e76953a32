// Package supervisor implements the Startup Supervisor: what runs when
// jellyj is invoked with no subcommand. Probe the daemon, reclaim a
// stale one if its owner is dead but its lock survives, spawn a fresh
// detached daemon if none answers, then poll until it's healthy.
// Grounded on agtmux's internal/integration/doctor.go for the
// probe-then-report shape (a bounded sequence of checks, not a single
// boolean), and on cmd/agtmuxd/main.go's
// signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM) — used here
// in reverse, sending rather than receiving, to terminate a stale
// daemon before spawning its replacement.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jelly-j/jellyj/internal/config"
	"github.com/jelly-j/jellyj/internal/daemonclient"
	"github.com/jelly-j/jellyj/internal/lock"
)

// DaemonModeEnv marks a daemon process as having been spawned by the
// supervisor rather than invoked directly via the `daemon` subcommand;
// purely informational, read only for a startup log line.
const DaemonModeEnv = "JELLY_J_SUPERVISED"

// pollInterval paces both the termination wait and the post-spawn
// health poll; small enough that a fast daemon start isn't penalized,
// large enough not to busy-loop.
const pollInterval = 100 * time.Millisecond

// probeClientID is the fixed clientId the supervisor registers under
// for its own probe connections, distinguishing them in any daemon-side
// logging from a real UI session.
const probeClientID = "supervisor-probe"

type Supervisor struct {
	cfg config.Config
	log *zap.Logger

	signal   func(pid int, sig syscall.Signal) error
	execPath func() (string, error)
	spawnArg []string
}

// Option customizes a Supervisor, the seam tests use to fake signal
// delivery and the spawned command without touching a real process
// tree, the same pattern as daemon.WithAdapter.
type Option func(*Supervisor)

// WithSignaler overrides how Ensure delivers SIGTERM/SIGKILL to a
// wedged daemon's pid.
func WithSignaler(fn func(pid int, sig syscall.Signal) error) Option {
	return func(s *Supervisor) { s.signal = fn }
}

// WithDaemonCommand overrides the executable and arguments spawn()
// launches in place of resolving os.Executable() and appending "daemon".
func WithDaemonCommand(path string, args ...string) Option {
	return func(s *Supervisor) {
		s.execPath = func() (string, error) { return path, nil }
		s.spawnArg = args
	}
}

func New(cfg config.Config, log *zap.Logger, opts ...Option) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Supervisor{
		cfg:      cfg,
		log:      log,
		signal:   syscall.Kill,
		execPath: os.Executable,
		spawnArg: []string{"daemon"},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ensure runs the full startup sequence: probe, reclaim-or-terminate,
// spawn, poll. It returns nil once a daemon answers healthy, or the
// last probe error once cfg.SupervisorSpawnTimeout has elapsed.
func (s *Supervisor) Ensure(ctx context.Context) error {
	if err := s.probe(ctx); err == nil {
		return nil
	}

	if err := s.reclaimStaleDaemon(ctx); err != nil {
		s.log.Warn("reclaiming a stale daemon failed, spawning anyway", zap.Error(err))
	}

	if err := s.spawn(); err != nil {
		return fmt.Errorf("supervisor: spawn daemon: %w", err)
	}

	return s.waitHealthy(ctx)
}

// probe attempts a register_client+ping round trip, retrying up to
// cfg.SupervisorProbeRetries additional times on failure.
func (s *Supervisor) probe(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.SupervisorProbeRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, pollInterval); err != nil {
				return err
			}
		}
		lastErr = s.probeOnce(ctx)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (s *Supervisor) probeOnce(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.SupervisorProbeTimeout)
	defer cancel()

	c, err := daemonclient.Dial(probeCtx, s.cfg.SocketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, _, err := c.Register(probeCtx, daemonclient.RegisterOptions{ClientID: probeClientID}); err != nil {
		return err
	}
	_, err = c.Ping(probeCtx)
	return err
}

// reclaimStaleDaemon consults the lock record: if its owner is dead,
// there's nothing to signal (lock.Acquire will reclaim the file itself
// on the next daemon start). If the owner is alive but didn't answer
// the probe, it's wedged; send SIGTERM, wait up to
// cfg.SupervisorTermWait, and escalate to SIGKILL if it's still alive.
func (s *Supervisor) reclaimStaleDaemon(ctx context.Context) error {
	rec, err := lock.ReadOwner(s.cfg.LockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("supervisor: read lock record: %w", err)
	}
	if !lock.Alive(rec.PID) {
		return nil
	}

	s.log.Warn("daemon owns the lock but did not answer the probe, signaling it", zap.Int("pid", rec.PID))
	if err := s.signal(rec.PID, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("supervisor: SIGTERM pid %d: %w", rec.PID, err)
	}

	deadline := time.Now().Add(s.cfg.SupervisorTermWait)
	for time.Now().Before(deadline) {
		if !lock.Alive(rec.PID) {
			return nil
		}
		if err := sleepCtx(ctx, pollInterval); err != nil {
			return err
		}
	}

	if !lock.Alive(rec.PID) {
		return nil
	}
	s.log.Warn("daemon did not exit after SIGTERM, sending SIGKILL", zap.Int("pid", rec.PID))
	if err := s.signal(rec.PID, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("supervisor: SIGKILL pid %d: %w", rec.PID, err)
	}
	return nil
}

// spawn launches a detached daemon process: its own session (Setsid),
// no inherited stdio, and the marker env var set for anyone inspecting
// its environment later.
func (s *Supervisor) spawn() error {
	exePath, err := s.execPath()
	if err != nil {
		return fmt.Errorf("resolve own executable path: %w", err)
	}

	cmd := exec.Command(exePath, s.spawnArg...)
	cmd.Env = append(os.Environ(), DaemonModeEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}

// waitHealthy polls the probe until it succeeds or
// cfg.SupervisorSpawnTimeout elapses, returning the last probe error on
// timeout.
func (s *Supervisor) waitHealthy(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.SupervisorSpawnTimeout)
	var lastErr error
	for {
		lastErr = s.probeOnce(ctx)
		if lastErr == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("supervisor: daemon did not become healthy within %s: %w", s.cfg.SupervisorSpawnTimeout, lastErr)
		}
		if err := sleepCtx(ctx, pollInterval); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
