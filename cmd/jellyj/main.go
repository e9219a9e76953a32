// jellyj is the single entry point for the Startup Supervisor, the
// daemon, and the UI client. Grounded on agtmux's cmd/agtmux/main.go
// for the "resolve config, build a thin dispatcher, exit with its
// return code" shape, and on cmd/agtmuxd/main.go's
// signal.NotifyContext(ctx, SIGINT, SIGTERM) shutdown wiring,
// generalized from agtmuxd's single always-daemon command to jellyj's
// four-way dispatch: no subcommand, "daemon", "ui", and "doctor"
// layered on top of internal/integration.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jelly-j/jellyj/internal/config"
	"github.com/jelly-j/jellyj/internal/daemon"
	"github.com/jelly-j/jellyj/internal/integration"
	"github.com/jelly-j/jellyj/internal/jlyerr"
	"github.com/jelly-j/jellyj/internal/lock"
	"github.com/jelly-j/jellyj/internal/model"
	"github.com/jelly-j/jellyj/internal/supervisor"
	"github.com/jelly-j/jellyj/internal/ui"
	"github.com/jelly-j/jellyj/internal/wire"
)

func main() {
	cfg := config.DefaultConfig()
	flag.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory")
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "daemon.sock path")
	traceDump := flag.Bool("trace-dump", false, "with the daemon subcommand, dump the running daemon's Audit Log ring and exit")
	flag.Parse()

	log := newLogger(cfg)
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sub := ""
	if args := flag.Args(); len(args) > 0 {
		sub = args[0]
	}

	var err error
	switch sub {
	case "":
		err = runSupervised(ctx, cfg, log)
	case "daemon":
		if *traceDump {
			err = runTraceDump(cfg)
		} else {
			err = runDaemon(ctx, cfg, log)
		}
	case "ui":
		err = ui.Run(ctx, cfg, clientOptions())
	case "doctor":
		err = runDoctor(cfg)
	default:
		fmt.Fprintf(os.Stderr, "jellyj: unknown command %q\n", sub)
		fmt.Fprintln(os.Stderr, "usage: jellyj [daemon|ui|doctor]")
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "jellyj: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if cfg.DaemonTrace {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	log, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// runSupervised is the no-subcommand path: ensure a daemon is up, then
// run the UI client against it.
func runSupervised(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	if err := supervisor.New(cfg, log).Ensure(ctx); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	return ui.Run(ctx, cfg, clientOptions())
}

// runDaemon runs the daemon directly. A lock already held by a live
// process exits 0 rather than erroring, per spec.md §6: a second
// direct invocation racing the supervisor's own spawn is success, not
// failure.
func runDaemon(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	if rec, err := lock.ReadOwner(cfg.LockPath); err == nil && lock.Alive(rec.PID) {
		log.Info("a daemon already owns the lock, exiting", zap.Int("pid", rec.PID))
		return nil
	}

	err := daemon.New(cfg, log).Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	case jlyerr.Is(err, jlyerr.KindProtocol) && lockHeldByLiveProcess(cfg):
		// Lost a race against another daemon between the ReadOwner check
		// above and daemon.Run's own lock.Acquire; the other process won
		// the lock, which is the same success case as the check above.
		log.Info("lost the startup race for the lock, exiting", zap.Error(err))
		return nil
	default:
		return err
	}
}

// runTraceDump is the `jellyj daemon --trace-dump` escape hatch: dial the
// running daemon as an ordinary client, ask for its Audit Log ring, print
// it, and exit — it never touches the lock or the listening endpoint.
func runTraceDump(cfg config.Config) error {
	conn, err := net.Dial("unix", cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("dial daemon socket: %w", err)
	}
	defer conn.Close()

	clientID := uuid.NewString()
	if err := writeFrame(conn, wire.TypeRegisterClient, wire.RegisterClientPayload{ClientID: clientID}); err != nil {
		return err
	}

	scanner := wire.NewScanner(conn)
	for i := 0; i < 2; i++ { // registered, history_snapshot
		if !scanner.Scan() {
			return fmt.Errorf("daemon closed the connection before registering")
		}
	}

	if err := writeFrame(conn, wire.TypeTraceDump, wire.TraceDumpPayload{RequestID: clientID, ClientID: clientID}); err != nil {
		return err
	}
	if !scanner.Scan() {
		return fmt.Errorf("daemon closed the connection before answering trace-dump")
	}
	frame, err := wire.ParseLine(scanner.Bytes())
	if err != nil {
		return err
	}
	if frame.Type == wire.TypeError {
		var p wire.ErrorPayload
		frame.Decode(&p)
		return fmt.Errorf("daemon: %s", p.Message)
	}

	var result wire.TraceDumpResultPayload
	if err := frame.Decode(&result); err != nil {
		return fmt.Errorf("decode trace_dump_result: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result.Entries)
}

func writeFrame(conn net.Conn, frameType string, payload any) error {
	frame, err := wire.Encode(frameType, payload)
	if err != nil {
		return err
	}
	line, err := wire.MarshalLine(frame)
	if err != nil {
		return err
	}
	_, err = conn.Write(line)
	return err
}

func lockHeldByLiveProcess(cfg config.Config) bool {
	rec, err := lock.ReadOwner(cfg.LockPath)
	return err == nil && lock.Alive(rec.PID)
}

func runDoctor(cfg config.Config) error {
	result := integration.Doctor(cfg)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode doctor result: %w", err)
	}
	if !result.OK {
		os.Exit(1)
	}
	return nil
}

func clientOptions() ui.RunOptions {
	hostname, _ := os.Hostname()
	cwd, _ := os.Getwd()
	env := envContextFromOS()
	return ui.RunOptions{
		ClientID:      uuid.NewString(),
		ZellijSession: env.SessionName,
		ZellijEnv:     &env,
		CWD:           cwd,
		Hostname:      hostname,
		PID:           os.Getpid(),
	}
}

// envContextFromOS reads the multiplexer identity spec.md §6 describes
// out of the process environment, for forwarding into register_client.
func envContextFromOS() model.EnvContext {
	return model.EnvContext{
		IPCSocketPath: os.Getenv("ZELLIJ_IPC_SOCKET"),
		SessionName:   os.Getenv("ZELLIJ_SESSION_NAME"),
		BinaryPath:    os.Getenv("ZELLIJ_BINARY_PATH"),
	}
}
