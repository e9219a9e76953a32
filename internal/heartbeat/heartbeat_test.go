package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jelly-j/jellyj/internal/config"
	"github.com/jelly-j/jellyj/internal/model"
	"github.com/jelly-j/jellyj/internal/pluginrpc"
	"github.com/jelly-j/jellyj/internal/procrunner"
	"github.com/jelly-j/jellyj/internal/runtimeadapter"
	"github.com/jelly-j/jellyj/internal/turn"
)

func TestKnownSessionsEvictsStaleEntries(t *testing.T) {
	ks := NewKnownSessions()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ks.Touch("sess-old", model.EnvContext{}, base)
	ks.Touch("sess-new", model.EnvContext{}, base.Add(29*time.Minute))

	ks.EvictStale(30*time.Minute, base.Add(31*time.Minute))

	remaining := ks.Snapshot()
	if len(remaining) != 1 || remaining[0].SessionTag != "sess-new" {
		t.Fatalf("expected only sess-new to survive, got %v", remaining)
	}
}

func TestKnownSessionsTouchUpdatesExisting(t *testing.T) {
	ks := NewKnownSessions()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ks.Touch("sess-1", model.EnvContext{SessionName: "a"}, base)
	ks.Touch("sess-1", model.EnvContext{SessionName: "b"}, base.Add(time.Minute))

	if ks.Len() != 1 {
		t.Fatalf("expected touch to update in place, got %d entries", ks.Len())
	}
	snap := ks.Snapshot()
	if snap[0].Env.SessionName != "b" {
		t.Fatalf("expected latest env context to win, got %#v", snap[0].Env)
	}
}

func TestSnapshotWarrantsAttentionOnDefaultTabName(t *testing.T) {
	snap := model.WorkspaceSnapshot{Tabs: []model.WorkspaceTab{{Position: 0, Name: "Tab #1"}}}
	if !snapshotWarrantsAttention(snap) {
		t.Fatalf("expected default-named tab to warrant attention")
	}
}

func TestSnapshotWarrantsAttentionOnBusyTab(t *testing.T) {
	snap := model.WorkspaceSnapshot{Tabs: []model.WorkspaceTab{{
		Position: 0, Name: "editor", SelectableTiledPanesCount: 5,
	}}}
	if !snapshotWarrantsAttention(snap) {
		t.Fatalf("expected a busy tab to warrant attention")
	}
}

func TestSnapshotWarrantsAttentionFalseWhenQuiet(t *testing.T) {
	snap := model.WorkspaceSnapshot{Tabs: []model.WorkspaceTab{{
		Position: 0, Name: "editor", SelectableTiledPanesCount: 2,
	}}}
	if snapshotWarrantsAttention(snap) {
		t.Fatalf("expected a quiet, deliberately named tab to not warrant attention")
	}
}

func fakeSleepyClaude(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake claude script requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "claude")
	script := "#!/bin/sh\ncat >/dev/null\nsleep 5\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake claude: %v", err)
	}
	return path
}

// TestTickSkipsWhenExecutorBusy exercises the skip path indirectly: a busy
// Executor must prevent Tick from ever reaching the plugin pipe RPC, so a
// known session survives a tick that would otherwise fail to reach a
// nonexistent multiplexer binary and be evicted.
func TestTickSkipsWhenExecutorBusy(t *testing.T) {
	bin := fakeSleepyClaude(t)
	adapter := &runtimeadapter.Adapter{BinaryPath: bin}
	ex := turn.NewExecutor(adapter)

	cfg := config.DefaultConfig()
	procExec := procrunner.NewExecutor(cfg)
	client := pluginrpc.New(procExec)

	probe := NewProbe(client, adapter, procExec, ex, NewKnownSessions(), nil)
	probe.sessions.Touch("sess-1", model.EnvContext{BinaryPath: "/nonexistent/zellij"}, time.Now())

	runCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go ex.Run(runCtx, model.TurnRequest{RequestID: "r1", Text: "hi"}, "", "", "", turn.Callbacks{})
	time.Sleep(100 * time.Millisecond)

	if ex.State() != turn.StateBusy {
		t.Fatalf("expected executor to be busy before ticking")
	}

	probe.Tick(context.Background())

	if probe.sessions.Len() != 1 {
		t.Fatalf("expected busy tick to skip entirely and leave the known session intact, got %d", probe.sessions.Len())
	}
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	quoted := shellQuote("it's a test")
	if quoted != `'it'"'"'s a test'` {
		t.Fatalf("unexpected quoting: %q", quoted)
	}
}
