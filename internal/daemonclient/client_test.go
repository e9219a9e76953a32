package daemonclient

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jelly-j/jellyj/internal/config"
	"github.com/jelly-j/jellyj/internal/daemon"
	"github.com/jelly-j/jellyj/internal/model"
	"github.com/jelly-j/jellyj/internal/runtimeadapter"
	"github.com/jelly-j/jellyj/internal/wire"
)

func fakeClaude(t *testing.T, transcript string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake claude script requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "claude")
	script := "#!/bin/sh\ncat >/dev/null\n" + transcript
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func startServer(t *testing.T, claudeBin string) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.StateDir = dir
	cfg.LockPath = filepath.Join(dir, "agent.lock.json")
	cfg.SocketPath = filepath.Join(dir, "daemon.sock")
	cfg.StatePath = filepath.Join(dir, "state.json")
	cfg.HistoryPath = filepath.Join(dir, "history.jsonl")
	cfg.HeartbeatInitialDelay = time.Hour

	var opts []daemon.Option
	if claudeBin != "" {
		opts = append(opts, daemon.WithAdapter(&runtimeadapter.Adapter{BinaryPath: claudeBin}))
	}
	s := daemon.New(cfg, zap.NewNop(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(cfg.SocketPath); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cfg
}

func TestRegisterHandshakeReturnsEmptyHistory(t *testing.T) {
	cfg := startServer(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, cfg.SocketPath)
	require.NoError(t, err)
	defer c.Close()

	registered, snapshot, err := c.Register(ctx, RegisterOptions{ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "c1", registered.ClientID)
	assert.False(t, registered.Busy)
	assert.Empty(t, snapshot.Entries)
}

func TestPingReturnsMatchingRequestID(t *testing.T) {
	cfg := startServer(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, cfg.SocketPath)
	require.NoError(t, err)
	defer c.Close()

	_, _, err = c.Register(ctx, RegisterOptions{ClientID: "c1"})
	require.NoError(t, err)

	pong, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pong.DaemonPID)
}

func TestSendChatStreamsDeltasToSubscriber(t *testing.T) {
	bin := fakeClaude(t, `cat <<'EOF'
{"type":"stream_event","session_id":"sess-1","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi "}}}
{"type":"stream_event","session_id":"sess-1","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"there"}}}
{"type":"result","session_id":"sess-1","is_error":false}
EOF
`)
	cfg := startServer(t, bin)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, cfg.SocketPath)
	require.NoError(t, err)
	defer c.Close()

	_, _, err = c.Register(ctx, RegisterOptions{ClientID: "c1"})
	require.NoError(t, err)

	events := c.Subscribe()
	defer c.Unsubscribe(events)

	requestID, err := c.SendChat("c1", "hi", "", nil)
	require.NoError(t, err)

	var text string
	ok := false
	for !ok {
		select {
		case frame := <-events:
			switch frame.Type {
			case wire.TypeChatDelta:
				var d wire.ChatDeltaPayload
				require.NoError(t, frame.Decode(&d))
				if d.RequestID == requestID {
					text += d.Text
				}
			case wire.TypeChatEnd:
				var e wire.ChatEndPayload
				require.NoError(t, frame.Decode(&e))
				if e.RequestID == requestID {
					assert.True(t, e.OK)
					ok = true
				}
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for chat_end")
		}
	}
	assert.Equal(t, "hi there", text)
}

func TestSetModelBroadcastIsObservedOnSenderConnection(t *testing.T) {
	cfg := startServer(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, cfg.SocketPath)
	require.NoError(t, err)
	defer c.Close()

	_, _, err = c.Register(ctx, RegisterOptions{ClientID: "c1"})
	require.NoError(t, err)

	events := c.Subscribe()
	defer c.Unsubscribe(events)

	_, err = c.SetModel("c1", model.ModelAlias("haiku"))
	require.NoError(t, err)

	for {
		select {
		case frame := <-events:
			if frame.Type != wire.TypeModelUpdated {
				continue
			}
			var p wire.ModelUpdatedPayload
			require.NoError(t, frame.Decode(&p))
			assert.Equal(t, model.ModelAlias("haiku"), p.Alias)
			return
		case <-ctx.Done():
			t.Fatalf("timed out waiting for model_updated")
		}
	}
}
