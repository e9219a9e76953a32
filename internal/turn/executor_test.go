package turn

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jelly-j/jellyj/internal/model"
	"github.com/jelly-j/jellyj/internal/runtimeadapter"
)

func fakeClaude(t *testing.T, transcript string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake claude script requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "claude")
	script := "#!/bin/sh\ncat >/dev/null\n" + transcript
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake claude: %v", err)
	}
	return path
}

func TestRunSucceedsAndReturnsAssistantText(t *testing.T) {
	bin := fakeClaude(t, `cat <<'EOF'
{"type":"stream_event","session_id":"sess-1","event":{"type":"content_block_start","content_block":{"type":"text"}}}
{"type":"stream_event","session_id":"sess-1","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi there"}}}
{"type":"result","session_id":"sess-1","is_error":false}
EOF
`)
	ex := NewExecutor(&runtimeadapter.Adapter{BinaryPath: bin})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	outcome, err := ex.Run(ctx, model.TurnRequest{RequestID: "r1", Text: "hello"}, "", "claude-opus-4", "", Callbacks{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !outcome.OK || outcome.AssistantText != "hi there" {
		t.Fatalf("unexpected outcome: %#v", outcome)
	}
	if outcome.NewResumeToken != "sess-1" {
		t.Fatalf("expected resume token to be captured, got %#v", outcome)
	}
}

func TestRunRejectsConcurrentCallsWhileBusy(t *testing.T) {
	bin := fakeClaude(t, `sleep 2
cat <<'EOF'
{"type":"result","is_error":false}
EOF
`)
	ex := NewExecutor(&runtimeadapter.Adapter{BinaryPath: bin})
	ex.mu.Lock()
	ex.state = StateBusy
	ex.mu.Unlock()

	_, err := ex.Run(context.Background(), model.TurnRequest{RequestID: "r1", Text: "hi"}, "", "", "", Callbacks{})
	if err != model.ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestRunRetriesOnceOnStaleResumeBeforeAnyText(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "called-once")
	script := "#!/bin/sh\ncat >/dev/null\n" +
		"if [ -f '" + marker + "' ]; then\n" +
		`cat <<'EOF'
{"type":"stream_event","session_id":"sess-new","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"fresh reply"}}}
{"type":"result","session_id":"sess-new","is_error":false}
EOF
` +
		"else\n" +
		"touch '" + marker + "'\n" +
		`cat <<'EOF'
{"type":"result","is_error":true,"subtype":"error","errors":["No conversation found with session ID abc"]}
EOF
` +
		"fi\n"
	binPath := filepath.Join(dir, "claude")
	if err := os.WriteFile(binPath, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake claude: %v", err)
	}

	ex := NewExecutor(&runtimeadapter.Adapter{BinaryPath: binPath})

	var notes []string
	cb := Callbacks{OnStatusNote: func(msg string) { notes = append(notes, msg) }}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	outcome, err := ex.Run(ctx, model.TurnRequest{RequestID: "r1", Text: "hi"}, "stale-token", "", "", cb)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !outcome.OK || outcome.AssistantText != "fresh reply" {
		t.Fatalf("expected recovered turn to succeed with fresh reply, got %#v", outcome)
	}
	if len(notes) != 1 {
		t.Fatalf("expected exactly one status note about the stale resume, got %v", notes)
	}
}

func TestContextPrefixNotesSessionSwitch(t *testing.T) {
	now := time.Now()
	prefix := ContextPrefix(now, "session-b", "session-a")
	if prefix == "" {
		t.Fatalf("expected a non-empty prefix")
	}
	if !contains(prefix, "moved to a different workspace session") {
		t.Fatalf("expected session switch notice, got %q", prefix)
	}
}

func TestContextPrefixOmitsNoticeWhenSessionUnchanged(t *testing.T) {
	now := time.Now()
	prefix := ContextPrefix(now, "session-a", "session-a")
	if contains(prefix, "moved to a different workspace session") {
		t.Fatalf("did not expect a session switch notice, got %q", prefix)
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
