package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jelly-j/jellyj/internal/model"
)

func TestReadSnapshotOnMissingFileIsEmpty(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "history.jsonl"))
	entries, err := s.ReadSnapshot(80)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}

func TestAppendThenReadSnapshotPreservesOrder(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "history.jsonl"))
	for i, role := range []model.HistoryRole{model.RoleUser, model.RoleAssistant, model.RoleNote} {
		if err := s.Append(model.HistoryEntry{Timestamp: time.Now().UTC(), Role: role, Text: string(rune('a' + i))}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, err := s.ReadSnapshot(80)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Role != model.RoleUser || entries[1].Role != model.RoleAssistant || entries[2].Role != model.RoleNote {
		t.Fatalf("unexpected order: %#v", entries)
	}
}

func TestReadSnapshotRespectsLimit(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "history.jsonl"))
	for i := 0; i < 5; i++ {
		if err := s.Append(model.HistoryEntry{Timestamp: time.Now().UTC(), Role: model.RoleNote, Text: string(rune('a' + i))}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, err := s.ReadSnapshot(2)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Text != "d" || entries[1].Text != "e" {
		t.Fatalf("expected last 2 entries in order, got %#v", entries)
	}
}

func TestReadSnapshotSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	s := New(path)
	if err := s.Append(model.HistoryEntry{Timestamp: time.Now().UTC(), Role: model.RoleUser, Text: "ok"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	if _, err := f.WriteString("not json\n"); err != nil {
		t.Fatalf("write malformed line: %v", err)
	}
	f.Close()

	entries, err := s.ReadSnapshot(80)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if len(entries) != 1 || entries[0].Text != "ok" {
		t.Fatalf("expected malformed line to be skipped, got %#v", entries)
	}
}
