package state

import (
	"path/filepath"
	"testing"

	"github.com/jelly-j/jellyj/internal/model"
)

func TestLoadMissingFileReturnsZeroValue(t *testing.T) {
	st, err := Load(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.SessionID != "" || st.ZellijSession != "" {
		t.Fatalf("expected zero-value state, got %#v", st)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	want := model.PersistedState{SessionID: "sess-1", ZellijSession: "work"}

	if err := Save(path, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != want {
		t.Fatalf("expected %#v, got %#v", want, got)
	}
}

func TestSaveOverwritesPriorState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := Save(path, model.PersistedState{SessionID: "old"}); err != nil {
		t.Fatalf("save old: %v", err)
	}
	if err := Save(path, model.PersistedState{SessionID: "new"}); err != nil {
		t.Fatalf("save new: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.SessionID != "new" {
		t.Fatalf("expected overwritten state, got %#v", got)
	}
}
