// Package state persists the daemon's Conversation State to state.json by
// atomic rename, grounded on agtmux's internal/integration/install.go
// writeManagedFile (write a sibling .tmp file, then os.Rename over the
// final path) so a crash mid-write never leaves a half-written record.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jelly-j/jellyj/internal/jlyerr"
	"github.com/jelly-j/jellyj/internal/model"
)

// Load reads the persisted state file. A missing file yields a zero-value
// PersistedState, not an error — a fresh daemon has no prior session.
func Load(path string) (model.PersistedState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.PersistedState{}, nil
		}
		return model.PersistedState{}, jlyerr.IOf("state.Load", "read state file: %w", err)
	}
	var st model.PersistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return model.PersistedState{}, jlyerr.IOf("state.Load", "decode state file: %w", err)
	}
	return st, nil
}

// Save writes st to path by rendering it to a temp file beside path and
// renaming over the final name, so readers never observe a partial write.
func Save(path string, st model.PersistedState) error {
	body, err := json.Marshal(st)
	if err != nil {
		return jlyerr.IOf("state.Save", "marshal state: %w", err)
	}
	tmpPath := fmt.Sprintf("%s.tmp.%d", path, time.Now().UTC().UnixNano())
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return jlyerr.IOf("state.Save", "create state dir: %w", err)
	}
	if err := os.WriteFile(tmpPath, body, 0o600); err != nil {
		return jlyerr.IOf("state.Save", "write temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return jlyerr.IOf("state.Save", "rename temp state file: %w", err)
	}
	return nil
}
