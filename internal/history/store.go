// Package history implements the append-only history.jsonl journal: one
// JSON object per line, written behind a single-writer mutex the way
// agtmux's internal/db/store.go serializes SQLite writers
// (SetMaxOpenConns(1)), and read back the way wingedpig-trellis's
// loadMessages scans a JSONL file, skipping malformed lines rather than
// failing the whole read.
package history

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"github.com/jelly-j/jellyj/internal/jlyerr"
	"github.com/jelly-j/jellyj/internal/model"
)

// Store serializes every append through mu, matching spec.md §4.3's
// single-writer discipline.
type Store struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Store {
	return &Store{path: path}
}

// Append writes one entry as a JSON line. Entries are never mutated or
// deleted once written.
func (s *Store) Append(entry model.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return jlyerr.IOf("history.Append", "open history file: %w", err)
	}
	defer f.Close()

	body, err := json.Marshal(entry)
	if err != nil {
		return jlyerr.IOf("history.Append", "marshal entry: %w", err)
	}
	body = append(body, '\n')
	if _, err := f.Write(body); err != nil {
		return jlyerr.IOf("history.Append", "write entry: %w", err)
	}
	return nil
}

// ReadSnapshot returns the last limit entries in original order. A
// missing file yields an empty slice, not an error. Malformed lines are
// silently skipped, per spec.md §4.3.
func (s *Store) ReadSnapshot(limit int) ([]model.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, jlyerr.IOf("history.ReadSnapshot", "open history file: %w", err)
	}
	defer f.Close()

	var all []model.HistoryEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry model.HistoryEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		all = append(all, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, jlyerr.IOf("history.ReadSnapshot", "scan history file: %w", err)
	}

	if limit <= 0 || len(all) <= limit {
		return all, nil
	}
	return all[len(all)-limit:], nil
}
