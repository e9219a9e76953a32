// Package integration implements jellyj's doctor command: a bounded
// sequence of checks against the daemon's on-disk and socket state,
// grounded on agtmux's internal/integration/doctor.go (the same
// DoctorCheck/DoctorResult pass/warn/fail shape, aggregation rule, and
// "name, status, message, path" check record), retargeted from
// checking installed shell hooks to checking jellyj's own lock file,
// socket, history log, and persisted conversation state.
package integration

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/jelly-j/jellyj/internal/config"
	"github.com/jelly-j/jellyj/internal/lock"
	"github.com/jelly-j/jellyj/internal/model"
)

// DoctorCheck is one named check's outcome.
type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass | warn | fail
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// DoctorResult aggregates every check; OK is false if any check failed.
type DoctorResult struct {
	OK       bool          `json:"ok"`
	Checks   []DoctorCheck `json:"checks"`
	Warnings []string      `json:"warnings,omitempty"`
}

// Doctor runs every check against cfg's paths and returns the
// aggregated result. It never fails itself — an unreadable file or an
// unreachable socket becomes a failed check, not a returned error, the
// way agtmux's Doctor never returns an error, either.
func Doctor(cfg config.Config) DoctorResult {
	out := DoctorResult{OK: true}
	add := func(c DoctorCheck) {
		out.Checks = append(out.Checks, c)
		switch c.Status {
		case "warn":
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		case "fail":
			out.OK = false
		}
	}

	add(checkLockFile(cfg.LockPath))
	add(checkSocket(cfg.SocketPath))
	add(checkHistoryWritable(cfg.HistoryPath))
	add(checkStateFile(cfg.StatePath))
	for _, root := range cfg.ConfigRoots {
		add(checkConfigRoot(root))
	}

	return out
}

func checkLockFile(path string) DoctorCheck {
	rec, err := lock.ReadOwner(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DoctorCheck{Name: "lock_file", Status: "warn", Message: "no daemon lock present; the daemon is not running", Path: path}
		}
		return DoctorCheck{Name: "lock_file", Status: "fail", Message: fmt.Sprintf("unreadable: %v", err), Path: path}
	}
	if !lock.Alive(rec.PID) {
		return DoctorCheck{Name: "lock_file", Status: "warn", Message: fmt.Sprintf("stale lock; owner pid %d is not running", rec.PID), Path: path}
	}
	return DoctorCheck{Name: "lock_file", Status: "pass", Message: fmt.Sprintf("owned by live pid %d", rec.PID), Path: path}
}

func checkSocket(path string) DoctorCheck {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return DoctorCheck{Name: "socket", Status: "warn", Message: "no daemon socket present; the daemon is not running", Path: path}
		}
		return DoctorCheck{Name: "socket", Status: "fail", Message: fmt.Sprintf("stat error: %v", err), Path: path}
	}
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return DoctorCheck{Name: "socket", Status: "fail", Message: fmt.Sprintf("stale socket file, dial failed: %v", err), Path: path}
	}
	conn.Close()
	return DoctorCheck{Name: "socket", Status: "pass", Message: "accepting connections", Path: path}
}

func checkHistoryWritable(path string) DoctorCheck {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return DoctorCheck{Name: "history_file", Status: "fail", Message: fmt.Sprintf("not writable: %v", err), Path: path}
	}
	f.Close()
	return DoctorCheck{Name: "history_file", Status: "pass", Message: "writable", Path: path}
}

func checkStateFile(path string) DoctorCheck {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DoctorCheck{Name: "state_file", Status: "warn", Message: "no persisted conversation state yet", Path: path}
		}
		return DoctorCheck{Name: "state_file", Status: "fail", Message: fmt.Sprintf("unreadable: %v", err), Path: path}
	}
	var state model.PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return DoctorCheck{Name: "state_file", Status: "fail", Message: fmt.Sprintf("invalid JSON: %v", err), Path: path}
	}
	return DoctorCheck{Name: "state_file", Status: "pass", Message: "valid", Path: path}
}

func checkConfigRoot(path string) DoctorCheck {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DoctorCheck{Name: "config_root", Status: "warn", Message: "not created yet; will be created on demand", Path: path}
		}
		return DoctorCheck{Name: "config_root", Status: "fail", Message: fmt.Sprintf("stat error: %v", err), Path: path}
	}
	if !info.IsDir() {
		return DoctorCheck{Name: "config_root", Status: "fail", Message: "exists but is not a directory", Path: path}
	}
	return DoctorCheck{Name: "config_root", Status: "pass", Message: "present", Path: path}
}
