package integration

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jelly-j/jellyj/internal/config"
	"github.com/jelly-j/jellyj/internal/model"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.StateDir = dir
	cfg.LockPath = filepath.Join(dir, "agent.lock.json")
	cfg.SocketPath = filepath.Join(dir, "daemon.sock")
	cfg.StatePath = filepath.Join(dir, "state.json")
	cfg.HistoryPath = filepath.Join(dir, "history.jsonl")
	cfg.ConfigRoots = []string{filepath.Join(dir, "config-root")}
	return cfg
}

func checkNamed(result DoctorResult, name string) (DoctorCheck, bool) {
	for _, c := range result.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return DoctorCheck{}, false
}

func TestDoctorWarnsOnFreshInstallWithNothingRunning(t *testing.T) {
	cfg := testConfig(t)

	result := Doctor(cfg)
	if !result.OK {
		t.Fatalf("expected doctor ok=true on a fresh install with no failures, got %+v", result)
	}
	if c, ok := checkNamed(result, "lock_file"); !ok || c.Status != "warn" {
		t.Fatalf("expected a warn lock_file check, got %+v", c)
	}
	if c, ok := checkNamed(result, "socket"); !ok || c.Status != "warn" {
		t.Fatalf("expected a warn socket check, got %+v", c)
	}
}

func TestDoctorPassesLockFileForALivePID(t *testing.T) {
	cfg := testConfig(t)
	rec := model.LockRecord{PID: os.Getpid(), StartedAt: time.Now().UTC()}
	writeJSON(t, cfg.LockPath, rec)

	result := Doctor(cfg)
	c, ok := checkNamed(result, "lock_file")
	if !ok || c.Status != "pass" {
		t.Fatalf("expected a pass lock_file check for a live pid, got %+v", c)
	}
}

func TestDoctorWarnsOnStaleLockFile(t *testing.T) {
	cfg := testConfig(t)
	rec := model.LockRecord{PID: 999999, StartedAt: time.Now().UTC()}
	writeJSON(t, cfg.LockPath, rec)

	result := Doctor(cfg)
	c, ok := checkNamed(result, "lock_file")
	if !ok || c.Status != "warn" {
		t.Fatalf("expected a warn lock_file check for a dead owner, got %+v", c)
	}
}

func TestDoctorPassesSocketWhenAListenerIsUp(t *testing.T) {
	cfg := testConfig(t)
	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	result := Doctor(cfg)
	c, ok := checkNamed(result, "socket")
	if !ok || c.Status != "pass" {
		t.Fatalf("expected a pass socket check, got %+v", c)
	}
}

func TestDoctorFailsSocketWhenFilePresentButNothingListens(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.SocketPath, []byte{}, 0o600); err != nil {
		t.Fatalf("write stale socket file: %v", err)
	}

	result := Doctor(cfg)
	c, ok := checkNamed(result, "socket")
	if !ok || c.Status != "fail" {
		t.Fatalf("expected a fail socket check for a stale socket file, got %+v", c)
	}
	if result.OK {
		t.Fatalf("expected overall doctor ok=false when the socket check fails")
	}
}

func TestDoctorFailsStateFileOnInvalidJSON(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.StatePath, []byte("not json"), 0o600); err != nil {
		t.Fatalf("write bad state file: %v", err)
	}

	result := Doctor(cfg)
	c, ok := checkNamed(result, "state_file")
	if !ok || c.Status != "fail" {
		t.Fatalf("expected a fail state_file check for invalid JSON, got %+v", c)
	}
}

func TestDoctorPassesConfigRootWhenPresent(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.ConfigRoots[0], 0o755); err != nil {
		t.Fatalf("mkdir config root: %v", err)
	}

	result := Doctor(cfg)
	c, ok := checkNamed(result, "config_root")
	if !ok || c.Status != "pass" {
		t.Fatalf("expected a pass config_root check, got %+v", c)
	}
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}
