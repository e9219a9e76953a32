// Package lock implements jellyj's singleton daemon lock: a pid-bearing
// JSON record with a liveness probe and a bounded stale-lock reclaim
// retry loop. This is the one place jellyj diverges from a literal port
// of agtmux's internal/daemon/server.go acquireLock/releaseLock, which
// uses syscall.Flock — the spec calls for an owner pid written to a JSON
// record, checked for liveness, and reclaimed after a bounded number of
// retries, so the contract (not the flock primitive) is what's kept.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/jelly-j/jellyj/internal/jlyerr"
	"github.com/jelly-j/jellyj/internal/model"
)

// Handle is a held lock. Release is best-effort and idempotent.
type Handle struct {
	path string
	pid  int
}

// Acquire attempts exclusive creation of the lock file at path. If the
// file already exists, it reads the current owner: if that pid is alive,
// acquisition fails; otherwise the stale file is removed and acquisition
// retries, up to maxRetries times with retryDelay between attempts.
func Acquire(path string, record model.LockRecord, maxRetries int, retryDelay time.Duration) (*Handle, error) {
	record.PID = os.Getpid()
	record.StartedAt = time.Now().UTC()

	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			enc := json.NewEncoder(f)
			if encErr := enc.Encode(record); encErr != nil {
				f.Close()
				os.Remove(path)
				return nil, jlyerr.IOf("lock.Acquire", "write lock record: %w", encErr)
			}
			if closeErr := f.Close(); closeErr != nil {
				os.Remove(path)
				return nil, jlyerr.IOf("lock.Acquire", "close lock file: %w", closeErr)
			}
			return &Handle{path: path, pid: record.PID}, nil
		}
		if !os.IsExist(err) {
			return nil, jlyerr.IOf("lock.Acquire", "create lock file: %w", err)
		}

		owner, readErr := readOwner(path)
		if readErr != nil {
			// Can't even read the existing record; treat conservatively as
			// still owned and let the caller decide whether to retry.
			if attempt >= maxRetries {
				return nil, jlyerr.IOf("lock.Acquire", "read existing lock record: %w", readErr)
			}
			time.Sleep(retryDelay)
			continue
		}

		if alive(owner.PID) {
			return nil, jlyerr.New(jlyerr.KindProtocol, "lock.Acquire", fmt.Errorf("daemon already running (pid %d)", owner.PID))
		}

		if attempt >= maxRetries {
			return nil, jlyerr.New(jlyerr.KindProtocol, "lock.Acquire", fmt.Errorf("stale lock held by pid %d not reclaimed after %d retries", owner.PID, maxRetries))
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, jlyerr.IOf("lock.Acquire", "remove stale lock: %w", err)
		}
		time.Sleep(retryDelay)
	}
}

// Release removes the lock file only if it still records this process as
// owner. Never returns an error the caller needs to act on; best-effort,
// matching agtmux's releaseLock.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	owner, err := readOwner(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return nil
	}
	if owner.PID != h.pid {
		return nil
	}
	return os.Remove(h.path)
}

// ReadOwner reads the lock record at path regardless of whether its
// owner is still alive, for callers (the Startup Supervisor) that need
// to inspect a lock they don't themselves hold.
func ReadOwner(path string) (model.LockRecord, error) {
	return readOwner(path)
}

// Alive reports whether pid names a live process, exported for the
// Startup Supervisor's own probe-then-signal decision.
func Alive(pid int) bool {
	return alive(pid)
}

func readOwner(path string) (model.LockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.LockRecord{}, err
	}
	var rec model.LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.LockRecord{}, fmt.Errorf("decode lock record: %w", err)
	}
	return rec, nil
}

// alive reports whether pid names a live process. EPERM (no permission to
// signal it, but it exists) counts as alive: safety over liveness, per
// spec.md §4.1.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	if err == syscall.EPERM {
		return true
	}
	return false
}
