package daemon

import (
	"sync"
	"time"

	"github.com/jelly-j/jellyj/internal/security"
)

// AuditLogEntry is one slot in the Audit Log ring: a courtesy record of a
// frame the daemon sent or received, independent of the persisted chat
// History journal.
type AuditLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Direction string    `json:"direction"` // "in" or "out"
	FrameType string    `json:"frameType"`
	Text      string    `json:"text,omitempty"`
}

// AuditLog is a fixed-capacity ring buffer, mirroring the butler plugin's
// own TRACE_LIMIT = 200 trace ring (see original_source/plugin/src/main.rs)
// but kept entirely in the daemon process, independent of the plugin's
// get_trace/clear_trace pipe ops.
type AuditLog struct {
	mu       sync.Mutex
	capacity int
	entries  []AuditLogEntry
}

func NewAuditLog(capacity int) *AuditLog {
	if capacity <= 0 {
		capacity = 200
	}
	return &AuditLog{capacity: capacity}
}

// Record redacts rawPayload before storing it. RedactForStorage is
// fail-closed: a payload it cannot prove is safe is stored with an empty
// Text field rather than risk a leak, but the frame's direction and type
// are always kept so --trace-dump still shows the shape of traffic.
func (a *AuditLog) Record(direction, frameType, rawPayload string, now time.Time) {
	entry := AuditLogEntry{
		Timestamp: now,
		Direction: direction,
		FrameType: frameType,
		Text:      security.RedactForStorage(rawPayload),
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	if len(a.entries) > a.capacity {
		a.entries = a.entries[len(a.entries)-a.capacity:]
	}
}

// Snapshot returns every retained entry, oldest first.
func (a *AuditLog) Snapshot() []AuditLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditLogEntry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Clear empties the ring, for the --trace-dump escape hatch and for tests.
func (a *AuditLog) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = nil
}
