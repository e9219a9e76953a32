package wire

import (
	"time"

	"github.com/jelly-j/jellyj/internal/model"
)

// Client->daemon payloads.

type RegisterClientPayload struct {
	ClientID      string            `json:"clientId"`
	ZellijSession string            `json:"zellijSession,omitempty"`
	ZellijEnv     *model.EnvContext `json:"zellijEnv,omitempty"`
	CWD           string            `json:"cwd,omitempty"`
	Hostname      string            `json:"hostname,omitempty"`
	PID           int               `json:"pid,omitempty"`
}

type ChatRequestPayload struct {
	RequestID     string            `json:"requestId"`
	ClientID      string            `json:"clientId"`
	Text          string            `json:"text"`
	ZellijSession string            `json:"zellijSession,omitempty"`
	ZellijEnv     *model.EnvContext `json:"zellijEnv,omitempty"`
}

type SetModelPayload struct {
	RequestID string           `json:"requestId"`
	ClientID  string           `json:"clientId"`
	Alias     model.ModelAlias `json:"alias"`
}

type NewSessionPayload struct {
	RequestID     string `json:"requestId"`
	ClientID      string `json:"clientId"`
	ZellijSession string `json:"zellijSession,omitempty"`
}

type PingPayload struct {
	RequestID string `json:"requestId"`
	ClientID  string `json:"clientId"`
}

// TraceDumpPayload requests the daemon's Audit Log ring, for the
// `jellyj daemon --trace-dump` escape hatch.
type TraceDumpPayload struct {
	RequestID string `json:"requestId"`
	ClientID  string `json:"clientId"`
}

// Daemon->client payloads.

type RegisteredPayload struct {
	ClientID  string           `json:"clientId"`
	DaemonPID int              `json:"daemonPid"`
	Model     model.ModelAlias `json:"model"`
	Busy      bool             `json:"busy"`
}

type HistorySnapshotPayload struct {
	Entries []model.HistoryEntry `json:"entries"`
}

type StatusNotePayload struct {
	Message string `json:"message"`
}

type ChatStartPayload struct {
	RequestID   string           `json:"requestId"`
	Model       model.ModelAlias `json:"model"`
	QueuedAhead int              `json:"queuedAhead"`
}

type ChatDeltaPayload struct {
	RequestID string `json:"requestId"`
	Text      string `json:"text"`
}

type ToolUsePayload struct {
	RequestID string `json:"requestId"`
	Name      string `json:"name"`
}

type ResultErrorPayload struct {
	RequestID string   `json:"requestId"`
	Subtype   string   `json:"subtype"`
	Errors    []string `json:"errors"`
}

type ChatEndPayload struct {
	RequestID string           `json:"requestId"`
	OK        bool             `json:"ok"`
	Model     model.ModelAlias `json:"model"`
}

type ModelUpdatedPayload struct {
	RequestID string           `json:"requestId"`
	Alias     model.ModelAlias `json:"alias"`
}

type PongPayload struct {
	RequestID string `json:"requestId"`
	DaemonPID int    `json:"daemonPid"`
}

type ErrorPayload struct {
	RequestID string `json:"requestId,omitempty"`
	Message   string `json:"message"`
}

// TraceDumpEntry mirrors one daemon.AuditLogEntry, duplicated here rather
// than imported so the wire package stays independent of the daemon
// package the way every other payload here is a plain data shape, not a
// borrowed internal type.
type TraceDumpEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Direction string    `json:"direction"`
	FrameType string    `json:"frameType"`
	Text      string    `json:"text,omitempty"`
}

type TraceDumpResultPayload struct {
	RequestID string           `json:"requestId"`
	Entries   []TraceDumpEntry `json:"entries"`
}
