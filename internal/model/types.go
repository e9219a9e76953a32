// Package model holds the core data types shared across jellyj's daemon,
// client, and adapter packages.
package model

import (
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotRegistered  = errors.New("client not registered")
	ErrBusy           = errors.New("executor busy")
)

// ModelAlias is the closed set of model aliases a client may request.
type ModelAlias string

const (
	ModelAliasOpus  ModelAlias = "opus"
	ModelAliasHaiku ModelAlias = "haiku"
)

// DefaultModelAlias is used for a freshly created Conversation State.
const DefaultModelAlias = ModelAliasOpus

// HistoryRole is the closed set of roles a History Entry may carry.
type HistoryRole string

const (
	RoleUser      HistoryRole = "user"
	RoleAssistant HistoryRole = "assistant"
	RoleNote      HistoryRole = "note"
	RoleError     HistoryRole = "error"
)

// EnvContext is the per-request mapping of multiplexer identity a request
// or registration carries, so daemon-spawned subprocesses target the
// client's own session rather than whichever session the daemon started in.
type EnvContext struct {
	IPCSocketPath string `json:"zellijIpcSocket,omitempty"`
	SessionName   string `json:"zellijSession,omitempty"`
	BinaryPath    string `json:"zellijBinaryPath,omitempty"`
}

// IsZero reports whether the context carries no recognized keys.
func (e EnvContext) IsZero() bool {
	return e.IPCSocketPath == "" && e.SessionName == "" && e.BinaryPath == ""
}

// LockRecord is the on-disk payload of agent.lock.json.
type LockRecord struct {
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"startedAt"`
	Hostname      string    `json:"hostname"`
	ZellijSession string    `json:"zellijSession,omitempty"`
	CWD           string    `json:"cwd,omitempty"`
}

// PersistedState is the on-disk payload of state.json.
type PersistedState struct {
	SessionID     string `json:"sessionId,omitempty"`
	ZellijSession string `json:"zellijSession,omitempty"`
}

// ConversationState is the daemon's process-wide, single-owner view of the
// current model conversation.
type ConversationState struct {
	ResumeToken       string
	ModelAlias        ModelAlias
	LastSessionTag    string
}

// HistoryEntry is one immutable line of history.jsonl.
type HistoryEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	Role      HistoryRole `json:"role"`
	Session   string      `json:"session,omitempty"`
	Text      string      `json:"text"`
}

// ClientRegistration is created on a client's first frame.
type ClientRegistration struct {
	ClientID    string
	SessionTag  string
	Env         EnvContext
	CWD         string
	Hostname    string
	PID         int
	RegisteredAt time.Time
}

// TurnRequest is one item admitted to the Turn Queue.
type TurnRequest struct {
	RequestID string
	ClientID  string
	Text      string
	SessionTag string
	Env       EnvContext
}

// WorkspaceTab mirrors the butler plugin's tab summary.
type WorkspaceTab struct {
	Position                      int    `json:"position"`
	Name                          string `json:"name"`
	Active                        bool   `json:"active"`
	SelectableTiledPanesCount     int    `json:"selectable_tiled_panes_count"`
	SelectableFloatingPanesCount int    `json:"selectable_floating_panes_count"`
}

// WorkspacePane mirrors the butler plugin's pane summary.
type WorkspacePane struct {
	ID          uint32 `json:"id"`
	TabIndex    int    `json:"tab_index"`
	Title       string `json:"title"`
	Command     string `json:"command,omitempty"`
	IsPlugin    bool   `json:"is_plugin,omitempty"`
	IsFloating  bool   `json:"is_floating,omitempty"`
	IsSuppressed bool  `json:"is_suppressed,omitempty"`
	IsExited    bool   `json:"is_exited,omitempty"`
}

// WorkspaceSnapshot is the opaque structure the butler plugin returns for
// get_state; the core only reads it for heartbeat predicates and forwards
// it verbatim as model prompt context.
type WorkspaceSnapshot struct {
	Tabs  []WorkspaceTab  `json:"tabs"`
	Panes []WorkspacePane `json:"panes"`
}

// KnownSession is the daemon's accumulated memory of a session tag it has
// observed, used by the Heartbeat Probe.
type KnownSession struct {
	SessionTag   string
	Env          EnvContext
	LastActivity time.Time
}
