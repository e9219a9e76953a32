// Package heartbeat implements the Heartbeat Probe: a fixed-cadence timer
// inside the daemon that, once per tick and per known session, asks the
// butler plugin for a cached workspace snapshot, runs cheap predicates over
// it, and on a match consults a cheap model path for tab-rename and
// suggestion proposals. Grounded on agtmux's startResolverLoop/
// startReconcileLoop (cmd/agtmuxd/main.go) and internal/reconcile/
// reconciler.go's fixed-cadence time.Ticker pattern, generalized from
// "reconcile tmux panes against a store" to "probe a workspace snapshot and
// optionally act on it." All failures are logged and swallowed; nothing
// here ever reaches a user-visible error path.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jelly-j/jellyj/internal/model"
	"github.com/jelly-j/jellyj/internal/modelalias"
	"github.com/jelly-j/jellyj/internal/pluginrpc"
	"github.com/jelly-j/jellyj/internal/procrunner"
	"github.com/jelly-j/jellyj/internal/runtimeadapter"
	"github.com/jelly-j/jellyj/internal/turn"
)

// defaultTabNamePattern matches the multiplexer's auto-generated tab names
// ("Tab #1", "Tab #2", ...), the signal that a tab has never been
// deliberately renamed and is a candidate for a suggested rename.
var defaultTabNamePattern = regexp.MustCompile(`^Tab #\d+$`)

// busyPaneThreshold is the selectable-pane count above which a tab is
// considered cluttered enough to warrant a suggestion.
const busyPaneThreshold = 4

// suggestionOverlayLifetime bounds how long an auto-closing suggestion
// pane stays open before the shell underneath it exits.
const suggestionOverlayLifetime = 6 * time.Second

// KnownSessions is the daemon's accumulated memory of session tags it has
// observed via register_client or chat_request. Safe for concurrent use.
type KnownSessions struct {
	mu       sync.Mutex
	sessions map[string]model.KnownSession
}

func NewKnownSessions() *KnownSessions {
	return &KnownSessions{sessions: make(map[string]model.KnownSession)}
}

// Touch records or refreshes a session's last-activity time and
// environment context.
func (k *KnownSessions) Touch(tag string, env model.EnvContext, now time.Time) {
	if tag == "" {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.sessions[tag] = model.KnownSession{SessionTag: tag, Env: env, LastActivity: now}
}

// Evict drops a session tag, e.g. on a heartbeat timeout or "no active
// session" response.
func (k *KnownSessions) Evict(tag string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.sessions, tag)
}

// EvictStale drops every session whose last activity is older than ttl.
func (k *KnownSessions) EvictStale(ttl time.Duration, now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for tag, s := range k.sessions {
		if now.Sub(s.LastActivity) > ttl {
			delete(k.sessions, tag)
		}
	}
}

// Snapshot returns every known session, in no particular order.
func (k *KnownSessions) Snapshot() []model.KnownSession {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]model.KnownSession, 0, len(k.sessions))
	for _, s := range k.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports the number of known sessions.
func (k *KnownSessions) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.sessions)
}

// suggestionResponse is the structured shape expected back from the cheap
// model path: proposed tab renames plus an optional free-text suggestion.
type suggestionResponse struct {
	Renames []struct {
		Position int    `json:"position"`
		Name     string `json:"name"`
	} `json:"renames"`
	Suggestion string `json:"suggestion"`
}

// Probe owns the heartbeat timer and the known-session set.
type Probe struct {
	plugin   *pluginrpc.Client
	adapter  *runtimeadapter.Adapter
	procExec *procrunner.Executor
	executor *turn.Executor
	sessions *KnownSessions
	log      *zap.Logger

	InitialDelay    time.Duration
	Interval        time.Duration
	KnownSessionTTL time.Duration
	PluginOpTimeout time.Duration

	now func() time.Time
}

func NewProbe(plugin *pluginrpc.Client, adapter *runtimeadapter.Adapter, procExec *procrunner.Executor, executor *turn.Executor, sessions *KnownSessions, log *zap.Logger) *Probe {
	if log == nil {
		log = zap.NewNop()
	}
	return &Probe{
		plugin:          plugin,
		adapter:         adapter,
		procExec:        procExec,
		executor:        executor,
		sessions:        sessions,
		log:             log,
		InitialDelay:    2 * time.Minute,
		Interval:        5 * time.Minute,
		KnownSessionTTL: 30 * time.Minute,
		PluginOpTimeout: 8 * time.Second,
		now:             time.Now,
	}
}

// Run blocks, firing Tick on the configured cadence, until ctx is
// cancelled.
func (p *Probe) Run(ctx context.Context) {
	timer := time.NewTimer(p.InitialDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.Tick(ctx)
			timer.Reset(p.Interval)
		}
	}
}

// Tick runs one heartbeat pass: busy-skip, then one probe per known
// session, then stale-session eviction.
func (p *Probe) Tick(ctx context.Context) {
	if p.executor != nil && p.executor.State() == turn.StateBusy {
		return
	}
	now := p.now()
	p.sessions.EvictStale(p.KnownSessionTTL, now)
	for _, session := range p.sessions.Snapshot() {
		if err := p.probeSession(ctx, session, now); err != nil {
			p.log.Warn("heartbeat probe failed", zap.String("session", session.SessionTag), zap.Error(err))
			p.sessions.Evict(session.SessionTag)
		}
	}
}

func (p *Probe) probeSession(ctx context.Context, session model.KnownSession, now time.Time) error {
	snap, err := p.plugin.GetState(ctx, session.Env, p.PluginOpTimeout)
	if err != nil {
		return err
	}

	if !snapshotWarrantsAttention(snap) {
		return nil
	}

	resp, err := p.askCheapModel(ctx, snap, now)
	if err != nil {
		p.log.Debug("heartbeat cheap-model call failed", zap.String("session", session.SessionTag), zap.Error(err))
		return nil
	}

	for _, rename := range resp.Renames {
		p.applyRename(ctx, session, snap, rename.Position, rename.Name)
	}

	if resp.Suggestion != "" {
		p.openSuggestionOverlay(ctx, session, resp.Suggestion)
	}
	return nil
}

// snapshotWarrantsAttention implements the two cheap predicates: any tab
// matching the default-name pattern, or any tab with more than
// busyPaneThreshold selectable panes.
func snapshotWarrantsAttention(snap model.WorkspaceSnapshot) bool {
	for _, tab := range snap.Tabs {
		if defaultTabNamePattern.MatchString(tab.Name) {
			return true
		}
		if tab.SelectableTiledPanesCount+tab.SelectableFloatingPanesCount > busyPaneThreshold {
			return true
		}
	}
	return false
}

func (p *Probe) askCheapModel(ctx context.Context, snap model.WorkspaceSnapshot, now time.Time) (suggestionResponse, error) {
	modelID, err := modelalias.Resolve(modelalias.CheapAlias)
	if err != nil {
		return suggestionResponse{}, err
	}
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return suggestionResponse{}, err
	}
	prompt := fmt.Sprintf(
		"Current time: %s\nWorkspace snapshot: %s\nPropose at most a few tab renames for tabs still carrying a default name, "+
			"and at most one short suggestion if the workspace looks cluttered. "+
			"Respond with JSON only: {\"renames\":[{\"position\":int,\"name\":string}],\"suggestion\":string}.",
		now.Format(time.RFC1123), string(snapJSON))

	var text string
	events := runtimeadapter.Events{OnText: func(fragment string) { text += fragment }}
	if _, err := p.adapter.Chat(ctx, prompt, "", modelID, "", events); err != nil {
		return suggestionResponse{}, err
	}

	var resp suggestionResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return suggestionResponse{}, fmt.Errorf("heartbeat: decode cheap-model response: %w", err)
	}
	return resp, nil
}

// applyRename re-checks the target tab still carries a default name before
// invoking the rename, guarding against overwriting user intent that
// landed during the model round-trip.
func (p *Probe) applyRename(ctx context.Context, session model.KnownSession, snap model.WorkspaceSnapshot, position int, name string) {
	for _, tab := range snap.Tabs {
		if tab.Position != position {
			continue
		}
		if !defaultTabNamePattern.MatchString(tab.Name) {
			return
		}
		if err := p.plugin.RenameTab(ctx, session.Env, p.PluginOpTimeout, position, name); err != nil {
			p.log.Debug("heartbeat rename_tab failed", zap.String("session", session.SessionTag), zap.Error(err))
		}
		return
	}
}

// openSuggestionOverlay spawns a small, auto-closing floating pane with the
// model's suggestion text, via the multiplexer CLI rather than the plugin
// pipe RPC (the butler plugin has no "display text" op; the multiplexer's
// own run-command-in-a-floating-pane facility already does this).
func (p *Probe) openSuggestionOverlay(ctx context.Context, session model.KnownSession, text string) {
	shellCmd := fmt.Sprintf("echo %s; sleep %d", shellQuote(text), int(suggestionOverlayLifetime.Seconds()))
	cmd := procrunner.BuildZellijCommand(session.Env.BinaryPath, "run", "--floating", "--close-on-exit", "--", "sh", "-c", shellCmd)
	if _, err := p.procExec.Run(ctx, suggestionOverlayLifetime+2*time.Second, cmd); err != nil {
		p.log.Debug("heartbeat suggestion overlay failed", zap.String("session", session.SessionTag), zap.Error(err))
	}
}

func shellQuote(s string) string {
	return "'" + regexp.MustCompile(`'`).ReplaceAllString(s, `'"'"'`) + "'"
}
