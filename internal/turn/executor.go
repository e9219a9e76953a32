// Package turn implements the Turn Queue & Executor: a FIFO queue of Turn
// Requests with at most one turn in-flight globally, grounded on agtmux's
// internal/target/executor.go Executor (single struct, a Run-shaped
// method, a retry loop) generalized from "run a shell command with
// retry" to "run one model turn with stale-resume retry." The
// Idle->Busy->Idle state machine and the stale-resume retry-once policy
// follow wingedpig-trellis-manager.go's readLoop, which rebuilds the
// session once on the stale-conversation marker before the next attempt.
package turn

import (
	"context"
	"sync"
	"time"

	"github.com/jelly-j/jellyj/internal/model"
	"github.com/jelly-j/jellyj/internal/runtimeadapter"
)

// State is the Executor's coarse state machine: Idle -> Busy -> Idle, no
// terminal state.
type State int

const (
	StateIdle State = iota
	StateBusy
)

// ChatOutcome is everything the Executor needs to translate one turn's
// result into outbound frames and persisted state.
type ChatOutcome struct {
	AssistantText  string
	OK             bool
	ErrSubtype     string
	Errors         []string
	NewResumeToken string
}

// Callbacks lets the caller (the daemon) observe per-event translation
// without the Executor knowing about wire frames.
type Callbacks struct {
	OnStatusNote        func(message string)
	OnChatDelta         func(fragment string)
	OnToolUse           func(name string)
	OnResultError       func(subtype string, errors []string)
	OnPermissionRequest func(ctx context.Context, toolName, reason string) (bool, error)
}

// Executor serializes model turns globally. Exactly one Run call is
// in-flight at a time; callers enqueue by calling Run from their own
// queue-draining loop, matching spec.md §4.5's "dequeue the head, mark
// busy" operation rather than Executor owning the queue's storage itself.
type Executor struct {
	adapter *runtimeadapter.Adapter

	mu    sync.Mutex
	state State
}

func NewExecutor(adapter *runtimeadapter.Adapter) *Executor {
	return &Executor{adapter: adapter, state: StateIdle}
}

func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run executes one Turn Request to completion, including the
// stale-resume retry-once policy from spec.md §4.5. It marks Busy for the
// duration and guarantees a return to Idle on every exit path.
func (e *Executor) Run(ctx context.Context, req model.TurnRequest, resumeToken, modelID, contextPrefix string, cb Callbacks) (ChatOutcome, error) {
	e.mu.Lock()
	if e.state == StateBusy {
		e.mu.Unlock()
		return ChatOutcome{}, model.ErrBusy
	}
	e.state = StateBusy
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.state = StateIdle
		e.mu.Unlock()
	}()

	outcome, err := e.runOnce(ctx, req.Text, resumeToken, modelID, contextPrefix, cb)
	if err != nil {
		return ChatOutcome{}, err
	}

	if outcome.StaleResume {
		if cb.OnStatusNote != nil {
			cb.OnStatusNote("the previous conversation could not be resumed; starting a fresh one")
		}
		outcome, err = e.runOnce(ctx, req.Text, "", modelID, contextPrefix, cb)
		if err != nil {
			return ChatOutcome{}, err
		}
	}

	result := ChatOutcome{
		AssistantText:  outcome.text,
		OK:             outcome.ErrSubtype == "",
		ErrSubtype:     outcome.ErrSubtype,
		Errors:         outcome.Errors,
		NewResumeToken: outcome.ResumeToken,
	}
	return result, nil
}

type runResult struct {
	runtimeadapter.Outcome
	text string
}

func (e *Executor) runOnce(ctx context.Context, text, resumeToken, modelID, contextPrefix string, cb Callbacks) (runResult, error) {
	var accumulated string
	var bufferedErr *runtimeadapter.Outcome

	events := runtimeadapter.Events{
		OnText: func(fragment string) {
			accumulated += fragment
			if cb.OnChatDelta != nil {
				cb.OnChatDelta(fragment)
			}
		},
		OnToolUse: func(name string) {
			if cb.OnToolUse != nil {
				cb.OnToolUse(name)
			}
		},
		OnPermissionRequest: cb.OnPermissionRequest,
		OnResultError: func(subtype string, errors []string) {
			// Buffered: the stale-resume case is detected by the adapter's
			// returned Outcome, not by forwarding this callback blindly —
			// only forward once we know this isn't a recoverable stale
			// resume with no assistant text emitted yet.
			if accumulated == "" && runtimeadapter.IsStaleResumeError(errors) && resumeToken != "" {
				bufferedErr = &runtimeadapter.Outcome{ErrSubtype: subtype, Errors: errors, StaleResume: true}
				return
			}
			if cb.OnResultError != nil {
				cb.OnResultError(subtype, errors)
			}
		},
	}

	outcome, err := e.adapter.Chat(ctx, text, resumeToken, modelID, contextPrefix, events)
	if err != nil {
		return runResult{}, err
	}
	if bufferedErr != nil {
		outcome.StaleResume = true
		outcome.ErrSubtype = bufferedErr.ErrSubtype
		outcome.Errors = bufferedErr.Errors
	}
	return runResult{Outcome: outcome, text: accumulated}, nil
}

// ContextPrefix composes the one-turn context prefix: wall clock, and a
// session-switch notice when sessionTag differs from lastSessionTag.
func ContextPrefix(now time.Time, sessionTag, lastSessionTag string) string {
	prefix := "Current time: " + now.Format(time.RFC1123)
	if lastSessionTag != "" && sessionTag != "" && sessionTag != lastSessionTag {
		prefix += "\nThe user has moved to a different workspace session; prior workspace state may no longer apply."
	}
	return prefix
}
