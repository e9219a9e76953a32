// Package runtimeadapter implements the Model Runtime Adapter: one turn,
// one `claude` CLI subprocess, NDJSON in and out. Grounded directly on
// wingedpig-trellis-manager.go's Session.ensureProcess/readLoop/
// handleStreamEvent — the CLI invocation flags, the NDJSON scanning
// discipline, the stale-resume substring match, and the session-id
// capture rule are all carried over. Unlike the teacher session (which
// keeps one long-running process per conversation and multiplexes many
// sends across it), jellyj's Executor already serializes turns globally,
// so the adapter spawns and tears down one subprocess per turn and
// returns the resume token for the Executor to hold.
package runtimeadapter

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"strings"

	"github.com/jelly-j/jellyj/internal/jlyerr"
)

// StaleResumeMarker is the substring the Model Runtime's error text
// carries when a resume token no longer names a live conversation,
// grounded on wingedpig-trellis's readLoop check.
const StaleResumeMarker = "No conversation found with session ID"

// ContentBlock mirrors one block of an assistant message.
type ContentBlock struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Text  string          `json:"text,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// streamEvent mirrors the NDJSON events claude emits on stdout with
// --output-format stream-json --include-partial-messages.
type streamEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Errors    []string        `json:"errors,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
}

type innerStreamEvent struct {
	Type         string          `json:"type"`
	ContentBlock json.RawMessage `json:"content_block,omitempty"`
	Delta        json.RawMessage `json:"delta,omitempty"`
}

type stdinUserMessage struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	Message   stdinMessageInner `json:"message"`
}

type stdinMessageInner struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// Events is the callback set the Executor supplies for one turn, matching
// spec.md §4.6's chat() signature. OnPermissionRequest returns the grant
// decision: unlike the other callbacks it is not fire-and-forget, since
// its answer has to go back to the subprocess as a control_response
// before the turn can proceed.
type Events struct {
	OnText              func(fragment string)
	OnToolUse           func(name string)
	OnResultError       func(subtype string, errors []string)
	OnPermissionRequest func(ctx context.Context, toolName, reason string) (bool, error)
}

// controlResponse is the stdin-side reply to a control_request, naming the
// request it answers so the Model Runtime can match it up.
type controlResponse struct {
	Type     string                `json:"type"`
	Response controlResponseDetail `json:"response"`
}

type controlResponseDetail struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  controlDecision `json:"response"`
}

type controlDecision struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

// Outcome is what a completed (or failed-but-recovered) turn returns.
type Outcome struct {
	ResumeToken string
	ErrSubtype  string
	Errors      []string
	StaleResume bool
}

// Adapter spawns the external Model Runtime's CLI per turn.
type Adapter struct {
	// BinaryPath overrides the "claude" executable name, for tests.
	BinaryPath string
}

func New() *Adapter {
	return &Adapter{BinaryPath: "claude"}
}

// Chat runs one turn: userText against modelID, optionally resuming
// resumeToken. contextPrefix, if non-empty, is prepended as plain text to
// the user content. It returns once the subprocess exits.
func (a *Adapter) Chat(ctx context.Context, userText, resumeToken, modelID, contextPrefix string, events Events) (Outcome, error) {
	bin := a.BinaryPath
	if bin == "" {
		bin = "claude"
	}

	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--permission-prompt-tool", "stdio",
		"--include-partial-messages",
	}
	if resumeToken != "" {
		args = append(args, "--resume", resumeToken)
	}
	if modelID != "" {
		args = append(args, "--model", modelID)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Outcome{}, jlyerr.Fatalf("runtimeadapter.Chat", "create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, jlyerr.Fatalf("runtimeadapter.Chat", "create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Outcome{}, jlyerr.Fatalf("runtimeadapter.Chat", "start model runtime: %w", err)
	}

	text := userText
	if contextPrefix != "" {
		text = contextPrefix + "\n\n" + userText
	}
	userMsg := stdinUserMessage{
		Type:      "user",
		SessionID: resumeToken,
		Message: stdinMessageInner{
			Role:    "user",
			Content: []ContentBlock{{Type: "text", Text: text}},
		},
	}
	body, err := json.Marshal(userMsg)
	if err != nil {
		cmd.Process.Kill()
		return Outcome{}, jlyerr.Fatalf("runtimeadapter.Chat", "marshal user message: %w", err)
	}
	if _, err := stdin.Write(append(body, '\n')); err != nil {
		cmd.Process.Kill()
		stdin.Close()
		return Outcome{}, jlyerr.Fatalf("runtimeadapter.Chat", "write user message: %w", err)
	}

	// stdin stays open past the initial write: a control_request for a
	// permission prompt can arrive any time while stdout is being read,
	// and its control_response has to go back over this same pipe before
	// the subprocess will continue.
	outcome, readErr := readEvents(ctx, stdout, stdin, resumeToken, events)
	stdin.Close()
	waitErr := cmd.Wait()
	if readErr != nil {
		return Outcome{}, readErr
	}
	if waitErr != nil && outcome.ErrSubtype == "" {
		// The process exited nonzero with no structured result error to
		// explain why; that is a genuinely fatal adapter condition.
		return Outcome{}, jlyerr.Fatalf("runtimeadapter.Chat", "model runtime exited: %w", waitErr)
	}
	return outcome, nil
}

func readEvents(ctx context.Context, stdout io.Reader, stdin io.Writer, initialResumeToken string, events Events) (Outcome, error) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)

	outcome := Outcome{ResumeToken: initialResumeToken}
	resumeCaptured := false

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}

		if ev.SessionID != "" && !ev.IsError && !resumeCaptured {
			outcome.ResumeToken = ev.SessionID
			resumeCaptured = true
		}

		switch ev.Type {
		case "stream_event":
			handleInnerEvent(ev.Event, events)
		case "control_request":
			handleControlRequest(ctx, stdin, ev.RequestID, ev.Request, events)
		case "result":
			if ev.IsError {
				outcome.ErrSubtype = ev.Subtype
				outcome.Errors = ev.Errors
				for _, msg := range ev.Errors {
					if strings.Contains(msg, StaleResumeMarker) {
						outcome.StaleResume = true
						break
					}
				}
				if events.OnResultError != nil {
					events.OnResultError(ev.Subtype, ev.Errors)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Outcome{}, jlyerr.IOf("runtimeadapter.readEvents", "scan model runtime output: %w", err)
	}
	return outcome, nil
}

func handleInnerEvent(raw json.RawMessage, events Events) {
	if len(raw) == 0 {
		return
	}
	var inner innerStreamEvent
	if err := json.Unmarshal(raw, &inner); err != nil {
		return
	}
	switch inner.Type {
	case "content_block_start":
		if inner.ContentBlock == nil {
			return
		}
		var cb struct {
			Type string `json:"type"`
			Name string `json:"name,omitempty"`
		}
		if json.Unmarshal(inner.ContentBlock, &cb) != nil {
			return
		}
		if cb.Type == "tool_use" && events.OnToolUse != nil {
			events.OnToolUse(cb.Name)
		}
	case "content_block_delta":
		if inner.Delta == nil {
			return
		}
		var d struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		}
		if json.Unmarshal(inner.Delta, &d) != nil {
			return
		}
		if d.Type == "text_delta" && events.OnText != nil && d.Text != "" {
			events.OnText(d.Text)
		}
	}
}

// handleControlRequest decides a permission prompt and always answers it,
// even with no OnPermissionRequest wired (deny) or a malformed request
// body (deny) — the Model Runtime blocks on stdin for this response, so
// silence here would hang the turn rather than fail it.
func handleControlRequest(ctx context.Context, stdin io.Writer, requestID string, raw json.RawMessage, events Events) {
	var req struct {
		ToolName string `json:"tool_name"`
		Reason   string `json:"reason"`
	}
	_ = json.Unmarshal(raw, &req)

	var (
		allow   bool
		message string
	)
	if events.OnPermissionRequest != nil {
		granted, err := events.OnPermissionRequest(ctx, req.ToolName, req.Reason)
		allow = granted
		if err != nil {
			message = err.Error()
		}
	}

	behavior := "deny"
	if allow {
		behavior = "allow"
	}
	resp := controlResponse{
		Type: "control_response",
		Response: controlResponseDetail{
			Subtype:   "success",
			RequestID: requestID,
			Response:  controlDecision{Behavior: behavior, Message: message},
		},
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	stdin.Write(append(body, '\n'))
}

// IsStaleResumeError reports whether errs contains the stale-conversation
// marker the Executor retries on exactly once.
func IsStaleResumeError(errs []string) bool {
	for _, msg := range errs {
		if strings.Contains(msg, StaleResumeMarker) {
			return true
		}
	}
	return false
}
