// Package wire implements jellyj's newline-delimited JSON frame protocol:
// one JSON object per line, a closed set of client->daemon and
// daemon->client message kinds, discriminated by a Type field. The
// envelope/discriminant shape follows agtmux's internal/ttyv2/protocol.go
// (schema-versioned envelope wrapping a raw payload); the line-oriented
// scanning discipline follows wingedpig-trellis's NDJSON readLoop, which
// enlarges the scanner buffer past bufio's default token size.
package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// SchemaVersion is carried on every frame so a future incompatible wire
// change can be detected by either side instead of silently misparsing.
const SchemaVersion = "jellyj.v1"

// MaxFrameBytes bounds a single line, mirroring wingedpig-trellis's
// 1 MiB NDJSON scanner buffer.
const MaxFrameBytes = 1 << 20

// Client->daemon frame kinds (spec.md §4.2).
const (
	TypeRegisterClient = "register_client"
	TypeChatRequest    = "chat_request"
	TypeSetModel       = "set_model"
	TypeNewSession     = "new_session"
	TypePing           = "ping"
	TypeTraceDump      = "trace_dump"
)

// Daemon->client frame kinds (spec.md §4.2).
const (
	TypeRegistered      = "registered"
	TypeHistorySnap     = "history_snapshot"
	TypeStatusNote      = "status_note"
	TypeChatStart       = "chat_start"
	TypeChatDelta       = "chat_delta"
	TypeToolUse         = "tool_use"
	TypeResultError     = "result_error"
	TypeChatEnd         = "chat_end"
	TypeModelUpdated    = "model_updated"
	TypePong            = "pong"
	TypeError           = "error"
	TypeTraceDumpResult = "trace_dump_result"
)

// Frame is the envelope every line on the wire carries. Payload is decoded
// lazily by the caller via Decode, the way ttyv2.Envelope.DecodePayload
// does it, so the codec has no knowledge of any one message shape.
type Frame struct {
	SchemaVersion string          `json:"schemaVersion"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Encode builds a Frame from a typed payload.
func Encode(frameType string, payload any) (Frame, error) {
	if frameType == "" {
		return Frame{}, fmt.Errorf("wire: frame type is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: marshal payload: %w", err)
	}
	return Frame{SchemaVersion: SchemaVersion, Type: frameType, Payload: body}, nil
}

// Decode unmarshals the frame's payload into dst.
func (f Frame) Decode(dst any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("wire: empty payload for frame type %q", f.Type)
	}
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return fmt.Errorf("wire: decode %q payload: %w", f.Type, err)
	}
	return nil
}

// NewScanner returns a line scanner with a buffer large enough for a full
// chat_delta-laden frame, matching wingedpig-trellis's enlarged NDJSON
// scanner buffer.
func NewScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, MaxFrameBytes), MaxFrameBytes)
	return scanner
}

// ParseLine decodes one NDJSON line into a Frame. A malformed line is
// reported to the caller as an error, never panics and never drops the
// connection — the caller decides whether to emit a Type frame back and
// keep reading.
func ParseLine(line []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, fmt.Errorf("wire: malformed frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("wire: frame missing type")
	}
	return f, nil
}

// MarshalLine renders a Frame as one NDJSON line, newline included.
func MarshalLine(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal frame: %w", err)
	}
	body = append(body, '\n')
	return body, nil
}
