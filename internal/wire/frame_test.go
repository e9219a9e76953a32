package wire_test

import (
	"bytes"
	"testing"

	"github.com/jelly-j/jellyj/internal/wire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f, err := wire.Encode(wire.TypeChatRequest, wire.ChatRequestPayload{
		RequestID: "r1",
		ClientID:  "c1",
		Text:      "hello",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if f.Type != wire.TypeChatRequest || f.SchemaVersion != wire.SchemaVersion {
		t.Fatalf("unexpected frame: %#v", f)
	}

	var got wire.ChatRequestPayload
	if err := f.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RequestID != "r1" || got.Text != "hello" {
		t.Fatalf("unexpected payload: %#v", got)
	}
}

func TestMarshalLineAppendsNewline(t *testing.T) {
	f, err := wire.Encode(wire.TypePing, wire.PingPayload{RequestID: "r1", ClientID: "c1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	line, err := wire.MarshalLine(f)
	if err != nil {
		t.Fatalf("marshal line: %v", err)
	}
	if line[len(line)-1] != '\n' {
		t.Fatalf("expected trailing newline, got %q", line)
	}
}

func TestParseLineRejectsMissingType(t *testing.T) {
	_, err := wire.ParseLine([]byte(`{"schemaVersion":"jellyj.v1"}`))
	if err == nil {
		t.Fatalf("expected error for frame missing type")
	}
}

func TestParseLineRejectsMalformedJSON(t *testing.T) {
	_, err := wire.ParseLine([]byte(`not json`))
	if err == nil {
		t.Fatalf("expected error for malformed json")
	}
}

func TestScannerReadsMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	for _, typ := range []string{wire.TypePing, wire.TypeNewSession} {
		f, err := wire.Encode(typ, wire.PingPayload{RequestID: "r"})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		line, err := wire.MarshalLine(f)
		if err != nil {
			t.Fatalf("marshal line: %v", err)
		}
		buf.Write(line)
	}

	scanner := wire.NewScanner(&buf)
	var types []string
	for scanner.Scan() {
		f, err := wire.ParseLine(scanner.Bytes())
		if err != nil {
			t.Fatalf("parse line: %v", err)
		}
		types = append(types, f.Type)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scanner error: %v", err)
	}
	if len(types) != 2 || types[0] != wire.TypePing || types[1] != wire.TypeNewSession {
		t.Fatalf("unexpected frame sequence: %v", types)
	}
}
