package lspmux

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func frameFor(t *testing.T, body string) []byte {
	t.Helper()
	return []byte(fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body))
}

func TestEncodeFrame(t *testing.T) {
	req := &Request{JSONRPC: "2.0", ID: 7, Method: "initialize"}

	frame, err := EncodeFrame(req)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}

	str := string(frame)
	if !strings.HasPrefix(str, "Content-Length: ") {
		t.Errorf("Missing Content-Length header in: %s", str)
	}
	if !strings.Contains(str, "\r\n\r\n") {
		t.Errorf("Missing header delimiter in: %s", str)
	}

	body := str[strings.Index(str, "\r\n\r\n")+4:]
	var declared int
	fmt.Sscanf(str, "Content-Length: %d", &declared)
	if declared != len(body) {
		t.Errorf("Declared length %d, body is %d bytes", declared, len(body))
	}

	var decoded Request
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		t.Fatalf("Body is not valid JSON: %v", err)
	}
	if decoded.Method != "initialize" || decoded.ID != 7 {
		t.Errorf("Round trip mismatch: %+v", decoded)
	}
}

func TestDecoder_SingleFrame(t *testing.T) {
	dec := NewDecoder()
	dec.Feed(frameFor(t, `{"jsonrpc":"2.0","method":"ping"}`))

	msg, err := dec.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !strings.Contains(string(msg), `"ping"`) {
		t.Errorf("Unexpected body: %s", msg)
	}

	if _, err := dec.Next(); !errors.Is(err, ErrNeedMoreData) {
		t.Errorf("Expected ErrNeedMoreData on empty buffer, got %v", err)
	}
}

func TestDecoder_ChunkBoundaryIndependence(t *testing.T) {
	bodies := []string{
		`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`,
		`{"jsonrpc":"2.0","method":"textDocument/publishDiagnostics","params":{}}`,
		`{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"not found"}}`,
	}
	var wire []byte
	for _, b := range bodies {
		wire = append(wire, frameFor(t, b)...)
	}

	// Byte-at-a-time delivery must produce the same frames as one big read.
	for _, chunkSize := range []int{1, 2, 7, len(wire)} {
		dec := NewDecoder()
		var got []string

		for off := 0; off < len(wire); off += chunkSize {
			end := off + chunkSize
			if end > len(wire) {
				end = len(wire)
			}
			dec.Feed(wire[off:end])

			for {
				msg, err := dec.Next()
				if errors.Is(err, ErrNeedMoreData) {
					break
				}
				if err != nil {
					t.Fatalf("chunk=%d: Next() error = %v", chunkSize, err)
				}
				got = append(got, string(msg))
			}
		}

		if len(got) != len(bodies) {
			t.Fatalf("chunk=%d: got %d frames, want %d", chunkSize, len(got), len(bodies))
		}
		for i, b := range bodies {
			if got[i] != b {
				t.Errorf("chunk=%d: frame %d = %s, want %s", chunkSize, i, got[i], b)
			}
		}
	}
}

func TestDecoder_PartialBody(t *testing.T) {
	body := `{"jsonrpc":"2.0","method":"ping"}`
	frame := frameFor(t, body)

	dec := NewDecoder()
	dec.Feed(frame[:len(frame)-5])

	if _, err := dec.Next(); !errors.Is(err, ErrNeedMoreData) {
		t.Fatalf("Expected ErrNeedMoreData for partial body, got %v", err)
	}

	dec.Feed(frame[len(frame)-5:])
	msg, err := dec.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if string(msg) != body {
		t.Errorf("Got %s, want %s", msg, body)
	}
}

func TestDecoder_MalformedBodySkipsFrame(t *testing.T) {
	dec := NewDecoder()
	dec.Feed(frameFor(t, `{not json`))
	dec.Feed(frameFor(t, `{"jsonrpc":"2.0","method":"after"}`))

	_, err := dec.Next()
	var malformed *MalformedFrameError
	if !errors.As(err, &malformed) {
		t.Fatalf("Expected MalformedFrameError, got %v", err)
	}

	// The bad frame is consumed; the stream continues.
	msg, err := dec.Next()
	if err != nil {
		t.Fatalf("Next() after malformed frame error = %v", err)
	}
	if !strings.Contains(string(msg), `"after"`) {
		t.Errorf("Unexpected body: %s", msg)
	}
}

func TestDecoder_FramingErrors(t *testing.T) {
	tests := []struct {
		name string
		wire string
	}{
		{"missing content-length", "X-Other: 1\r\n\r\n{}"},
		{"non-numeric length", "Content-Length: abc\r\n\r\n{}"},
		{"negative length", "Content-Length: -5\r\n\r\n{}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder()
			dec.Feed([]byte(tt.wire))

			_, err := dec.Next()
			var framing *FramingError
			if !errors.As(err, &framing) {
				t.Errorf("Expected FramingError, got %v", err)
			}
		})
	}
}

func TestDecoder_HeaderLookaheadBound(t *testing.T) {
	dec := NewDecoder()
	dec.Feed([]byte(strings.Repeat("garbage without delimiter ", 1024)))

	_, err := dec.Next()
	var framing *FramingError
	if !errors.As(err, &framing) {
		t.Fatalf("Expected FramingError for unbounded header, got %v", err)
	}
}

func TestDecoder_CaseInsensitiveHeader(t *testing.T) {
	body := `{"jsonrpc":"2.0","method":"ping"}`
	wire := fmt.Sprintf("content-length: %d\r\n\r\n%s", len(body), body)

	dec := NewDecoder()
	dec.Feed([]byte(wire))

	msg, err := dec.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if string(msg) != body {
		t.Errorf("Got %s, want %s", msg, body)
	}
}

func TestDecoder_ExtraHeaders(t *testing.T) {
	body := `{"jsonrpc":"2.0","method":"ping"}`
	wire := fmt.Sprintf("Content-Length: %d\r\nContent-Type: application/vscode-jsonrpc; charset=utf-8\r\n\r\n%s", len(body), body)

	dec := NewDecoder()
	dec.Feed([]byte(wire))

	msg, err := dec.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if string(msg) != body {
		t.Errorf("Got %s, want %s", msg, body)
	}
}
