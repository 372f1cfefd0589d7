package sessiond

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestMessageDiscriminators(t *testing.T) {
	req := Message{ID: 7, Type: TypeWrite}
	if req.isResponse() || req.isEvent() {
		t.Fatal("request classified as response or event")
	}

	ok := true
	resp := Message{ID: 7, OK: &ok}
	if !resp.isResponse() {
		t.Fatal("response not classified as response")
	}

	ev := Message{Type: typeEvent, Event: EventData, SessionID: "pane1"}
	if !ev.isEvent() {
		t.Fatal("event not classified as event")
	}
}

func TestWriteMessageEmitsOneLine(t *testing.T) {
	var buf bytes.Buffer
	payload, err := encodePayload(WriteRequest{PaneID: "pane1", Data: []byte("ls\n")})
	if err != nil {
		t.Fatalf("encodePayload: %v", err)
	}
	if err := writeMessage(&buf, Message{ID: 1, Type: TypeWrite, Payload: payload}); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}
	line := buf.String()
	if !strings.HasSuffix(line, "\n") {
		t.Fatal("message not newline terminated")
	}
	if strings.Count(line, "\n") != 1 {
		t.Fatalf("message spans %d lines", strings.Count(line, "\n"))
	}
}

func TestReadMessageStreamsMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	for i := uint64(1); i <= 3; i++ {
		if err := writeMessage(&buf, Message{ID: i, Type: TypeListSessions}); err != nil {
			t.Fatalf("writeMessage: %v", err)
		}
	}
	dec := json.NewDecoder(&buf)
	for i := uint64(1); i <= 3; i++ {
		msg, err := readMessage(dec)
		if err != nil {
			t.Fatalf("readMessage %d: %v", i, err)
		}
		if msg.ID != i || msg.Type != TypeListSessions {
			t.Fatalf("frame %d = %+v", i, msg)
		}
	}
}

func TestDecodePayloadToleratesEmpty(t *testing.T) {
	var out WriteResponse
	if err := decodePayload(nil, &out); err != nil {
		t.Fatalf("decodePayload(nil): %v", err)
	}
	if err := decodePayload(json.RawMessage(`{"accepted":true}`), &out); err != nil {
		t.Fatalf("decodePayload: %v", err)
	}
	if !out.Accepted {
		t.Fatal("payload not decoded")
	}
}

func TestErrorInfoRoundTrip(t *testing.T) {
	ok := false
	msg := Message{ID: 9, OK: &ok, Error: &ErrorInfo{Code: CodeNoSession, Message: "no such pane"}}
	var buf bytes.Buffer
	if err := writeMessage(&buf, msg); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}
	got, err := readMessage(json.NewDecoder(&buf))
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	if got.Error == nil || got.Error.Code != CodeNoSession {
		t.Fatalf("error = %+v", got.Error)
	}
	if !strings.Contains(got.Error.Error(), CodeNoSession) {
		t.Fatalf("Error() = %q", got.Error.Error())
	}
}

func TestCheckProtocolVersion(t *testing.T) {
	cases := []struct {
		version string
		code    string
	}{
		{ProtocolVersion, ""},
		{"1.4.2", ""},
		{"2.0.0", CodeVersionMismatch},
		{"", CodeBadRequest},
		{"banana", CodeBadRequest},
	}
	for _, tc := range cases {
		err := checkProtocolVersion(tc.version)
		if tc.code == "" {
			if err != nil {
				t.Fatalf("checkProtocolVersion(%q) = %v", tc.version, err)
			}
			continue
		}
		info, ok := err.(*ErrorInfo)
		if !ok || info.Code != tc.code {
			t.Fatalf("checkProtocolVersion(%q) = %v, want code %s", tc.version, err, tc.code)
		}
	}
}
