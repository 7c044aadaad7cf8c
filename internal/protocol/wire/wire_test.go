package wire

import (
	"bytes"
	"errors"
	"testing"

	"e2e_multidevice/internal/model"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestWebSocketMessageRequest(t *testing.T) {
	in := &WebSocketMessage{
		Type:    TypeRequest,
		Request: &Request{Verb: "PUT", Path: "/api/v1/message", Body: []byte{1, 2, 3}, ID: 1<<63 + 7},
	}
	out, err := UnmarshalWebSocketMessage(in.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalWebSocketMessage: %v", err)
	}
	if out.Type != TypeRequest || out.Response != nil || out.Request == nil {
		t.Fatalf("unexpected frame %+v", out)
	}
	r := out.Request
	if r.Verb != "PUT" || r.Path != "/api/v1/message" || r.ID != in.Request.ID || !bytes.Equal(r.Body, []byte{1, 2, 3}) {
		t.Fatalf("request mismatch: %+v", r)
	}
}

func TestWebSocketMessageResponseWithoutBody(t *testing.T) {
	in := &WebSocketMessage{
		Type:     TypeResponse,
		Response: &Response{ID: 9, Status: 409, Message: "Conflict"},
	}
	out, err := UnmarshalWebSocketMessage(in.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalWebSocketMessage: %v", err)
	}
	if out.Response == nil || out.Response.Status != 409 || out.Response.ID != 9 || out.Response.Message != "Conflict" {
		t.Fatalf("response mismatch: %+v", out.Response)
	}
	if out.Response.Body != nil {
		t.Fatalf("absent body decoded as %x", out.Response.Body)
	}
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	b := (&WebSocketMessage{Type: TypeResponse, Response: &Response{ID: 1, Status: 200}}).Marshal()
	b = protowire.AppendTag(b, 15, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 42)
	b = protowire.AppendTag(b, 16, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))

	out, err := UnmarshalWebSocketMessage(b)
	if err != nil {
		t.Fatalf("UnmarshalWebSocketMessage: %v", err)
	}
	if out.Response == nil || out.Response.Status != 200 {
		t.Fatalf("known fields lost: %+v", out)
	}
}

func TestTruncatedFrame(t *testing.T) {
	b := (&WebSocketMessage{Type: TypeRequest, Request: &Request{Verb: "GET", Path: "/v1/keepalive", ID: 1}}).Marshal()
	if _, err := UnmarshalWebSocketMessage(b[:len(b)-3]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestEnvelope(t *testing.T) {
	in := &model.Envelope{
		Type:         model.EnvelopePreKeyBundle,
		Source:       "alice",
		SourceDevice: 2,
		Timestamp:    1700000000000,
		Content:      []byte("ciphertext"),
	}
	out, err := UnmarshalEnvelope(MarshalEnvelope(in))
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if out.Type != in.Type || out.Source != in.Source || out.SourceDevice != 2 || out.Timestamp != in.Timestamp {
		t.Fatalf("envelope mismatch: %+v", out)
	}
	if !bytes.Equal(out.Content, in.Content) || out.LegacyMessage != nil {
		t.Fatalf("envelope payload mismatch: %+v", out)
	}
}
