package protocol

import (
	"errors"
	"testing"
)

func TestResponseType(t *testing.T) {
	if got := TypeGetStatus.Response(); got != "get_status_response" {
		t.Errorf("Expected get_status_response, got %s", got)
	}
	if !TypeSendKey.Response().IsResponse() {
		t.Error("Expected send_key_response to be a response type")
	}
	if TypeKeyDown.IsResponse() {
		t.Error("Expected key_down not to be a response type")
	}
}

func TestExpectsReply(t *testing.T) {
	for _, typ := range []MessageType{TypeTestConnection, TypeGetStatus, TypeSendKey, TypeSendKeyBatch} {
		if !typ.ExpectsReply() {
			t.Errorf("Expected %s to expect a reply", typ)
		}
	}
	for _, typ := range []MessageType{TypeKeyDown, TypeKeyUp, TypeWelcome, TypeHeartbeat} {
		if typ.ExpectsReply() {
			t.Errorf("Expected %s not to expect a reply", typ)
		}
	}
}

func TestDecodeKeepsRequestID(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"get_status_response","request_id":42,"server_running":true,"version":"1.0.0"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.RequestID != 42 {
		t.Errorf("Expected request id 42, got %d", msg.RequestID)
	}
	var status StatusResult
	if err := msg.Decode(&status); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if !status.ServerRunning || status.Version != "1.0.0" {
		t.Errorf("Unexpected status payload: %+v", status)
	}
}

func TestDecodeRejectsUntypedMessage(t *testing.T) {
	if _, err := Decode([]byte(`{"key":"w"}`)); !errors.Is(err, ErrMissingType) {
		t.Errorf("Expected ErrMissingType, got %v", err)
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("Expected error for invalid JSON")
	}
}

func TestNewMessageOmitsRequestID(t *testing.T) {
	msg, err := NewMessage(TypeKeyUp, KeyUpPayload{Key: "w", Timestamp: 1})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := string(data); got != `{"key":"w","timestamp":1,"type":"key_up"}` {
		t.Errorf("Unexpected wire form: %s", got)
	}
}

func TestEncodeFlattensRequest(t *testing.T) {
	msg, err := NewMessage(TypeSendKey, SendKeyPayload{Key: "w", KeyCode: 87, Timestamp: 5})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	msg.RequestID = 7
	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"key":"w","key_code":87,"request_id":7,"timestamp":5,"type":"send_key"}`
	if got := string(data); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestReencodeReplacesRequestID(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"send_key","request_id":3,"key":"a"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	msg.Type = msg.Type.Response()
	msg.RequestID = 0
	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := string(data); got != `{"key":"a","type":"send_key_response"}` {
		t.Errorf("Unexpected wire form: %s", got)
	}
}

func TestNewMessageRejectsNonObjectPayload(t *testing.T) {
	if _, err := NewMessage(TypeKeyUp, []string{"w"}); !errors.Is(err, ErrNotObject) {
		t.Errorf("Expected ErrNotObject, got %v", err)
	}
}
