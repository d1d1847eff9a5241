package wire

import "testing"

func TestEncodeDecode(t *testing.T) {
	original := map[string]interface{}{
		"name":  "test",
		"value": 123,
	}

	data, err := Encode(original)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	var decoded map[string]interface{}
	if err := Decode(data, &decoded); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}

	if decoded["name"] != "test" {
		t.Errorf("Expected name 'test', got %v", decoded["name"])
	}
}

func TestOpMessageRoundTrip(t *testing.T) {
	original := &OpMessage{Op: OpWrite, Path: "/a", Content: "hello", TxnID: "t1"}

	data, err := Encode(original)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	var decoded OpMessage
	if err := Decode(data, &decoded); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if decoded.Op != OpWrite || decoded.Path != "/a" || decoded.Content != "hello" || decoded.TxnID != "t1" {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestNewErrorMessage(t *testing.T) {
	msg := NewErrorMessage("NoSuchFile", "no such file")

	if msg.Kind != "NoSuchFile" {
		t.Errorf("Expected kind NoSuchFile, got %q", msg.Kind)
	}
	if msg.Message != "no such file" {
		t.Errorf("Expected message 'no such file', got %q", msg.Message)
	}
}

func TestEncodeMessage(t *testing.T) {
	payload := &OpMessage{Op: OpLs, Path: "/"}

	data, err := EncodeMessage(MsgOp, payload)
	if err != nil {
		t.Fatalf("Failed to encode message: %v", err)
	}
	if len(data) == 0 {
		t.Error("Expected non-empty data")
	}
}

func TestDecodeMessage(t *testing.T) {
	original := &OpMessage{Op: OpLs, Path: "/"}
	data, _ := EncodeMessage(MsgOp, original)

	msg, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("Failed to decode message: %v", err)
	}
	if msg.Type != MsgOp {
		t.Errorf("Expected type %d, got %d", MsgOp, msg.Type)
	}

	var op OpMessage
	if err := Decode(msg.Payload, &op); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if op.Op != OpLs || op.Path != "/" {
		t.Fatalf("decoded payload mismatch: %+v", op)
	}
}
