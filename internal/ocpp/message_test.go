package ocpp

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCallRoundTrip(t *testing.T) {
	call, err := NewCall("Heartbeat", struct{}{})
	if err != nil {
		t.Fatalf("NewCall failed: %v", err)
	}

	data, err := json.Marshal(call)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	if !strings.HasPrefix(string(data), "[2,") {
		t.Errorf("call frame must start with message type 2: %s", data)
	}

	var parsed Call
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if parsed.UniqueID != call.UniqueID {
		t.Errorf("unique id mismatch: %s vs %s", parsed.UniqueID, call.UniqueID)
	}
	if parsed.Action != "Heartbeat" {
		t.Errorf("action mismatch: %s", parsed.Action)
	}
}

func TestCallResultRoundTrip(t *testing.T) {
	result, err := NewCallResult("abc-123", map[string]string{"status": "Accepted"})
	if err != nil {
		t.Fatalf("NewCallResult failed: %v", err)
	}

	data, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var parsed CallResult
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if parsed.UniqueID != "abc-123" {
		t.Errorf("unique id mismatch: %s", parsed.UniqueID)
	}

	var payload map[string]string
	if err := json.Unmarshal(parsed.Payload, &payload); err != nil {
		t.Fatalf("payload unmarshal failed: %v", err)
	}
	if payload["status"] != "Accepted" {
		t.Errorf("payload mismatch: %v", payload)
	}
}

func TestCallErrorRoundTrip(t *testing.T) {
	callErr := NewCallError("abc-123", ErrorNotSupported, "feature profile missing")

	data, err := json.Marshal(callErr)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		t.Fatalf("frame is not a JSON array: %v", err)
	}
	if len(arr) != 5 {
		t.Fatalf("call error frame needs 5 elements, got %d", len(arr))
	}

	var parsed CallError
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if parsed.Code != ErrorNotSupported {
		t.Errorf("error code mismatch: %s", parsed.Code)
	}
	if parsed.Description != "feature profile missing" {
		t.Errorf("description mismatch: %s", parsed.Description)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    interface{}
		wantErr bool
	}{
		{
			name:  "call",
			frame: `[2, "id-1", "Heartbeat", {}]`,
			want:  &Call{},
		},
		{
			name:  "call result",
			frame: `[3, "id-1", {}]`,
			want:  &CallResult{},
		},
		{
			name:  "call error",
			frame: `[4, "id-1", "InternalError", "boom", {}]`,
			want:  &CallError{},
		},
		{
			name:    "not json",
			frame:   `garbage`,
			wantErr: true,
		},
		{
			name:    "unknown message type",
			frame:   `[9, "id-1", {}]`,
			wantErr: true,
		},
		{
			name:    "call with wrong arity",
			frame:   `[2, "id-1", "Heartbeat"]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.frame))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}

			switch tt.want.(type) {
			case *Call:
				if _, ok := got.(*Call); !ok {
					t.Errorf("expected *Call, got %T", got)
				}
			case *CallResult:
				if _, ok := got.(*CallResult); !ok {
					t.Errorf("expected *CallResult, got %T", got)
				}
			case *CallError:
				if _, ok := got.(*CallError); !ok {
					t.Errorf("expected *CallError, got %T", got)
				}
			}
		})
	}
}

func TestMessageID(t *testing.T) {
	id, err := MessageID([]byte(`[2, "id-42", "Heartbeat", {}]`))
	if err != nil {
		t.Fatalf("MessageID failed: %v", err)
	}
	if id != "id-42" {
		t.Errorf("expected id-42, got %s", id)
	}

	if _, err := MessageID([]byte(`{}`)); err == nil {
		t.Error("non-array frame should fail")
	}
}

func TestError(t *testing.T) {
	err := NewError(ErrorInternalError, "MeterValues", "power divider missing")

	if got := err.Error(); got != "InternalError on MeterValues: power divider missing" {
		t.Errorf("unexpected error string: %s", got)
	}

	bare := NewError(ErrorGenericError, "", "boom")
	if got := bare.Error(); got != "GenericError: boom" {
		t.Errorf("unexpected error string: %s", got)
	}
}
