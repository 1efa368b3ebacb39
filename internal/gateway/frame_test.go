package gateway

import (
	"encoding/json"
	"testing"

	"github.com/pulsechat/pulsechat-server/internal/wire"
)

func TestNewHelloFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewHelloFrame(45000)
	if err != nil {
		t.Fatalf("NewHelloFrame() error = %v", err)
	}

	var f wire.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Op != wire.OpcodeHello {
		t.Errorf("Op = %d, want %d", f.Op, wire.OpcodeHello)
	}
	if f.Seq != nil {
		t.Errorf("Seq = %v, want nil", f.Seq)
	}
	if f.Type != nil {
		t.Errorf("Type = %v, want nil", f.Type)
	}

	var data wire.HelloData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		t.Fatalf("unmarshal hello data: %v", err)
	}
	if data.HeartbeatIntervalMS != 45000 {
		t.Errorf("HeartbeatIntervalMS = %d, want 45000", data.HeartbeatIntervalMS)
	}
}

func TestNewHeartbeatACKFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewHeartbeatACKFrame()
	if err != nil {
		t.Fatalf("NewHeartbeatACKFrame() error = %v", err)
	}

	var f wire.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Op != wire.OpcodeHeartbeatACK {
		t.Errorf("Op = %d, want %d", f.Op, wire.OpcodeHeartbeatACK)
	}
	if f.Seq != nil {
		t.Errorf("Seq = %v, want nil", f.Seq)
	}
}

func TestNewDispatchFrame(t *testing.T) {
	t.Parallel()

	payload := json.RawMessage(`{"conversationId":"abc","content":"hello"}`)
	raw, err := NewDispatchFrame(42, wire.DispatchMessageNew, payload)
	if err != nil {
		t.Fatalf("NewDispatchFrame() error = %v", err)
	}

	var f wire.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Op != wire.OpcodeDispatch {
		t.Errorf("Op = %d, want %d", f.Op, wire.OpcodeDispatch)
	}
	if f.Seq == nil || *f.Seq != 42 {
		t.Errorf("Seq = %v, want 42", f.Seq)
	}
	if f.Type == nil || *f.Type != string(wire.DispatchMessageNew) {
		t.Errorf("Type = %v, want %q", f.Type, wire.DispatchMessageNew)
	}

	var data struct {
		ConversationID string `json:"conversationId"`
		Content        string `json:"content"`
	}
	if err := json.Unmarshal(f.Data, &data); err != nil {
		t.Fatalf("unmarshal dispatch data: %v", err)
	}
	if data.ConversationID != "abc" {
		t.Errorf("ConversationID = %q, want %q", data.ConversationID, "abc")
	}
}

func TestNewReconnectFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewReconnectFrame()
	if err != nil {
		t.Fatalf("NewReconnectFrame() error = %v", err)
	}

	var f wire.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Op != wire.OpcodeReconnect {
		t.Errorf("Op = %d, want %d", f.Op, wire.OpcodeReconnect)
	}
}

func TestNewInvalidSessionFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		resumable bool
	}{
		{"resumable", true},
		{"not resumable", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw, err := NewInvalidSessionFrame(tt.resumable)
			if err != nil {
				t.Fatalf("NewInvalidSessionFrame(%v) error = %v", tt.resumable, err)
			}

			var f wire.Frame
			if err := json.Unmarshal(raw, &f); err != nil {
				t.Fatalf("unmarshal frame: %v", err)
			}
			if f.Op != wire.OpcodeInvalidSession {
				t.Errorf("Op = %d, want %d", f.Op, wire.OpcodeInvalidSession)
			}

			var got bool
			if err := json.Unmarshal(f.Data, &got); err != nil {
				t.Fatalf("unmarshal data: %v", err)
			}
			if got != tt.resumable {
				t.Errorf("data = %v, want %v", got, tt.resumable)
			}
		})
	}
}
