package events

import (
	"encoding/json"
	"testing"
)

func TestValidType(t *testing.T) {
	for _, typ := range KnownTypes() {
		if !ValidType(typ) {
			t.Errorf("ValidType(%s) = false for known type", typ)
		}
	}
	for _, typ := range []Type{"", "message", "message.unknown", "stream.gap"} {
		if ValidType(typ) {
			t.Errorf("ValidType(%s) = true for unknown type", typ)
		}
	}
}

func TestNewID_Ordered(t *testing.T) {
	prev := NewID()
	for i := 0; i < 100; i++ {
		next := NewID()
		if next <= prev {
			t.Fatalf("ids not monotonic: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		payload string
		wantErr bool
	}{
		{"valid session.start", TypeSessionStart, `{"workingDirectory":"/w","model":"m"}`, false},
		{"session.start missing model", TypeSessionStart, `{"workingDirectory":"/w"}`, true},
		{"valid fork", TypeSessionFork, `{"parentSessionId":"a","parentEventId":"b"}`, false},
		{"fork missing parent", TypeSessionFork, `{"parentSessionId":"a"}`, true},
		{"valid tool.call", TypeToolCall, `{"id":"toolu_01","name":"bash","input":{}}`, false},
		{"tool.call missing name", TypeToolCall, `{"id":"toolu_01"}`, true},
		{"valid tool.result", TypeToolResult, `{"toolUseId":"toolu_01","content":"ok"}`, false},
		{"tool.result missing id", TypeToolResult, `{"content":"ok"}`, true},
		{"valid compact.boundary", TypeCompactBoundary, `{"originalTokens":100,"compactedTokens":10,"compressionRatio":0.1}`, false},
		{"valid context.cleared", TypeContextCleared, `{"tokensBefore":5,"tokensAfter":0,"reason":"manual"}`, false},
		{"context.cleared missing reason", TypeContextCleared, `{"tokensBefore":5}`, true},
		{"compact.summary missing summary", TypeCompactSummary, `{}`, true},
		{"message.deleted missing target", TypeMessageDeleted, `{}`, true},
		{"not JSON", TypeMessageUser, `{{{`, true},
		{"empty payload for optional type", TypeSessionEnd, ``, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.typ, json.RawMessage(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePayload(%s, %s) err = %v, wantErr %v", tt.typ, tt.payload, err, tt.wantErr)
			}
		})
	}
}

func TestEventClone(t *testing.T) {
	ev := &Event{
		ID:      "e1",
		Type:    TypeMessageUser,
		Payload: json.RawMessage(`{"role":"user"}`),
	}
	clone := ev.Clone()
	clone.Payload[2] = 'X'
	if string(ev.Payload) != `{"role":"user"}` {
		t.Error("Clone shares payload backing array")
	}
}
