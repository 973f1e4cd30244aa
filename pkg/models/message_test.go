package models

import (
	"encoding/json"
	"testing"
)

func TestMessage_Text(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Blocks: []ContentBlock{
			{Type: BlockText, Text: "hello "},
			{Type: BlockThinking, Text: "private"},
			{Type: BlockText, Text: "world"},
		},
	}
	if got := msg.Text(); got != "hello world" {
		t.Errorf("Text() = %q, want %q", got, "hello world")
	}
}

func TestMessage_ToolUses(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Blocks: []ContentBlock{
			{Type: BlockText, Text: "let me check"},
			{Type: BlockToolUse, ID: "toolu_01", Name: "bash", Input: json.RawMessage(`{"command":"ls"}`)},
			{Type: BlockToolUse, ID: "toolu_02", Name: "grep", Input: json.RawMessage(`{"pattern":"x"}`)},
		},
	}

	uses := msg.ToolUses()
	if len(uses) != 2 {
		t.Fatalf("ToolUses() returned %d blocks, want 2", len(uses))
	}
	if uses[0].ID != "toolu_01" || uses[1].ID != "toolu_02" {
		t.Errorf("ToolUses() order wrong: %q, %q", uses[0].ID, uses[1].ID)
	}
	if !msg.HasToolUse() {
		t.Error("HasToolUse() = false, want true")
	}
}

func TestMessage_JSONRoundTrip(t *testing.T) {
	original := Message{
		Role: RoleUser,
		Blocks: []ContentBlock{
			{Type: BlockToolResult, ToolUseID: "toolu_01", Content: "ok", IsError: false},
			{Type: BlockText, Text: "continue"},
		},
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded.Role != original.Role {
		t.Errorf("Role = %q, want %q", decoded.Role, original.Role)
	}
	if len(decoded.Blocks) != 2 {
		t.Fatalf("Blocks length = %d, want 2", len(decoded.Blocks))
	}
	if decoded.Blocks[0].ToolUseID != "toolu_01" {
		t.Errorf("ToolUseID = %q, want toolu_01", decoded.Blocks[0].ToolUseID)
	}
}

func TestNewToolResultMessage(t *testing.T) {
	msg := NewToolResultMessage("toolu_03", "command failed", true)
	if msg.Role != RoleUser {
		t.Errorf("Role = %q, want user", msg.Role)
	}
	results := msg.ToolResults()
	if len(results) != 1 {
		t.Fatalf("ToolResults length = %d, want 1", len(results))
	}
	if !results[0].IsError {
		t.Error("IsError = false, want true")
	}
}
