package providers

import (
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/arbor-sh/arbor/internal/provider"
	"github.com/arbor-sh/arbor/internal/tokens"
	"github.com/arbor-sh/arbor/pkg/models"
)

func TestBedrockConvertMessages(t *testing.T) {
	p := &BedrockProvider{}

	messages := []models.Message{
		{Role: models.RoleSystem, Blocks: []models.ContentBlock{{Type: models.BlockText, Text: "be brief"}}},
		models.NewUserMessage("run the build"),
		{Role: models.RoleAssistant, Blocks: []models.ContentBlock{
			{Type: models.BlockText, Text: "on it"},
			{Type: models.BlockToolUse, ID: "toolu_01", Name: "bash", Input: json.RawMessage(`{"command":"make"}`)},
		}},
		models.NewToolResultMessage("toolu_01", "make: *** no targets", true),
	}

	got := p.convertMessages(messages)
	if len(got) != 3 {
		t.Fatalf("expected 3 messages (system excluded), got %d", len(got))
	}

	if got[0].Role != types.ConversationRoleUser {
		t.Errorf("expected user role, got %v", got[0].Role)
	}
	if got[1].Role != types.ConversationRoleAssistant {
		t.Errorf("expected assistant role, got %v", got[1].Role)
	}

	if len(got[1].Content) != 2 {
		t.Fatalf("expected text + tool use, got %d blocks", len(got[1].Content))
	}
	toolUse, ok := got[1].Content[1].(*types.ContentBlockMemberToolUse)
	if !ok {
		t.Fatalf("expected tool use block, got %T", got[1].Content[1])
	}
	if aws.ToString(toolUse.Value.ToolUseId) != "toolu_01" || aws.ToString(toolUse.Value.Name) != "bash" {
		t.Errorf("unexpected tool use %#v", toolUse.Value)
	}
	if toolUse.Value.Input == nil {
		t.Error("expected tool input document")
	}

	result, ok := got[2].Content[0].(*types.ContentBlockMemberToolResult)
	if !ok {
		t.Fatalf("expected tool result block, got %T", got[2].Content[0])
	}
	if aws.ToString(result.Value.ToolUseId) != "toolu_01" {
		t.Errorf("unexpected tool use id %v", result.Value.ToolUseId)
	}
	if result.Value.Status != types.ToolResultStatusError {
		t.Errorf("expected error status, got %v", result.Value.Status)
	}
}

func TestBedrockBuildInput_CacheMarkers(t *testing.T) {
	p := &BedrockProvider{}

	input := p.buildInput(&provider.Request{
		System: []provider.SystemBlock{
			{Text: "static prompt"},
			{Text: "session context"},
		},
		CacheMarkers: []int{0},
		Messages:     []models.Message{models.NewUserMessage("hi")},
	}, "us.anthropic.claude-sonnet-4-5-20250929-v1:0")

	// One cache point is inserted after the marked block.
	if len(input.System) != 3 {
		t.Fatalf("expected 3 system entries, got %d", len(input.System))
	}
	if _, ok := input.System[0].(*types.SystemContentBlockMemberText); !ok {
		t.Errorf("expected text block first, got %T", input.System[0])
	}
	if _, ok := input.System[1].(*types.SystemContentBlockMemberCachePoint); !ok {
		t.Errorf("expected cache point after marked block, got %T", input.System[1])
	}
	if _, ok := input.System[2].(*types.SystemContentBlockMemberText); !ok {
		t.Errorf("expected trailing text block, got %T", input.System[2])
	}
}

func TestBedrockBuildInput_Thinking(t *testing.T) {
	p := &BedrockProvider{}

	input := p.buildInput(&provider.Request{
		Messages:        []models.Message{models.NewUserMessage("hi")},
		MaxTokens:       1000,
		Temperature:     0.9,
		ReasoningEffort: "high",
	}, "us.anthropic.claude-sonnet-4-5-20250929-v1:0")

	if input.AdditionalModelRequestFields == nil {
		t.Fatal("expected thinking fields for anthropic models")
	}
	if input.InferenceConfig == nil || input.InferenceConfig.MaxTokens == nil {
		t.Fatal("expected inference config")
	}
	if got := *input.InferenceConfig.MaxTokens; got != 24576+4096 {
		t.Errorf("expected max tokens raised past the budget, got %d", got)
	}
	if input.InferenceConfig.Temperature != nil {
		t.Error("temperature must not be sent together with thinking")
	}
}

func TestBedrockBuildInput_NonAnthropicModel(t *testing.T) {
	p := &BedrockProvider{}

	input := p.buildInput(&provider.Request{
		Messages:        []models.Message{models.NewUserMessage("hi")},
		MaxTokens:       512,
		Temperature:     0.5,
		ReasoningEffort: "high",
	}, "meta.llama3-3-70b-instruct-v1:0")

	// Thinking fields are Claude-specific.
	if input.AdditionalModelRequestFields != nil {
		t.Error("expected no thinking fields for non-anthropic models")
	}
	if input.InferenceConfig.Temperature == nil || *input.InferenceConfig.Temperature != float32(0.5) {
		t.Errorf("expected temperature 0.5, got %v", input.InferenceConfig.Temperature)
	}
	if *input.InferenceConfig.MaxTokens != 512 {
		t.Errorf("expected max tokens 512, got %d", *input.InferenceConfig.MaxTokens)
	}
}

func TestBedrockStopReason(t *testing.T) {
	tests := []struct {
		raw  types.StopReason
		want provider.StopReason
	}{
		{types.StopReasonEndTurn, provider.StopEndTurn},
		{types.StopReasonStopSequence, provider.StopEndTurn},
		{types.StopReasonToolUse, provider.StopToolUse},
		{types.StopReasonMaxTokens, provider.StopMaxTokens},
	}
	for _, tt := range tests {
		if got := bedrockStopReason(tt.raw); got != tt.want {
			t.Errorf("bedrockStopReason(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestBedrockWrapError(t *testing.T) {
	p := &BedrockProvider{}

	throttled := &smithy.GenericAPIError{Code: "ThrottlingException", Message: "Rate exceeded"}
	perr, ok := provider.AsError(p.wrapError(throttled, "us.anthropic.claude-sonnet-4-5-20250929-v1:0"))
	if !ok {
		t.Fatal("expected provider error")
	}
	if perr.Reason != provider.ReasonRateLimit || !perr.Retryable() {
		t.Errorf("expected retryable rate limit, got %v", perr.Reason)
	}
	if perr.Code != "ThrottlingException" {
		t.Errorf("unexpected code %q", perr.Code)
	}

	denied := &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "not authorized"}
	perr, ok = provider.AsError(p.wrapError(denied, "amazon.nova-pro-v1:0"))
	if !ok {
		t.Fatal("expected provider error")
	}
	if perr.Reason != provider.ReasonAuth {
		t.Errorf("expected auth, got %v", perr.Reason)
	}
	if perr.Retryable() {
		t.Error("auth errors must not be retried")
	}
}

func TestBedrockAccounting(t *testing.T) {
	p := &BedrockProvider{}
	if p.Accounting() != tokens.PerTurnInput {
		t.Error("bedrock must report per-turn accounting")
	}
}
