package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/arbor-sh/arbor/internal/provider"
	"github.com/arbor-sh/arbor/internal/provider/providers/toolconv"
	"github.com/arbor-sh/arbor/internal/tokens"
	"github.com/arbor-sh/arbor/pkg/models"
)

// BedrockProvider adapts the AWS Bedrock Converse API to the provider
// contract. Authentication goes through the standard AWS credential
// chain unless explicit keys are configured.
//
// The usage metadata event arrives after messageStop, so the stream
// loop keeps reading until the event channel closes instead of
// returning on messageStop the way the stop reason alone would allow.
type BedrockProvider struct {
	base         provider.Base
	client       *bedrockruntime.Client
	defaultModel string
	region       string
}

// BedrockConfig configures a BedrockProvider.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	MaxRetries      int
	DefaultModel    string
}

// NewBedrockProvider creates a Bedrock adapter.
func NewBedrockProvider(cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "us.anthropic.claude-sonnet-4-5-20250929-v1:0"
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &BedrockProvider{
		base:         provider.NewBase("bedrock", cfg.MaxRetries),
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		region:       cfg.Region,
	}, nil
}

// Name returns "bedrock".
func (p *BedrockProvider) Name() string { return "bedrock" }

// Accounting reports per-turn accounting: Converse inputTokens exclude
// cache reads, matching the Anthropic native API.
func (p *BedrockProvider) Accounting() tokens.Accounting { return tokens.PerTurnInput }

// Models lists the Bedrock model IDs this adapter serves. Availability
// depends on the AWS account's model access.
func (p *BedrockProvider) Models() []provider.ModelInfo {
	return []provider.ModelInfo{
		{ID: "us.anthropic.claude-sonnet-4-5-20250929-v1:0", Name: "Claude Sonnet 4.5 (Bedrock)", ContextWindow: 200000, MaxOutput: 64000, Thinking: true},
		{ID: "us.anthropic.claude-opus-4-1-20250805-v1:0", Name: "Claude Opus 4.1 (Bedrock)", ContextWindow: 200000, MaxOutput: 32000, Thinking: true},
		{ID: "anthropic.claude-3-5-haiku-20241022-v1:0", Name: "Claude 3.5 Haiku (Bedrock)", ContextWindow: 200000, MaxOutput: 8192},
		{ID: "amazon.nova-pro-v1:0", Name: "Amazon Nova Pro", ContextWindow: 300000, MaxOutput: 5120},
		{ID: "meta.llama3-3-70b-instruct-v1:0", Name: "Llama 3.3 70B (Bedrock)", ContextWindow: 128000, MaxOutput: 8192},
	}
}

// Stream starts one streaming turn against the Converse API.
func (p *BedrockProvider) Stream(ctx context.Context, req *provider.Request) (<-chan provider.Chunk, error) {
	if p.client == nil {
		return nil, provider.NewError("bedrock", req.Model, errors.New("client not initialized"))
	}

	model := p.model(req.Model)
	input := p.buildInput(req, model)

	chunks := make(chan provider.Chunk)
	go func() {
		defer close(chunks)

		var stream *bedrockruntime.ConverseStreamOutput
		err := p.base.Retry(ctx, provider.IsRetryable, func() error {
			s, err := p.client.ConverseStream(ctx, input)
			if err != nil {
				return p.wrapError(err, model)
			}
			stream = s
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				chunks <- provider.Chunk{Kind: provider.ChunkError, Err: ctx.Err()}
				return
			}
			chunks <- provider.Chunk{Kind: provider.ChunkError, Err: err}
			return
		}

		p.processStream(ctx, stream, chunks, model)
	}()

	return chunks, nil
}

func (p *BedrockProvider) buildInput(req *provider.Request, model string) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: p.convertMessages(req.Messages),
	}

	for i, block := range req.System {
		input.System = append(input.System, &types.SystemContentBlockMemberText{Value: block.Text})
		if cacheMarked(req.CacheMarkers, i) {
			input.System = append(input.System, &types.SystemContentBlockMemberCachePoint{
				Value: types.CachePointBlock{Type: types.CachePointTypeDefault},
			})
		}
	}

	var budget int64
	if strings.Contains(model, "anthropic.") {
		budget = thinkingBudget(req.ReasoningEffort)
	}
	maxTokens := req.MaxTokens
	if budget > 0 && maxTokens > 0 && int64(maxTokens) <= budget {
		maxTokens = int(budget) + 4096
	}

	inference := &types.InferenceConfiguration{}
	configured := false
	if maxTokens > 0 {
		bounded := min(maxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		inference.MaxTokens = aws.Int32(int32(bounded))
		configured = true
	}
	if budget > 0 {
		input.AdditionalModelRequestFields = document.NewLazyDocument(map[string]any{
			"thinking": map[string]any{
				"type":          "enabled",
				"budget_tokens": budget,
			},
		})
	} else if req.Temperature > 0 {
		inference.Temperature = aws.Float32(float32(req.Temperature))
		configured = true
	}
	if configured {
		input.InferenceConfig = inference
	}

	if len(req.Tools) > 0 {
		input.ToolConfig = toolconv.ToBedrockTools(req.Tools)
	}

	return input
}

func (p *BedrockProvider) processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, chunks chan<- provider.Chunk, model string) {
	eventStream := stream.GetStream()
	defer eventStream.Close()

	ids := provider.NewIDMap()
	usage := tokens.EmptyRawUsage()
	stopReason := provider.StopEndTurn

	var current *provider.ToolCallChunk
	var toolInput strings.Builder

	flush := func() {
		if current == nil {
			return
		}
		args := toolInput.String()
		if args == "" {
			args = "{}"
		}
		call := *current
		call.Args = []byte(args)
		chunks <- provider.Chunk{Kind: provider.ChunkToolCallStop, ToolCall: &call}
		current = nil
		toolInput.Reset()
	}

	chunks <- provider.Chunk{Kind: provider.ChunkTurnStart}

	events := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			chunks <- provider.Chunk{Kind: provider.ChunkError, Err: ctx.Err()}
			return

		case event, ok := <-events:
			if !ok {
				flush()
				if err := eventStream.Err(); err != nil {
					chunks <- provider.Chunk{Kind: provider.ChunkError, Err: p.wrapError(err, model)}
					return
				}
				chunks <- provider.Chunk{Kind: provider.ChunkTurnEnd, StopReason: stopReason, Usage: usage}
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					flush()
					native := aws.ToString(toolUse.Value.ToolUseId)
					current = &provider.ToolCallChunk{
						ID:         ids.Stable(native),
						ProviderID: native,
						Name:       aws.ToString(toolUse.Value.Name),
					}
					start := *current
					chunks <- provider.Chunk{Kind: provider.ChunkToolCallStart, ToolCall: &start}
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						chunks <- provider.Chunk{Kind: provider.ChunkTextDelta, Text: delta.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil && current != nil {
						toolInput.WriteString(*delta.Value.Input)
						chunks <- provider.Chunk{Kind: provider.ChunkToolCallDelta, ToolCall: &provider.ToolCallChunk{
							ID:        current.ID,
							ArgsDelta: *delta.Value.Input,
						}}
					}
				case *types.ContentBlockDeltaMemberReasoningContent:
					if text, ok := delta.Value.(*types.ReasoningContentBlockDeltaMemberText); ok && text.Value != "" {
						chunks <- provider.Chunk{Kind: provider.ChunkThinkingDelta, Text: text.Value}
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				flush()

			case *types.ConverseStreamOutputMemberMessageStop:
				stopReason = bedrockStopReason(ev.Value.StopReason)

			case *types.ConverseStreamOutputMemberMetadata:
				if u := ev.Value.Usage; u != nil {
					if u.InputTokens != nil {
						usage.Input = int(*u.InputTokens)
					}
					if u.OutputTokens != nil {
						usage.Output = int(*u.OutputTokens)
					}
					if u.CacheReadInputTokens != nil {
						usage.CacheRead = int(*u.CacheReadInputTokens)
					}
					if u.CacheWriteInputTokens != nil {
						usage.CacheCreation = int(*u.CacheWriteInputTokens)
					}
				}
			}
		}
	}
}

func (p *BedrockProvider) convertMessages(messages []models.Message) []types.Message {
	result := make([]types.Message, 0, len(messages))

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []types.ContentBlock
		for _, blk := range msg.Blocks {
			switch blk.Type {
			case models.BlockText:
				if blk.Text != "" {
					content = append(content, &types.ContentBlockMemberText{Value: blk.Text})
				}

			case models.BlockToolUse:
				var inputDoc any
				if err := json.Unmarshal(blk.Input, &inputDoc); err != nil || inputDoc == nil {
					inputDoc = map[string]any{}
				}
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(blk.ID),
						Name:      aws.String(blk.Name),
						Input:     document.NewLazyDocument(inputDoc),
					},
				})

			case models.BlockToolResult:
				block := types.ToolResultBlock{
					ToolUseId: aws.String(blk.ToolUseID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: blk.Content},
					},
				}
				if blk.IsError {
					block.Status = types.ToolResultStatusError
				}
				content = append(content, &types.ContentBlockMemberToolResult{Value: block})
			}
		}
		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}

	return result
}

func (p *BedrockProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func bedrockStopReason(reason types.StopReason) provider.StopReason {
	switch reason {
	case types.StopReasonToolUse:
		return provider.StopToolUse
	case types.StopReasonMaxTokens:
		return provider.StopMaxTokens
	default:
		return provider.StopEndTurn
	}
}

func (p *BedrockProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := provider.AsError(err); ok {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return provider.NewError("bedrock", model, err).
			WithCode(apiErr.ErrorCode()).
			WithMessage(apiErr.ErrorMessage())
	}

	return provider.NewError("bedrock", model, err)
}
