package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/arbor-sh/arbor/internal/provider"
	"github.com/arbor-sh/arbor/internal/tokens"
	"github.com/arbor-sh/arbor/pkg/models"
)

// AnthropicProvider adapts Anthropic's Messages API to the provider
// contract. It speaks the streaming SSE protocol, places prompt-cache
// boundaries on marked system blocks and reports usage in per-turn
// accounting: input_tokens excludes cache reads and writes, which arrive
// in their own counters.
type AnthropicProvider struct {
	base         provider.Base
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider. One of APIKey or
// AuthToken is required; AuthToken carries an OAuth bearer token for
// subscription-based access.
type AnthropicConfig struct {
	APIKey       string
	AuthToken    string
	BaseURL      string
	MaxRetries   int
	DefaultModel string
}

// NewAnthropicProvider creates an Anthropic adapter.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" && config.AuthToken == "" {
		return nil, errors.New("anthropic: API key or auth token is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-5-20250929"
	}

	var options []option.RequestOption
	if config.AuthToken != "" {
		options = append(options, option.WithAuthToken(config.AuthToken))
	} else {
		options = append(options, option.WithAPIKey(config.APIKey))
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		base:         provider.NewBase("anthropic", config.MaxRetries),
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Accounting reports per-turn input accounting: input_tokens covers only
// the non-cached portion of the prompt.
func (p *AnthropicProvider) Accounting() tokens.Accounting { return tokens.PerTurnInput }

// Models lists the Claude models this adapter serves.
func (p *AnthropicProvider) Models() []provider.ModelInfo {
	return []provider.ModelInfo{
		{
			ID:            "claude-sonnet-4-5-20250929",
			Name:          "Claude Sonnet 4.5",
			ContextWindow: 200000,
			MaxOutput:     64000,
			Thinking:      true,
		},
		{
			ID:            "claude-opus-4-1-20250805",
			Name:          "Claude Opus 4.1",
			ContextWindow: 200000,
			MaxOutput:     32000,
			Thinking:      true,
		},
		{
			ID:            "claude-haiku-4-5-20251001",
			Name:          "Claude Haiku 4.5",
			ContextWindow: 200000,
			MaxOutput:     64000,
			Thinking:      true,
		},
		{
			ID:            "claude-3-5-haiku-20241022",
			Name:          "Claude 3.5 Haiku",
			ContextWindow: 200000,
			MaxOutput:     8192,
		},
	}
}

// Stream starts one streaming turn against the Messages API.
func (p *AnthropicProvider) Stream(ctx context.Context, req *provider.Request) (<-chan provider.Chunk, error) {
	model := p.model(req.Model)
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}

	chunks := make(chan provider.Chunk)
	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		err := p.base.Retry(ctx, provider.IsRetryable, func() error {
			stream = p.client.Messages.NewStreaming(ctx, params)
			if err := stream.Err(); err != nil {
				return p.wrapError(err, model)
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				chunks <- provider.Chunk{Kind: provider.ChunkError, Err: ctx.Err()}
				return
			}
			chunks <- provider.Chunk{Kind: provider.ChunkError, Err: p.wrapError(err, model)}
			return
		}

		p.processStream(stream, chunks, model)
	}()

	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *provider.Request, model string) (anthropic.MessageNewParams, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if len(req.System) > 0 {
		system := make([]anthropic.TextBlockParam, 0, len(req.System))
		for i, blk := range req.System {
			tb := anthropic.TextBlockParam{Text: blk.Text}
			if cacheMarked(req.CacheMarkers, i) {
				tb.CacheControl = anthropic.NewCacheControlEphemeralParam()
			}
			system = append(system, tb)
		}
		params.System = system
	}

	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	if budget := thinkingBudget(req.ReasoningEffort); budget > 0 {
		// The output budget must leave room beyond the thinking budget.
		if int64(maxTokens) <= budget {
			params.MaxTokens = budget + 4096
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	} else if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	return params, nil
}

// processStream consumes SSE events and emits normalized chunks.
//
// Tool calls arrive across several events: content_block_start carries
// the id and name, input_json_delta events stream argument fragments,
// and content_block_stop finalizes the call. Usage arrives split between
// message_start (input side) and message_delta (output side).
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- provider.Chunk, model string) {
	ids := provider.NewIDMap()
	usage := tokens.EmptyRawUsage()
	stopReason := provider.StopEndTurn

	var tool *provider.ToolCallChunk
	var toolInput strings.Builder
	emptyEventCount := 0

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			u := messageStart.Message.Usage
			if u.InputTokens > 0 {
				usage.Input = int(u.InputTokens)
			}
			if u.CacheReadInputTokens > 0 {
				usage.CacheRead = int(u.CacheReadInputTokens)
			}
			if u.CacheCreationInputTokens > 0 {
				usage.CacheCreation = int(u.CacheCreationInputTokens)
			}
			chunks <- provider.Chunk{Kind: provider.ChunkTurnStart}
			eventProcessed = true

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				tool = &provider.ToolCallChunk{
					ID:         ids.Stable(toolUse.ID),
					ProviderID: toolUse.ID,
					Name:       toolUse.Name,
				}
				toolInput.Reset()
				chunks <- provider.Chunk{Kind: provider.ChunkToolCallStart, ToolCall: &provider.ToolCallChunk{
					ID:         tool.ID,
					ProviderID: tool.ProviderID,
					Name:       tool.Name,
				}}
				eventProcessed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- provider.Chunk{Kind: provider.ChunkTextDelta, Text: delta.Text}
					eventProcessed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- provider.Chunk{Kind: provider.ChunkThinkingDelta, Text: delta.Thinking}
					eventProcessed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" && tool != nil {
					toolInput.WriteString(delta.PartialJSON)
					chunks <- provider.Chunk{Kind: provider.ChunkToolCallDelta, ToolCall: &provider.ToolCallChunk{
						ID:        tool.ID,
						ArgsDelta: delta.PartialJSON,
					}}
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if tool != nil {
				args := toolInput.String()
				if args == "" {
					args = "{}"
				}
				tool.Args = json.RawMessage(args)
				chunks <- provider.Chunk{Kind: provider.ChunkToolCallStop, ToolCall: tool}
				tool = nil
				eventProcessed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.Output = int(messageDelta.Usage.OutputTokens)
			}
			if messageDelta.Delta.StopReason != "" {
				stopReason = anthropicStopReason(string(messageDelta.Delta.StopReason))
			}
			eventProcessed = true

		case "message_stop":
			chunks <- provider.Chunk{Kind: provider.ChunkTurnEnd, StopReason: stopReason, Usage: usage}
			return

		case "error":
			chunks <- provider.Chunk{Kind: provider.ChunkError, Err: p.wrapError(errors.New("anthropic stream error"), model)}
			return
		}

		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				chunks <- provider.Chunk{Kind: provider.ChunkError, Err: p.wrapError(
					fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEventCount),
					model,
				)}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- provider.Chunk{Kind: provider.ChunkError, Err: p.wrapError(err, model)}
		return
	}

	// Stream ended without a message_stop. Terminate with what we have.
	chunks <- provider.Chunk{Kind: provider.ChunkTurnEnd, StopReason: stopReason, Usage: usage}
}

func (p *AnthropicProvider) convertMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		// System content travels in params.System, never in messages.
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		for _, blk := range msg.Blocks {
			switch blk.Type {
			case models.BlockText:
				if blk.Text != "" {
					content = append(content, anthropic.NewTextBlock(blk.Text))
				}

			case models.BlockToolUse:
				var input map[string]any
				if len(blk.Input) > 0 {
					if err := json.Unmarshal(blk.Input, &input); err != nil {
						return nil, fmt.Errorf("invalid tool call input for %s: %w", blk.ID, err)
					}
				}
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(blk.ID, input, blk.Name))

			case models.BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(blk.ToolUseID, blk.Content, blk.IsError))

			case models.BlockThinking:
				// Signed thinking blocks cannot be replayed from the
				// reconstructed transcript; the API tolerates their absence.
			}
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func (p *AnthropicProvider) convertTools(tools []provider.ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)

		result = append(result, toolParam)
	}

	return result, nil
}

func (p *AnthropicProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func anthropicStopReason(reason string) provider.StopReason {
	switch reason {
	case "tool_use":
		return provider.StopToolUse
	case "max_tokens":
		return provider.StopMaxTokens
	case "end_turn", "stop_sequence", "pause_turn":
		return provider.StopEndTurn
	default:
		return provider.StopEndTurn
	}
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := provider.AsError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		perr := provider.NewError("anthropic", model, err).WithStatus(apiErr.StatusCode)

		requestID := apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					perr = perr.WithMessage(payload.Error.Message)
				}
				if payload.Error.Type != "" {
					perr = perr.WithCode(payload.Error.Type)
				}
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}
		if requestID != "" {
			perr = perr.WithRequestID(requestID)
		}
		return perr
	}

	return provider.NewError("anthropic", model, err)
}
