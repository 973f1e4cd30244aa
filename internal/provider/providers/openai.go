package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/arbor-sh/arbor/internal/provider"
	"github.com/arbor-sh/arbor/internal/tokens"
	"github.com/arbor-sh/arbor/pkg/models"
)

// OpenAIProvider adapts the Chat Completions API to the provider
// contract.
//
// Differences from the Anthropic adapter that shape this code:
//   - the system prompt is the first message, not a separate field
//   - tool calls stream incrementally and are accumulated per index
//   - usage arrives in a final chunk when stream_options requests it
//   - prompt_tokens counts the full context, so accounting is
//     full-context rather than per-turn
type OpenAIProvider struct {
	base         provider.Base
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Organization string
	MaxRetries   int
	DefaultModel string
}

// NewOpenAIProvider creates an OpenAI adapter.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-5"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.Organization != "" {
		clientConfig.OrgID = config.Organization
	}

	return &OpenAIProvider{
		base:         provider.NewBase("openai", config.MaxRetries),
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string { return "openai" }

// Accounting reports full-context accounting: prompt_tokens covers the
// whole submitted context including cached portions.
func (p *OpenAIProvider) Accounting() tokens.Accounting { return tokens.FullContext }

// Models lists the OpenAI models this adapter serves.
func (p *OpenAIProvider) Models() []provider.ModelInfo {
	return []provider.ModelInfo{
		{ID: "gpt-5", Name: "GPT-5", ContextWindow: 400000, MaxOutput: 128000, Thinking: true},
		{ID: "gpt-5-mini", Name: "GPT-5 mini", ContextWindow: 400000, MaxOutput: 128000, Thinking: true},
		{ID: "gpt-4.1", Name: "GPT-4.1", ContextWindow: 1047576, MaxOutput: 32768},
		{ID: "gpt-4o", Name: "GPT-4o", ContextWindow: 128000, MaxOutput: 16384},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextWindow: 128000, MaxOutput: 16384},
		{ID: "o3", Name: "o3", ContextWindow: 200000, MaxOutput: 100000, Thinking: true},
		{ID: "o4-mini", Name: "o4-mini", ContextWindow: 200000, MaxOutput: 100000, Thinking: true},
	}
}

// Stream starts one streaming turn against the Chat Completions API.
func (p *OpenAIProvider) Stream(ctx context.Context, req *provider.Request) (<-chan provider.Chunk, error) {
	model := p.model(req.Model)
	chatReq := p.buildRequest(req, model)

	chunks := make(chan provider.Chunk)
	go func() {
		defer close(chunks)

		var stream *openai.ChatCompletionStream
		err := p.base.Retry(ctx, provider.IsRetryable, func() error {
			s, err := p.client.CreateChatCompletionStream(ctx, chatReq)
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
			chunks <- provider.Chunk{Kind: provider.ChunkError, Err: p.wrapError(err, model)}
			return
		}

		p.processStream(ctx, stream, chunks, model)
	}()

	return chunks, nil
}

func (p *OpenAIProvider) buildRequest(req *provider.Request, model string) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: p.convertMessages(req.Messages, joinSystem(req.System)),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	reasoning := isReasoningModel(model)
	if req.MaxTokens > 0 {
		if reasoning {
			chatReq.MaxCompletionTokens = req.MaxTokens
		} else {
			chatReq.MaxTokens = req.MaxTokens
		}
	}
	if reasoning && req.ReasoningEffort != "" {
		chatReq.ReasoningEffort = strings.ToLower(req.ReasoningEffort)
	}
	if !reasoning && req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}

	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	return chatReq
}

// openaiToolAccum tracks one tool call being assembled across stream
// chunks. OpenAI keys parallel calls by index; the id and name arrive in
// the first fragment and arguments trickle in afterwards.
type openaiToolAccum struct {
	call    provider.ToolCallChunk
	args    strings.Builder
	started bool
	done    bool
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- provider.Chunk, model string) {
	defer stream.Close()

	ids := provider.NewIDMap()
	usage := tokens.EmptyRawUsage()
	stopReason := provider.StopEndTurn

	calls := make(map[int]*openaiToolAccum)
	var order []int

	flush := func() {
		for _, idx := range order {
			acc := calls[idx]
			if acc == nil || acc.done || acc.call.Name == "" {
				continue
			}
			args := acc.args.String()
			if args == "" {
				args = "{}"
			}
			call := acc.call
			call.Args = []byte(args)
			chunks <- provider.Chunk{Kind: provider.ChunkToolCallStop, ToolCall: &call}
			acc.done = true
		}
	}

	chunks <- provider.Chunk{Kind: provider.ChunkTurnStart}

	for {
		select {
		case <-ctx.Done():
			chunks <- provider.Chunk{Kind: provider.ChunkError, Err: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				chunks <- provider.Chunk{Kind: provider.ChunkTurnEnd, StopReason: stopReason, Usage: usage}
				return
			}
			chunks <- provider.Chunk{Kind: provider.ChunkError, Err: p.wrapError(err, model)}
			return
		}

		// The usage chunk arrives after the last choice-bearing chunk.
		if response.Usage != nil {
			usage.Input = response.Usage.PromptTokens
			usage.Output = response.Usage.CompletionTokens
			if details := response.Usage.PromptTokensDetails; details != nil {
				usage.CacheRead = details.CachedTokens
			}
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			chunks <- provider.Chunk{Kind: provider.ChunkTextDelta, Text: delta.Content}
		}
		if delta.ReasoningContent != "" {
			chunks <- provider.Chunk{Kind: provider.ChunkThinkingDelta, Text: delta.ReasoningContent}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			acc := calls[index]
			if acc == nil {
				acc = &openaiToolAccum{}
				calls[index] = acc
				order = append(order, index)
			}

			if tc.ID != "" && acc.call.ProviderID == "" {
				acc.call.ProviderID = tc.ID
				acc.call.ID = ids.Stable(tc.ID)
			}
			if tc.Function.Name != "" && acc.call.Name == "" {
				acc.call.Name = tc.Function.Name
			}
			if !acc.started && acc.call.Name != "" {
				if acc.call.ID == "" {
					acc.call.ID = ids.Stable("")
				}
				acc.started = true
				chunks <- provider.Chunk{Kind: provider.ChunkToolCallStart, ToolCall: &provider.ToolCallChunk{
					ID:         acc.call.ID,
					ProviderID: acc.call.ProviderID,
					Name:       acc.call.Name,
				}}
			}
			if tc.Function.Arguments != "" {
				acc.args.WriteString(tc.Function.Arguments)
				if acc.started {
					chunks <- provider.Chunk{Kind: provider.ChunkToolCallDelta, ToolCall: &provider.ToolCallChunk{
						ID:        acc.call.ID,
						ArgsDelta: tc.Function.Arguments,
					}}
				}
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			stopReason = provider.StopToolUse
			flush()
		case openai.FinishReasonLength:
			stopReason = provider.StopMaxTokens
		case openai.FinishReasonStop:
			stopReason = provider.StopEndTurn
		}
	}
}

func (p *OpenAIProvider) convertMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if msg.Role == models.RoleAssistant {
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Text(),
			}
			for _, blk := range msg.ToolUses() {
				args := string(blk.Input)
				if args == "" {
					args = "{}"
				}
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   blk.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      blk.Name,
						Arguments: args,
					},
				})
			}
			result = append(result, oaiMsg)
			continue
		}

		// Tool results become individual role-tool messages, which must
		// directly follow the assistant message holding the calls.
		for _, blk := range msg.ToolResults() {
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    blk.Content,
				ToolCallID: blk.ToolUseID,
			})
		}
		if text := msg.Text(); text != "" {
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: text,
			})
		}
	}

	return result
}

func (p *OpenAIProvider) convertTools(tools []provider.ToolDef) []openai.Tool {
	result := make([]openai.Tool, len(tools))

	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			// One bad schema must not break the rest of the tool set.
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}

	return result
}

func (p *OpenAIProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func isReasoningModel(model string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := provider.AsError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr := provider.NewError("openai", model, err).WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			perr = perr.WithMessage(apiErr.Message)
		}
		if code, ok := apiErr.Code.(string); ok && code != "" {
			perr = perr.WithCode(code)
		} else if apiErr.Type != "" {
			perr = perr.WithCode(apiErr.Type)
		}
		return perr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return provider.NewError("openai", model, err).WithStatus(reqErr.HTTPStatusCode)
	}

	return provider.NewError("openai", model, err)
}
