package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/arbor-sh/arbor/internal/provider"
	"github.com/arbor-sh/arbor/internal/provider/providers/toolconv"
	"github.com/arbor-sh/arbor/internal/tokens"
	"github.com/arbor-sh/arbor/pkg/models"
)

// GoogleProvider adapts the Gemini API to the provider contract using
// the Google Gen AI SDK.
//
// Gemini exposes the stream as a Go iterator rather than a recv loop,
// and reports request failures on the first pull. The retry loop
// therefore probes the first response before emitting anything, so a
// retried request never duplicates chunks already sent downstream.
type GoogleProvider struct {
	base         provider.Base
	client       *genai.Client
	defaultModel string
}

// GoogleConfig configures a GoogleProvider.
type GoogleConfig struct {
	APIKey       string
	MaxRetries   int
	DefaultModel string
}

// NewGoogleProvider creates a Gemini adapter.
func NewGoogleProvider(config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.5-pro"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{
		base:         provider.NewBase("google", config.MaxRetries),
		client:       client,
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns "google".
func (p *GoogleProvider) Name() string { return "google" }

// Accounting reports full-context accounting: promptTokenCount covers
// the whole submitted context including cached portions.
func (p *GoogleProvider) Accounting() tokens.Accounting { return tokens.FullContext }

// Models lists the Gemini models this adapter serves.
func (p *GoogleProvider) Models() []provider.ModelInfo {
	return []provider.ModelInfo{
		{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", ContextWindow: 1048576, MaxOutput: 65536, Thinking: true},
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", ContextWindow: 1048576, MaxOutput: 65536, Thinking: true},
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextWindow: 1048576, MaxOutput: 8192},
	}
}

// Stream starts one streaming turn against the Gemini API.
func (p *GoogleProvider) Stream(ctx context.Context, req *provider.Request) (<-chan provider.Chunk, error) {
	model := p.model(req.Model)
	contents, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, p.wrapError(err, model)
	}
	config := p.buildConfig(req)

	chunks := make(chan provider.Chunk)
	go func() {
		defer close(chunks)

		var (
			first *genai.GenerateContentResponse
			next  func() (*genai.GenerateContentResponse, error, bool)
			stop  func()
		)
		err := p.base.Retry(ctx, provider.IsRetryable, func() error {
			seq := p.client.Models.GenerateContentStream(ctx, model, contents, config)
			pull, pullStop := iter.Pull2(seq)
			resp, err, ok := pull()
			if err != nil {
				pullStop()
				return p.wrapError(err, model)
			}
			if !ok {
				pullStop()
				first, next, stop = nil, nil, nil
				return nil
			}
			first, next, stop = resp, pull, pullStop
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

		p.processStream(ctx, first, next, stop, chunks, model)
	}()

	return chunks, nil
}

func (p *GoogleProvider) processStream(ctx context.Context, first *genai.GenerateContentResponse, next func() (*genai.GenerateContentResponse, error, bool), stop func(), chunks chan<- provider.Chunk, model string) {
	if stop != nil {
		defer stop()
	}

	ids := provider.NewIDMap()
	usage := tokens.EmptyRawUsage()
	stopReason := provider.StopEndTurn
	sawToolCall := false

	chunks <- provider.Chunk{Kind: provider.ChunkTurnStart}

	resp := first
	for resp != nil {
		select {
		case <-ctx.Done():
			chunks <- provider.Chunk{Kind: provider.ChunkError, Err: ctx.Err()}
			return
		default:
		}

		p.emitResponse(resp, ids, &usage, &stopReason, &sawToolCall, chunks)

		if next == nil {
			break
		}
		r, err, ok := next()
		if err != nil {
			chunks <- provider.Chunk{Kind: provider.ChunkError, Err: p.wrapError(err, model)}
			return
		}
		if !ok {
			break
		}
		resp = r
	}

	// Gemini has no explicit tool_use stop reason; the presence of
	// function calls in the turn implies it.
	if sawToolCall {
		stopReason = provider.StopToolUse
	}
	chunks <- provider.Chunk{Kind: provider.ChunkTurnEnd, StopReason: stopReason, Usage: usage}
}

func (p *GoogleProvider) emitResponse(resp *genai.GenerateContentResponse, ids *provider.IDMap, usage *tokens.RawUsage, stopReason *provider.StopReason, sawToolCall *bool, chunks chan<- provider.Chunk) {
	if meta := resp.UsageMetadata; meta != nil {
		if meta.PromptTokenCount > 0 {
			usage.Input = int(meta.PromptTokenCount)
		}
		if meta.CachedContentTokenCount > 0 {
			usage.CacheRead = int(meta.CachedContentTokenCount)
		}
		if out := meta.CandidatesTokenCount + meta.ThoughtsTokenCount; out > 0 {
			usage.Output = int(out)
		}
	}

	for _, candidate := range resp.Candidates {
		if candidate == nil {
			continue
		}
		if candidate.FinishReason == genai.FinishReasonMaxTokens {
			*stopReason = provider.StopMaxTokens
		}
		if candidate.Content == nil {
			continue
		}

		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}

			if part.Text != "" {
				kind := provider.ChunkTextDelta
				if part.Thought {
					kind = provider.ChunkThinkingDelta
				}
				chunks <- provider.Chunk{Kind: kind, Text: part.Text}
			}

			if part.FunctionCall != nil {
				args, err := json.Marshal(part.FunctionCall.Args)
				if err != nil || part.FunctionCall.Args == nil {
					args = []byte("{}")
				}

				// Function calls arrive whole, so the start, delta and
				// stop chunks are emitted back to back.
				id := ids.Stable(part.FunctionCall.ID)
				chunks <- provider.Chunk{Kind: provider.ChunkToolCallStart, ToolCall: &provider.ToolCallChunk{
					ID:         id,
					ProviderID: part.FunctionCall.ID,
					Name:       part.FunctionCall.Name,
				}}
				chunks <- provider.Chunk{Kind: provider.ChunkToolCallDelta, ToolCall: &provider.ToolCallChunk{
					ID:        id,
					ArgsDelta: string(args),
				}}
				chunks <- provider.Chunk{Kind: provider.ChunkToolCallStop, ToolCall: &provider.ToolCallChunk{
					ID:         id,
					ProviderID: part.FunctionCall.ID,
					Name:       part.FunctionCall.Name,
					Args:       args,
				}}
				*sawToolCall = true
			}
		}
	}
}

func (p *GoogleProvider) convertMessages(messages []models.Message) ([]*genai.Content, error) {
	var result []*genai.Content

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{}
		switch msg.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		for _, blk := range msg.Blocks {
			switch blk.Type {
			case models.BlockText:
				if blk.Text != "" {
					content.Parts = append(content.Parts, &genai.Part{Text: blk.Text})
				}

			case models.BlockToolUse:
				var args map[string]any
				if len(blk.Input) > 0 {
					if err := json.Unmarshal(blk.Input, &args); err != nil {
						return nil, fmt.Errorf("google: tool call %s has invalid input: %w", blk.ID, err)
					}
				}
				if args == nil {
					args = map[string]any{}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   blk.ID,
						Name: blk.Name,
						Args: args,
					},
				})

			case models.BlockToolResult:
				var response map[string]any
				if err := json.Unmarshal([]byte(blk.Content), &response); err != nil {
					response = map[string]any{"result": blk.Content}
					if blk.IsError {
						response["error"] = true
					}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						ID:       blk.ToolUseID,
						Name:     toolNameForID(blk.ToolUseID, messages),
						Response: response,
					},
				})
			}
			// Thinking blocks are dropped: thought content is not
			// replayable across turns.
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result, nil
}

func (p *GoogleProvider) buildConfig(req *provider.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if system := joinSystem(req.System); system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}

	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		config.MaxOutputTokens = int32(maxTokens)
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}

	if budget := thinkingBudget(req.ReasoningEffort); budget > 0 {
		config.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  genai.Ptr(int32(budget)),
		}
	}

	if len(req.Tools) > 0 {
		config.Tools = toolconv.ToGeminiTools(req.Tools)
	}

	return config
}

func (p *GoogleProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := provider.AsError(err); ok {
		return err
	}

	perr := provider.NewError("google", model, err)

	// The SDK surfaces gRPC status names in error text rather than
	// typed codes, so classification falls back to message sniffing.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthenticated"):
		perr = perr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(msg, "403") || strings.Contains(msg, "permission denied"):
		perr = perr.WithStatus(http.StatusForbidden)
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		perr = perr.WithStatus(http.StatusNotFound)
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource exhausted") || strings.Contains(msg, "resource_exhausted"):
		perr = perr.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(msg, "500") || strings.Contains(msg, "internal server"):
		perr = perr.WithStatus(http.StatusInternalServerError)
	case strings.Contains(msg, "503") || strings.Contains(msg, "service unavailable"):
		perr = perr.WithStatus(http.StatusServiceUnavailable)
	}

	return perr
}

// toolNameForID resolves the function name for a tool result by scanning
// the prior tool calls in the transcript. Gemini matches function
// responses by name, not id.
func toolNameForID(toolUseID string, messages []models.Message) string {
	for _, msg := range messages {
		for _, blk := range msg.ToolUses() {
			if blk.ID == toolUseID {
				return blk.Name
			}
		}
	}
	return ""
}
