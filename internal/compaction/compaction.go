// Package compaction implements the token math behind context
// compaction: sizing messages, choosing the summarize/keep cut, chunking
// long histories to fit the summary model, and merging chunk summaries
// back into one.
package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/arbor-sh/arbor/pkg/models"
)

const (
	// BaseChunkRatio is the default fraction of the context window used
	// to size summarization chunks.
	BaseChunkRatio = 0.4

	// MinChunkRatio bounds adaptive chunk sizing from below.
	MinChunkRatio = 0.15

	// SafetyMargin buffers token estimation inaccuracy by 20%.
	SafetyMargin = 1.2

	// OversizedThreshold is the fraction of the context window above
	// which a single message is noted instead of summarized.
	OversizedThreshold = 0.5

	// CharsPerToken is the heuristic ratio used when no estimator is
	// provided.
	CharsPerToken = 4

	// DefaultContextWindow is the fallback window in tokens when the
	// model is unknown to the catalog.
	DefaultContextWindow = 200000

	// DefaultSummaryFallback is returned when there is nothing to
	// summarize.
	DefaultSummaryFallback = "No prior history."

	// DefaultParts is the split count for staged summarization.
	DefaultParts = 2

	// DefaultMinMessagesForSplit is the minimum history length before
	// staged summarization splits at all.
	DefaultMinMessagesForSplit = 4

	// messageOverhead approximates per-message framing cost (role
	// markers, block structure) on top of the content tokens.
	messageOverhead = 4
)

// Estimator counts tokens in text. *tokens.Estimator satisfies it; a nil
// Estimator falls back to the chars/4 heuristic.
type Estimator interface {
	Estimate(text string) int
}

func estimate(est Estimator, text string) int {
	if text == "" {
		return 0
	}
	if est != nil {
		return est.Estimate(text)
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// EstimateMessage approximates the prompt cost of one message: the text
// of every block plus a small framing overhead. Thinking blocks count
// because some providers replay them verbatim.
func EstimateMessage(est Estimator, msg models.Message) int {
	total := messageOverhead
	for _, b := range msg.Blocks {
		switch b.Type {
		case models.BlockText, models.BlockThinking:
			total += estimate(est, b.Text)
		case models.BlockToolUse:
			total += estimate(est, b.Name) + estimate(est, string(b.Input))
		case models.BlockToolResult:
			total += estimate(est, b.Content)
		}
	}
	return total
}

// EstimateMessages sums EstimateMessage across messages.
func EstimateMessages(est Estimator, messages []models.Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateMessage(est, msg)
	}
	return total
}

// SplitByTokenShare splits messages into parts with roughly equal token
// weight, for staged summarization.
func SplitByTokenShare(est Estimator, messages []models.Message, parts int) [][]models.Message {
	if len(messages) == 0 {
		return nil
	}
	if parts <= 0 {
		parts = DefaultParts
	}
	if parts == 1 || len(messages) < parts {
		return [][]models.Message{messages}
	}

	targetPerPart := EstimateMessages(est, messages) / parts

	result := make([][]models.Message, 0, parts)
	var current []models.Message
	currentTokens := 0

	for i, msg := range messages {
		current = append(current, msg)
		currentTokens += EstimateMessage(est, msg)

		remainingParts := parts - len(result) - 1
		lastMessage := i == len(messages)-1

		if !lastMessage && remainingParts > 0 && currentTokens >= targetPerPart {
			result = append(result, current)
			current = nil
			currentTokens = 0
		}
	}
	if len(current) > 0 {
		result = append(result, current)
	}
	return result
}

// ChunkByMaxTokens splits messages into chunks of at most maxTokens
// each. A single message above the limit gets its own chunk.
func ChunkByMaxTokens(est Estimator, messages []models.Message, maxTokens int) [][]models.Message {
	if len(messages) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		return [][]models.Message{messages}
	}

	var result [][]models.Message
	var current []models.Message
	currentTokens := 0

	for _, msg := range messages {
		msgTokens := EstimateMessage(est, msg)

		if msgTokens > maxTokens {
			if len(current) > 0 {
				result = append(result, current)
				current = nil
				currentTokens = 0
			}
			result = append(result, []models.Message{msg})
			continue
		}

		if currentTokens+msgTokens > maxTokens && len(current) > 0 {
			result = append(result, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, msg)
		currentTokens += msgTokens
	}
	if len(current) > 0 {
		result = append(result, current)
	}
	return result
}

// AdaptiveChunkRatio shrinks the chunk ratio as average message size
// grows relative to the context window, clamped to
// [MinChunkRatio, BaseChunkRatio].
func AdaptiveChunkRatio(est Estimator, messages []models.Message, contextWindow int) float64 {
	if len(messages) == 0 || contextWindow <= 0 {
		return BaseChunkRatio
	}

	avgTokens := float64(EstimateMessages(est, messages)) / float64(len(messages))
	windowRatio := avgTokens / float64(contextWindow)

	ratio := BaseChunkRatio * (1 - windowRatio*SafetyMargin)
	if ratio < MinChunkRatio {
		ratio = MinChunkRatio
	}
	if ratio > BaseChunkRatio {
		ratio = BaseChunkRatio
	}
	return ratio
}

// Oversized reports whether a single message is too large to feed the
// summary model (above OversizedThreshold of the window).
func Oversized(est Estimator, msg models.Message, contextWindow int) bool {
	if contextWindow <= 0 {
		return false
	}
	return float64(EstimateMessage(est, msg)) > float64(contextWindow)*OversizedThreshold
}

// Config parameterizes one summarization run.
type Config struct {
	// Model is the summary model id, informational to the Summarizer.
	Model string

	// MaxChunkTokens caps each summarization chunk. Zero derives it
	// from ContextWindow and BaseChunkRatio.
	MaxChunkTokens int

	// ContextWindow is the summary model's window in tokens.
	ContextWindow int

	// Instructions are appended to the summary prompt.
	Instructions string

	// PreviousSummary carries an earlier compaction's summary so the
	// new one builds on it instead of losing that state.
	PreviousSummary string

	// Parts is the split count for SummarizeInStages.
	Parts int

	// MinMessagesForSplit gates staged splitting.
	MinMessagesForSplit int

	// Estimator used for all token math. Nil falls back to chars/4.
	Estimator Estimator
}

// DefaultConfig returns a Config with the package defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxChunkTokens:      20000,
		ContextWindow:       DefaultContextWindow,
		Parts:               DefaultParts,
		MinMessagesForSplit: DefaultMinMessagesForSplit,
	}
}

// Summarizer produces a prose summary of a message run. Implementations
// wrap a provider call; tests script it.
type Summarizer interface {
	Summarize(ctx context.Context, messages []models.Message, cfg *Config) (string, error)
}

// SummarizeChunks chunks messages under cfg.MaxChunkTokens, summarizes
// each chunk, then merges the chunk summaries with one more pass.
func SummarizeChunks(ctx context.Context, messages []models.Message, summarizer Summarizer, cfg *Config) (string, error) {
	if len(messages) == 0 {
		return DefaultSummaryFallback, nil
	}
	if summarizer == nil {
		return "", fmt.Errorf("summarizer is nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	maxChunkTokens := cfg.MaxChunkTokens
	if maxChunkTokens <= 0 {
		maxChunkTokens = int(float64(cfg.ContextWindow) * BaseChunkRatio)
	}

	chunks := ChunkByMaxTokens(cfg.Estimator, messages, maxChunkTokens)
	if len(chunks) == 0 {
		return DefaultSummaryFallback, nil
	}
	if len(chunks) == 1 {
		return summarizer.Summarize(ctx, chunks[0], cfg)
	}

	summaries := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		summary, err := summarizer.Summarize(ctx, chunk, cfg)
		if err != nil {
			return "", fmt.Errorf("summarizing chunk %d: %w", i, err)
		}
		summaries = append(summaries, summary)
	}
	return mergeSummaries(ctx, summaries, summarizer, cfg)
}

// mergeSummaries folds chunk summaries into one summary with a final
// summarizer pass over synthetic messages.
func mergeSummaries(ctx context.Context, summaries []string, summarizer Summarizer, cfg *Config) (string, error) {
	if len(summaries) == 0 {
		return DefaultSummaryFallback, nil
	}
	if len(summaries) == 1 {
		return summaries[0], nil
	}

	mergeMessages := make([]models.Message, len(summaries))
	for i, s := range summaries {
		mergeMessages[i] = models.Message{
			Role: models.RoleSystem,
			Blocks: []models.ContentBlock{{
				Type: models.BlockText,
				Text: fmt.Sprintf("Chunk %d summary:\n%s", i+1, s),
			}},
		}
	}

	mergeCfg := *cfg
	mergeCfg.Instructions = "Merge these chunk summaries into a single coherent summary. Preserve key details and maintain chronological flow."
	if cfg.Instructions != "" {
		mergeCfg.Instructions = cfg.Instructions + "\n\n" + mergeCfg.Instructions
	}
	return summarizer.Summarize(ctx, mergeMessages, &mergeCfg)
}

// SummarizeWithFallback summarizes messages, replacing any message too
// large for the summary model with a note instead of failing the run.
func SummarizeWithFallback(ctx context.Context, messages []models.Message, summarizer Summarizer, cfg *Config) (string, error) {
	if len(messages) == 0 {
		return DefaultSummaryFallback, nil
	}
	if summarizer == nil {
		return "", fmt.Errorf("summarizer is nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var normal []models.Message
	var oversizedNotes []string
	for _, msg := range messages {
		if Oversized(cfg.Estimator, msg, cfg.ContextWindow) {
			oversizedNotes = append(oversizedNotes, fmt.Sprintf(
				"[Oversized %s message with %d tokens - content omitted]",
				msg.Role, EstimateMessage(cfg.Estimator, msg)))
			continue
		}
		normal = append(normal, msg)
	}

	summary := DefaultSummaryFallback
	if len(normal) > 0 {
		var err error
		summary, err = SummarizeChunks(ctx, normal, summarizer, cfg)
		if err != nil {
			return "", err
		}
	}
	if len(oversizedNotes) > 0 {
		summary = summary + "\n\n" + strings.Join(oversizedNotes, "\n")
	}
	return summary, nil
}

// SummarizeInStages splits long histories into token-balanced parts,
// summarizes each, then merges. Short histories take the direct path.
// A previous summary, when present, is merged in ahead of the parts.
func SummarizeInStages(ctx context.Context, messages []models.Message, summarizer Summarizer, cfg *Config) (string, error) {
	if len(messages) == 0 {
		return DefaultSummaryFallback, nil
	}
	if summarizer == nil {
		return "", fmt.Errorf("summarizer is nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	parts := cfg.Parts
	if parts <= 0 {
		parts = DefaultParts
	}
	minMessages := cfg.MinMessagesForSplit
	if minMessages <= 0 {
		minMessages = DefaultMinMessagesForSplit
	}

	if len(messages) < minMessages {
		return withPreviousSummary(ctx, messages, summarizer, cfg)
	}

	partitions := SplitByTokenShare(cfg.Estimator, messages, parts)
	if len(partitions) <= 1 {
		return withPreviousSummary(ctx, messages, summarizer, cfg)
	}

	summaries := make([]string, 0, len(partitions)+1)
	if cfg.PreviousSummary != "" && cfg.PreviousSummary != DefaultSummaryFallback {
		summaries = append(summaries, cfg.PreviousSummary)
	}
	for i, partition := range partitions {
		summary, err := SummarizeWithFallback(ctx, partition, summarizer, cfg)
		if err != nil {
			return "", fmt.Errorf("summarizing part %d: %w", i, err)
		}
		summaries = append(summaries, summary)
	}
	return mergeSummaries(ctx, summaries, summarizer, cfg)
}

// withPreviousSummary takes the direct summarization path, folding an
// earlier summary in through a merge pass when one exists.
func withPreviousSummary(ctx context.Context, messages []models.Message, summarizer Summarizer, cfg *Config) (string, error) {
	summary, err := SummarizeWithFallback(ctx, messages, summarizer, cfg)
	if err != nil {
		return "", err
	}
	if cfg.PreviousSummary == "" || cfg.PreviousSummary == DefaultSummaryFallback {
		return summary, nil
	}
	return mergeSummaries(ctx, []string{cfg.PreviousSummary, summary}, summarizer, cfg)
}

// SplitForCompaction chooses the summarize/keep cut for a history. The
// tail keeps at least keepMessages recent messages and grows backward
// until it holds keepTokens. The cut then moves further back past any
// message opening with a tool_result, so a kept result is never
// separated from the tool_use that produced it.
//
// A nil head means the history is too short to compact.
func SplitForCompaction(est Estimator, messages []models.Message, keepMessages, keepTokens int) (head, tail []models.Message) {
	if len(messages) == 0 {
		return nil, nil
	}
	if keepMessages < 0 {
		keepMessages = 0
	}

	cut := len(messages) - keepMessages
	if cut <= 0 {
		return nil, messages
	}

	tailTokens := EstimateMessages(est, messages[cut:])
	for cut > 0 && tailTokens < keepTokens {
		cut--
		tailTokens += EstimateMessage(est, messages[cut])
	}

	for cut > 0 && opensWithToolResult(messages[cut]) {
		cut--
	}

	if cut <= 0 {
		return nil, messages
	}
	return messages[:cut], messages[cut:]
}

func opensWithToolResult(msg models.Message) bool {
	return len(msg.Blocks) > 0 && msg.Blocks[0].Type == models.BlockToolResult
}

// ResolveContextWindow picks the first positive window from the model's
// advertised size, the configured fallback, and the package default.
func ResolveContextWindow(modelWindow, fallback int) int {
	if modelWindow > 0 {
		return modelWindow
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultContextWindow
}

// FormatForSummary renders messages as plain text for the summary
// prompt. Tool activity is inlined in bracketed notes; thinking blocks
// are dropped.
func FormatForSummary(messages []models.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		sb.WriteString(fmt.Sprintf("[%s]: ", msg.Role))
		for _, b := range msg.Blocks {
			switch b.Type {
			case models.BlockText:
				sb.WriteString(b.Text)
			case models.BlockToolUse:
				sb.WriteString(fmt.Sprintf("\n  [Tool call %s: %s]", b.Name, truncate(string(b.Input), 200)))
			case models.BlockToolResult:
				sb.WriteString(fmt.Sprintf("\n  [Tool result: %s]", truncate(b.Content, 200)))
			}
		}
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
