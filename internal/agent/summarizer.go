package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/arbor-sh/arbor/internal/compaction"
	"github.com/arbor-sh/arbor/internal/observability"
	"github.com/arbor-sh/arbor/internal/provider"
	"github.com/arbor-sh/arbor/pkg/models"
)

const summaryPrompt = `You are summarizing a coding session transcript so the conversation can continue with a smaller context. Produce a dense prose summary that preserves:
- the user's goals and constraints
- decisions made and their rationale
- files created or modified, with what changed
- unresolved problems and the current state of the work

Do not include pleasantries or meta-commentary. Output only the summary.`

const summaryMaxTokens = 2048

// Summarizer produces compaction summaries through a provider call. It
// satisfies compaction.Summarizer, so the context manager's staged
// pipeline can drive it.
type Summarizer struct {
	providers *provider.Registry
	log       *observability.Logger
}

// NewSummarizer builds a provider-backed summarizer.
func NewSummarizer(providers *provider.Registry, log *observability.Logger) *Summarizer {
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Summarizer{providers: providers, log: log}
}

// Summarize runs one summarization call against cfg.Model.
func (s *Summarizer) Summarize(ctx context.Context, messages []models.Message, cfg *compaction.Config) (string, error) {
	if cfg == nil || cfg.Model == "" {
		return "", errors.New("agent: summarizer needs a model")
	}
	prov, err := s.providers.Resolve(cfg.Model)
	if err != nil {
		return "", fmt.Errorf("resolve summary model: %w", err)
	}

	var prompt strings.Builder
	if cfg.PreviousSummary != "" {
		prompt.WriteString("Earlier portion of this session, already summarized:\n\n")
		prompt.WriteString(cfg.PreviousSummary)
		prompt.WriteString("\n\nTranscript to fold into the summary:\n\n")
	} else {
		prompt.WriteString("Transcript to summarize:\n\n")
	}
	prompt.WriteString(compaction.FormatForSummary(messages))
	if cfg.Instructions != "" {
		prompt.WriteString("\n\nAdditional instructions: ")
		prompt.WriteString(cfg.Instructions)
	}

	req := &provider.Request{
		Model:     cfg.Model,
		System:    []provider.SystemBlock{{Text: summaryPrompt}},
		Messages:  []models.Message{models.NewUserMessage(prompt.String())},
		MaxTokens: summaryMaxTokens,
	}
	stream, err := prov.Stream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("summary stream: %w", err)
	}

	var out strings.Builder
	for chunk := range stream {
		switch chunk.Kind {
		case provider.ChunkTextDelta:
			out.WriteString(chunk.Text)
		case provider.ChunkError:
			return "", fmt.Errorf("summary stream: %w", chunk.Err)
		}
	}
	summary := strings.TrimSpace(out.String())
	if summary == "" {
		return "", errors.New("agent: summarizer returned empty output")
	}
	return summary, nil
}
