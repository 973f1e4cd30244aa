package contextmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arbor-sh/arbor/internal/compaction"
	"github.com/arbor-sh/arbor/internal/events"
	"github.com/arbor-sh/arbor/pkg/models"
)

// Summarizer produces the prose summary that replaces the compacted
// prefix. The agent package provides a provider-backed implementation;
// tests script one.
type Summarizer = compaction.Summarizer

// ErrNothingToCompact is returned when the transcript is too short for
// the configured tail window to leave anything to summarize.
var ErrNothingToCompact = fmt.Errorf("contextmgr: nothing to compact")

// ErrNoSummarizer is returned by ConfirmCompaction when the manager was
// built without a Summarizer.
var ErrNoSummarizer = fmt.Errorf("contextmgr: no summarizer configured")

// Preview is the compaction plan: what would be cut and what the log
// would look like after, without calling the summary model.
type Preview struct {
	TokensBefore     int     `json:"tokensBefore"`
	TokensAfter      int     `json:"tokensAfter"`
	CompressionRatio float64 `json:"compressionRatio"`
	SummarizedCount  int     `json:"summarizedCount"`
	PreservedCount   int     `json:"preservedCount"`
	EstSummaryTokens int     `json:"estSummaryTokens"`
}

// Result reports an executed compaction.
type Result struct {
	TokensBefore     int     `json:"tokensBefore"`
	TokensAfter      int     `json:"tokensAfter"`
	CompressionRatio float64 `json:"compressionRatio"`
	Summary          string  `json:"summary"`
	SummarizedCount  int     `json:"summarizedCount"`
	PreservedCount   int     `json:"preservedCount"`
	BoundaryEventID  string  `json:"boundaryEventId"`
	SummaryEventID   string  `json:"summaryEventId"`
	Duration         time.Duration `json:"-"`
}

// estSummaryTokens sizes the anticipated summary: a tenth of the
// summarized content, clamped to a sane band. Used for preview only;
// the real number comes from the summarizer.
func (m *Manager) estSummaryTokens(headTokens int) int {
	est := headTokens / 10
	if est < 200 {
		est = 200
	}
	if est > 2000 {
		est = 2000
	}
	return est
}

// split chooses the summarize/keep cut for a transcript against the
// session's window.
func (m *Manager) split(tr *events.Transcript, window int) (head, tail []models.Message) {
	keepTokens := int(float64(window) * m.cfg.TailTokenRatio)
	return compaction.SplitForCompaction(m.est, tr.Messages, m.cfg.TailMessages, keepTokens)
}

// PreviewCompaction reports what ConfirmCompaction would do, without
// touching the summary model or the log.
func (m *Manager) PreviewCompaction(ctx context.Context, sessionID string) (*Preview, error) {
	snap, tr, err := m.snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	head, tail := m.split(tr, snap.ContextWindow)
	if len(head) == 0 {
		return nil, ErrNothingToCompact
	}

	headTokens := compaction.EstimateMessages(m.est, head)
	tailTokens := compaction.EstimateMessages(m.est, tail)
	summaryTokens := m.estSummaryTokens(headTokens)

	before := headTokens + tailTokens
	after := summaryTokens + tailTokens
	return &Preview{
		TokensBefore:     before,
		TokensAfter:      after,
		CompressionRatio: ratio(after, before),
		SummarizedCount:  len(head),
		PreservedCount:   len(tail),
		EstSummaryTokens: summaryTokens,
	}, nil
}

// ConfirmCompaction summarizes the older portion of the transcript and
// appends the compact.boundary / compact.summary pair. On summarizer
// failure nothing is appended and the context is unchanged.
func (m *Manager) ConfirmCompaction(ctx context.Context, sessionID string) (*Result, error) {
	if m.summarizer == nil {
		return nil, ErrNoSummarizer
	}
	start := time.Now()

	snap, tr, err := m.snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	head, tail := m.split(tr, snap.ContextWindow)
	if len(head) == 0 {
		return nil, ErrNothingToCompact
	}

	model := m.cfg.SummaryModel
	if model == "" {
		model = snap.Model
	}
	cfg := compaction.DefaultConfig()
	cfg.Model = model
	cfg.ContextWindow = m.Window(model)
	cfg.MaxChunkTokens = int(compaction.AdaptiveChunkRatio(m.est, head, cfg.ContextWindow) * float64(cfg.ContextWindow))
	cfg.PreviousSummary = tr.Summary
	cfg.Estimator = m.est

	summary, err := compaction.SummarizeInStages(ctx, head, m.summarizer, cfg)
	if err != nil {
		return nil, fmt.Errorf("summarize for compaction: %w", err)
	}

	headTokens := compaction.EstimateMessages(m.est, head)
	tailTokens := compaction.EstimateMessages(m.est, tail)
	summaryTokens := m.est.Estimate(summary)
	before := headTokens + tailTokens
	after := summaryTokens + tailTokens

	boundary, err := m.appender.Append(ctx, sessionID, events.TypeCompactBoundary, events.CompactBoundaryPayload{
		OriginalTokens:   before,
		CompactedTokens:  after,
		CompressionRatio: ratio(after, before),
	})
	if err != nil {
		return nil, fmt.Errorf("append compact.boundary: %w", err)
	}
	summaryEv, err := m.appender.Append(ctx, sessionID, events.TypeCompactSummary, events.CompactSummaryPayload{
		Summary:       summary,
		FilesModified: filesModified(head),
	})
	if err != nil {
		return nil, fmt.Errorf("append compact.summary: %w", err)
	}

	// The summary replaces everything before it; the preserved tail is
	// re-persisted after the marker so reconstruction yields summary +
	// recent turns without consulting pre-boundary events.
	if err := m.replayTail(ctx, sessionID, tail); err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.RecordCompaction("confirm")
	}
	m.log.Info(ctx, "compacted session context",
		"session_id", sessionID,
		"tokens_before", before,
		"tokens_after", after,
		"summarized", len(head),
		"preserved", len(tail))

	return &Result{
		TokensBefore:     before,
		TokensAfter:      after,
		CompressionRatio: ratio(after, before),
		Summary:          summary,
		SummarizedCount:  len(head),
		PreservedCount:   len(tail),
		BoundaryEventID:  boundary.ID,
		SummaryEventID:   summaryEv.ID,
		Duration:         time.Since(start),
	}, nil
}

// replayTail re-appends the preserved messages after the compaction
// markers, splitting tool blocks back into their event forms so the
// replayed log folds identically.
func (m *Manager) replayTail(ctx context.Context, sessionID string, tail []models.Message) error {
	for _, msg := range tail {
		var plain []models.ContentBlock
		for _, b := range msg.Blocks {
			switch b.Type {
			case models.BlockToolUse, models.BlockToolResult:
			default:
				plain = append(plain, b)
			}
		}

		if len(plain) > 0 || !hasToolBlocks(msg) {
			t := events.TypeMessageUser
			switch msg.Role {
			case models.RoleAssistant:
				t = events.TypeMessageAssistant
			case models.RoleSystem:
				t = events.TypeMessageSystem
			}
			if _, err := m.appender.Append(ctx, sessionID, t, events.MessagePayload{Role: msg.Role, Blocks: plain}); err != nil {
				return fmt.Errorf("replay preserved message: %w", err)
			}
		}

		for _, b := range msg.Blocks {
			switch b.Type {
			case models.BlockToolUse:
				if _, err := m.appender.Append(ctx, sessionID, events.TypeToolCall, events.ToolCallPayload{
					ID: b.ID, Name: b.Name, Input: b.Input,
				}); err != nil {
					return fmt.Errorf("replay preserved tool call: %w", err)
				}
			case models.BlockToolResult:
				if _, err := m.appender.Append(ctx, sessionID, events.TypeToolResult, events.ToolResultPayload{
					ToolUseID: b.ToolUseID, Content: b.Content, IsError: b.IsError,
				}); err != nil {
					return fmt.Errorf("replay preserved tool result: %w", err)
				}
			}
		}
	}
	return nil
}

func hasToolBlocks(msg models.Message) bool {
	for _, b := range msg.Blocks {
		if b.Type == models.BlockToolUse || b.Type == models.BlockToolResult {
			return true
		}
	}
	return false
}

// Clear appends a context.cleared marker. Reconstruction hides every
// message before it; the log keeps them.
func (m *Manager) Clear(ctx context.Context, sessionID, reason string) (*events.Event, error) {
	if reason == "" {
		reason = "user_request"
	}
	snap, err := m.Snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ev, err := m.appender.Append(ctx, sessionID, events.TypeContextCleared, events.ContextClearedPayload{
		TokensBefore: snap.TotalTokens,
		TokensAfter:  snap.SystemTokens,
		Reason:       reason,
	})
	if err != nil {
		return nil, err
	}
	m.log.Info(ctx, "cleared session context",
		"session_id", sessionID, "reason", reason, "tokens_before", snap.TotalTokens)
	return ev, nil
}

// filesModified collects paths touched by file tools in the summarized
// run, deduplicated in first-touch order.
func filesModified(msgs []models.Message) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, msg := range msgs {
		for _, b := range msg.Blocks {
			if b.Type != models.BlockToolUse {
				continue
			}
			switch b.Name {
			case "file_write", "file_edit":
			default:
				continue
			}
			var args struct {
				Path string `json:"path"`
			}
			if json.Unmarshal(b.Input, &args) != nil || args.Path == "" {
				continue
			}
			if _, dup := seen[args.Path]; dup {
				continue
			}
			seen[args.Path] = struct{}{}
			out = append(out, args.Path)
		}
	}
	return out
}

func ratio(after, before int) float64 {
	if before <= 0 {
		return 1
	}
	return float64(after) / float64(before)
}
