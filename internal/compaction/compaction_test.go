package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/arbor-sh/arbor/pkg/models"
)

func textMsg(role models.Role, text string) models.Message {
	return models.Message{Role: role, Blocks: []models.ContentBlock{{Type: models.BlockText, Text: text}}}
}

// scriptSummarizer records every call and returns deterministic
// summaries, or a fixed error.
type scriptSummarizer struct {
	err   error
	calls [][]models.Message
}

func (s *scriptSummarizer) Summarize(ctx context.Context, msgs []models.Message, cfg *Config) (string, error) {
	s.calls = append(s.calls, msgs)
	if s.err != nil {
		return "", s.err
	}
	return fmt.Sprintf("summary-%d", len(s.calls)), nil
}

func TestEstimateMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  models.Message
		want int
	}{
		{"no blocks", models.Message{Role: models.RoleUser}, 4},
		{"short text", textMsg(models.RoleUser, "Hello"), 6},
		{"exact multiple", textMsg(models.RoleUser, "12345678"), 6},
		{"thinking counts", models.Message{Role: models.RoleAssistant, Blocks: []models.ContentBlock{
			{Type: models.BlockThinking, Text: "12345678"},
		}}, 6},
		{"tool use", models.Message{Role: models.RoleAssistant, Blocks: []models.ContentBlock{
			{Type: models.BlockToolUse, Name: "bash", Input: []byte(`{"cmd":"ls"}`)},
		}}, 8},
		{"tool result", models.Message{Role: models.RoleUser, Blocks: []models.ContentBlock{
			{Type: models.BlockToolResult, Content: "12345678"},
		}}, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateMessage(nil, tt.msg); got != tt.want {
				t.Errorf("EstimateMessage() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEstimateMessages(t *testing.T) {
	messages := []models.Message{
		textMsg(models.RoleUser, "Hello"),
		textMsg(models.RoleAssistant, "World"),
		textMsg(models.RoleUser, "12345678"),
	}
	if got := EstimateMessages(nil, messages); got != 18 {
		t.Errorf("EstimateMessages() = %d, want 18", got)
	}
	if EstimateMessages(nil, nil) != 0 {
		t.Error("EstimateMessages(nil) should return 0")
	}
}

func TestSplitByTokenShare(t *testing.T) {
	tests := []struct {
		name      string
		messages  []models.Message
		parts     int
		wantParts int
	}{
		{"empty messages", nil, 2, 0},
		{"single message", []models.Message{textMsg(models.RoleUser, "test")}, 2, 1},
		{"zero parts", []models.Message{textMsg(models.RoleUser, "test")}, 0, 1},
		{"one part", []models.Message{textMsg(models.RoleUser, "a"), textMsg(models.RoleUser, "b")}, 1, 1},
		{"fewer messages than parts", []models.Message{textMsg(models.RoleUser, "t")}, 3, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitByTokenShare(nil, tt.messages, tt.parts)
			if len(got) != tt.wantParts {
				t.Errorf("SplitByTokenShare() returned %d parts, want %d", len(got), tt.wantParts)
			}
		})
	}

	t.Run("balanced split", func(t *testing.T) {
		messages := make([]models.Message, 10)
		for i := range messages {
			messages[i] = textMsg(models.RoleUser, strings.Repeat("a", 40))
		}
		got := SplitByTokenShare(nil, messages, 2)
		if len(got) != 2 {
			t.Fatalf("expected 2 parts, got %d", len(got))
		}
		diff := len(got[0]) - len(got[1])
		if diff < -2 || diff > 2 {
			t.Errorf("unbalanced split: %d vs %d messages", len(got[0]), len(got[1]))
		}
	})
}

func TestChunkByMaxTokens(t *testing.T) {
	tests := []struct {
		name       string
		messages   []models.Message
		maxTokens  int
		wantChunks int
	}{
		{"empty messages", nil, 100, 0},
		{"zero max tokens", []models.Message{textMsg(models.RoleUser, "test")}, 0, 1},
		{"single message fits", []models.Message{textMsg(models.RoleUser, "test")}, 100, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ChunkByMaxTokens(nil, tt.messages, tt.maxTokens)
			if len(got) != tt.wantChunks {
				t.Errorf("ChunkByMaxTokens() = %d chunks, want %d", len(got), tt.wantChunks)
			}
		})
	}

	t.Run("respects max tokens", func(t *testing.T) {
		// 14 tokens per message, two fit under a 30-token cap.
		messages := make([]models.Message, 5)
		for i := range messages {
			messages[i] = textMsg(models.RoleUser, strings.Repeat("a", 40))
		}
		got := ChunkByMaxTokens(nil, messages, 30)
		if len(got) != 3 {
			t.Fatalf("expected 3 chunks, got %d", len(got))
		}
		for i, chunk := range got {
			if tokens := EstimateMessages(nil, chunk); tokens > 30 {
				t.Errorf("chunk %d = %d tokens, exceeds cap", i, tokens)
			}
		}
	})

	t.Run("oversized message gets own chunk", func(t *testing.T) {
		small := textMsg(models.RoleUser, strings.Repeat("a", 40))
		big := textMsg(models.RoleAssistant, strings.Repeat("b", 144))
		got := ChunkByMaxTokens(nil, []models.Message{small, big, small}, 30)
		if len(got) != 3 {
			t.Fatalf("expected 3 chunks, got %d", len(got))
		}
		if len(got[1]) != 1 || got[1][0].Text() != big.Text() {
			t.Error("oversized message should occupy its own chunk")
		}
	})
}

func TestAdaptiveChunkRatio(t *testing.T) {
	if got := AdaptiveChunkRatio(nil, nil, 100000); got != BaseChunkRatio {
		t.Errorf("empty history ratio = %v, want %v", got, BaseChunkRatio)
	}
	if got := AdaptiveChunkRatio(nil, []models.Message{textMsg(models.RoleUser, "hi")}, 0); got != BaseChunkRatio {
		t.Errorf("zero window ratio = %v, want %v", got, BaseChunkRatio)
	}

	small := []models.Message{textMsg(models.RoleUser, "hi")}
	if got := AdaptiveChunkRatio(nil, small, 100000); got != BaseChunkRatio {
		t.Errorf("small message ratio = %v, want %v", got, BaseChunkRatio)
	}

	huge := []models.Message{textMsg(models.RoleUser, strings.Repeat("a", 4000))}
	if got := AdaptiveChunkRatio(nil, huge, 2000); got != MinChunkRatio {
		t.Errorf("huge message ratio = %v, want clamp to %v", got, MinChunkRatio)
	}
}

func TestOversized(t *testing.T) {
	big := textMsg(models.RoleAssistant, strings.Repeat("a", 224)) // 60 tokens
	if !Oversized(nil, big, 100) {
		t.Error("60 tokens against a 100-token window should be oversized")
	}
	ok := textMsg(models.RoleAssistant, strings.Repeat("a", 150)) // 42 tokens
	if Oversized(nil, ok, 100) {
		t.Error("42 tokens against a 100-token window should not be oversized")
	}
	if Oversized(nil, big, 0) {
		t.Error("zero window should never report oversized")
	}
}

func TestSplitForCompaction(t *testing.T) {
	mkHistory := func(n int) []models.Message {
		msgs := make([]models.Message, n)
		for i := range msgs {
			role := models.RoleUser
			if i%2 == 1 {
				role = models.RoleAssistant
			}
			msgs[i] = textMsg(role, strings.Repeat("a", 40)) // 14 tokens each
		}
		return msgs
	}

	t.Run("short history keeps everything", func(t *testing.T) {
		msgs := mkHistory(3)
		head, tail := SplitForCompaction(nil, msgs, 4, 0)
		if head != nil {
			t.Errorf("head = %d messages, want nil", len(head))
		}
		if len(tail) != 3 {
			t.Errorf("tail = %d messages, want 3", len(tail))
		}
	})

	t.Run("message floor", func(t *testing.T) {
		head, tail := SplitForCompaction(nil, mkHistory(10), 4, 0)
		if len(head) != 6 || len(tail) != 4 {
			t.Errorf("split = %d/%d, want 6/4", len(head), len(tail))
		}
	})

	t.Run("token budget extends tail", func(t *testing.T) {
		// Floor of 2 messages is 28 tokens; a 50-token budget pulls
		// the cut back two more messages.
		head, tail := SplitForCompaction(nil, mkHistory(10), 2, 50)
		if len(head) != 6 || len(tail) != 4 {
			t.Errorf("split = %d/%d, want 6/4", len(head), len(tail))
		}
	})

	t.Run("budget larger than history keeps everything", func(t *testing.T) {
		head, tail := SplitForCompaction(nil, mkHistory(5), 2, 100000)
		if head != nil || len(tail) != 5 {
			t.Errorf("split = %d/%d, want 0/5", len(head), len(tail))
		}
	})

	t.Run("never splits a tool pair", func(t *testing.T) {
		msgs := []models.Message{
			textMsg(models.RoleUser, "run the tests"),
			{Role: models.RoleAssistant, Blocks: []models.ContentBlock{
				{Type: models.BlockToolUse, ID: "toolu_01", Name: "bash", Input: []byte(`{"command":"go test"}`)},
			}},
			{Role: models.RoleUser, Blocks: []models.ContentBlock{
				{Type: models.BlockToolResult, ToolUseID: "toolu_01", Content: "ok"},
			}},
			textMsg(models.RoleAssistant, "all green"),
			textMsg(models.RoleUser, "thanks"),
		}
		head, tail := SplitForCompaction(nil, msgs, 3, 0)
		if len(head) != 1 {
			t.Fatalf("head = %d messages, want 1", len(head))
		}
		if tail[0].Role != models.RoleAssistant || !tail[0].HasToolUse() {
			t.Error("tail should start at the assistant tool_use, keeping the pair together")
		}
	})
}

func TestSummarizeChunks(t *testing.T) {
	ctx := context.Background()

	t.Run("empty returns fallback", func(t *testing.T) {
		got, err := SummarizeChunks(ctx, nil, &scriptSummarizer{}, nil)
		if err != nil || got != DefaultSummaryFallback {
			t.Errorf("got (%q, %v), want fallback", got, err)
		}
	})

	t.Run("single chunk summarizes directly", func(t *testing.T) {
		s := &scriptSummarizer{}
		got, err := SummarizeChunks(ctx, []models.Message{textMsg(models.RoleUser, "hi")}, s, DefaultConfig())
		if err != nil {
			t.Fatalf("SummarizeChunks failed: %v", err)
		}
		if got != "summary-1" || len(s.calls) != 1 {
			t.Errorf("got %q after %d calls, want summary-1 after 1", got, len(s.calls))
		}
	})

	t.Run("multiple chunks then merge", func(t *testing.T) {
		s := &scriptSummarizer{}
		cfg := DefaultConfig()
		cfg.MaxChunkTokens = 30
		messages := make([]models.Message, 5)
		for i := range messages {
			messages[i] = textMsg(models.RoleUser, strings.Repeat("a", 40))
		}
		got, err := SummarizeChunks(ctx, messages, s, cfg)
		if err != nil {
			t.Fatalf("SummarizeChunks failed: %v", err)
		}
		// 3 chunk passes plus 1 merge pass.
		if len(s.calls) != 4 {
			t.Errorf("summarizer called %d times, want 4", len(s.calls))
		}
		if got != "summary-4" {
			t.Errorf("got %q, want merge output summary-4", got)
		}
	})

	t.Run("chunk error propagates", func(t *testing.T) {
		s := &scriptSummarizer{err: errors.New("model unavailable")}
		_, err := SummarizeChunks(ctx, []models.Message{textMsg(models.RoleUser, "hi")}, s, DefaultConfig())
		if err == nil || !strings.Contains(err.Error(), "model unavailable") {
			t.Errorf("err = %v, want summarizer error", err)
		}
	})
}

func TestSummarizeWithFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("oversized message becomes a note", func(t *testing.T) {
		s := &scriptSummarizer{}
		cfg := DefaultConfig()
		cfg.ContextWindow = 100
		messages := []models.Message{
			textMsg(models.RoleUser, "hello world"),
			textMsg(models.RoleAssistant, strings.Repeat("b", 224)), // 60 tokens, over the 50-token line
		}
		got, err := SummarizeWithFallback(ctx, messages, s, cfg)
		if err != nil {
			t.Fatalf("SummarizeWithFallback failed: %v", err)
		}
		if !strings.Contains(got, "summary-1") {
			t.Errorf("summary %q should include the normal-message summary", got)
		}
		if !strings.Contains(got, "[Oversized assistant message with 60 tokens - content omitted]") {
			t.Errorf("summary %q should note the oversized message", got)
		}
		if len(s.calls) != 1 || len(s.calls[0]) != 1 {
			t.Error("only the normal message should reach the summarizer")
		}
	})

	t.Run("all oversized falls back", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ContextWindow = 100
		got, err := SummarizeWithFallback(ctx, []models.Message{
			textMsg(models.RoleUser, strings.Repeat("b", 224)),
		}, &scriptSummarizer{}, cfg)
		if err != nil {
			t.Fatalf("SummarizeWithFallback failed: %v", err)
		}
		if !strings.Contains(got, DefaultSummaryFallback) {
			t.Errorf("summary %q should start from the fallback text", got)
		}
	})
}

func TestSummarizeInStages(t *testing.T) {
	ctx := context.Background()

	t.Run("short history takes direct path", func(t *testing.T) {
		s := &scriptSummarizer{}
		_, err := SummarizeInStages(ctx, []models.Message{
			textMsg(models.RoleUser, "a"),
			textMsg(models.RoleAssistant, "b"),
		}, s, DefaultConfig())
		if err != nil {
			t.Fatalf("SummarizeInStages failed: %v", err)
		}
		if len(s.calls) != 1 {
			t.Errorf("summarizer called %d times, want 1", len(s.calls))
		}
	})

	t.Run("long history splits then merges", func(t *testing.T) {
		s := &scriptSummarizer{}
		messages := make([]models.Message, 6)
		for i := range messages {
			messages[i] = textMsg(models.RoleUser, strings.Repeat("a", 40))
		}
		got, err := SummarizeInStages(ctx, messages, s, DefaultConfig())
		if err != nil {
			t.Fatalf("SummarizeInStages failed: %v", err)
		}
		// 2 part passes plus 1 merge pass.
		if len(s.calls) != 3 {
			t.Errorf("summarizer called %d times, want 3", len(s.calls))
		}
		if got != "summary-3" {
			t.Errorf("got %q, want merge output summary-3", got)
		}
	})

	t.Run("previous summary feeds the merge", func(t *testing.T) {
		s := &scriptSummarizer{}
		cfg := DefaultConfig()
		cfg.PreviousSummary = "earlier work: built the parser"
		messages := make([]models.Message, 6)
		for i := range messages {
			messages[i] = textMsg(models.RoleUser, strings.Repeat("a", 40))
		}
		if _, err := SummarizeInStages(ctx, messages, s, cfg); err != nil {
			t.Fatalf("SummarizeInStages failed: %v", err)
		}
		merge := s.calls[len(s.calls)-1]
		if len(merge) != 3 {
			t.Fatalf("merge pass received %d summaries, want 3", len(merge))
		}
		if !strings.Contains(merge[0].Text(), "earlier work") {
			t.Error("previous summary should lead the merge input")
		}
	})
}

func TestResolveContextWindow(t *testing.T) {
	if got := ResolveContextWindow(128000, 50000); got != 128000 {
		t.Errorf("model window should win, got %d", got)
	}
	if got := ResolveContextWindow(0, 50000); got != 50000 {
		t.Errorf("fallback should apply, got %d", got)
	}
	if got := ResolveContextWindow(0, 0); got != DefaultContextWindow {
		t.Errorf("default should apply, got %d", got)
	}
}

func TestFormatForSummary(t *testing.T) {
	messages := []models.Message{
		textMsg(models.RoleUser, "fix the race in the watcher"),
		{Role: models.RoleAssistant, Blocks: []models.ContentBlock{
			{Type: models.BlockText, Text: "looking"},
			{Type: models.BlockToolUse, Name: "grep", Input: []byte(`{"pattern":"sync.Mutex"}`)},
		}},
		{Role: models.RoleUser, Blocks: []models.ContentBlock{
			{Type: models.BlockToolResult, Content: strings.Repeat("x", 300)},
		}},
	}

	got := FormatForSummary(messages)
	if !strings.Contains(got, "[user]: fix the race") {
		t.Error("user text missing from rendering")
	}
	if !strings.Contains(got, "[Tool call grep:") {
		t.Error("tool call note missing from rendering")
	}
	if !strings.Contains(got, "[Tool result: "+strings.Repeat("x", 200)+"...") {
		t.Error("tool result should be truncated at 200 chars")
	}
}
