package contextmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/arbor-sh/arbor/internal/compaction"
	"github.com/arbor-sh/arbor/internal/events"
	"github.com/arbor-sh/arbor/internal/provider"
	"github.com/arbor-sh/arbor/pkg/models"
)

type fakeCatalog struct{ window int }

func (c fakeCatalog) Models() []provider.ModelInfo {
	return []provider.ModelInfo{{ID: "test-model", ContextWindow: c.window}}
}

type scriptedSummarizer struct {
	summary string
	err     error
	calls   int
}

func (s *scriptedSummarizer) Summarize(_ context.Context, _ []models.Message, _ *compaction.Config) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.summary, nil
}

func newTestManager(t *testing.T, store events.Store, sum Summarizer) *Manager {
	t.Helper()
	return New(Options{
		Store:      store,
		Summarizer: sum,
		Catalog:    fakeCatalog{window: 1000},
		Config: Config{
			CompactThreshold:   0.8,
			AlertThreshold:     0.5,
			MinCompactMessages: 2,
			TailMessages:       2,
			TailTokenRatio:     0.1,
			OutputReserve:      100,
			DefaultWindow:      1000,
		},
	})
}

func seedSession(t *testing.T, store events.Store, sessionID string, turns int) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.Append(ctx, sessionID, "", events.TypeSessionStart, events.SessionStartPayload{
		WorkingDirectory: "/tmp/ws", Model: "test-model",
	}); err != nil {
		t.Fatalf("seed session.start: %v", err)
	}
	for i := 0; i < turns; i++ {
		if _, err := events.AppendAuto(ctx, store, sessionID, events.TypeMessageUser, events.MessagePayload{
			Role:   models.RoleUser,
			Blocks: []models.ContentBlock{{Type: models.BlockText, Text: fmt.Sprintf("user message %d with some padding text", i)}},
		}); err != nil {
			t.Fatalf("seed user %d: %v", i, err)
		}
		if _, err := events.AppendAuto(ctx, store, sessionID, events.TypeMessageAssistant, events.MessagePayload{
			Role:   models.RoleAssistant,
			Blocks: []models.ContentBlock{{Type: models.BlockText, Text: fmt.Sprintf("assistant reply %d with more padding text", i)}},
		}); err != nil {
			t.Fatalf("seed assistant %d: %v", i, err)
		}
	}
}

func TestCompose_OrderAndCacheMarker(t *testing.T) {
	m := newTestManager(t, events.NewMemoryStore(), nil)

	mustSetZone := func(z Zone, content string) {
		t.Helper()
		if err := m.SetZone("s1", z, content); err != nil {
			t.Fatalf("SetZone(%s): %v", z, err)
		}
	}
	mustSetZone(ZoneTaskContext, "current task")
	mustSetZone(ZoneSystemPrompt, "core prompt")
	mustSetZone(ZoneProjectRules, "always test")
	mustSetZone(ZoneSkills, "skill blurb")

	blocks, markers := m.Compose("s1")
	if len(blocks) != 4 {
		t.Fatalf("len(blocks) = %d, want 4", len(blocks))
	}
	if blocks[0].Text != "core prompt" {
		t.Errorf("blocks[0] = %q", blocks[0].Text)
	}
	if !strings.HasPrefix(blocks[1].Text, "# Project Rules\n\n") {
		t.Errorf("project rules not wrapped: %q", blocks[1].Text)
	}
	if !strings.HasPrefix(blocks[3].Text, "<task-context>") {
		t.Errorf("task context not wrapped: %q", blocks[3].Text)
	}
	// Stable group ends at project rules (index 1): memory zone unset.
	if len(markers) != 1 || markers[0] != 1 {
		t.Errorf("markers = %v, want [1]", markers)
	}
}

func TestSetZone_UnknownZoneRejected(t *testing.T) {
	m := newTestManager(t, events.NewMemoryStore(), nil)
	if err := m.SetZone("s1", Zone("bogus"), "x"); !errors.Is(err, ErrUnknownZone) {
		t.Fatalf("err = %v, want ErrUnknownZone", err)
	}
}

func TestSetZone_EmptyContentDrops(t *testing.T) {
	m := newTestManager(t, events.NewMemoryStore(), nil)
	if err := m.SetZone("s1", ZoneSkills, "skill"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetZone("s1", ZoneSkills, "  "); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.ZoneContent("s1", ZoneSkills); ok {
		t.Error("zone still set after empty write")
	}
}

func TestSnapshot_LevelsAndShouldCompact(t *testing.T) {
	store := events.NewMemoryStore()
	m := newTestManager(t, store, nil)
	seedSession(t, store, "s1", 2)

	snap, err := m.Snapshot(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Model != "test-model" {
		t.Errorf("model = %q", snap.Model)
	}
	if snap.ContextWindow != 1000 {
		t.Errorf("window = %d, want 1000", snap.ContextWindow)
	}
	if snap.Level != LevelGreen {
		t.Errorf("level = %s, want green", snap.Level)
	}

	should, err := m.ShouldCompact(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if should {
		t.Error("ShouldCompact true on a small session")
	}

	// Push utilization past critical.
	seedSession(t, store, "s2", 0)
	big := strings.Repeat("lorem ipsum dolor sit amet ", 200)
	for i := 0; i < 4; i++ {
		if _, err := events.AppendAuto(context.Background(), store, "s2", events.TypeMessageUser, events.MessagePayload{
			Role:   models.RoleUser,
			Blocks: []models.ContentBlock{{Type: models.BlockText, Text: big}},
		}); err != nil {
			t.Fatal(err)
		}
	}
	snap, err = m.Snapshot(context.Background(), "s2")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Level != LevelCritical {
		t.Fatalf("level = %s (util %.2f), want critical", snap.Level, snap.Utilization)
	}
	should, err = m.ShouldCompact(context.Background(), "s2")
	if err != nil {
		t.Fatal(err)
	}
	if !should {
		t.Error("ShouldCompact false above threshold")
	}
}

func TestCanAcceptTurn(t *testing.T) {
	store := events.NewMemoryStore()
	m := newTestManager(t, store, nil)
	seedSession(t, store, "s1", 1)

	check, err := m.CanAcceptTurn(context.Background(), "s1", 50)
	if err != nil {
		t.Fatal(err)
	}
	if !check.CanProceed || check.WouldExceedLimit {
		t.Errorf("small turn rejected: %+v", check)
	}

	check, err = m.CanAcceptTurn(context.Background(), "s1", 100000)
	if err != nil {
		t.Fatal(err)
	}
	if check.CanProceed || !check.WouldExceedLimit {
		t.Errorf("oversized turn accepted: %+v", check)
	}
}

func TestPreviewCompaction(t *testing.T) {
	store := events.NewMemoryStore()
	m := newTestManager(t, store, nil)
	seedSession(t, store, "s1", 6)

	preview, err := m.PreviewCompaction(context.Background(), "s1")
	if err != nil {
		t.Fatalf("PreviewCompaction: %v", err)
	}
	if preview.SummarizedCount == 0 {
		t.Error("nothing summarized in preview")
	}
	if preview.PreservedCount < 2 {
		t.Errorf("preserved %d, want >= tail window", preview.PreservedCount)
	}
	if preview.TokensAfter >= preview.TokensBefore {
		t.Errorf("tokensAfter %d >= tokensBefore %d", preview.TokensAfter, preview.TokensBefore)
	}
	if preview.CompressionRatio >= 1 {
		t.Errorf("ratio = %g, want < 1", preview.CompressionRatio)
	}
}

func TestPreviewCompaction_TooShort(t *testing.T) {
	store := events.NewMemoryStore()
	m := newTestManager(t, store, nil)
	seedSession(t, store, "s1", 1)

	if _, err := m.PreviewCompaction(context.Background(), "s1"); !errors.Is(err, ErrNothingToCompact) {
		t.Fatalf("err = %v, want ErrNothingToCompact", err)
	}
}

func TestConfirmCompaction(t *testing.T) {
	store := events.NewMemoryStore()
	sum := &scriptedSummarizer{summary: "The user and assistant exchanged greetings six times."}
	m := newTestManager(t, store, sum)
	seedSession(t, store, "s1", 6)

	res, err := m.ConfirmCompaction(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ConfirmCompaction: %v", err)
	}
	if sum.calls == 0 {
		t.Fatal("summarizer never called")
	}
	if res.Summary != sum.summary {
		t.Errorf("summary = %q", res.Summary)
	}
	if res.TokensAfter >= res.TokensBefore {
		t.Errorf("tokensAfter %d >= tokensBefore %d", res.TokensAfter, res.TokensBefore)
	}

	history, err := store.GetHistory(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	var sawBoundary, sawSummary bool
	for _, ev := range history {
		switch ev.Type {
		case events.TypeCompactBoundary:
			sawBoundary = true
			if sawSummary {
				t.Error("boundary after summary")
			}
		case events.TypeCompactSummary:
			sawSummary = true
		}
	}
	if !sawBoundary || !sawSummary {
		t.Fatalf("markers missing: boundary=%v summary=%v", sawBoundary, sawSummary)
	}

	tr, err := events.Reconstruct(history)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Summary != sum.summary {
		t.Errorf("reconstructed summary = %q", tr.Summary)
	}
	if len(tr.Messages) < 1+res.PreservedCount {
		t.Errorf("reconstructed %d messages, want summary + %d preserved", len(tr.Messages), res.PreservedCount)
	}
	if !strings.Contains(tr.Messages[0].Text(), sum.summary) {
		t.Errorf("first message does not carry summary: %q", tr.Messages[0].Text())
	}
}

func TestConfirmCompaction_SummarizerFailureLeavesLogUntouched(t *testing.T) {
	store := events.NewMemoryStore()
	sum := &scriptedSummarizer{err: errors.New("model unavailable")}
	m := newTestManager(t, store, sum)
	seedSession(t, store, "s1", 6)

	before, _ := store.GetHistory(context.Background(), "s1")
	if _, err := m.ConfirmCompaction(context.Background(), "s1"); err == nil {
		t.Fatal("expected error")
	}
	after, _ := store.GetHistory(context.Background(), "s1")
	if len(after) != len(before) {
		t.Fatalf("log grew from %d to %d events on failed compaction", len(before), len(after))
	}
}

func TestConfirmCompaction_NoSummarizer(t *testing.T) {
	store := events.NewMemoryStore()
	m := newTestManager(t, store, nil)
	seedSession(t, store, "s1", 6)

	if _, err := m.ConfirmCompaction(context.Background(), "s1"); !errors.Is(err, ErrNoSummarizer) {
		t.Fatalf("err = %v, want ErrNoSummarizer", err)
	}
}

func TestClear(t *testing.T) {
	store := events.NewMemoryStore()
	m := newTestManager(t, store, nil)
	seedSession(t, store, "s1", 3)

	ev, err := m.Clear(context.Background(), "s1", "session_clear")
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if ev.Type != events.TypeContextCleared {
		t.Errorf("event type = %s", ev.Type)
	}

	history, _ := store.GetHistory(context.Background(), "s1")
	tr, err := events.Reconstruct(history)
	if err != nil {
		t.Fatal(err)
	}
	if len(tr.Messages) != 0 {
		t.Errorf("%d messages survive clear, want 0", len(tr.Messages))
	}
}

func TestModel_FollowsSwitch(t *testing.T) {
	store := events.NewMemoryStore()
	m := newTestManager(t, store, nil)
	seedSession(t, store, "s1", 1)

	if _, err := events.AppendAuto(context.Background(), store, "s1", events.TypeConfigModelSwitch, events.ModelSwitchPayload{
		From: "test-model", To: "other-model",
	}); err != nil {
		t.Fatal(err)
	}

	model, err := m.Model(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if model != "other-model" {
		t.Errorf("model = %q, want other-model", model)
	}
}
