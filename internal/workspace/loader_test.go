package workspace

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arbor-sh/arbor/internal/contextmgr"
	"github.com/arbor-sh/arbor/internal/events"
)

func seedWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(AgentsFile, "# Project\nKeep changes small.\n")
	write(RulesFile, "Run the linters.\n")
	write(MemoryFile, "We ship on Fridays.\n")
	write(filepath.Join(RulesDir, "go.md"), "---\npaths:\n  - \"**/*.go\"\n---\n\nRun gofmt.\n")
	write(filepath.Join(RulesDir, "ci.md"), "---\npaths:\n  - \".github/**\"\n---\n\nKeep workflows pinned.\n")
	write(filepath.Join(RulesDir, "always.md"), "No front matter, applies to any touch.\n")
	return root
}

func TestLoad(t *testing.T) {
	root := seedWorkspace(t)
	l, err := NewLoader(Options{Root: root})
	if err != nil {
		t.Fatal(err)
	}

	snap, err := l.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(snap.ProjectRules, "Keep changes small.") || !strings.Contains(snap.ProjectRules, "Run the linters.") {
		t.Errorf("project rules = %q", snap.ProjectRules)
	}
	if snap.Memory != "We ship on Fridays." {
		t.Errorf("memory = %q", snap.Memory)
	}
	if len(snap.Rules) != 3 {
		t.Fatalf("rules = %+v", snap.Rules)
	}
	// Sorted by file.
	if snap.Rules[0].File != "rules/always.md" || snap.Rules[2].File != "rules/go.md" {
		t.Errorf("rule order = %s, %s, %s", snap.Rules[0].File, snap.Rules[1].File, snap.Rules[2].File)
	}
	if len(snap.Files) != 6 {
		t.Errorf("files = %v", snap.Files)
	}
}

func TestLoad_EmptyWorkspace(t *testing.T) {
	l, err := NewLoader(Options{Root: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	snap, err := l.Load()
	if err != nil {
		t.Fatal(err)
	}
	if snap.ProjectRules != "" || snap.Memory != "" || len(snap.Rules) != 0 || len(snap.Files) != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestMatchRules(t *testing.T) {
	root := seedWorkspace(t)
	l, err := NewLoader(Options{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	snap, err := l.Load()
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name    string
		touched []string
		want    []string
	}{
		{"go file at depth", []string{"internal/events/store.go"}, []string{"rules/always.md", "rules/go.md"}},
		{"go file at root", []string{"main.go"}, []string{"rules/always.md", "rules/go.md"}},
		{"workflow subtree", []string{".github/workflows/ci.yml"}, []string{"rules/always.md", "rules/ci.md"}},
		{"unmatched", []string{"docs/readme.txt"}, []string{"rules/always.md"}},
		{"nothing touched", nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			matched := snap.MatchRules(tc.touched)
			var got []string
			for _, r := range matched {
				got = append(got, r.File)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("matched = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("matched = %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestApply_SetsZonesAndRecordsEvent(t *testing.T) {
	root := seedWorkspace(t)
	store := events.NewMemoryStore()
	defer store.Close()
	mgr := contextmgr.New(contextmgr.Options{Store: store})

	const sessionID = "sess-1"
	ctx := context.Background()
	if _, err := events.AppendAuto(ctx, store, sessionID, events.TypeSessionStart, events.SessionStartPayload{
		WorkingDirectory: root,
		Model:            "test-model",
	}); err != nil {
		t.Fatal(err)
	}

	l, err := NewLoader(Options{Root: root, Context: mgr, Appender: appenderFunc(func(ctx context.Context, sid string, typ events.Type, payload any) (*events.Event, error) {
		return events.AppendAuto(ctx, store, sid, typ, payload)
	})})
	if err != nil {
		t.Fatal(err)
	}

	snap, err := l.Apply(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}

	rules, ok := mgr.ZoneContent(sessionID, contextmgr.ZoneProjectRules)
	if !ok || !strings.Contains(rules, "Keep changes small.") {
		t.Errorf("project rules zone = %q", rules)
	}
	memory, ok := mgr.ZoneContent(sessionID, contextmgr.ZoneWorkspaceMemory)
	if !ok || !strings.Contains(memory, "ship on Fridays") {
		t.Errorf("memory zone = %q", memory)
	}

	history, err := store.GetHistory(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	last := history[len(history)-1]
	if last.Type != events.TypeRulesLoaded {
		t.Fatalf("last event = %s", last.Type)
	}
	var p events.RulesLoadedPayload
	if err := json.Unmarshal(last.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if len(p.Files) != len(snap.Files) {
		t.Errorf("recorded files = %v", p.Files)
	}
}

func TestApplyPathRules(t *testing.T) {
	root := seedWorkspace(t)
	store := events.NewMemoryStore()
	defer store.Close()
	mgr := contextmgr.New(contextmgr.Options{Store: store})

	l, err := NewLoader(Options{Root: root, Context: mgr})
	if err != nil {
		t.Fatal(err)
	}
	snap, err := l.Load()
	if err != nil {
		t.Fatal(err)
	}

	const sessionID = "sess-1"
	ctx := context.Background()
	matched, err := l.ApplyPathRules(ctx, sessionID, snap, []string{"cmd/main.go"})
	if err != nil {
		t.Fatal(err)
	}
	if len(matched) != 2 {
		t.Fatalf("matched = %+v", matched)
	}
	zone, ok := mgr.ZoneContent(sessionID, contextmgr.ZoneActiveRules)
	if !ok || !strings.Contains(zone, "Run gofmt.") {
		t.Errorf("active rules zone = %q", zone)
	}

	// No touches clears the zone.
	if _, err := l.ApplyPathRules(ctx, sessionID, snap, nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := mgr.ZoneContent(sessionID, contextmgr.ZoneActiveRules); ok {
		t.Error("active rules zone not cleared")
	}
}

type appenderFunc func(ctx context.Context, sessionID string, t events.Type, payload any) (*events.Event, error)

func (f appenderFunc) Append(ctx context.Context, sessionID string, t events.Type, payload any) (*events.Event, error) {
	return f(ctx, sessionID, t, payload)
}
