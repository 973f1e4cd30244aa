package workspace

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/arbor-sh/arbor/internal/contextmgr"
	"github.com/arbor-sh/arbor/internal/events"
	"github.com/arbor-sh/arbor/internal/observability"
)

// Rule is one path-scoped rule file from the rules directory.
type Rule struct {
	// File is the rule file path, relative to the workspace root.
	File string

	// Paths are glob patterns; a rule activates when a touched path
	// matches any of them. "**/" prefixes and "/**" suffixes match
	// across directories.
	Paths []string

	// Content is the rule body.
	Content string
}

// Snapshot is the loaded workspace instruction set.
type Snapshot struct {
	// ProjectRules is AGENTS.md plus RULES.md, in that order.
	ProjectRules string

	// Memory is the workspace memory file.
	Memory string

	// Rules are the path-scoped rule files.
	Rules []Rule

	// Files lists every file that contributed content.
	Files []string
}

// Options wires a Loader.
type Options struct {
	// Root is the workspace directory.
	Root string

	// Context receives the loaded content in its zones.
	Context *contextmgr.Manager

	// Appender records rules.loaded events. Optional.
	Appender contextmgr.Appender

	Logger *observability.Logger
}

// Loader reads workspace instruction files and installs them into
// per-session context zones.
type Loader struct {
	root     string
	ctxmgr   *contextmgr.Manager
	appender contextmgr.Appender
	log      *observability.Logger
}

// NewLoader builds a Loader.
func NewLoader(opts Options) (*Loader, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("workspace: Options.Root is required")
	}
	log := opts.Logger
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Loader{root: opts.Root, ctxmgr: opts.Context, appender: opts.Appender, log: log}, nil
}

// Load reads the instruction files from disk. Missing files are simply
// absent from the snapshot.
func (l *Loader) Load() (*Snapshot, error) {
	snap := &Snapshot{}

	var rules []string
	for _, name := range []string{AgentsFile, RulesFile} {
		content, ok, err := l.readFile(name)
		if err != nil {
			return nil, err
		}
		if ok {
			rules = append(rules, content)
			snap.Files = append(snap.Files, name)
		}
	}
	snap.ProjectRules = strings.Join(rules, "\n\n")

	if content, ok, err := l.readFile(MemoryFile); err != nil {
		return nil, err
	} else if ok {
		snap.Memory = content
		snap.Files = append(snap.Files, MemoryFile)
	}

	scoped, err := l.loadRules()
	if err != nil {
		return nil, err
	}
	snap.Rules = scoped
	for _, r := range scoped {
		snap.Files = append(snap.Files, r.File)
	}
	return snap, nil
}

func (l *Loader) readFile(name string) (string, bool, error) {
	data, err := os.ReadFile(filepath.Join(l.root, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("workspace: read %s: %w", name, err)
	}
	content := strings.TrimSpace(string(data))
	return content, content != "", nil
}

// loadRules parses rules/*.md. Each file carries YAML front matter with
// a paths list; files without front matter apply to every path.
func (l *Loader) loadRules() ([]Rule, error) {
	dir := filepath.Join(l.root, RulesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("workspace: read rules dir: %w", err)
	}

	var rules []Rule
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		rel := path.Join(RulesDir, entry.Name())
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("workspace: read %s: %w", rel, err)
		}
		rule, err := parseRule(data, rel)
		if err != nil {
			l.log.Warn(context.Background(), "skipping invalid rule file", "file", rel, "error", err)
			continue
		}
		if rule.Content != "" {
			rules = append(rules, rule)
		}
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].File < rules[j].File })
	return rules, nil
}

func parseRule(data []byte, file string) (Rule, error) {
	rule := Rule{File: file}
	text := string(data)

	if strings.HasPrefix(text, "---\n") {
		rest := text[4:]
		idx := strings.Index(rest, "\n---")
		if idx < 0 {
			return rule, fmt.Errorf("unclosed front matter")
		}
		var fm struct {
			Paths []string `yaml:"paths"`
		}
		if err := yaml.Unmarshal([]byte(rest[:idx]), &fm); err != nil {
			return rule, fmt.Errorf("parse front matter: %w", err)
		}
		rule.Paths = fm.Paths
		body := rest[idx+4:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		} else {
			body = ""
		}
		rule.Content = strings.TrimSpace(body)
		return rule, nil
	}

	rule.Content = strings.TrimSpace(text)
	return rule, nil
}

// Apply loads the workspace and installs project rules and memory into
// the session's zones, recording which files entered context.
func (l *Loader) Apply(ctx context.Context, sessionID string) (*Snapshot, error) {
	snap, err := l.Load()
	if err != nil {
		return nil, err
	}
	if l.ctxmgr == nil {
		return snap, nil
	}
	if err := l.ctxmgr.SetZone(sessionID, contextmgr.ZoneProjectRules, snap.ProjectRules); err != nil {
		return nil, err
	}
	if err := l.ctxmgr.SetZone(sessionID, contextmgr.ZoneWorkspaceMemory, snap.Memory); err != nil {
		return nil, err
	}

	if l.appender != nil && len(snap.Files) > 0 {
		if _, err := l.appender.Append(ctx, sessionID, events.TypeRulesLoaded, events.RulesLoadedPayload{Files: snap.Files}); err != nil {
			l.log.Warn(ctx, "failed to record rules load", "session_id", sessionID, "error", err)
		}
	}
	return snap, nil
}

// MatchRules returns the rules activated by the touched paths, in file
// order. Paths are matched relative to the workspace root.
func (s *Snapshot) MatchRules(touched []string) []Rule {
	var matched []Rule
	for _, rule := range s.Rules {
		if rule.matches(touched) {
			matched = append(matched, rule)
		}
	}
	return matched
}

func (r Rule) matches(touched []string) bool {
	if len(r.Paths) == 0 {
		return len(touched) > 0
	}
	for _, p := range touched {
		p = filepath.ToSlash(p)
		for _, pattern := range r.Paths {
			if globMatch(pattern, p) {
				return true
			}
		}
	}
	return false
}

// globMatch extends path.Match: a leading "**/" floats the pattern to
// any depth and a trailing "/**" matches the whole subtree.
func globMatch(pattern, p string) bool {
	pattern = filepath.ToSlash(pattern)
	if ok, _ := path.Match(pattern, p); ok {
		return true
	}
	if rest, found := strings.CutPrefix(pattern, "**/"); found {
		if ok, _ := path.Match(rest, p); ok {
			return true
		}
		parts := strings.Split(p, "/")
		for i := 1; i < len(parts); i++ {
			if ok, _ := path.Match(rest, strings.Join(parts[i:], "/")); ok {
				return true
			}
		}
	}
	if prefix, found := strings.CutSuffix(pattern, "/**"); found {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}

// ApplyPathRules matches the touched paths against the snapshot's rules
// and installs the result in the active-rules zone. No match clears the
// zone.
func (l *Loader) ApplyPathRules(ctx context.Context, sessionID string, snap *Snapshot, touched []string) ([]Rule, error) {
	if l.ctxmgr == nil {
		return nil, nil
	}
	matched := snap.MatchRules(touched)
	if len(matched) == 0 {
		return nil, l.ctxmgr.SetZone(sessionID, contextmgr.ZoneActiveRules, "")
	}

	var sb strings.Builder
	for i, rule := range matched {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("## ")
		sb.WriteString(rule.File)
		sb.WriteString("\n")
		sb.WriteString(rule.Content)
	}
	if err := l.ctxmgr.SetZone(sessionID, contextmgr.ZoneActiveRules, sb.String()); err != nil {
		return nil, err
	}
	return matched, nil
}
