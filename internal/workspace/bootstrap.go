// Package workspace loads project instruction files into the composed
// context: AGENTS.md / RULES.md as project rules, MEMORY.md as workspace
// memory, and path-scoped rule files matched against the paths a turn
// touches.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Well-known workspace files.
const (
	AgentsFile = "AGENTS.md"
	RulesFile  = "RULES.md"
	MemoryFile = "MEMORY.md"
	RulesDir   = "rules"
	SkillsDir  = "skills"
)

// BootstrapFile is one file to seed in a fresh workspace.
type BootstrapFile struct {
	Name    string
	Content string
}

// BootstrapResult captures what bootstrap created or left alone.
type BootstrapResult struct {
	Created []string
	Skipped []string
}

// DefaultBootstrapFiles returns the standard layout seeds.
func DefaultBootstrapFiles() []BootstrapFile {
	return []BootstrapFile{
		{
			Name: AgentsFile,
			Content: "# AGENTS.md - Project Instructions\n\n" +
				"This workspace is the agent's working directory.\n\n" +
				"## Workflow\n" +
				"- Keep changes minimal and focused.\n" +
				"- Run the project's tests before declaring work done.\n" +
				"- Ask for clarification when requirements are ambiguous.\n",
		},
		{
			Name: MemoryFile,
			Content: "# MEMORY.md - Workspace Memory\n\n" +
				"Capture durable facts, decisions, and conventions here.\n",
		},
		{
			Name: filepath.Join(RulesDir, "go.md"),
			Content: "---\npaths:\n  - \"**/*.go\"\n---\n\n" +
				"- Run gofmt on files you touch.\n" +
				"- Wrap errors with %w and add context.\n",
		},
	}
}

// Bootstrap creates the standard layout under root: the seed files plus
// the skills and rules directories. Existing files are never touched.
func Bootstrap(root string) (BootstrapResult, error) {
	var result BootstrapResult
	base := strings.TrimSpace(root)
	if base == "" {
		base = "."
	}
	for _, dir := range []string{base, filepath.Join(base, RulesDir), filepath.Join(base, SkillsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return result, fmt.Errorf("create workspace dir: %w", err)
		}
	}

	for _, file := range DefaultBootstrapFiles() {
		path := filepath.Join(base, file.Name)
		if _, err := os.Stat(path); err == nil {
			result.Skipped = append(result.Skipped, path)
			continue
		} else if !os.IsNotExist(err) {
			return result, fmt.Errorf("stat %s: %w", path, err)
		}
		if err := os.WriteFile(path, []byte(file.Content), 0o644); err != nil {
			return result, fmt.Errorf("write %s: %w", path, err)
		}
		result.Created = append(result.Created, path)
	}
	return result, nil
}
