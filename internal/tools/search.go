package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	grepMaxMatches  = 200
	grepMaxFileSize = 4 << 20
	grepMaxLineLen  = 512
	lsMaxEntries    = 500
)

// Directories never worth searching.
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".arbor":       true,
	"vendor":       true,
}

// GrepTool searches file contents under the workspace.
type GrepTool struct{}

// NewGrepTool builds the grep built-in.
func NewGrepTool() *GrepTool { return &GrepTool{} }

func (t *GrepTool) Name() string { return "grep" }

func (t *GrepTool) Description() string {
	return "Search file contents recursively with a Go regular expression. Returns matching lines as path:line:text."
}

func (t *GrepTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Regular expression to search for.",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to search, relative to the working directory. Defaults to the working directory.",
			},
			"glob": map[string]any{
				"type":        "string",
				"description": "Filename glob filter, e.g. *.go.",
			},
			"case_insensitive": map[string]any{
				"type":        "boolean",
				"description": "Match case-insensitively.",
			},
		},
		"required":             []string{"pattern"},
		"additionalProperties": false,
	})
}

func (t *GrepTool) Execute(ctx context.Context, params json.RawMessage, opts Options) (*Result, error) {
	var input struct {
		Pattern         string `json:"pattern"`
		Path            string `json:"path"`
		Glob            string `json:"glob"`
		CaseInsensitive bool   `json:"case_insensitive"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return Errorf("Invalid parameters: %v", err), nil
	}

	pattern := input.Pattern
	if input.CaseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Errorf("Invalid pattern: %v", err), nil
	}

	root := opts.WorkingDirectory
	if input.Path != "" {
		root, err = resolvePath(opts.WorkingDirectory, input.Path)
		if err != nil {
			return Errorf("%v", err), nil
		}
	}

	var sb strings.Builder
	matches := 0
	capped := false
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] || strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if input.Glob != "" {
			if ok, _ := filepath.Match(input.Glob, d.Name()); !ok {
				return nil
			}
		}
		if info, err := d.Info(); err != nil || info.Size() > grepMaxFileSize {
			return nil
		}
		n, err := grepFile(path, root, re, grepMaxMatches-matches, &sb)
		if err != nil {
			return nil
		}
		matches += n
		if matches >= grepMaxMatches {
			capped = true
			return filepath.SkipAll
		}
		return nil
	})
	if walkErr != nil && ctx.Err() != nil {
		return Interrupted(sb.String()), nil
	}

	if matches == 0 {
		return &Result{Content: "No matches found."}, nil
	}
	content := sb.String()
	if capped {
		content += fmt.Sprintf("... [stopped after %d matches]\n", grepMaxMatches)
	}
	return &Result{
		Content: content,
		Details: map[string]any{"matches": matches, "capped": capped},
	}, nil
}

func grepFile(path, root string, re *regexp.Regexp, budget int, sb *strings.Builder) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}

	matches := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if bytes.ContainsRune(line, 0) {
			// Binary file.
			return matches, nil
		}
		if !re.Match(line) {
			continue
		}
		text := string(line)
		if len(text) > grepMaxLineLen {
			text = text[:grepMaxLineLen] + "..."
		}
		fmt.Fprintf(sb, "%s:%d:%s\n", rel, lineNo, text)
		matches++
		if matches >= budget {
			return matches, nil
		}
	}
	return matches, nil
}

// LsTool lists a directory.
type LsTool struct{}

// NewLsTool builds the ls built-in.
func NewLsTool() *LsTool { return &LsTool{} }

func (t *LsTool) Name() string { return "ls" }

func (t *LsTool) Description() string {
	return "List the entries of a directory. Directories are suffixed with a slash."
}

func (t *LsTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to list, relative to the working directory. Defaults to the working directory.",
			},
		},
		"additionalProperties": false,
	})
}

func (t *LsTool) Execute(_ context.Context, params json.RawMessage, opts Options) (*Result, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return Errorf("Invalid parameters: %v", err), nil
	}

	dir := opts.WorkingDirectory
	if input.Path != "" {
		var err error
		dir, err = resolvePath(opts.WorkingDirectory, input.Path)
		if err != nil {
			return Errorf("%v", err), nil
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return Errorf("Cannot list %s: %v", dir, err), nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var sb strings.Builder
	shown := 0
	for _, e := range entries {
		if shown >= lsMaxEntries {
			fmt.Fprintf(&sb, "... [%d more entries]\n", len(entries)-shown)
			break
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		sb.WriteString(name)
		sb.WriteString("\n")
		shown++
	}
	if sb.Len() == 0 {
		sb.WriteString("(empty directory)\n")
	}
	return &Result{
		Content: sb.String(),
		Details: map[string]any{"path": dir, "entries": len(entries)},
	}, nil
}
