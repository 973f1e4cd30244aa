package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/arbor-sh/arbor/internal/config"
	"github.com/arbor-sh/arbor/internal/events"
)

// FileEventSink receives a file.* event for every successful file
// operation, already bound to the owning session. Nil sinks are fine.
type FileEventSink func(ctx context.Context, t events.Type, payload any)

// resolvePath resolves a tool-supplied path against the working
// directory and rejects anything that escapes it.
func resolvePath(workingDir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(workingDir, p)
	}
	p = filepath.Clean(p)
	root := filepath.Clean(workingDir)
	if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes the working directory", p)
	}
	return p, nil
}

// FileReadTool reads a file from the workspace.
type FileReadTool struct {
	cfg  config.FileToolConfig
	sink FileEventSink
}

// NewFileReadTool builds the file_read built-in.
func NewFileReadTool(cfg config.FileToolConfig, sink FileEventSink) *FileReadTool {
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = 1 << 20
	}
	return &FileReadTool{cfg: cfg, sink: sink}
}

func (t *FileReadTool) Name() string { return "file_read" }

func (t *FileReadTool) Description() string {
	return "Read a file. Returns numbered lines; use offset and limit for large files."
}

func (t *FileReadTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path, absolute or relative to the working directory.",
			},
			"offset": map[string]any{
				"type":        "integer",
				"description": "1-based line to start from.",
				"minimum":     1,
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of lines to return.",
				"minimum":     1,
			},
		},
		"required":             []string{"path"},
		"additionalProperties": false,
	})
}

func (t *FileReadTool) Execute(ctx context.Context, params json.RawMessage, opts Options) (*Result, error) {
	var input struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return Errorf("Invalid parameters: %v", err), nil
	}
	path, err := resolvePath(opts.WorkingDirectory, input.Path)
	if err != nil {
		return Errorf("%v", err), nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return Errorf("Cannot read %s: %v", input.Path, err), nil
	}
	if info.IsDir() {
		return Errorf("%s is a directory; use ls", input.Path), nil
	}
	if info.Size() > int64(t.cfg.MaxReadBytes) && input.Limit == 0 {
		return Errorf("%s is %d bytes, above the %d byte read limit; pass offset and limit", input.Path, info.Size(), t.cfg.MaxReadBytes), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Errorf("Cannot read %s: %v", input.Path, err), nil
	}

	lines := strings.Split(string(data), "\n")
	start := 0
	if input.Offset > 0 {
		start = input.Offset - 1
	}
	if start >= len(lines) {
		return Errorf("offset %d is past the end of the file (%d lines)", input.Offset, len(lines)), nil
	}
	end := len(lines)
	if input.Limit > 0 && start+input.Limit < end {
		end = start + input.Limit
	}

	var sb strings.Builder
	shown := 0
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%6d\t%s\n", i+1, lines[i])
		shown++
		if sb.Len() > t.cfg.MaxReadBytes {
			sb.WriteString("... [truncated]\n")
			break
		}
	}

	if t.sink != nil {
		t.sink(ctx, events.TypeFileRead, events.FileOpPayload{Path: path, Bytes: int64(len(data))})
	}
	return &Result{
		Content: sb.String(),
		Details: map[string]any{"path": path, "totalLines": len(lines), "shownLines": shown},
	}, nil
}

// FileWriteTool creates or overwrites a file.
type FileWriteTool struct {
	sink FileEventSink
}

// NewFileWriteTool builds the file_write built-in.
func NewFileWriteTool(sink FileEventSink) *FileWriteTool {
	return &FileWriteTool{sink: sink}
}

func (t *FileWriteTool) Name() string { return "file_write" }

func (t *FileWriteTool) Description() string {
	return "Write content to a file, creating parent directories as needed. Overwrites existing files."
}

func (t *FileWriteTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path, absolute or relative to the working directory.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full file content to write.",
			},
		},
		"required":             []string{"path", "content"},
		"additionalProperties": false,
	})
}

func (t *FileWriteTool) Execute(ctx context.Context, params json.RawMessage, opts Options) (*Result, error) {
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return Errorf("Invalid parameters: %v", err), nil
	}
	path, err := resolvePath(opts.WorkingDirectory, input.Path)
	if err != nil {
		return Errorf("%v", err), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Errorf("Cannot create directory for %s: %v", input.Path, err), nil
	}
	if err := os.WriteFile(path, []byte(input.Content), 0o644); err != nil {
		return Errorf("Cannot write %s: %v", input.Path, err), nil
	}

	if t.sink != nil {
		t.sink(ctx, events.TypeFileWrite, events.FileOpPayload{Path: path, Bytes: int64(len(input.Content))})
	}
	return &Result{
		Content: fmt.Sprintf("Wrote %d bytes to %s", len(input.Content), path),
		Details: map[string]any{"path": path, "bytes": len(input.Content)},
	}, nil
}

// FileEditTool replaces an exact string in a file.
type FileEditTool struct {
	sink FileEventSink
}

// NewFileEditTool builds the file_edit built-in.
func NewFileEditTool(sink FileEventSink) *FileEditTool {
	return &FileEditTool{sink: sink}
}

func (t *FileEditTool) Name() string { return "file_edit" }

func (t *FileEditTool) Description() string {
	return "Replace an exact string in a file. old_string must match exactly once unless replace_all is set."
}

func (t *FileEditTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path, absolute or relative to the working directory.",
			},
			"old_string": map[string]any{
				"type":        "string",
				"description": "Exact text to replace.",
			},
			"new_string": map[string]any{
				"type":        "string",
				"description": "Replacement text.",
			},
			"replace_all": map[string]any{
				"type":        "boolean",
				"description": "Replace every occurrence instead of requiring a unique match.",
			},
		},
		"required":             []string{"path", "old_string", "new_string"},
		"additionalProperties": false,
	})
}

func (t *FileEditTool) Execute(ctx context.Context, params json.RawMessage, opts Options) (*Result, error) {
	var input struct {
		Path       string `json:"path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return Errorf("Invalid parameters: %v", err), nil
	}
	if input.OldString == input.NewString {
		return Errorf("old_string and new_string are identical"), nil
	}
	path, err := resolvePath(opts.WorkingDirectory, input.Path)
	if err != nil {
		return Errorf("%v", err), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Errorf("Cannot read %s: %v", input.Path, err), nil
	}
	content := string(data)

	count := strings.Count(content, input.OldString)
	switch {
	case count == 0:
		return Errorf("old_string not found in %s", input.Path), nil
	case count > 1 && !input.ReplaceAll:
		return Errorf("old_string matches %d times in %s; make it unique or set replace_all", count, input.Path), nil
	}

	replacements := 1
	if input.ReplaceAll {
		replacements = count
		content = strings.ReplaceAll(content, input.OldString, input.NewString)
	} else {
		content = strings.Replace(content, input.OldString, input.NewString, 1)
	}

	info, err := os.Stat(path)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode()
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return Errorf("Cannot write %s: %v", input.Path, err), nil
	}

	if t.sink != nil {
		t.sink(ctx, events.TypeFileEdit, events.FileOpPayload{Path: path, Bytes: int64(len(content))})
	}
	return &Result{
		Content: fmt.Sprintf("Replaced %d occurrence(s) in %s", replacements, path),
		Details: map[string]any{"path": path, "replacements": replacements},
	}, nil
}
