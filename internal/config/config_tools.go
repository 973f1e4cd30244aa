package config

import (
	"fmt"
	"time"
)

// ToolsConfig controls the tool executor and built-in tools.
type ToolsConfig struct {
	// MaxConcurrent bounds parallel tool executions within one batch.
	MaxConcurrent int `yaml:"max_concurrent"`

	// Timeout is the per-tool execution bound.
	Timeout time.Duration `yaml:"timeout"`

	// TerminateGrace is the SIGTERM-to-SIGKILL window for process tools.
	TerminateGrace time.Duration `yaml:"terminate_grace"`

	Bash   BashToolConfig `yaml:"bash"`
	Files  FileToolConfig `yaml:"files"`
	Policy PolicyConfig   `yaml:"policy"`
}

// BashToolConfig controls the bash built-in.
type BashToolConfig struct {
	// MaxOutputBytes truncates combined stdout/stderr beyond this size.
	MaxOutputBytes int `yaml:"max_output_bytes"`
}

// FileToolConfig controls the file built-ins.
type FileToolConfig struct {
	// MaxReadBytes caps file_read responses.
	MaxReadBytes int `yaml:"max_read_bytes"`
}

// PolicyConfig gates tool calls by name glob. Deny wins over Allow; Ask
// defers the call to the client. An empty Allow list allows everything
// not denied.
type PolicyConfig struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
	Ask   []string `yaml:"ask"`
}

func (t *ToolsConfig) applyDefaults() {
	if t.MaxConcurrent == 0 {
		t.MaxConcurrent = 5
	}
	if t.Timeout == 0 {
		t.Timeout = 2 * time.Minute
	}
	if t.TerminateGrace == 0 {
		t.TerminateGrace = 5 * time.Second
	}
	if t.Bash.MaxOutputBytes == 0 {
		t.Bash.MaxOutputBytes = 256 << 10
	}
	if t.Files.MaxReadBytes == 0 {
		t.Files.MaxReadBytes = 1 << 20
	}
}

func (t *ToolsConfig) validate() error {
	if t.MaxConcurrent < 1 {
		return fmt.Errorf("tools.max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}
	if err := validateDuration("tools.timeout", t.Timeout); err != nil {
		return err
	}
	return validateDuration("tools.terminate_grace", t.TerminateGrace)
}

// Hook points command hooks may attach to.
var hookEvents = map[string]bool{
	"PreToolUse":       true,
	"PostToolUse":      true,
	"UserPromptSubmit": true,
	"Stop":             true,
	"PreCompact":       true,
	"SessionStart":     true,
	"SessionEnd":       true,
}

// HooksConfig declares command hooks and background-hook behavior.
type HooksConfig struct {
	// BackgroundWait bounds how long session end waits for background
	// hooks to finish.
	BackgroundWait time.Duration `yaml:"background_wait"`

	Entries []CommandHookConfig `yaml:"entries"`
}

// CommandHookConfig declares one shell-command hook. The command receives
// the hook payload as JSON on stdin; exit 0 continues, exit 2 blocks with
// stderr as the reason.
type CommandHookConfig struct {
	// Event is the hook point (PreToolUse, PostToolUse, UserPromptSubmit,
	// Stop, PreCompact, SessionStart, SessionEnd).
	Event string `yaml:"event"`

	// Matcher is a tool-name glob; empty matches everything. Only
	// meaningful on the tool hook points.
	Matcher string `yaml:"matcher"`

	// Command runs via the shell.
	Command string `yaml:"command"`

	// Timeout bounds the command. Zero uses the hook engine default.
	Timeout time.Duration `yaml:"timeout"`

	// Blocking runs the hook inline. Ignored on hook points that always
	// block.
	Blocking bool `yaml:"blocking"`

	// Priority orders hooks on the same event, highest first.
	Priority int `yaml:"priority"`
}

func (h *HooksConfig) applyDefaults() {
	if h.BackgroundWait == 0 {
		h.BackgroundWait = 30 * time.Second
	}
}

func (h *HooksConfig) validate() error {
	for i, entry := range h.Entries {
		if !hookEvents[entry.Event] {
			return fmt.Errorf("hooks.entries[%d].event %q is not a hook point", i, entry.Event)
		}
		if entry.Command == "" {
			return fmt.Errorf("hooks.entries[%d].command is required", i)
		}
		if err := validateDuration(fmt.Sprintf("hooks.entries[%d].timeout", i), entry.Timeout); err != nil {
			return err
		}
	}
	return nil
}
