package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/arbor-sh/arbor/internal/config"
)

// BashTool runs shell commands in the session working directory. Each
// command gets its own process group so cancellation can take down the
// whole pipeline, not just the shell.
type BashTool struct {
	cfg config.BashToolConfig

	mu     sync.Mutex
	nextID int
}

// NewBashTool builds the bash built-in.
func NewBashTool(cfg config.BashToolConfig) *BashTool {
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 256 << 10
	}
	return &BashTool{cfg: cfg}
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "Run a shell command in the session working directory. Output is truncated beyond the configured limit. Set background to launch a long-running command; its output is written to a log file you can read later."
}

func (t *BashTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute.",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Optional timeout in seconds. Zero uses the executor default.",
				"minimum":     0,
			},
			"background": map[string]any{
				"type":        "boolean",
				"description": "Run in the background; returns a process id and a log file path.",
			},
		},
		"required":             []string{"command"},
		"additionalProperties": false,
	})
}

func (t *BashTool) Execute(ctx context.Context, params json.RawMessage, opts Options) (*Result, error) {
	var input struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
		Background     bool   `json:"background"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return Errorf("Invalid parameters: %v", err), nil
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return Errorf("command is required"), nil
	}

	if input.Background {
		return t.startBackground(command, opts)
	}

	execCtx := ctx
	var cancel context.CancelFunc
	timeout := time.Duration(input.TimeoutSeconds) * time.Second
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out := newCappedBuffer(t.cfg.MaxOutputBytes)
	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = opts.WorkingDirectory
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = opts.TerminateGrace
	cmd.Cancel = func() error {
		// Signal the whole group; the shell alone dying leaves pipelines
		// running.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}

	start := time.Now()
	err := cmd.Run()
	if cmd.Process != nil {
		// Reap any group stragglers once the leader is gone.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	duration := time.Since(start)

	switch {
	case ctx.Err() != nil:
		return Interrupted(out.String()), nil
	case execCtx.Err() == context.DeadlineExceeded:
		return TimedOut(timeout, out.String()), nil
	}

	content := out.String()
	exitCode := 0
	if err != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Errorf("Failed to run command: %v", err), nil
		}
	}
	if content == "" {
		content = "(no output)"
	}

	res := &Result{
		Content: content,
		IsError: exitCode != 0,
		Details: map[string]any{
			"exitCode":   exitCode,
			"durationMs": duration.Milliseconds(),
		},
	}
	if out.Truncated() {
		res.Details["truncated"] = true
	}
	return res, nil
}

// startBackground launches the command detached from the tool call. Its
// output goes to a log file under the working directory so the model
// can inspect it with file_read or grep.
func (t *BashTool) startBackground(command string, opts Options) (*Result, error) {
	t.mu.Lock()
	t.nextID++
	id := fmt.Sprintf("bash-%d", t.nextID)
	t.mu.Unlock()

	logDir := filepath.Join(opts.WorkingDirectory, ".arbor")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return Errorf("Failed to create log directory: %v", err), nil
	}
	logPath := filepath.Join(logDir, id+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return Errorf("Failed to create log file: %v", err), nil
	}

	// Deliberately not bound to the call context: background commands
	// outlive the tool call.
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = opts.WorkingDirectory
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return Errorf("Failed to start command: %v", err), nil
	}
	pid := cmd.Process.Pid
	go func() {
		_ = cmd.Wait()
		logFile.Close()
	}()

	return &Result{
		Content: fmt.Sprintf("Started background process %s (pid %d). Output: %s", id, pid, logPath),
		Details: map[string]any{"processId": id, "pid": pid, "logPath": logPath},
	}, nil
}

// cappedBuffer keeps the first max bytes written and counts the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated int
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - len(b.buf)
	if room < 0 {
		room = 0
	}
	if room > len(p) {
		room = len(p)
	}
	b.buf = append(b.buf, p[:room]...)
	b.truncated += len(p) - room
	return len(p), nil
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated > 0
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated > 0 {
		return string(b.buf) + fmt.Sprintf("\n... [output truncated, %d bytes omitted]", b.truncated)
	}
	return string(b.buf)
}
