package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/arbor-sh/arbor/internal/config"
)

// Command hook exit codes. Anything else is treated as a hook failure,
// which logs but does not veto.
const (
	exitContinue = 0
	exitBlock    = 2
)

// CommandHandler builds a Handler that runs a shell command. The command
// receives the trigger payload as JSON on stdin. Exit 0 continues; if
// stdout parses as a JSON object with a "modify" member, that member is
// the modification record. Exit 2 blocks, with stderr as the reason.
func CommandHandler(command string) Handler {
	return func(ctx context.Context, p *Payload) (*Result, error) {
		stdin, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode hook payload: %w", err)
		}

		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Stdin = bytes.NewReader(stdin)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err = cmd.Run()
		if err == nil {
			return resultFromStdout(stdout.Bytes()), nil
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == exitBlock {
			reason := strings.TrimSpace(stderr.String())
			if reason == "" {
				reason = "blocked by hook command"
			}
			return &Result{Block: &BlockInfo{Reason: reason}}, nil
		}
		return nil, fmt.Errorf("hook command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
}

func resultFromStdout(out []byte) *Result {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return &Result{}
	}
	var parsed struct {
		Modify json.RawMessage `json:"modify"`
	}
	if json.Unmarshal(out, &parsed) == nil && len(parsed.Modify) > 0 {
		return &Result{Modify: parsed.Modify}
	}
	return &Result{}
}

// RegisterConfigured registers every command hook declared in config.
// Returns the hook ids in registration order.
func RegisterConfigured(e *Engine, entries []config.CommandHookConfig) ([]string, error) {
	ids := make([]string, 0, len(entries))
	for i, entry := range entries {
		id, err := e.Register(Hook{
			ID:       fmt.Sprintf("cmd-%d-%s", i, strings.ToLower(entry.Event)),
			Event:    Event(entry.Event),
			Matcher:  entry.Matcher,
			Priority: entry.Priority,
			Blocking: entry.Blocking,
			Timeout:  entry.Timeout,
			Handler:  CommandHandler(entry.Command),
		})
		if err != nil {
			return ids, fmt.Errorf("hooks.entries[%d]: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
