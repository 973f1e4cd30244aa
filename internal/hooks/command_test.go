package hooks

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"
	"time"

	"github.com/arbor-sh/arbor/internal/config"
)

func skipNoShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("command hooks require sh")
	}
}

func TestCommandHandler_Continue(t *testing.T) {
	skipNoShell(t)
	h := CommandHandler("exit 0")
	res, err := h(context.Background(), &Payload{SessionID: "s1", Event: PreToolUse, ToolName: "bash"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Block != nil || len(res.Modify) > 0 {
		t.Fatalf("res = %+v, want plain continue", res)
	}
}

func TestCommandHandler_BlockWithStderrReason(t *testing.T) {
	skipNoShell(t)
	h := CommandHandler(`echo "policy violation" >&2; exit 2`)
	res, err := h(context.Background(), &Payload{SessionID: "s1", Event: PreToolUse, ToolName: "bash"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Block == nil || res.Block.Reason != "policy violation" {
		t.Fatalf("res = %+v, want block with reason", res)
	}
}

func TestCommandHandler_ModifyFromStdout(t *testing.T) {
	skipNoShell(t)
	h := CommandHandler(`echo '{"modify":{"command":"echo ok"}}'`)
	res, err := h(context.Background(), &Payload{SessionID: "s1", Event: PreToolUse, ToolName: "bash"})
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Modify) != `{"command":"echo ok"}` {
		t.Fatalf("modify = %s", res.Modify)
	}
}

func TestCommandHandler_ReceivesPayloadOnStdin(t *testing.T) {
	skipNoShell(t)
	// Block with the tool name read from stdin, proving the payload
	// arrived as JSON.
	h := CommandHandler(`tool=$(cat | grep -o '"toolName":"[^"]*"'); echo "$tool" >&2; exit 2`)
	res, err := h(context.Background(), &Payload{SessionID: "s1", Event: PreToolUse, ToolName: "file_write", ToolArgs: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Block == nil || res.Block.Reason != `"toolName":"file_write"` {
		t.Fatalf("res = %+v", res)
	}
}

func TestCommandHandler_OtherExitIsError(t *testing.T) {
	skipNoShell(t)
	h := CommandHandler("exit 7")
	if _, err := h(context.Background(), &Payload{SessionID: "s1", Event: Stop}); err == nil {
		t.Fatal("exit 7 did not error")
	}
}

func TestRegisterConfigured(t *testing.T) {
	e := NewEngine(Options{})
	ids, err := RegisterConfigured(e, []config.CommandHookConfig{
		{Event: "PreToolUse", Matcher: "bash", Command: "exit 0", Priority: 5, Timeout: time.Second},
		{Event: "SessionEnd", Command: "exit 0"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v", ids)
	}
	if got := len(e.hooksFor(PreToolUse, "bash")); got != 1 {
		t.Errorf("PreToolUse hooks = %d, want 1", got)
	}
}
