package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/arbor-sh/arbor/internal/config"
	"github.com/arbor-sh/arbor/internal/events"
	"github.com/arbor-sh/arbor/pkg/models"
)

func testOpts(t *testing.T) Options {
	t.Helper()
	return Options{WorkingDirectory: t.TempDir(), TerminateGrace: time.Second}
}

func skipNoShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("bash built-in requires sh")
	}
}

func run(t *testing.T, tool Tool, params string, opts Options) *Result {
	t.Helper()
	res, err := tool.Execute(context.Background(), json.RawMessage(params), opts)
	if err != nil {
		t.Fatalf("%s: %v", tool.Name(), err)
	}
	return res
}

func TestBash_RunsCommand(t *testing.T) {
	skipNoShell(t)
	tool := NewBashTool(config.BashToolConfig{})
	res := run(t, tool, `{"command":"echo hello"}`, testOpts(t))
	if res.IsError || !strings.Contains(res.Content, "hello") {
		t.Fatalf("res = %+v", res)
	}
	if res.Details["exitCode"] != 0 {
		t.Errorf("exitCode = %v", res.Details["exitCode"])
	}
}

func TestBash_NonZeroExitIsErrorResult(t *testing.T) {
	skipNoShell(t)
	tool := NewBashTool(config.BashToolConfig{})
	res := run(t, tool, `{"command":"echo oops >&2; exit 3"}`, testOpts(t))
	if !res.IsError || res.Details["exitCode"] != 3 {
		t.Fatalf("res = %+v", res)
	}
	if !strings.Contains(res.Content, "oops") {
		t.Errorf("stderr not captured: %q", res.Content)
	}
}

func TestBash_OutputTruncated(t *testing.T) {
	skipNoShell(t)
	tool := NewBashTool(config.BashToolConfig{MaxOutputBytes: 64})
	res := run(t, tool, `{"command":"yes x | head -c 4096"}`, testOpts(t))
	if res.Details["truncated"] != true {
		t.Fatalf("res = %+v", res)
	}
	if !strings.Contains(res.Content, "output truncated") {
		t.Errorf("content = %q", res.Content)
	}
}

func TestBash_TimeoutReturnsPartialOutput(t *testing.T) {
	skipNoShell(t)
	tool := NewBashTool(config.BashToolConfig{})
	opts := testOpts(t)
	opts.TerminateGrace = 200 * time.Millisecond
	res := run(t, tool, `{"command":"echo partial; sleep 30","timeout_seconds":1}`, opts)
	if !res.IsError || res.Details["timedOut"] != true {
		t.Fatalf("res = %+v", res)
	}
	if partial, _ := res.Details["partialContent"].(string); !strings.Contains(partial, "partial") {
		t.Errorf("partial output lost: %v", res.Details)
	}
}

func TestBash_RunsInWorkingDirectory(t *testing.T) {
	skipNoShell(t)
	tool := NewBashTool(config.BashToolConfig{})
	opts := testOpts(t)
	res := run(t, tool, `{"command":"pwd"}`, opts)
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(res.Content))
	want, _ := filepath.EvalSymlinks(opts.WorkingDirectory)
	if got != want {
		t.Errorf("pwd = %s, want %s", got, want)
	}
}

func TestBash_Background(t *testing.T) {
	skipNoShell(t)
	tool := NewBashTool(config.BashToolConfig{})
	opts := testOpts(t)
	res := run(t, tool, `{"command":"echo bg-done","background":true}`, opts)
	if res.IsError {
		t.Fatalf("res = %+v", res)
	}
	logPath, _ := res.Details["logPath"].(string)
	if logPath == "" {
		t.Fatalf("details = %v", res.Details)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		data, err := os.ReadFile(logPath)
		if err == nil && strings.Contains(string(data), "bg-done") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("log never appeared: %v (%s)", err, data)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type sinkRecorder struct {
	types    []events.Type
	payloads []any
}

func (s *sinkRecorder) sink(_ context.Context, t events.Type, payload any) {
	s.types = append(s.types, t)
	s.payloads = append(s.payloads, payload)
}

func TestFileWriteReadEdit_RoundTrip(t *testing.T) {
	opts := testOpts(t)
	rec := &sinkRecorder{}

	write := NewFileWriteTool(rec.sink)
	res := run(t, write, `{"path":"notes/a.txt","content":"alpha\nbeta\ngamma\n"}`, opts)
	if res.IsError {
		t.Fatalf("write: %+v", res)
	}

	read := NewFileReadTool(config.FileToolConfig{}, rec.sink)
	res = run(t, read, `{"path":"notes/a.txt"}`, opts)
	if res.IsError || !strings.Contains(res.Content, "2\tbeta") {
		t.Fatalf("read: %+v", res)
	}

	edit := NewFileEditTool(rec.sink)
	res = run(t, edit, `{"path":"notes/a.txt","old_string":"beta","new_string":"delta"}`, opts)
	if res.IsError {
		t.Fatalf("edit: %+v", res)
	}
	data, err := os.ReadFile(filepath.Join(opts.WorkingDirectory, "notes/a.txt"))
	if err != nil || !strings.Contains(string(data), "delta") {
		t.Fatalf("file = %q, %v", data, err)
	}

	want := []events.Type{events.TypeFileWrite, events.TypeFileRead, events.TypeFileEdit}
	if len(rec.types) != len(want) {
		t.Fatalf("events = %v", rec.types)
	}
	for i := range want {
		if rec.types[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, rec.types[i], want[i])
		}
	}
}

func TestFileRead_OffsetAndLimit(t *testing.T) {
	opts := testOpts(t)
	content := "one\ntwo\nthree\nfour\nfive\n"
	if err := os.WriteFile(filepath.Join(opts.WorkingDirectory, "f.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	read := NewFileReadTool(config.FileToolConfig{}, nil)
	res := run(t, read, `{"path":"f.txt","offset":2,"limit":2}`, opts)
	if res.IsError {
		t.Fatalf("res = %+v", res)
	}
	if !strings.Contains(res.Content, "two") || !strings.Contains(res.Content, "three") {
		t.Errorf("content = %q", res.Content)
	}
	if strings.Contains(res.Content, "one") || strings.Contains(res.Content, "four") {
		t.Errorf("window leaked: %q", res.Content)
	}
}

func TestFiles_TraversalGuard(t *testing.T) {
	opts := testOpts(t)
	for _, params := range []string{
		`{"path":"../escape.txt","content":"x"}`,
		`{"path":"a/../../escape.txt","content":"x"}`,
	} {
		res := run(t, NewFileWriteTool(nil), params, opts)
		if !res.IsError || !strings.Contains(res.Content, "escapes") {
			t.Errorf("params %s: res = %+v", params, res)
		}
	}
	// Absolute path inside the workspace is fine.
	inside := filepath.Join(opts.WorkingDirectory, "ok.txt")
	res := run(t, NewFileWriteTool(nil), `{"path":"`+inside+`","content":"x"}`, opts)
	if res.IsError {
		t.Errorf("absolute inside path rejected: %+v", res)
	}
}

func TestFileEdit_RequiresUniqueMatch(t *testing.T) {
	opts := testOpts(t)
	path := filepath.Join(opts.WorkingDirectory, "f.txt")
	if err := os.WriteFile(path, []byte("dup dup dup"), 0o644); err != nil {
		t.Fatal(err)
	}
	edit := NewFileEditTool(nil)

	res := run(t, edit, `{"path":"f.txt","old_string":"dup","new_string":"solo"}`, opts)
	if !res.IsError || !strings.Contains(res.Content, "3 times") {
		t.Fatalf("res = %+v", res)
	}
	res = run(t, edit, `{"path":"f.txt","old_string":"dup","new_string":"solo","replace_all":true}`, opts)
	if res.IsError || res.Details["replacements"] != 3 {
		t.Fatalf("res = %+v", res)
	}
	res = run(t, edit, `{"path":"f.txt","old_string":"missing","new_string":"x"}`, opts)
	if !res.IsError || !strings.Contains(res.Content, "not found") {
		t.Fatalf("res = %+v", res)
	}
}

func TestGrep_FindsMatches(t *testing.T) {
	opts := testOpts(t)
	mustWrite := func(rel, content string) {
		t.Helper()
		path := filepath.Join(opts.WorkingDirectory, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite("src/a.go", "package a\nfunc Handler() {}\n")
	mustWrite("src/b.txt", "handler here too\n")
	mustWrite(".git/config", "Handler should never match\n")

	grep := NewGrepTool()
	res := run(t, grep, `{"pattern":"Handler","glob":"*.go"}`, opts)
	if res.IsError {
		t.Fatalf("res = %+v", res)
	}
	if !strings.Contains(res.Content, "src/a.go:2:") {
		t.Errorf("content = %q", res.Content)
	}
	if strings.Contains(res.Content, "b.txt") || strings.Contains(res.Content, ".git") {
		t.Errorf("filter leaked: %q", res.Content)
	}

	res = run(t, grep, `{"pattern":"handler","case_insensitive":true}`, opts)
	if !strings.Contains(res.Content, "b.txt") {
		t.Errorf("case-insensitive miss: %q", res.Content)
	}

	res = run(t, grep, `{"pattern":"no_such_symbol_anywhere"}`, opts)
	if res.Content != "No matches found." {
		t.Errorf("content = %q", res.Content)
	}
}

func TestLs_ListsEntries(t *testing.T) {
	opts := testOpts(t)
	if err := os.MkdirAll(filepath.Join(opts.WorkingDirectory, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(opts.WorkingDirectory, "file.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	res := run(t, NewLsTool(), `{}`, opts)
	if res.IsError {
		t.Fatalf("res = %+v", res)
	}
	if !strings.Contains(res.Content, "sub/") || !strings.Contains(res.Content, "file.txt") {
		t.Errorf("content = %q", res.Content)
	}
}

func TestTodoWrite(t *testing.T) {
	var stored []models.Todo
	rec := &sinkRecorder{}
	tool := NewTodoWriteTool(func(_ context.Context, _ string, todos []models.Todo) error {
		stored = todos
		return nil
	}, rec.sink)

	res := run(t, tool, `{"todos":[
		{"content":"write tests","status":"in_progress"},
		{"content":"ship","status":"pending"}
	]}`, testOpts(t))
	if res.IsError {
		t.Fatalf("res = %+v", res)
	}
	if len(stored) != 2 || stored[0].ID == "" {
		t.Fatalf("stored = %+v", stored)
	}
	if len(rec.types) != 1 || rec.types[0] != events.TypeTodoWrite {
		t.Errorf("events = %v", rec.types)
	}

	res = run(t, tool, `{"todos":[
		{"content":"a","status":"in_progress"},
		{"content":"b","status":"in_progress"}
	]}`, testOpts(t))
	if !res.IsError {
		t.Fatalf("double in_progress accepted: %+v", res)
	}
}
