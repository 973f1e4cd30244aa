package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/arbor-sh/arbor/internal/rpcerr"
	"github.com/arbor-sh/arbor/internal/sandbox"
	"github.com/arbor-sh/arbor/internal/transcribe"
)

func (s *Server) systemPing(_ context.Context, _ *conn, _ json.RawMessage) (any, error) {
	return map[string]any{"pong": true, "time": time.Now().UTC()}, nil
}

func (s *Server) systemGetInfo(ctx context.Context, _ *conn, _ json.RawMessage) (any, error) {
	methods := make([]string, 0, len(s.methods))
	for name := range s.methods {
		methods = append(methods, name)
	}
	sort.Strings(methods)

	sessions := 0
	if infos, err := s.deps.Store.ListSessions(ctx); err == nil {
		sessions = len(infos)
	}
	return map[string]any{
		"version":   s.deps.Version,
		"commit":    s.deps.Commit,
		"startedAt": s.started,
		"uptime":    time.Since(s.started).String(),
		"sessions":  sessions,
		"methods":   methods,
	}, nil
}

func (s *Server) clientIdentify(_ context.Context, c *conn, raw json.RawMessage) (any, error) {
	var info ClientInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, err
	}
	c.setClientInfo(info)
	return map[string]any{"identified": true}, nil
}

func (s *Server) clientList(_ context.Context, _ *conn, _ json.RawMessage) (any, error) {
	clients := s.connClients()
	sort.Slice(clients, func(i, j int) bool { return clients[i].Name < clients[j].Name })
	return map[string]any{"clients": clients}, nil
}

func (s *Server) toolResult(_ context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var res ClientToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	if err := s.bridge.Resolve(res); err != nil {
		return nil, err
	}
	return map[string]any{"accepted": true}, nil
}

func (s *Server) transcribeAudio(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	if s.deps.Transcriber == nil {
		return nil, notAvailable("transcription")
	}
	var p struct {
		Audio    string `json:"audio"`
		MimeType string `json:"mimeType"`
		Language string `json:"language"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if !transcribe.IsSupportedMimeType(p.MimeType) {
		return nil, rpcerr.Newf(rpcerr.CodeInvalidParams, "unsupported mime type %q", p.MimeType)
	}
	audio, err := base64.StdEncoding.DecodeString(p.Audio)
	if err != nil {
		return nil, rpcerr.Wrap(err, rpcerr.CodeInvalidParams, "audio is not valid base64")
	}
	text, err := s.deps.Transcriber.Transcribe(ctx, bytes.NewReader(audio), p.MimeType, p.Language)
	if errors.Is(err, transcribe.ErrAudioTooLarge) {
		return nil, rpcerr.Wrap(err, rpcerr.CodeInvalidParams, "audio exceeds the size limit")
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"text": text}, nil
}

func (s *Server) transcribeListModels(_ context.Context, _ *conn, _ json.RawMessage) (any, error) {
	if s.deps.Transcriber == nil {
		return nil, notAvailable("transcription")
	}
	return map[string]any{"models": s.deps.Transcriber.ListModels()}, nil
}

func wrapSandboxErr(err error) error {
	switch {
	case errors.Is(err, sandbox.ErrContainerNotFound):
		return rpcerr.Wrap(err, rpcerr.CodeNotFound, "container not found")
	case errors.Is(err, sandbox.ErrAlreadyRunning), errors.Is(err, sandbox.ErrNotRunning):
		return rpcerr.Wrap(err, rpcerr.CodeInvalidOperation, err.Error())
	default:
		return err
	}
}

func (s *Server) sandboxListContainers(_ context.Context, _ *conn, _ json.RawMessage) (any, error) {
	if s.deps.Sandbox == nil {
		return nil, notAvailable("sandbox")
	}
	return map[string]any{"containers": s.deps.Sandbox.List()}, nil
}

type containerParams struct {
	ContainerID string `json:"containerId"`
}

func (s *Server) sandboxStopContainer(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	if s.deps.Sandbox == nil {
		return nil, notAvailable("sandbox")
	}
	var p containerParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	c, err := s.deps.Sandbox.Stop(ctx, p.ContainerID)
	if err != nil {
		return nil, wrapSandboxErr(err)
	}
	return c, nil
}

func (s *Server) sandboxStartContainer(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	if s.deps.Sandbox == nil {
		return nil, notAvailable("sandbox")
	}
	var p containerParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	c, err := s.deps.Sandbox.Start(ctx, p.ContainerID)
	if err != nil {
		return nil, wrapSandboxErr(err)
	}
	return c, nil
}

func (s *Server) sandboxKillContainer(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	if s.deps.Sandbox == nil {
		return nil, notAvailable("sandbox")
	}
	var p containerParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	c, err := s.deps.Sandbox.Kill(ctx, p.ContainerID)
	if err != nil {
		return nil, wrapSandboxErr(err)
	}
	return c, nil
}

// dirEntry is one row of filesystem.listDir.
type dirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

// maxDirEntries caps listDir output so a huge directory cannot blow the
// frame budget.
const maxDirEntries = 2000

func (s *Server) filesystemListDir(_ context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	path, err := s.resolvePath(p.Path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, rpcerr.Wrap(err, rpcerr.CodeNotFound, "cannot read directory")
	}
	out := make([]dirEntry, 0, len(entries))
	truncated := false
	for _, e := range entries {
		if len(out) == maxDirEntries {
			truncated = true
			break
		}
		var size int64
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		out = append(out, dirEntry{Name: e.Name(), IsDir: e.IsDir(), Size: size})
	}
	return map[string]any{"path": path, "entries": out, "truncated": truncated}, nil
}

func (s *Server) filesystemGetHome(_ context.Context, _ *conn, _ json.RawMessage) (any, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": home}, nil
}

func (s *Server) filesystemCreateDir(_ context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	path, err := s.resolvePath(p.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "created": true}, nil
}

// maxFileReadBytes caps file.read content so one response stays well
// inside the frame budget.
const maxFileReadBytes = 512 * 1024

func (s *Server) fileRead(_ context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	path, err := s.resolvePath(p.Path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, rpcerr.Wrap(err, rpcerr.CodeNotFound, "cannot open file")
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, rpcerr.New(rpcerr.CodeInvalidOperation, "path is a directory")
	}
	buf := make([]byte, maxFileReadBytes)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return map[string]any{
		"path":      path,
		"content":   string(buf[:n]),
		"size":      info.Size(),
		"truncated": info.Size() > int64(n),
	}, nil
}

// resolvePath anchors relative paths in the workspace root and, when a
// root is configured, refuses escapes from it.
func (s *Server) resolvePath(path string) (string, error) {
	root := s.deps.WorkspaceRoot
	if !filepath.IsAbs(path) {
		if root == "" {
			return "", rpcerr.New(rpcerr.CodeInvalidParams, "relative paths need a configured workspace root")
		}
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)
	if root != "" {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", rpcerr.New(rpcerr.CodePermissionDenied, "path escapes the workspace root")
		}
	}
	return path, nil
}

// gitProgressEvent is the shape of the ephemeral progress frames
// git.clone streams to the calling socket. These never touch the store.
type gitProgressEvent struct {
	Type string `json:"type"`
	Line string `json:"line"`
}

func (s *Server) gitClone(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p struct {
		URL  string `json:"url"`
		Path string `json:"path"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	dest, err := s.resolvePath(p.Path)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "git", "clone", "--progress", p.URL, dest)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	// git writes progress to stderr; forward each line to the caller.
	var lastLine string
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		lastLine = scanner.Text()
		c.sendEvent("", gitProgressEvent{Type: "git.progress", Line: lastLine}, false, 0)
	}
	if err := cmd.Wait(); err != nil {
		return nil, rpcerr.Newf(rpcerr.CodeInvalidOperation, "git clone failed: %s", lastLine)
	}
	return map[string]any{"path": dest, "cloned": true}, nil
}
