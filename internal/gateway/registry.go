package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/arbor-sh/arbor/internal/rpcerr"
)

// handlerFunc executes one RPC method. Params arrive schema-validated.
type handlerFunc func(ctx context.Context, c *conn, params json.RawMessage) (any, error)

type method struct {
	schema   string
	compiled *jsonschema.Schema
	handler  handlerFunc
}

// buildRegistry binds every method name to its schema and handler.
func (s *Server) buildRegistry() map[string]*method {
	reg := make(map[string]*method)
	add := func(name, schema string, h handlerFunc) {
		reg[name] = &method{schema: schema, handler: h}
	}

	add("session.create", schemaSessionCreate, s.sessionCreate)
	add("session.resume", schemaSessionOnly, s.sessionResume)
	add("session.list", schemaSessionList, s.sessionList)
	add("session.delete", schemaSessionOnly, s.sessionDelete)
	add("session.fork", schemaSessionFork, s.sessionFork)
	add("session.switchModel", schemaSwitchModel, s.sessionSwitchModel)

	add("agent.prompt", schemaAgentPrompt, s.agentPrompt)
	add("agent.abort", schemaSessionOnly, s.agentAbort)
	add("agent.getState", schemaSessionOnly, s.agentGetState)

	add("events.getHistory", schemaSessionOnly, s.eventsGetHistory)
	add("events.getSince", schemaEventsGetSince, s.eventsGetSince)
	add("events.append", schemaEventsAppend, s.eventsAppend)
	add("events.subscribe", schemaEventsSubscribe, s.eventsSubscribe)
	add("events.unsubscribe", schemaEventsUnsubscribe, s.eventsUnsubscribe)

	add("context.getSnapshot", schemaSessionOnly, s.contextGetSnapshot)
	add("context.getDetailedSnapshot", schemaSessionOnly, s.contextGetDetailedSnapshot)
	add("context.shouldCompact", schemaSessionOnly, s.contextShouldCompact)
	add("context.previewCompaction", schemaSessionOnly, s.contextPreviewCompaction)
	add("context.confirmCompaction", schemaSessionOnly, s.contextConfirmCompaction)
	add("context.canAcceptTurn", schemaCanAcceptTurn, s.contextCanAcceptTurn)
	add("context.clear", schemaContextClear, s.contextClear)

	add("tree.getVisualization", schemaSessionOnly, s.treeGetVisualization)
	add("tree.getBranches", schemaSessionOnly, s.treeGetBranches)
	add("tree.getSubtree", schemaEventOnly, s.treeGetSubtree)
	add("tree.getAncestors", schemaEventOnly, s.treeGetAncestors)

	add("search.content", schemaSearchContent, s.searchContent)
	add("search.events", schemaSearchEvents, s.searchEvents)

	add("message.delete", schemaMessageDelete, s.messageDelete)

	add("skill.list", schemaEmpty, s.skillList)
	add("skill.get", schemaNameOnly, s.skillGet)
	add("skill.refresh", schemaEmpty, s.skillRefresh)
	add("skill.remove", schemaNameOnly, s.skillRemove)

	add("worktree.getStatus", schemaSessionOnly, s.worktreeGetStatus)
	add("worktree.commit", schemaWorktreeCommit, s.worktreeCommit)
	add("worktree.merge", schemaSessionOnly, s.worktreeMerge)
	add("worktree.list", schemaEmpty, s.worktreeList)

	add("memory.search", schemaMemorySearch, s.memorySearch)
	add("memory.addEntry", schemaMemoryAddEntry, s.memoryAddEntry)
	add("memory.getHandoffs", schemaSessionOnly, s.memoryGetHandoffs)

	add("todo.list", schemaSessionOnly, s.todoList)
	add("todo.getSummary", schemaSessionOnly, s.todoGetSummary)
	add("todo.getBacklog", schemaSessionOnly, s.todoGetBacklog)
	add("todo.restore", schemaTodoRestore, s.todoRestore)
	add("todo.getBacklogCount", schemaSessionOnly, s.todoGetBacklogCount)

	add("filesystem.listDir", schemaPathOnly, s.filesystemListDir)
	add("filesystem.getHome", schemaEmpty, s.filesystemGetHome)
	add("filesystem.createDir", schemaPathOnly, s.filesystemCreateDir)
	add("file.read", schemaPathOnly, s.fileRead)
	add("git.clone", schemaGitClone, s.gitClone)

	add("transcribe.audio", schemaTranscribeAudio, s.transcribeAudio)
	add("transcribe.listModels", schemaEmpty, s.transcribeListModels)

	add("sandbox.listContainers", schemaEmpty, s.sandboxListContainers)
	add("sandbox.stopContainer", schemaContainerOnly, s.sandboxStopContainer)
	add("sandbox.startContainer", schemaContainerOnly, s.sandboxStartContainer)
	add("sandbox.killContainer", schemaContainerOnly, s.sandboxKillContainer)

	add("tool.result", schemaToolResult, s.toolResult)

	add("client.identify", schemaClientIdentify, s.clientIdentify)
	add("client.list", schemaEmpty, s.clientList)

	add("system.ping", schemaEmpty, s.systemPing)
	add("system.getInfo", schemaEmpty, s.systemGetInfo)

	return reg
}

// compile builds every method schema exactly once. Schemas are static
// strings, so a failure is a programming error surfaced on first use.
func (s *Server) compile() error {
	s.compileOnce.Do(func() {
		for name, m := range s.methods {
			compiler := jsonschema.NewCompiler()
			url := "rpc://" + name + "/params.json"
			if err := compiler.AddResource(url, bytes.NewReader([]byte(m.schema))); err != nil {
				s.compileErr = fmt.Errorf("gateway: schema %s: %w", name, err)
				return
			}
			compiled, err := compiler.Compile(url)
			if err != nil {
				s.compileErr = fmt.Errorf("gateway: schema %s: %w", name, err)
				return
			}
			m.compiled = compiled
		}
	})
	return s.compileErr
}

// dispatch validates and runs one request, producing its response
// frame. Handler errors cross the wire through rpcerr.From so internal
// detail never leaks.
func (s *Server) dispatch(ctx context.Context, c *conn, req reqFrame) resFrame {
	if req.ID == "" {
		return errFrame(req.ID, rpcerr.New(rpcerr.CodeInvalidParams, "request id is required"))
	}
	if req.Method == "" {
		return errFrame(req.ID, rpcerr.New(rpcerr.CodeInvalidParams, "method is required"))
	}
	m, ok := s.methods[req.Method]
	if !ok {
		return errFrame(req.ID, rpcerr.Newf(rpcerr.CodeNotFound, "unknown method %q", req.Method))
	}
	if err := s.compile(); err != nil {
		s.log.Error(ctx, "schema compile failed", "error", err)
		return errFrame(req.ID, err)
	}
	if err := validateParams(m.compiled, req.Params); err != nil {
		return errFrame(req.ID, rpcerr.Wrap(err, rpcerr.CodeInvalidParams, "params do not match the method schema"))
	}

	payload, err := m.handler(ctx, c, req.Params)
	if err != nil {
		s.log.Debug(ctx, "method failed", "method", req.Method, "error", err)
		return errFrame(req.ID, err)
	}
	return okFrame(req.ID, payload)
}

func validateParams(schema *jsonschema.Schema, params json.RawMessage) error {
	if len(params) == 0 {
		params = []byte("{}")
	}
	var decoded any
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return fmt.Errorf("params are not valid JSON: %w", err)
	}
	return schema.Validate(decoded)
}
