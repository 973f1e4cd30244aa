package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/arbor-sh/arbor/internal/memory"
	"github.com/arbor-sh/arbor/internal/rpcerr"
	"github.com/arbor-sh/arbor/internal/todos"
	"github.com/arbor-sh/arbor/internal/worktree"
)

// notAvailable answers methods whose backing component was not wired.
func notAvailable(what string) error {
	return rpcerr.Newf(rpcerr.CodeNotAvailable, "%s is not configured", what)
}

func (s *Server) skillList(ctx context.Context, _ *conn, _ json.RawMessage) (any, error) {
	if s.deps.Skills == nil {
		return nil, notAvailable("skills")
	}
	return map[string]any{"skills": s.deps.Skills.List()}, nil
}

func (s *Server) skillGet(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	if s.deps.Skills == nil {
		return nil, notAvailable("skills")
	}
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	skill, err := s.deps.Skills.Get(p.Name)
	if err != nil {
		return nil, rpcerr.Wrap(err, rpcerr.CodeNotFound, "unknown skill")
	}
	return skill, nil
}

func (s *Server) skillRefresh(ctx context.Context, _ *conn, _ json.RawMessage) (any, error) {
	if s.deps.Skills == nil {
		return nil, notAvailable("skills")
	}
	if err := s.deps.Skills.Refresh(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"skills": s.deps.Skills.List()}, nil
}

func (s *Server) skillRemove(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	if s.deps.Skills == nil {
		return nil, notAvailable("skills")
	}
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := s.deps.Skills.Remove(p.Name); err != nil {
		return nil, rpcerr.Wrap(err, rpcerr.CodeNotFound, "unknown skill")
	}
	return map[string]any{"removed": true}, nil
}

func wrapWorktreeErr(err error) error {
	if errors.Is(err, worktree.ErrNoWorktree) {
		return rpcerr.Wrap(err, rpcerr.CodeNotFound, "session has no worktree")
	}
	return err
}

func (s *Server) worktreeGetStatus(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	if s.deps.Worktrees == nil {
		return nil, notAvailable("worktrees")
	}
	var p sessionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	status, err := s.deps.Worktrees.GetStatus(ctx, p.SessionID)
	if err != nil {
		return nil, wrapWorktreeErr(err)
	}
	return status, nil
}

func (s *Server) worktreeCommit(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	if s.deps.Worktrees == nil {
		return nil, notAvailable("worktrees")
	}
	var p struct {
		SessionID string `json:"sessionId"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	hash, err := s.deps.Worktrees.Commit(ctx, p.SessionID, p.Message)
	if err != nil {
		return nil, wrapWorktreeErr(err)
	}
	return map[string]any{"commit": hash}, nil
}

func (s *Server) worktreeMerge(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	if s.deps.Worktrees == nil {
		return nil, notAvailable("worktrees")
	}
	var p sessionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	hash, err := s.deps.Worktrees.Merge(ctx, p.SessionID)
	if err != nil {
		return nil, wrapWorktreeErr(err)
	}
	return map[string]any{"commit": hash}, nil
}

func (s *Server) worktreeList(ctx context.Context, _ *conn, _ json.RawMessage) (any, error) {
	if s.deps.Worktrees == nil {
		return nil, notAvailable("worktrees")
	}
	return map[string]any{"worktrees": s.deps.Worktrees.List()}, nil
}

func (s *Server) memorySearch(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	if s.deps.Memory == nil {
		return nil, notAvailable("memory")
	}
	var p struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	results, err := s.deps.Memory.Search(ctx, p.Query, p.Limit)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []memory.SearchResult{}
	}
	return map[string]any{"results": results}, nil
}

func (s *Server) memoryAddEntry(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	if s.deps.Memory == nil {
		return nil, notAvailable("memory")
	}
	var p struct {
		Content   string   `json:"content"`
		SessionID string   `json:"sessionId"`
		Kind      string   `json:"kind"`
		Tags      []string `json:"tags"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return s.deps.Memory.AddEntry(ctx, memory.Entry{
		SessionID: p.SessionID,
		Kind:      p.Kind,
		Content:   p.Content,
		Tags:      p.Tags,
	})
}

func (s *Server) memoryGetHandoffs(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	if s.deps.Memory == nil {
		return nil, notAvailable("memory")
	}
	var p sessionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	handoffs, err := s.deps.Memory.GetHandoffs(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if handoffs == nil {
		handoffs = []memory.Entry{}
	}
	return map[string]any{"handoffs": handoffs}, nil
}

func (s *Server) todoList(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	if s.deps.Todos == nil {
		return nil, notAvailable("todos")
	}
	var p sessionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	items, err := s.deps.Todos.List(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"todos": items}, nil
}

func (s *Server) todoGetSummary(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	if s.deps.Todos == nil {
		return nil, notAvailable("todos")
	}
	var p sessionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return s.deps.Todos.GetSummary(ctx, p.SessionID)
}

func (s *Server) todoGetBacklog(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	if s.deps.Todos == nil {
		return nil, notAvailable("todos")
	}
	var p sessionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	backlog, err := s.deps.Todos.GetBacklog(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"backlog": backlog}, nil
}

func (s *Server) todoRestore(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	if s.deps.Todos == nil {
		return nil, notAvailable("todos")
	}
	var p struct {
		SessionID string `json:"sessionId"`
		BacklogID int64  `json:"backlogId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	todo, err := s.deps.Todos.Restore(ctx, p.SessionID, p.BacklogID)
	if errors.Is(err, todos.ErrBacklogEntryNotFound) {
		return nil, rpcerr.Wrap(err, rpcerr.CodeNotFound, "backlog entry not found")
	}
	if err != nil {
		return nil, err
	}
	return todo, nil
}

func (s *Server) todoGetBacklogCount(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	if s.deps.Todos == nil {
		return nil, notAvailable("todos")
	}
	var p sessionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	count, err := s.deps.Todos.GetBacklogCount(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": count}, nil
}
