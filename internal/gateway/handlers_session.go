package gateway

import (
	"context"
	"encoding/json"

	"github.com/arbor-sh/arbor/internal/orchestrator"
)

type sessionParams struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) sessionCreate(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p orchestrator.CreateParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return s.deps.Orchestrator.Create(ctx, p)
}

func (s *Server) sessionResume(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p sessionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return s.deps.Orchestrator.Resume(ctx, p.SessionID)
}

func (s *Server) sessionList(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p struct {
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	sessions, total, err := s.deps.Orchestrator.List(ctx, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessions": sessions, "total": total}, nil
}

func (s *Server) sessionDelete(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p sessionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := s.deps.Orchestrator.Delete(ctx, p.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true}, nil
}

func (s *Server) sessionFork(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		AtEventID string `json:"atEventId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return s.deps.Orchestrator.Fork(ctx, p.SessionID, p.AtEventID)
}

func (s *Server) sessionSwitchModel(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		Model     string `json:"model"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := s.deps.Orchestrator.SwitchModel(ctx, p.SessionID, p.Model); err != nil {
		return nil, err
	}
	return map[string]any{"model": p.Model}, nil
}

func (s *Server) agentPrompt(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID       string `json:"sessionId"`
		Prompt          string `json:"prompt"`
		ReasoningEffort string `json:"reasoningEffort"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return s.deps.Orchestrator.Prompt(ctx, p.SessionID, p.Prompt, orchestrator.PromptParams{
		ReasoningEffort: p.ReasoningEffort,
	})
}

func (s *Server) agentAbort(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p sessionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := s.deps.Orchestrator.Abort(ctx, p.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"aborted": true}, nil
}

func (s *Server) agentGetState(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p sessionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return s.deps.Orchestrator.GetState(ctx, p.SessionID)
}
