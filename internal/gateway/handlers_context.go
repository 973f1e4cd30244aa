package gateway

import (
	"context"
	"encoding/json"
)

func (s *Server) contextGetSnapshot(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p sessionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return s.deps.Context.Snapshot(ctx, p.SessionID)
}

func (s *Server) contextGetDetailedSnapshot(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p sessionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return s.deps.Context.DetailedSnapshot(ctx, p.SessionID)
}

func (s *Server) contextShouldCompact(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p sessionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	should, err := s.deps.Context.ShouldCompact(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"shouldCompact": should}, nil
}

func (s *Server) contextPreviewCompaction(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p sessionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return s.deps.Context.PreviewCompaction(ctx, p.SessionID)
}

// contextConfirmCompaction goes through the orchestrator rather than
// the manager directly so the session sits in the compacting state and
// rejects prompts while the summary call is in flight.
func (s *Server) contextConfirmCompaction(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p sessionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return s.deps.Orchestrator.Compact(ctx, p.SessionID)
}

func (s *Server) contextCanAcceptTurn(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID               string `json:"sessionId"`
		EstimatedResponseTokens int    `json:"estimatedResponseTokens"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return s.deps.Context.CanAcceptTurn(ctx, p.SessionID, p.EstimatedResponseTokens)
}

func (s *Server) contextClear(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return s.deps.Context.Clear(ctx, p.SessionID, p.Reason)
}
