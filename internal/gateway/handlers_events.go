package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/arbor-sh/arbor/internal/events"
	"github.com/arbor-sh/arbor/internal/rpcerr"
)

func (s *Server) eventsGetHistory(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p sessionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	history, err := s.deps.Store.GetHistory(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": history}, nil
}

func (s *Server) eventsGetSince(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID    string `json:"sessionId"`
		AfterEventID string `json:"afterEventId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	evs, err := s.deps.Store.GetSince(ctx, p.SessionID, p.AfterEventID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": evs}, nil
}

func (s *Server) eventsAppend(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string          `json:"sessionId"`
		EventType string          `json:"eventType"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	t := events.Type(p.EventType)
	if !events.ValidType(t) {
		return nil, rpcerr.Newf(rpcerr.CodeInvalidParams, "unknown event type %q", p.EventType)
	}
	ev, err := s.deps.Router.Append(ctx, p.SessionID, t, p.Payload)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *Server) eventsSubscribe(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID    string `json:"sessionId"`
		AfterEventID string `json:"afterEventId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}

	// Register on the bus before catching up so nothing appended in
	// between is missed; the forwarder dedupes the overlap by id.
	busID, ch, err := s.deps.Orchestrator.Subscribe(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}

	lastID := ""
	caughtUp := 0
	if p.AfterEventID != "" {
		catchup, err := s.deps.Store.GetSince(ctx, p.SessionID, p.AfterEventID)
		if err != nil {
			s.deps.Orchestrator.Unsubscribe(p.SessionID, busID)
			return nil, err
		}
		for _, ev := range catchup {
			c.sendEvent(p.SessionID, ev, false, 0)
			lastID = ev.ID
		}
		caughtUp = len(catchup)
	}

	sub := c.addSubscription(p.SessionID, busID)
	go c.forward(sub, ch, lastID)
	return map[string]any{"subscriptionId": sub.id, "caughtUp": caughtUp}, nil
}

func (s *Server) eventsUnsubscribe(ctx context.Context, c *conn, raw json.RawMessage) (any, error) {
	var p struct {
		SubscriptionID string `json:"subscriptionId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if !c.removeSubscription(p.SubscriptionID) {
		return nil, rpcerr.Newf(rpcerr.CodeNotFound, "unknown subscription %q", p.SubscriptionID)
	}
	return map[string]any{"unsubscribed": true}, nil
}

// deletableTypes are the event types message.delete may target.
var deletableTypes = map[events.Type]struct{}{
	events.TypeMessageUser:      {},
	events.TypeMessageAssistant: {},
	events.TypeToolResult:       {},
}

func (s *Server) messageDelete(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID     string `json:"sessionId"`
		TargetEventID string `json:"targetEventId"`
		Reason        string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	target, err := s.deps.Store.Get(ctx, p.TargetEventID)
	if err != nil {
		return nil, err
	}
	if _, ok := deletableTypes[target.Type]; !ok {
		return nil, rpcerr.Newf(rpcerr.CodeInvalidOperation,
			"cannot delete a %s event", target.Type)
	}
	// The target must sit on this session's lineage. A fork's lineage
	// includes pre-fork events owned by the parent session, so this is
	// a history-membership check, not a SessionID comparison.
	history, err := s.deps.Store.GetHistory(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	onLineage := false
	for _, ev := range history {
		if ev.ID == p.TargetEventID {
			onLineage = true
			break
		}
	}
	if !onLineage {
		return nil, rpcerr.Newf(rpcerr.CodeNotFound,
			"event %s is not on the session's lineage", p.TargetEventID)
	}
	ev, err := s.deps.Router.Append(ctx, p.SessionID, events.TypeMessageDeleted,
		events.MessageDeletedPayload{TargetID: p.TargetEventID})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// treeNode is one event in the visualization, annotated with its place
// in the tree.
type treeNode struct {
	ID          string      `json:"id"`
	ParentID    string      `json:"parentId,omitempty"`
	Type        events.Type `json:"type"`
	Timestamp   time.Time   `json:"timestamp"`
	Children    int         `json:"children"`
	BranchPoint bool        `json:"branchPoint"`
	OnLineage   bool        `json:"onLineage"`
}

func (s *Server) treeGetVisualization(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p sessionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	history, err := s.deps.Store.GetHistory(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, events.ErrSessionNotFound
	}
	lineage := make(map[string]struct{}, len(history))
	for _, ev := range history {
		lineage[ev.ID] = struct{}{}
	}
	all, err := s.deps.Store.Subtree(ctx, history[0].ID)
	if err != nil {
		return nil, err
	}

	children := make(map[string][]*events.Event)
	for _, ev := range all {
		children[ev.ParentID] = append(children[ev.ParentID], ev)
	}
	nodes := make([]treeNode, 0, len(all))
	for _, ev := range all {
		kids := len(children[ev.ID])
		_, onLineage := lineage[ev.ID]
		nodes = append(nodes, treeNode{
			ID:          ev.ID,
			ParentID:    ev.ParentID,
			Type:        ev.Type,
			Timestamp:   ev.Timestamp,
			Children:    kids,
			BranchPoint: kids > 1,
			OnLineage:   onLineage,
		})
	}

	var b strings.Builder
	renderTree(&b, children, history[0], lineage, 0)
	return map[string]any{
		"sessionId": p.SessionID,
		"headId":    history[len(history)-1].ID,
		"nodes":     nodes,
		"rendered":  b.String(),
	}, nil
}

// renderTree prints one node per line, indented by depth. Events on the
// current lineage are starred.
func renderTree(b *strings.Builder, children map[string][]*events.Event, ev *events.Event, lineage map[string]struct{}, depth int) {
	marker := " "
	if _, ok := lineage[ev.ID]; ok {
		marker = "*"
	}
	fmt.Fprintf(b, "%s%s %s %s\n", strings.Repeat("  ", depth), marker, ev.Type, ev.ID)
	for _, child := range children[ev.ID] {
		renderTree(b, children, child, lineage, depth+1)
	}
}

func (s *Server) treeGetBranches(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p sessionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	branches, err := s.deps.Store.Branches(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"branches": branches}, nil
}

func (s *Server) treeGetSubtree(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p struct {
		EventID string `json:"eventId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	subtree, err := s.deps.Store.Subtree(ctx, p.EventID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": subtree}, nil
}

func (s *Server) treeGetAncestors(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p struct {
		EventID string `json:"eventId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	ancestors, err := s.deps.Store.Ancestors(ctx, p.EventID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": ancestors}, nil
}

func (s *Server) searchContent(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		Query     string `json:"query"`
		Limit     int    `json:"limit"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	matches, err := s.deps.Store.SearchContent(ctx, p.SessionID, p.Query, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": matches}, nil
}

func (s *Server) searchEvents(ctx context.Context, _ *conn, raw json.RawMessage) (any, error) {
	var p struct {
		SessionID string   `json:"sessionId"`
		Types     []string `json:"types"`
		Since     string   `json:"since"`
		Until     string   `json:"until"`
		Limit     int      `json:"limit"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	q := events.Query{Limit: p.Limit}
	for _, t := range p.Types {
		typ := events.Type(t)
		if !events.ValidType(typ) {
			return nil, rpcerr.Newf(rpcerr.CodeInvalidParams, "unknown event type %q", t)
		}
		q.Types = append(q.Types, typ)
	}
	var err error
	if q.Since, err = parseTime(p.Since); err != nil {
		return nil, rpcerr.Wrap(err, rpcerr.CodeInvalidParams, "since is not RFC 3339")
	}
	if q.Until, err = parseTime(p.Until); err != nil {
		return nil, rpcerr.Wrap(err, rpcerr.CodeInvalidParams, "until is not RFC 3339")
	}
	matches, err := s.deps.Store.SearchEvents(ctx, p.SessionID, q)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": matches}, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
