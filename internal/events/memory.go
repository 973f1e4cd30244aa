package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store used by tests and ephemeral runs.
// Events are cloned on the way in and out so callers can never mutate
// stored state.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*Event
	children map[string][]string // parent id -> child ids, append order
	sessions map[string][]string // session id -> event ids, append order
	heads    map[string]string   // session id -> head event id
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*Event),
		children: make(map[string][]string),
		sessions: make(map[string][]string),
		heads:    make(map[string]string),
	}
}

func (m *MemoryStore) Append(ctx context.Context, sessionID, parentID string, t Type, payload any) (*Event, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if !ValidType(t) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	raw, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	if err := ValidatePayload(t, raw); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	head, hasHead := m.heads[sessionID]
	if hasHead {
		if parentID != head {
			return nil, fmt.Errorf("%w: head is %s, got parent %s", ErrHeadMoved, head, parentID)
		}
	} else if parentID != "" {
		return nil, fmt.Errorf("%w: session %s has no events", ErrHeadMoved, sessionID)
	}

	ev := &Event{
		ID:        NewID(),
		SessionID: sessionID,
		ParentID:  parentID,
		Type:      t,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}

	m.byID[ev.ID] = ev
	m.sessions[sessionID] = append(m.sessions[sessionID], ev.ID)
	if parentID != "" {
		m.children[parentID] = append(m.children[parentID], ev.ID)
	}
	m.heads[sessionID] = ev.ID

	return ev.Clone(), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ev.Clone(), nil
}

func (m *MemoryStore) Head(ctx context.Context, sessionID string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	head, ok := m.heads[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return m.byID[head].Clone(), nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, sessionID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lineageLocked(sessionID)
}

// lineageLocked walks head -> root and returns the path root-first.
func (m *MemoryStore) lineageLocked(sessionID string) ([]*Event, error) {
	head, ok := m.heads[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	var path []*Event
	for id := head; id != ""; {
		ev, ok := m.byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: broken lineage at %s", ErrNotFound, id)
		}
		path = append(path, ev.Clone())
		id = ev.ParentID
	}

	// Reverse in place: collected head-first, callers want root-first.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

func (m *MemoryStore) GetSince(ctx context.Context, sessionID, afterID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	path, err := m.lineageLocked(sessionID)
	if err != nil {
		return nil, err
	}
	if afterID == "" {
		return path, nil
	}
	if _, ok := m.byID[afterID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, afterID)
	}
	// UUIDv7 ids order by creation time, so an id comparison works even
	// when afterID sits on an abandoned branch after a head move.
	var out []*Event
	for _, ev := range path {
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) Children(ctx context.Context, id string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.byID[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ids := m.children[id]
	out := make([]*Event, 0, len(ids))
	for _, cid := range ids {
		out = append(out, m.byID[cid].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Branches(ctx context.Context, sessionID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	var out []*Event
	for _, id := range ids {
		if len(m.children[id]) > 1 {
			out = append(out, m.byID[id].Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) Subtree(ctx context.Context, id string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	root, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var out []*Event
	stack := []string{root.ID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, m.byID[cur].Clone())
		stack = append(stack, m.children[cur]...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Ancestors(ctx context.Context, id string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var path []*Event
	for pid := ev.ParentID; pid != ""; {
		parent, ok := m.byID[pid]
		if !ok {
			return nil, fmt.Errorf("%w: broken lineage at %s", ErrNotFound, pid)
		}
		path = append(path, parent.Clone())
		pid = parent.ParentID
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

func (m *MemoryStore) SetHead(ctx context.Context, sessionID, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.heads[sessionID]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	ev, ok := m.byID[eventID]
	if !ok || ev.SessionID != sessionID {
		return fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	m.heads[sessionID] = eventID
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	for _, id := range ids {
		delete(m.byID, id)
		delete(m.children, id)
	}
	delete(m.sessions, sessionID)
	delete(m.heads, sessionID)
	return nil
}

func (m *MemoryStore) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SessionInfo, 0, len(m.heads))
	for sid, headID := range m.heads {
		head := m.byID[headID]
		out = append(out, SessionInfo{
			SessionID:    sid,
			HeadID:       headID,
			LastActivity: head.Timestamp,
			EventCount:   len(m.sessions[sid]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

func (m *MemoryStore) SearchContent(ctx context.Context, sessionID, query string, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if limit <= 0 {
		limit = 50
	}

	var out []*Event
	// Newest first, like the FTS backend.
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		ev := m.byID[ids[i]]
		if matchesContent(searchText(ev.Type, ev.Payload), query) {
			out = append(out, ev.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) SearchEvents(ctx context.Context, sessionID string, q Query) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	typeSet := make(map[Type]struct{}, len(q.Types))
	for _, t := range q.Types {
		typeSet[t] = struct{}{}
	}

	var out []*Event
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		ev := m.byID[id]
		if len(typeSet) > 0 {
			if _, ok := typeSet[ev.Type]; !ok {
				continue
			}
		}
		if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && ev.Timestamp.After(q.Until) {
			continue
		}
		out = append(out, ev.Clone())
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
