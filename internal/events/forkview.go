package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// maxForkDepth bounds fork-of-fork recursion when stitching lineage.
const maxForkDepth = 16

// ForkView wraps a Store so forked sessions read a stitched lineage: a
// session rooted in session.fork sees its parent's history up to the
// fork point, then its own events. The fork root stays in place so
// readers can tell where the copy-on-write boundary is. Writes and
// everything else pass through unchanged.
type ForkView struct {
	Store
}

// NewForkView wraps s.
func NewForkView(s Store) *ForkView {
	return &ForkView{Store: s}
}

// GetHistory returns the stitched root-to-head lineage.
func (v *ForkView) GetHistory(ctx context.Context, sessionID string) ([]*Event, error) {
	return v.stitched(ctx, sessionID, 0)
}

// GetSince handles catchup cursors that point into the parent portion of
// a forked lineage: the underlying store only knows the session's own
// events, so a miss falls back to a scan of the stitched history.
func (v *ForkView) GetSince(ctx context.Context, sessionID, afterID string) ([]*Event, error) {
	evs, err := v.Store.GetSince(ctx, sessionID, afterID)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return evs, err
	}
	history, herr := v.GetHistory(ctx, sessionID)
	if herr != nil {
		return nil, err
	}
	for i, ev := range history {
		if ev.ID == afterID {
			return history[i+1:], nil
		}
	}
	return nil, err
}

func (v *ForkView) stitched(ctx context.Context, sessionID string, depth int) ([]*Event, error) {
	if depth > maxForkDepth {
		return nil, fmt.Errorf("fork chain exceeds depth %d at session %s", maxForkDepth, sessionID)
	}
	own, err := v.Store.GetHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(own) == 0 || own[0].Type != TypeSessionFork {
		return own, nil
	}

	var fork SessionForkPayload
	if err := json.Unmarshal(own[0].Payload, &fork); err != nil {
		return nil, fmt.Errorf("decode session.fork %s: %w", own[0].ID, err)
	}
	prefix, err := v.pathTo(ctx, fork.ParentEventID, depth+1)
	if err != nil {
		return nil, fmt.Errorf("stitch fork parent of %s: %w", sessionID, err)
	}
	out := make([]*Event, 0, len(prefix)+len(own))
	out = append(out, prefix...)
	out = append(out, own...)
	return out, nil
}

// pathTo returns the root-to-eventID path, stitching through further
// fork roots. Uses Ancestors rather than the parent's current lineage so
// the fork point stays valid even after the parent branches away.
func (v *ForkView) pathTo(ctx context.Context, eventID string, depth int) ([]*Event, error) {
	if depth > maxForkDepth {
		return nil, fmt.Errorf("fork chain exceeds depth %d at event %s", maxForkDepth, eventID)
	}
	ev, err := v.Store.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	anc, err := v.Store.Ancestors(ctx, eventID)
	if err != nil {
		return nil, err
	}
	path := append(anc, ev)
	if len(path) == 0 || path[0].Type != TypeSessionFork {
		return path, nil
	}
	var fork SessionForkPayload
	if err := json.Unmarshal(path[0].Payload, &fork); err != nil {
		return nil, fmt.Errorf("decode session.fork %s: %w", path[0].ID, err)
	}
	prefix, err := v.pathTo(ctx, fork.ParentEventID, depth+1)
	if err != nil {
		return nil, err
	}
	out := make([]*Event, 0, len(prefix)+len(path))
	out = append(out, prefix...)
	out = append(out, path...)
	return out, nil
}
