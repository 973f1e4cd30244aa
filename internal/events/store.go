package events

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrHeadMoved is returned when an append's parent is not the current
	// head. Writers that can tolerate interleave retry via AppendAuto; the
	// gateway maps it to CONFLICT.
	ErrHeadMoved = errors.New("session head moved")

	// ErrNotFound is returned for unknown event ids.
	ErrNotFound = errors.New("event not found")

	// ErrSessionNotFound is returned for sessions with no events.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUnknownType is returned for appends outside the closed type union.
	ErrUnknownType = errors.New("unknown event type")

	// ErrInvalidPayload is returned when a payload fails typed validation.
	ErrInvalidPayload = errors.New("invalid event payload")
)

// SessionInfo summarizes one session log for listing.
type SessionInfo struct {
	SessionID    string    `json:"sessionId"`
	HeadID       string    `json:"headId"`
	LastActivity time.Time `json:"lastActivity"`
	EventCount   int       `json:"eventCount"`
}

// Query filters SearchEvents.
type Query struct {
	Types []Type
	Since time.Time
	Until time.Time
	Limit int
}

// Store is the append-only event log. Implementations must make Append
// atomic per session: the parent check and the insert happen under one
// session-level critical section, so concurrent appenders against the same
// head serialize and the losers get ErrHeadMoved.
type Store interface {
	// Append adds an event whose parent must be the session's current
	// head. An empty parentID is valid only for the first event of a
	// session. The head advances to the new event.
	Append(ctx context.Context, sessionID, parentID string, t Type, payload any) (*Event, error)

	// Get returns an event by id.
	Get(ctx context.Context, id string) (*Event, error)

	// Head returns the session's current head event.
	Head(ctx context.Context, sessionID string) (*Event, error)

	// GetHistory returns the root-to-head lineage of the session.
	GetHistory(ctx context.Context, sessionID string) ([]*Event, error)

	// GetSince returns lineage events strictly after afterID, used for
	// subscriber catchup. afterID must be on the current lineage.
	GetSince(ctx context.Context, sessionID, afterID string) ([]*Event, error)

	// Children returns the direct children of an event in id order.
	Children(ctx context.Context, id string) ([]*Event, error)

	// Branches returns the session's branch points: events with more than
	// one child.
	Branches(ctx context.Context, sessionID string) ([]*Event, error)

	// Subtree returns an event and all its descendants in id order.
	Subtree(ctx context.Context, id string) ([]*Event, error)

	// Ancestors returns the path from the session root to the event's
	// parent, excluding the event itself.
	Ancestors(ctx context.Context, id string) ([]*Event, error)

	// SetHead moves the session head to an existing event. The next
	// Append under that head creates a sibling branch.
	SetHead(ctx context.Context, sessionID, eventID string) error

	// Delete removes the whole session log. The only destructive
	// operation the store offers.
	Delete(ctx context.Context, sessionID string) error

	// ListSessions returns known sessions ordered by last activity,
	// newest first.
	ListSessions(ctx context.Context) ([]SessionInfo, error)

	// SearchContent full-text searches message and tool text.
	SearchContent(ctx context.Context, sessionID, query string, limit int) ([]*Event, error)

	// SearchEvents filters events by type and time range.
	SearchEvents(ctx context.Context, sessionID string, q Query) ([]*Event, error)

	// Close releases backend resources.
	Close() error
}

// appendAutoMaxRetries bounds the CAS retry loop. The single-writer queue
// makes collisions rare; hitting the bound means sustained external
// interleave and the caller should surface the conflict.
const appendAutoMaxRetries = 5

// AppendAuto appends against whatever the current head is, retrying on
// ErrHeadMoved. For writers that do not care which exact event they extend.
func AppendAuto(ctx context.Context, s Store, sessionID string, t Type, payload any) (*Event, error) {
	var lastErr error
	for attempt := 0; attempt < appendAutoMaxRetries; attempt++ {
		parentID := ""
		head, err := s.Head(ctx, sessionID)
		switch {
		case err == nil:
			parentID = head.ID
		case errors.Is(err, ErrSessionNotFound):
			// First event of the session.
		default:
			return nil, err
		}

		ev, err := s.Append(ctx, sessionID, parentID, t, payload)
		if err == nil {
			return ev, nil
		}
		if !errors.Is(err, ErrHeadMoved) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
