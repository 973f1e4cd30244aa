package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arbor-sh/arbor/internal/agent"
	"github.com/arbor-sh/arbor/internal/events"
	"github.com/arbor-sh/arbor/pkg/models"
)

// ErrSessionClosed rejects work against an evicted session.
var ErrSessionClosed = errors.New("orchestrator: session closed")

type appendReq struct {
	ctx     context.Context
	typ     events.Type
	payload any
	reply   chan appendRes
}

type appendRes struct {
	ev  *events.Event
	err error
}

// ActiveSession is one in-memory session: its derived metadata, state,
// steering queue, subscriber set, and the append queue whose goroutine
// is the only head-CAS caller for the session.
type ActiveSession struct {
	id string

	queue chan appendReq
	quit  chan struct{}

	mu           sync.Mutex
	session      *models.Session
	state        models.SessionState
	steering     *agent.Steering
	cancelTurn   context.CancelFunc
	turnDone     chan struct{}
	lastActivity time.Time
	subscribers  map[int]*subscriber
	nextSubID    int
}

// Session returns a copy of the derived session metadata.
func (as *ActiveSession) Session() models.Session {
	as.mu.Lock()
	defer as.mu.Unlock()
	s := *as.session
	s.State = as.state
	return s
}

// State returns the current lifecycle state.
func (as *ActiveSession) State() models.SessionState {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.state
}

func (as *ActiveSession) touch() {
	as.mu.Lock()
	as.lastActivity = time.Now()
	as.mu.Unlock()
}

func (as *ActiveSession) idleSince() time.Time {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.lastActivity
}

// enqueueAppend hands an append to the queue goroutine and waits for
// the result. The reply channel is buffered so an abandoned wait never
// wedges the queue owner.
func (as *ActiveSession) enqueueAppend(ctx context.Context, t events.Type, payload any) (*events.Event, error) {
	req := appendReq{ctx: ctx, typ: t, payload: payload, reply: make(chan appendRes, 1)}
	select {
	case as.queue <- req:
	case <-as.quit:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.ev, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runQueue is the session's single writer. It serializes every append
// for the session, so the head CAS only ever loses to writers outside
// this process's queue discipline.
func (o *Orchestrator) runQueue(as *ActiveSession) {
	for {
		select {
		case req := <-as.queue:
			ev, err := events.AppendAuto(req.ctx, o.store, as.id, req.typ, req.payload)
			switch {
			case err == nil:
				as.touch()
				if o.metrics != nil {
					o.metrics.RecordEventAppended(string(ev.Type))
				}
				as.publish(ev, o)
			case errors.Is(err, events.ErrHeadMoved):
				if o.metrics != nil {
					o.metrics.RecordAppendConflict()
				}
			}
			req.reply <- appendRes{ev: ev, err: err}
		case <-as.quit:
			return
		}
	}
}
