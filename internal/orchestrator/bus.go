package orchestrator

import (
	"time"

	"github.com/arbor-sh/arbor/internal/events"
)

// Notification is one element of a subscriber stream. Gap marks the
// first delivery after the subscriber's buffer overflowed: Dropped
// events were discarded and the client must catch up via events.getSince
// from the last id it actually saw.
type Notification struct {
	Event   *events.Event `json:"event"`
	Gap     bool          `json:"gap,omitempty"`
	Dropped int           `json:"dropped,omitempty"`
}

type subscriber struct {
	id      int
	ch      chan Notification
	dropped int // events discarded since the last successful send
}

// subscribe registers a buffered subscriber channel on the session.
func (as *ActiveSession) subscribe(buffer int) (int, <-chan Notification) {
	as.mu.Lock()
	defer as.mu.Unlock()
	id := as.nextSubID
	as.nextSubID++
	sub := &subscriber{id: id, ch: make(chan Notification, buffer)}
	as.subscribers[id] = sub
	return id, sub.ch
}

// unsubscribe removes and closes a subscriber. Reports whether it existed.
func (as *ActiveSession) unsubscribe(id int) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	sub, ok := as.subscribers[id]
	if !ok {
		return false
	}
	delete(as.subscribers, id)
	close(sub.ch)
	return true
}

func (as *ActiveSession) closeSubscribers() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for id, sub := range as.subscribers {
		delete(as.subscribers, id)
		close(sub.ch)
	}
}

// publish fans an event out to every subscriber without ever blocking
// the writer: a full buffer sheds its oldest element and the subscriber
// is marked so its next delivery carries the gap flag.
func (as *ActiveSession) publish(ev *events.Event, o *Orchestrator) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, sub := range as.subscribers {
		n := Notification{Event: ev, Gap: sub.dropped > 0, Dropped: sub.dropped}
		select {
		case sub.ch <- n:
			sub.dropped = 0
			continue
		default:
		}
		// Shed the oldest buffered notification to make room.
		select {
		case old := <-sub.ch:
			sub.dropped++
			if old.Dropped > 0 {
				sub.dropped += old.Dropped
			}
		default:
		}
		if o.metrics != nil {
			o.metrics.RecordSubscriberDrop()
		}
		n.Gap = true
		n.Dropped = sub.dropped
		select {
		case sub.ch <- n:
			sub.dropped = 0
		default:
			sub.dropped++
		}
	}
}

// publishEphemeral fans out an event that is never persisted, used for
// the streaming deltas. The event gets a real id and timestamp so
// clients can order it, but it will not appear in getHistory.
func (as *ActiveSession) publishEphemeral(o *Orchestrator, t events.Type, payload any) {
	raw, err := events.MarshalPayload(payload)
	if err != nil {
		return
	}
	as.publish(&events.Event{
		ID:        events.NewID(),
		SessionID: as.id,
		Type:      t,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, o)
}
