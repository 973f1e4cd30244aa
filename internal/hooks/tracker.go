package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arbor-sh/arbor/internal/observability"
)

// BackgroundResult reports one finished background hook run.
type BackgroundResult struct {
	ExecutionID string
	HookID      string
	Event       Event
	Err         error
	Duration    time.Duration
}

// Tracker owns detached background hook runs. Each launch is keyed by an
// execution id; WaitForAll drains finished runs at session end and
// abandons whatever is still going after the deadline.
type Tracker struct {
	mu      sync.Mutex
	seq     int
	pending map[string]chan BackgroundResult
	done    []BackgroundResult
	log     *observability.Logger
}

// NewTracker builds an empty tracker.
func NewTracker(log *observability.Logger) *Tracker {
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Tracker{pending: make(map[string]chan BackgroundResult), log: log}
}

// Launch starts a hook in the background. The handler gets a detached
// context: session-end waits bound it, not the triggering turn. onDone
// runs after the handler returns (or panics), before the result is
// recorded.
func (t *Tracker) Launch(h *Hook, p *Payload, onDone func(error)) string {
	t.mu.Lock()
	t.seq++
	id := fmt.Sprintf("bg-%d", t.seq)
	ch := make(chan BackgroundResult, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	go func() {
		start := time.Now()
		err := t.invoke(h, p)
		if onDone != nil {
			onDone(err)
		}
		res := BackgroundResult{
			ExecutionID: id,
			HookID:      h.ID,
			Event:       h.Event,
			Err:         err,
			Duration:    time.Since(start),
		}
		ch <- res

		t.mu.Lock()
		if _, still := t.pending[id]; still {
			delete(t.pending, id)
			t.done = append(t.done, res)
		}
		t.mu.Unlock()
	}()
	return id
}

func (t *Tracker) invoke(h *Hook, p *Payload) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook %s panicked: %v", h.ID, r)
		}
	}()
	_, err = h.Handler(ctx, p)
	return err
}

// Pending returns the number of background runs not yet finished.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// WaitForAll blocks until every launched run finishes or the timeout
// elapses, returning the results collected so far. Runs still going at
// the deadline are abandoned: their results are dropped when they
// eventually finish.
func (t *Tracker) WaitForAll(ctx context.Context, timeout time.Duration) []BackgroundResult {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	t.mu.Lock()
	waiting := make(map[string]chan BackgroundResult, len(t.pending))
	for id, ch := range t.pending {
		waiting[id] = ch
	}
	results := t.done
	t.done = nil
	t.mu.Unlock()

	for id, ch := range waiting {
		select {
		case res := <-ch:
			results = append(results, res)
			t.forget(id)
		case <-deadline.C:
			t.abandon(waiting)
			return dedupe(results)
		case <-ctx.Done():
			t.abandon(waiting)
			return dedupe(results)
		}
	}
	return dedupe(results)
}

// dedupe drops double-reported runs: one that finished between the
// pending snapshot and the channel read appears both in done and on its
// channel.
func dedupe(results []BackgroundResult) []BackgroundResult {
	seen := make(map[string]struct{}, len(results))
	out := results[:0]
	for _, r := range results {
		if _, dup := seen[r.ExecutionID]; dup {
			continue
		}
		seen[r.ExecutionID] = struct{}{}
		out = append(out, r)
	}
	return out
}

func (t *Tracker) forget(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// abandon drops every still-pending entry so late results are discarded.
func (t *Tracker) abandon(waiting map[string]chan BackgroundResult) {
	t.mu.Lock()
	n := 0
	for id := range waiting {
		if _, still := t.pending[id]; still {
			delete(t.pending, id)
			n++
		}
	}
	t.mu.Unlock()
	if n > 0 {
		t.log.Warn(context.Background(), "abandoned background hooks at deadline", "count", n)
	}
}
