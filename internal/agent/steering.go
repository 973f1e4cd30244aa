package agent

import (
	"errors"
	"sync"
)

// ErrSteeringFull rejects prompts when the steering queue is at capacity.
var ErrSteeringFull = errors.New("agent: steering queue full")

// Steering queues prompts that arrive while a turn is running. The loop
// drains one prompt per continuation, so steering never interleaves with
// an in-flight inference call.
type Steering struct {
	mu    sync.Mutex
	queue []string
	cap   int
}

// NewSteering builds a bounded steering queue.
func NewSteering(size int) *Steering {
	if size <= 0 {
		size = 16
	}
	return &Steering{cap: size}
}

// Push enqueues a prompt for the running turn.
func (s *Steering) Push(prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= s.cap {
		return ErrSteeringFull
	}
	s.queue = append(s.queue, prompt)
	return nil
}

// Pop removes the oldest queued prompt.
func (s *Steering) Pop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	p := s.queue[0]
	s.queue = s.queue[1:]
	return p, true
}

// Len reports the number of queued prompts.
func (s *Steering) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Drain empties the queue and returns what was pending. Called when a
// turn aborts so stale steering does not leak into the next turn.
func (s *Steering) Drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}
