package tree

import (
	"sync"
	"time"
)

// FlushFunc receives the masters marked since the last flush, in the order
// they were first marked.
type FlushFunc func(masterIDs []string)

// Scheduler coalesces "this master may have changed" marks into one deferred
// sync pass. Every Mark restarts the debounce window, so a burst of edits
// produces a single flush once the burst is over.
//
// Safe for concurrent use. The flush func runs on the timer goroutine.
type Scheduler struct {
	debounce time.Duration
	flush    FlushFunc

	mu      sync.Mutex
	pending map[string]struct{}
	order   []string
	timer   *time.Timer
	stopped bool
}

// DefaultDebounce is used when NewScheduler gets a non-positive window.
const DefaultDebounce = 250 * time.Millisecond

func NewScheduler(debounce time.Duration, flush FlushFunc) *Scheduler {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Scheduler{
		debounce: debounce,
		flush:    flush,
		pending:  make(map[string]struct{}),
	}
}

// Mark queues masterID for the next pass and restarts the window.
func (s *Scheduler) Mark(masterID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, ok := s.pending[masterID]; !ok {
		s.pending[masterID] = struct{}{}
		s.order = append(s.order, masterID)
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, s.fire)
}

// Pending returns the queued master ids without draining them.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Drain takes the queued ids and cancels the timer, for callers that want
// to run the pass themselves right now.
func (s *Scheduler) Drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeLocked()
}

// Stop discards anything pending. No flush starts after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.takeLocked()
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	ids := s.takeLocked()
	s.mu.Unlock()
	if len(ids) > 0 && s.flush != nil {
		s.flush(ids)
	}
}

func (s *Scheduler) takeLocked() []string {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	ids := s.order
	s.order = nil
	s.pending = make(map[string]struct{})
	return ids
}
