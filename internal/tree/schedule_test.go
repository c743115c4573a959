package tree

import (
	"slices"
	"sync"
	"testing"
	"time"
)

func TestSchedulerCoalescesBurst(t *testing.T) {
	var mu sync.Mutex
	var calls [][]string
	done := make(chan struct{}, 4)
	s := NewScheduler(20*time.Millisecond, func(ids []string) {
		mu.Lock()
		calls = append(calls, ids)
		mu.Unlock()
		done <- struct{}{}
	})
	defer s.Stop()

	s.Mark("a")
	s.Mark("b")
	s.Mark("a")
	if got := s.Pending(); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("Pending() = %v", got)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flush never ran")
	}
	// Give a stray second flush a chance to show up.
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("flush ran %d times, want 1", len(calls))
	}
	if !slices.Equal(calls[0], []string{"a", "b"}) {
		t.Fatalf("flush ids = %v", calls[0])
	}
}

func TestSchedulerStopDiscardsPending(t *testing.T) {
	fired := make(chan struct{}, 1)
	s := NewScheduler(10*time.Millisecond, func([]string) { fired <- struct{}{} })
	s.Mark("a")
	s.Stop()
	s.Mark("b")

	select {
	case <-fired:
		t.Fatal("flush ran after Stop")
	case <-time.After(80 * time.Millisecond):
	}
	if got := s.Pending(); len(got) != 0 {
		t.Fatalf("Pending() after Stop = %v", got)
	}
}

func TestSchedulerDrain(t *testing.T) {
	fired := make(chan struct{}, 1)
	s := NewScheduler(time.Hour, func([]string) { fired <- struct{}{} })
	defer s.Stop()
	s.Mark("x")
	s.Mark("y")

	if got := s.Drain(); !slices.Equal(got, []string{"x", "y"}) {
		t.Fatalf("Drain() = %v", got)
	}
	if got := s.Drain(); len(got) != 0 {
		t.Fatalf("second Drain() = %v", got)
	}
	select {
	case <-fired:
		t.Fatal("drained ids still flushed")
	default:
	}
}

func TestNewSchedulerDefaultsWindow(t *testing.T) {
	s := NewScheduler(0, nil)
	if s.debounce != DefaultDebounce {
		t.Fatalf("debounce = %v, want %v", s.debounce, DefaultDebounce)
	}
}
