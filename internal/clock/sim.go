package clock

import (
	"container/heap"
	"sync"
	"time"
)

// SimScheduler is the deterministic Scheduler used by tests and replay.
// Time only moves when Advance or AdvanceTo is called; due callbacks run
// inline on the advancing goroutine, each observing its own fire time as
// Now().
type SimScheduler struct {
	mu   sync.Mutex
	now  time.Time
	heap timerHeap
	seq  uint64

	stopped bool
}

// NewSim returns a simulated scheduler starting at start.
func NewSim(start time.Time) *SimScheduler {
	return &SimScheduler{now: start}
}

func (s *SimScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *SimScheduler) After(d time.Duration, fn func(time.Time)) *Task {
	return s.add(d, 0, fn)
}

func (s *SimScheduler) Every(d time.Duration, fn func(time.Time)) *Task {
	if d < minPeriod {
		d = minPeriod
	}
	return s.add(d, d, fn)
}

func (s *SimScheduler) add(d, period time.Duration, fn func(time.Time)) *Task {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	task := &Task{seq: s.seq}
	heap.Push(&s.heap, &timerEntry{
		fireAt: s.now.Add(d),
		seq:    s.seq,
		period: period,
		fn:     fn,
		task:   task,
	})
	return task
}

func (s *SimScheduler) Cancel(t *Task) {
	if t == nil {
		return
	}
	s.mu.Lock()
	t.cancelled = true
	s.mu.Unlock()
}

func (s *SimScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.heap = nil
	s.mu.Unlock()
}

// Advance moves simulated time forward by d, firing every due callback in
// (fireTime, registration) order. Callbacks may schedule further work; it
// fires too if due within the same advance.
func (s *SimScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()
	s.AdvanceTo(target)
}

// AdvanceTo moves simulated time to target, never backwards.
func (s *SimScheduler) AdvanceTo(target time.Time) {
	for {
		s.mu.Lock()
		if s.stopped || s.heap.Len() == 0 || s.heap[0].fireAt.After(target) {
			if target.After(s.now) {
				s.now = target
			}
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.heap).(*timerEntry)
		if e.task.cancelled {
			s.mu.Unlock()
			continue
		}
		if e.fireAt.After(s.now) {
			s.now = e.fireAt
		}
		at := e.fireAt
		fn := e.fn
		s.mu.Unlock()

		fn(at)

		s.mu.Lock()
		if e.period > 0 && !e.task.cancelled && !s.stopped {
			e.fireAt = at.Add(e.period)
			heap.Push(&s.heap, e)
		}
		s.mu.Unlock()
	}
}

// Pending returns the number of armed timers. Test helper.
func (s *SimScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.heap {
		if !e.task.cancelled {
			n++
		}
	}
	return n
}
