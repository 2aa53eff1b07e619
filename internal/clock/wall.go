package clock

import (
	"container/heap"
	"sync"
	"time"
)

// minPeriod floors periodic cadences so a zero period cannot spin the
// dispatch loop.
const minPeriod = time.Millisecond

// WallScheduler dispatches callbacks off wall-clock time. A single
// goroutine owns the timer heap and runs callbacks sequentially, so the
// ordering contract matches SimScheduler exactly. Callbacks must not
// block; long work belongs on the caller's own goroutines.
type WallScheduler struct {
	mu      sync.Mutex
	heap    timerHeap
	seq     uint64
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// NewWall starts a wall-clock scheduler. Stop releases its goroutine.
func NewWall() *WallScheduler {
	s := &WallScheduler{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *WallScheduler) Now() time.Time { return time.Now() }

func (s *WallScheduler) After(d time.Duration, fn func(time.Time)) *Task {
	return s.add(d, 0, fn)
}

func (s *WallScheduler) Every(d time.Duration, fn func(time.Time)) *Task {
	if d < minPeriod {
		d = minPeriod
	}
	return s.add(d, d, fn)
}

func (s *WallScheduler) add(d, period time.Duration, fn func(time.Time)) *Task {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	s.seq++
	task := &Task{seq: s.seq}
	heap.Push(&s.heap, &timerEntry{
		fireAt: time.Now().Add(d),
		seq:    s.seq,
		period: period,
		fn:     fn,
		task:   task,
	})
	s.mu.Unlock()
	s.kick()
	return task
}

func (s *WallScheduler) Cancel(t *Task) {
	if t == nil {
		return
	}
	s.mu.Lock()
	t.cancelled = true
	s.mu.Unlock()
}

func (s *WallScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.heap = nil
	s.mu.Unlock()
	close(s.done)
}

func (s *WallScheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *WallScheduler) loop() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		if s.heap.Len() > 0 && !s.heap[0].fireAt.After(time.Now()) {
			e := heap.Pop(&s.heap).(*timerEntry)
			if e.task.cancelled {
				s.mu.Unlock()
				continue
			}
			fn := e.fn
			s.mu.Unlock()

			fn(time.Now())

			s.mu.Lock()
			if e.period > 0 && !e.task.cancelled && !s.stopped {
				e.fireAt = e.fireAt.Add(e.period)
				heap.Push(&s.heap, e)
			}
			s.mu.Unlock()
			continue
		}

		wait := time.Hour
		if s.heap.Len() > 0 {
			wait = time.Until(s.heap[0].fireAt)
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
