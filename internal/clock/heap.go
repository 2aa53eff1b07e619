package clock

import "time"

// timerEntry is one pending callback. Entries order by (fireAt, seq) so
// equal fire times replay in registration order. Periodic entries keep
// their original seq across re-arms.
type timerEntry struct {
	fireAt time.Time
	seq    uint64
	period time.Duration // 0 for one-shot
	fn     func(time.Time)
	task   *Task
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].fireAt.Before(h[j].fireAt)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(*timerEntry)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
