package rpc

import (
	"container/heap"
	"time"
)

// timerEntry is one periodic task on the event goroutine.
type timerEntry struct {
	next     time.Time
	interval time.Duration
	fn       func() bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].next.Before(h[j].next) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)        { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// nextTimerWait returns how long the event loop may sleep before the next
// timer is due, capped at maxTimerWait.
func (s *Service) nextTimerWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return maxTimerWait
	}
	d := time.Until(s.timers[0].next)
	if d < 0 {
		return 0
	}
	if d > maxTimerWait {
		return maxTimerWait
	}
	return d
}

// fireTimers runs every due timer function on the calling (event) goroutine
// and reschedules those that return true.
func (s *Service) fireTimers() {
	now := time.Now()
	for {
		s.mu.Lock()
		if len(s.timers) == 0 || s.timers[0].next.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.timers).(*timerEntry)
		s.mu.Unlock()

		if e.fn() {
			e.next = now.Add(e.interval)
			s.mu.Lock()
			heap.Push(&s.timers, e)
			s.mu.Unlock()
		}
	}
}
