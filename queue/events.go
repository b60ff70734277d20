package queue

import (
	"container/heap"
	"sync"
	"time"
)

// scheduledEvent is a one-shot callback keyed by target presentation time.
// The seq field provides insertion ordering for events with equal targets.
type scheduledEvent struct {
	target time.Duration
	seq    uint64
	fn     func()
}

// eventHeap implements container/heap.Interface as a min-heap ordered by
// target PTS (ascending), with FIFO tie-breaking on seq.
type eventHeap []scheduledEvent

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].target != h[j].target {
		return h[i].target < h[j].target
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by container/heap.Push; callers must
// not invoke this directly.
func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(scheduledEvent))
}

// Pop removes and returns the last element. Called by container/heap.Pop;
// callers must not invoke this directly.
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// eventSet is the thread-safe scheduled-event collection. Producers insert
// concurrently with a running scheduler; the scheduler drains all events due
// at each tick. Insertions nudge the wake channel so a sleeping scheduler
// can re-evaluate its deadline.
type eventSet struct {
	mu   sync.Mutex
	heap eventHeap
	seq  uint64
	wake chan struct{}
}

func newEventSet() *eventSet {
	return &eventSet{wake: make(chan struct{}, 1)}
}

// schedule inserts a one-shot callback targeting the given presentation time.
func (s *eventSet) schedule(target time.Duration, fn func()) {
	s.mu.Lock()
	heap.Push(&s.heap, scheduledEvent{target: target, seq: s.seq, fn: fn})
	s.seq++
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// popDue removes and returns every event with target <= now, in ascending
// target order with insertion order as the tie-break.
func (s *eventSet) popDue(now time.Duration) []scheduledEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []scheduledEvent
	for len(s.heap) > 0 && s.heap[0].target <= now {
		due = append(due, heap.Pop(&s.heap).(scheduledEvent))
	}
	return due
}

// wakeCh is selected on by the scheduler's pacing sleep.
func (s *eventSet) wakeCh() <-chan struct{} {
	return s.wake
}
