package taskqueue

import (
	"container/heap"
	"time"
)

// readyQueue is the priority-ordered ready set, keyed on
// (priority desc, not_before asc, enqueued_at asc). It is guarded by the
// queue's mutex; hold times stay O(log n).
type readyQueue struct {
	items []*Task
}

func newReadyQueue() *readyQueue {
	rq := &readyQueue{}
	heap.Init(rq)
	return rq
}

func (rq *readyQueue) Len() int { return len(rq.items) }

func (rq *readyQueue) Less(i, j int) bool {
	a, b := rq.items[i], rq.items[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.NotBefore.Equal(b.NotBefore) {
		return a.NotBefore.Before(b.NotBefore)
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

func (rq *readyQueue) Swap(i, j int) {
	rq.items[i], rq.items[j] = rq.items[j], rq.items[i]
}

func (rq *readyQueue) Push(x any) {
	rq.items = append(rq.items, x.(*Task))
}

func (rq *readyQueue) Pop() any {
	old := rq.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	rq.items = old[:n-1]
	return item
}

func (rq *readyQueue) push(t *Task) {
	heap.Push(rq, t)
}

func (rq *readyQueue) pop() *Task {
	if rq.Len() == 0 {
		return nil
	}
	return heap.Pop(rq).(*Task)
}

// popReady removes and returns the best-ordered task whose NotBefore has
// passed, or nil when nothing is eligible yet.
func (rq *readyQueue) popReady(now time.Time) *Task {
	best := -1
	for i, t := range rq.items {
		if t.NotBefore.After(now) {
			continue
		}
		if best == -1 || rq.Less(i, best) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	return heap.Remove(rq, best).(*Task)
}

// nextWake returns the earliest NotBefore among queued tasks and whether the
// queue is non-empty.
func (rq *readyQueue) nextWake() (time.Time, bool) {
	if rq.Len() == 0 {
		return time.Time{}, false
	}
	earliest := rq.items[0].NotBefore
	for _, t := range rq.items[1:] {
		if t.NotBefore.Before(earliest) {
			earliest = t.NotBefore
		}
	}
	return earliest, true
}

// drain empties the queue and returns the remaining tasks.
func (rq *readyQueue) drain() []*Task {
	out := make([]*Task, 0, rq.Len())
	for rq.Len() > 0 {
		out = append(out, rq.pop())
	}
	return out
}
