package core

import (
	"container/heap"
	"sync"
)

// dispatchPriority defines submission urgency (lower value means higher
// priority). Re-runs — retries and regeneration wakeups — jump ahead of a
// stage's bulk first-run submission, since unblocking a stuck pipeline
// matters more than bulk submission throughput.
type dispatchPriority int

const (
	priorityReRun    dispatchPriority = 0
	priorityFirstRun dispatchPriority = 1
)

// dispatchItem is one pending submission.
type dispatchItem struct {
	spec TaskSpec
	run  TaskRun
	mode SubmitMode
}

// dispatchQueue is a thread-safe min-heap of pending submissions, popping
// the highest-priority item first and preserving FIFO order within a
// priority tier.
type dispatchQueue struct {
	mu       sync.Mutex
	pq       priorityHeap
	sequence uint64
	notEmpty chan struct{}
}

func newDispatchQueue() *dispatchQueue {
	pq := make(priorityHeap, 0)
	heap.Init(&pq)
	return &dispatchQueue{pq: pq, notEmpty: make(chan struct{}, 1)}
}

func (q *dispatchQueue) push(item dispatchItem, priority dispatchPriority) {
	q.mu.Lock()
	heap.Push(&q.pq, &heapEntry{
		item:     item,
		priority: priority,
		sequence: q.sequence,
	})
	q.sequence++
	q.mu.Unlock()

	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// pop blocks until an item is available or done is closed.
func (q *dispatchQueue) pop(done <-chan struct{}) (dispatchItem, bool) {
	for {
		q.mu.Lock()
		if q.pq.Len() > 0 {
			entry := heap.Pop(&q.pq).(*heapEntry)
			q.mu.Unlock()
			return entry.item, true
		}
		q.mu.Unlock()

		select {
		case <-q.notEmpty:
		case <-done:
			return dispatchItem{}, false
		}
	}
}

// heapEntry wraps a dispatchItem with its priority, sequence number, and
// index in the heap.
type heapEntry struct {
	item     dispatchItem
	priority dispatchPriority
	sequence uint64
	index    int
}

// priorityHeap satisfies heap.Interface.
type priorityHeap []*heapEntry

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].sequence < h[j].sequence
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	n := len(*h)
	entry := x.(*heapEntry)
	entry.index = n
	*h = append(*h, entry)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[0 : n-1]
	return entry
}
