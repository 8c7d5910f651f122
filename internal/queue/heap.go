package queue

import "github.com/phamdk/lingocore/internal/job"

// entry is a scheduled job reference inside the priority heap.
// Cancelled entries stay in the heap as tombstones and are skipped at
// pop time; removing them eagerly would require a full re-heapify.
type entry struct {
	id        string
	priority  job.Priority
	seq       uint64
	cancelled bool
}

// entryHeap orders by priority (descending) then submission sequence
// (ascending), giving FIFO within a priority band.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(*entry))
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
