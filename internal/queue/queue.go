// Package queue provides the binary heaps used during graph traversal.
package queue

// Item represents an entry in the priority queue.
// Value-based (no pointers) for cache locality and zero allocations.
type Item struct {
	Node     uint32  // internal node id
	Distance float32 // priority
}

// PriorityQueue is a binary heap of Items. A min-heap keeps the best
// candidate on top; a max-heap keeps the current worst result on top so it
// can be evicted cheaply.
type PriorityQueue struct {
	isMaxHeap bool
	items     []Item
}

// NewMin creates a min-heap with the given capacity hint.
func NewMin(capacity int) *PriorityQueue {
	return &PriorityQueue{isMaxHeap: false, items: make([]Item, 0, capacity)}
}

// NewMax creates a max-heap with the given capacity hint.
func NewMax(capacity int) *PriorityQueue {
	return &PriorityQueue{isMaxHeap: true, items: make([]Item, 0, capacity)}
}

// Len returns the number of items in the queue.
func (pq *PriorityQueue) Len() int { return len(pq.items) }

// Reset empties the queue, keeping the backing storage.
func (pq *PriorityQueue) Reset() { pq.items = pq.items[:0] }

// TopItem returns the top element of the heap without removing it.
func (pq *PriorityQueue) TopItem() (Item, bool) {
	if len(pq.items) == 0 {
		return Item{}, false
	}
	return pq.items[0], true
}

// PushItem inserts an item while maintaining the heap invariant.
func (pq *PriorityQueue) PushItem(item Item) {
	pq.items = append(pq.items, item)
	pq.siftUp(len(pq.items) - 1)
}

// PopItem removes and returns the top element.
func (pq *PriorityQueue) PopItem() (Item, bool) {
	n := len(pq.items)
	if n == 0 {
		return Item{}, false
	}
	root := pq.items[0]
	last := pq.items[n-1]
	pq.items = pq.items[:n-1]
	if n-1 > 0 {
		pq.items[0] = last
		pq.siftDown(0)
	}
	return root, true
}

func (pq *PriorityQueue) less(i, j int) bool {
	if pq.isMaxHeap {
		return pq.items[i].Distance > pq.items[j].Distance
	}
	return pq.items[i].Distance < pq.items[j].Distance
}

func (pq *PriorityQueue) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !pq.less(i, p) {
			return
		}
		pq.items[i], pq.items[p] = pq.items[p], pq.items[i]
		i = p
	}
}

func (pq *PriorityQueue) siftDown(i int) {
	n := len(pq.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && pq.less(r, l) {
			best = r
		}
		if !pq.less(best, i) {
			return
		}
		pq.items[i], pq.items[best] = pq.items[best], pq.items[i]
		i = best
	}
}
