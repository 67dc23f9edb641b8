package cache

// ttlHeap is a container/heap.Interface over *entry, ordered by
// (expiresAt, disc). The monotonically increasing discriminator breaks ties
// between entries expiring in the same instant, so eviction order is total
// even under simultaneous expirations.
type ttlHeap []*entry

func (h ttlHeap) Len() int { return len(h) }

func (h ttlHeap) Less(i, j int) bool {
	if h[i].expiresAt.Equal(h[j].expiresAt) {
		return h[i].disc < h[j].disc
	}
	return h[i].expiresAt.Before(h[j].expiresAt)
}

func (h ttlHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *ttlHeap) Push(x interface{}) {
	e := x.(*entry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}

func (h *ttlHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*h = old[:n-1]
	return e
}
