package sched

// event is one scheduled callback.
type event struct {
	beat   float64
	seq    uint64
	fn     Callback
	family *Family
	gen    uint64

	cancelled bool
	done      bool
	index     int
}

// live reports whether the event should still fire.
func (e *event) live() bool {
	if e.cancelled {
		return false
	}
	return e.family == nil || e.family.gen == e.gen
}

// eventHeap is a min-heap ordered by (beat, seq). It implements
// container/heap.Interface.
type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].beat != h[j].beat {
		return h[i].beat < h[j].beat
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	e := x.(*event)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil // release for GC
	e.index = -1
	*h = old[:n-1]
	return e
}
