package outbox

import "container/heap"

// queued is one in-memory schedule slot pointing at a durable row.
type queued struct {
	id       string
	priority Priority
	seq      uint64
}

// entryHeap orders by priority, then enqueue order, so a drain is FIFO
// within each priority band.
type entryHeap []queued

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x interface{}) {
	*h = append(*h, x.(queued))
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (h *entryHeap) push(q queued) { heap.Push(h, q) }

func (h *entryHeap) pop() (queued, bool) {
	if h.Len() == 0 {
		return queued{}, false
	}
	return heap.Pop(h).(queued), true
}

// DerivePriority maps message classes onto the queue bands one-to-one:
// direct DMs outrank broadcast chatter, which outranks receipts, which
// outrank status probes.
func DerivePriority(kind MessageClass) Priority {
	switch kind {
	case ClassDirect:
		return PriorityUrgent
	case ClassBroadcast:
		return PriorityHigh
	case ClassReceipt:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

type MessageClass int

const (
	ClassDirect MessageClass = iota
	ClassBroadcast
	ClassReceipt
	ClassStatus
)
