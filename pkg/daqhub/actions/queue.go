package actions

import (
	"sync"

	"github.com/edwingeng/deque"
)

// Queue is the FIFO between the control cycle and the hardware-write cycle.
// It has its own lock, independent of the sample ring.
type Queue struct {
	mu      sync.Mutex
	items   deque.Deque
	limit   int
	dropped uint64
}

// NewQueue returns a queue holding at most limit intents. When full the
// oldest intent is discarded. A limit <= 0 means unbounded.
func NewQueue(limit int) *Queue {
	return &Queue{
		items: deque.NewDeque(),
		limit: limit,
	}
}

// Push appends intents in order.
func (q *Queue) Push(intents ...Intent) {
	if len(intents) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, intent := range intents {
		if q.limit > 0 && q.items.Len() >= q.limit {
			q.items.PopFront()
			q.dropped++
		}
		q.items.PushBack(intent)
	}
}

// Drain removes and returns everything queued so far.
func (q *Queue) Drain() []Intent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Empty() {
		return nil
	}
	out := make([]Intent, 0, q.items.Len())
	for !q.items.Empty() {
		out = append(out, q.items.Front().(Intent))
		q.items.PopFront()
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Dropped reports how many intents were discarded because the queue was full.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
