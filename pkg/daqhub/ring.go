package daqhub

import (
	"sync"

	"github.com/edwingeng/deque"
)

// Sample is one acquired frame as it travels from acquisition to control.
type Sample struct {
	Index int64
	Time  float64
	AI    []float64
	TC    []float64
}

// SampleRing is the bounded, lossy FIFO between acquisition and control.
// Pushing into a full ring discards the oldest sample; the producer never
// blocks on the consumer.
type SampleRing struct {
	mu       sync.Mutex
	items    deque.Deque
	capacity int
	pushed   uint64
	dropped  uint64
}

func NewSampleRing(capacity int) *SampleRing {
	if capacity < 1 {
		capacity = 1
	}
	return &SampleRing{
		items:    deque.NewDeque(),
		capacity: capacity,
	}
}

func (r *SampleRing) Push(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.items.Len() >= r.capacity {
		r.items.PopFront()
		r.dropped++
	}
	r.items.PushBack(s)
	r.pushed++
}

// Drain removes and returns every queued sample, oldest first.
func (r *SampleRing) Drain() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.items.Empty() {
		return nil
	}
	out := make([]Sample, 0, r.items.Len())
	for !r.items.Empty() {
		out = append(out, r.items.Front().(Sample))
		r.items.PopFront()
	}
	return out
}

func (r *SampleRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items.Len()
}

func (r *SampleRing) Cap() int { return r.capacity }

func (r *SampleRing) Pushed() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushed
}

// Dropped counts samples discarded because the ring was full.
func (r *SampleRing) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
