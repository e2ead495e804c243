package daqhub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleRingDrainOrder(t *testing.T) {
	r := NewSampleRing(8)
	assert.Nil(t, r.Drain())

	for i := int64(0); i < 5; i++ {
		r.Push(Sample{Index: i})
	}
	assert.Equal(t, 5, r.Len())

	got := r.Drain()
	require.Len(t, got, 5)
	for i, s := range got {
		assert.Equal(t, int64(i), s.Index)
	}
	assert.Zero(t, r.Len())
	assert.Equal(t, uint64(5), r.Pushed())
}

func TestSampleRingOverflowDropsOldest(t *testing.T) {
	r := NewSampleRing(3)
	for i := int64(0); i < 7; i++ {
		r.Push(Sample{Index: i})
	}
	got := r.Drain()
	require.Len(t, got, 3)
	assert.Equal(t, int64(4), got[0].Index)
	assert.Equal(t, int64(6), got[2].Index)
	assert.Equal(t, uint64(4), r.Dropped())
	assert.Equal(t, 3, r.Cap())
}

func TestSampleRingConcurrent(t *testing.T) {
	r := NewSampleRing(1 << 20)
	var wg sync.WaitGroup
	drained := 0
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(0); i < 10000; i++ {
			r.Push(Sample{Index: i})
		}
		close(done)
	}()

	last := int64(-1)
	for finished := false; !finished; {
		select {
		case <-done:
			finished = true
		default:
		}
		for _, s := range r.Drain() {
			assert.Equal(t, last+1, s.Index)
			last = s.Index
			drained++
		}
	}
	wg.Wait()
	assert.Equal(t, 10000, drained)
}
