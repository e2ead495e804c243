package actions

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	calls []Intent
	fail  map[int]bool
}

func (h *recordingHandler) Handle(intent Intent) error {
	if h.fail[intent.Channel] {
		return errors.New("bus error")
	}
	h.calls = append(h.calls, intent)
	return nil
}

func newTestWriter(h *recordingHandler) *Writer {
	registry := NewRegistry()
	registry.RegisterHandler(DigitalWrite, h)
	registry.RegisterHandler(AnalogWrite, h)
	return NewWriter(registry, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCoalesce(t *testing.T) {
	intents := []Intent{
		Analog(0, "Heater", 1.0),
		Digital(2, "Pump", true),
		Analog(0, "Heater", 2.0),
		Digital(1, "Fan", false),
		Digital(2, "Pump", false),
	}

	got := Coalesce(intents)
	require.Len(t, got, 3)
	assert.Equal(t, Analog(0, "Heater", 2.0), got[0])
	assert.Equal(t, Digital(1, "Fan", false), got[1])
	assert.Equal(t, Digital(2, "Pump", false), got[2])
}

func TestCoalesceKeepsKindsApart(t *testing.T) {
	got := Coalesce([]Intent{Digital(0, "A", true), Analog(0, "B", 3)})
	assert.Len(t, got, 2)
}

func TestWriterSuppressesIdenticalIntents(t *testing.T) {
	h := &recordingHandler{}
	w := newTestWriter(h)

	batch := make([]Intent, 0, 10)
	for i := 0; i < 10; i++ {
		batch = append(batch, Digital(3, "Valve", true))
	}
	result := w.Flush(batch)
	assert.Len(t, result.Written, 1)
	assert.Len(t, h.calls, 1)

	// Same value again in a later flush is not rewritten.
	result = w.Flush([]Intent{Digital(3, "Valve", true)})
	assert.Empty(t, result.Written)
	assert.Equal(t, 1, result.Unchanged)
	assert.Len(t, h.calls, 1)

	result = w.Flush([]Intent{Digital(3, "Valve", false)})
	assert.Len(t, result.Written, 1)
	assert.Len(t, h.calls, 2)
}

func TestWriterSkipsFailedChannel(t *testing.T) {
	h := &recordingHandler{fail: map[int]bool{1: true}}
	w := newTestWriter(h)

	var mirrored []Intent
	w.OnApplied(func(i Intent) { mirrored = append(mirrored, i) })

	result := w.Flush([]Intent{Analog(1, "Bad", 4), Analog(2, "Good", 5)})
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Written, 1)
	assert.Equal(t, 2, result.Written[0].Channel)
	assert.Equal(t, result.Written, mirrored)

	// The failed value was never recorded, so it is retried next time.
	h.fail = nil
	result = w.Flush([]Intent{Analog(1, "Bad", 4)})
	assert.Len(t, result.Written, 1)

	stats := w.Stats()
	assert.Equal(t, uint64(2), stats.Flushes)
	assert.Equal(t, uint64(2), stats.Written)
	assert.Equal(t, uint64(1), stats.Failed)
}

func TestWriterSeed(t *testing.T) {
	h := &recordingHandler{}
	w := newTestWriter(h)
	w.Seed(Analog(0, "Heater", 0))

	result := w.Flush([]Intent{Analog(0, "Heater", 0)})
	assert.Empty(t, result.Written)

	w.Reset()
	result = w.Flush([]Intent{Analog(0, "Heater", 0)})
	assert.Len(t, result.Written, 1)
}

func TestWriterSerializesConcurrentFlushes(t *testing.T) {
	var inFlight, peak atomic.Int32
	slow := HandlerFunc(func(Intent) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	registry := NewRegistry()
	registry.RegisterHandler(AnalogWrite, slow)
	w := NewWriter(registry, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(v float64) {
			defer wg.Done()
			w.Flush([]Intent{Analog(0, "Heater", v)})
		}(float64(i + 1))
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load(), "handler calls overlapped on one channel")
	assert.Equal(t, uint64(4), w.Stats().Flushes)
}

func TestRegistryWithoutHandler(t *testing.T) {
	registry := NewRegistry()
	err := registry.Execute(Digital(0, "X", true))
	assert.Error(t, err)
}

func TestQueue(t *testing.T) {
	q := NewQueue(3)
	q.Push(Digital(0, "A", true), Digital(1, "B", true))
	q.Push(Digital(2, "C", true), Digital(3, "D", true))

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, uint64(1), q.Dropped())

	got := q.Drain()
	require.Len(t, got, 3)
	assert.Equal(t, 1, got[0].Channel)
	assert.Equal(t, 3, got[2].Channel)
	assert.Nil(t, q.Drain())
}
