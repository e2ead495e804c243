package actions

import (
	"log/slog"
	"sync"
)

// FlushResult summarizes one pass of the hardware-write cycle.
type FlushResult struct {
	Written   []Intent
	Unchanged int
	Failed    int
}

// WriterStats are cumulative counters since the writer was created.
type WriterStats struct {
	Flushes   uint64 `json:"flushes"`
	Written   uint64 `json:"written"`
	Unchanged uint64 `json:"unchanged"`
	Failed    uint64 `json:"failed"`
}

// Writer applies coalesced intents through a Registry, skipping values equal
// to the last value physically written to the same channel.
type Writer struct {
	registry *Registry
	logger   *slog.Logger

	// flushMu is held for a whole pass, bridge calls included, so two
	// callers never write the same channel at once.
	flushMu sync.Mutex

	mu        sync.Mutex
	last      map[intentKey]float64
	onApplied func(Intent)
	stats     WriterStats
}

func NewWriter(registry *Registry, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		registry: registry,
		logger:   logger,
		last:     make(map[intentKey]float64),
	}
}

// OnApplied registers a callback invoked after each successful write. It is
// used to mirror outputs back into the shared sensor state.
func (w *Writer) OnApplied(fn func(Intent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onApplied = fn
}

// Seed records values already present on the hardware so identical
// intents are not rewritten.
func (w *Writer) Seed(intents ...Intent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, intent := range intents {
		w.last[intent.key()] = intent.Value
	}
}

// Reset forgets every last-written value.
func (w *Writer) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = make(map[intentKey]float64)
}

// Flush coalesces intents and writes the survivors. A failed channel is
// logged and skipped; the rest of the flush continues. Concurrent calls run
// one after another.
func (w *Writer) Flush(intents []Intent) FlushResult {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	var result FlushResult

	w.mu.Lock()
	w.stats.Flushes++
	onApplied := w.onApplied
	w.mu.Unlock()

	for _, intent := range Coalesce(intents) {
		key := intent.key()

		w.mu.Lock()
		prev, seen := w.last[key]
		w.mu.Unlock()
		if seen && prev == intent.Value {
			result.Unchanged++
			continue
		}

		if err := w.registry.Execute(intent); err != nil {
			result.Failed++
			w.logger.Warn("hardware write failed",
				"kind", intent.Kind, "channel", intent.Channel, "name", intent.Name, "error", err)
			continue
		}

		w.mu.Lock()
		w.last[key] = intent.Value
		w.mu.Unlock()

		result.Written = append(result.Written, intent)
		if onApplied != nil {
			onApplied(intent)
		}
	}

	w.mu.Lock()
	w.stats.Written += uint64(len(result.Written))
	w.stats.Unchanged += uint64(result.Unchanged)
	w.stats.Failed += uint64(result.Failed)
	w.mu.Unlock()

	return result
}

func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
