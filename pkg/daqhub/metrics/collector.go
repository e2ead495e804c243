// Package metrics collects pipeline statistics: loop timings, event counters
// and their rates, plus a little Go runtime context.
package metrics

import (
	"runtime"
	"sort"
	"sync"
	"time"
)

// Snapshot is one collection of every registered source.
type Snapshot struct {
	Loops    []LoopStats        `json:"loops"`
	Counters map[string]uint64  `json:"counters"`
	Rates    map[string]float64 `json:"rates"` // Per second since the previous snapshot

	HeapAlloc    uint64 `json:"heap_alloc"`
	NumGC        uint32 `json:"num_gc"`
	NumGoroutine int    `json:"num_goroutine"`

	Timestamp time.Time `json:"timestamp"`
}

type counterSource struct {
	name string
	read func() uint64
}

// Collector samples registered loops and counters on demand and keeps a
// bounded history of snapshots.
type Collector struct {
	mu         sync.RWMutex
	loops      []*LoopTimer
	counters   []counterSource
	current    Snapshot
	history    []Snapshot
	maxHistory int
}

func NewCollector(maxHistory int) *Collector {
	if maxHistory <= 0 {
		maxHistory = 720
	}
	return &Collector{
		history:    make([]Snapshot, 0, maxHistory),
		maxHistory: maxHistory,
	}
}

func (c *Collector) AddLoop(l *LoopTimer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loops = append(c.loops, l)
}

// AddCounter registers a monotonically increasing counter.
func (c *Collector) AddCounter(name string, read func() uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = append(c.counters, counterSource{name: name, read: read})
}

// Collect takes a snapshot, stores it as current and appends it to the
// history.
func (c *Collector) Collect() Snapshot {
	return c.collectAt(time.Now())
}

func (c *Collector) collectAt(now time.Time) Snapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Loops:        make([]LoopStats, 0, len(c.loops)),
		Counters:     make(map[string]uint64, len(c.counters)),
		Rates:        make(map[string]float64, len(c.counters)),
		HeapAlloc:    m.HeapAlloc,
		NumGC:        m.NumGC,
		NumGoroutine: runtime.NumGoroutine(),
		Timestamp:    now,
	}
	for _, l := range c.loops {
		snap.Loops = append(snap.Loops, l.Stats())
	}
	sort.Slice(snap.Loops, func(i, j int) bool { return snap.Loops[i].Name < snap.Loops[j].Name })

	prev := c.current
	elapsed := now.Sub(prev.Timestamp).Seconds()
	for _, src := range c.counters {
		v := src.read()
		snap.Counters[src.name] = v
		if before, ok := prev.Counters[src.name]; ok && elapsed > 0 && v >= before {
			snap.Rates[src.name] = float64(v-before) / elapsed
		}
	}

	c.current = snap
	c.history = append(c.history, snap)
	if len(c.history) > c.maxHistory {
		// Remove oldest entry
		copy(c.history, c.history[1:])
		c.history = c.history[:c.maxHistory]
	}
	return snap
}

func (c *Collector) GetCurrent() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *Collector) GetHistory() []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return a copy to prevent data races
	history := make([]Snapshot, len(c.history))
	copy(history, c.history)
	return history
}

func (c *Collector) GetHistoryWindow(duration time.Duration) []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cutoff := time.Now().Add(-duration)
	var result []Snapshot
	for _, snap := range c.history {
		if snap.Timestamp.After(cutoff) {
			result = append(result, snap)
		}
	}
	return result
}

// Rate returns the last computed per-second rate of a counter.
func (c *Collector) Rate(name string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.Rates[name]
}

// HeapAllocMB is a convenience for log lines.
func (s Snapshot) HeapAllocMB() float64 {
	return float64(s.HeapAlloc) / (1024 * 1024)
}

// Loop returns the stats of the named loop.
func (s Snapshot) Loop(name string) (LoopStats, bool) {
	for _, l := range s.Loops {
		if l.Name == name {
			return l, true
		}
	}
	return LoopStats{}, false
}
