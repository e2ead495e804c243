package metrics

import (
	"sync/atomic"
	"time"
)

// LoopTimer tracks the cycle durations of one periodic loop.
type LoopTimer struct {
	name   string
	period time.Duration

	cycles   int64 // Completed passes
	overruns int64 // Passes that took longer than the period
	totalNs  int64 // Sum of all pass durations
	maxNs    int64 // Longest pass
	lastNs   int64 // Most recent pass
	started  atomic.Int64
}

// LoopStats is a point-in-time view of a LoopTimer.
type LoopStats struct {
	Name      string        `json:"name"`
	Period    time.Duration `json:"period_ns"`
	Cycles    int64         `json:"cycles"`
	Overruns  int64         `json:"overruns"`
	CycleRate float64       `json:"cycle_rate"` // Per second
	AvgCycle  time.Duration `json:"avg_cycle_ns"`
	MaxCycle  time.Duration `json:"max_cycle_ns"`
	LastCycle time.Duration `json:"last_cycle_ns"`
}

func NewLoopTimer(name string, period time.Duration) *LoopTimer {
	l := &LoopTimer{name: name, period: period}
	l.started.Store(time.Now().UnixNano())
	return l
}

func (l *LoopTimer) Name() string { return l.name }

// Observe records one pass.
func (l *LoopTimer) Observe(d time.Duration) {
	ns := d.Nanoseconds()
	atomic.AddInt64(&l.cycles, 1)
	atomic.AddInt64(&l.totalNs, ns)
	atomic.StoreInt64(&l.lastNs, ns)
	if l.period > 0 && d > l.period {
		atomic.AddInt64(&l.overruns, 1)
	}

	for {
		current := atomic.LoadInt64(&l.maxNs)
		if ns <= current {
			break
		}
		if atomic.CompareAndSwapInt64(&l.maxNs, current, ns) {
			break
		}
	}
}

func (l *LoopTimer) Stats() LoopStats {
	cycles := atomic.LoadInt64(&l.cycles)
	stats := LoopStats{
		Name:      l.name,
		Period:    l.period,
		Cycles:    cycles,
		Overruns:  atomic.LoadInt64(&l.overruns),
		MaxCycle:  time.Duration(atomic.LoadInt64(&l.maxNs)),
		LastCycle: time.Duration(atomic.LoadInt64(&l.lastNs)),
	}
	if cycles > 0 {
		stats.AvgCycle = time.Duration(atomic.LoadInt64(&l.totalNs) / cycles)
		uptime := time.Since(time.Unix(0, l.started.Load()))
		if uptime > 0 {
			stats.CycleRate = float64(cycles) / uptime.Seconds()
		}
	}
	return stats
}

// Reset clears all counters (useful for testing)
func (l *LoopTimer) Reset() {
	atomic.StoreInt64(&l.cycles, 0)
	atomic.StoreInt64(&l.overruns, 0)
	atomic.StoreInt64(&l.totalNs, 0)
	atomic.StoreInt64(&l.maxNs, 0)
	atomic.StoreInt64(&l.lastNs, 0)
	l.started.Store(time.Now().UnixNano())
}
