// Package scope turns the acquired sample stream into oscilloscope sweeps:
// it buffers frames, finds trigger edges, cuts pre/post windows around them
// and hands finished sweeps to a Sink.
package scope

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tevino/abool/v2"
	"golang.org/x/time/rate"
)

// DefaultCapacity is the initial frame capacity of the processor buffer.
const DefaultCapacity = 8192

// Sweep is one emitted capture.
type Sweep struct {
	Type            string  `json:"type"`
	Mode            Mode    `json:"mode"`
	Triggered       bool    `json:"triggered"`
	TriggerIndex    int     `json:"trigger_index"`
	Samples         []Frame `json:"samples"`
	Decimation      int     `json:"decimation"`
	TimePerDiv      float64 `json:"time_per_div"`
	TriggerLevel    float64 `json:"trigger_level"`
	TriggerPosition int     `json:"trigger_position"`
}

// Sink receives finished sweeps. SendSweep must not block for long; it is
// called from the scope task.
type Sink interface {
	SendSweep(Sweep)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Sweep)

func (f SinkFunc) SendSweep(s Sweep) { f(s) }

// Stats are cumulative processor counters.
type Stats struct {
	SamplesProcessed uint64  `json:"samples_processed"`
	Sweeps           uint64  `json:"sweeps"`
	Triggers         uint64  `json:"triggers"`
	Buffered         int     `json:"buffered"`
	Capacity         int     `json:"capacity"`
	HardwareRate     float64 `json:"hardware_rate"`
	Window           Window  `json:"window"`
}

type Processor struct {
	mu      sync.Mutex
	cfg     TriggerConfig
	armed   *abool.AtomicBool
	hwRate  float64
	window  Window
	buf     *Buffer
	limiter *rate.Limiter
	sink    Sink
	logger  *slog.Logger
	stats   Stats

	// lastTrigger is the absolute index of the last emitted trigger; an
	// edge at or before it is never emitted again.
	lastTrigger int64
}

func NewProcessor(sink Sink, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := DefaultTriggerConfig()
	return &Processor{
		cfg:         cfg,
		armed:       abool.NewBool(cfg.Armed),
		buf:         NewBuffer(DefaultCapacity),
		limiter:     rate.NewLimiter(rate.Limit(cfg.MaxUpdateHz), 1),
		sink:        sink,
		logger:      logger.With("component", "scope"),
		lastTrigger: -1,
	}
}

// Configure applies a partial update. Changing the mode re-arms the trigger.
func (p *Processor) Configure(u Update) (TriggerConfig, error) {
	if err := u.validate(); err != nil {
		return p.Config(), fmt.Errorf("scope configuration: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.cfg.Armed = p.armed.IsSet()
	resized := p.cfg.apply(u)
	p.armed.SetTo(p.cfg.Armed)
	if u.MaxUpdateHz != nil {
		p.limiter.SetLimit(rate.Limit(p.cfg.MaxUpdateHz))
	}
	if resized {
		p.resize()
	}
	p.logger.Debug("scope configured",
		"mode", p.cfg.Mode, "enabled", p.cfg.Enabled,
		"total", p.window.Total, "pre", p.window.Pre, "post", p.window.Post)
	return p.configLocked(), nil
}

// SetHardwareRate sets the acquisition rate used for sweep sizing. A change
// of rate discards buffered frames, which were sampled at the old spacing.
func (p *Processor) SetHardwareRate(hz float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if hz == p.hwRate {
		return
	}
	p.hwRate = hz
	p.buf.Reset()
	p.lastTrigger = p.buf.Next() - 1
	p.resize()
}

func (p *Processor) Config() TriggerConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.configLocked()
}

func (p *Processor) configLocked() TriggerConfig {
	cfg := p.cfg
	cfg.Armed = p.armed.IsSet()
	return cfg
}

func (p *Processor) Window() Window {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.window
}

// SweepDuration is the wall-clock span of one full sweep.
func (p *Processor) SweepDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.cfg.TimePerDiv * Divisions * float64(time.Second))
}

func (p *Processor) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Enabled
}

func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Buffered = p.buf.Len()
	s.Capacity = p.buf.Cap()
	s.HardwareRate = p.hwRate
	s.Window = p.window
	return s
}

// Process buffers a batch and emits at most one sweep.
func (p *Processor) Process(batch []Frame, now time.Time) {
	if len(batch) == 0 {
		return
	}

	sweep, ok := p.process(batch, now)
	if ok && p.sink != nil {
		p.sink.SendSweep(sweep)
	}
}

func (p *Processor) process(batch []Frame, now time.Time) (Sweep, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	depth := SearchDepth
	if len(batch) > depth {
		depth = len(batch)
	}
	p.buf.Grow(p.window.Total + depth + len(batch) + 1)
	for _, f := range batch {
		p.buf.Push(f)
	}
	p.stats.SamplesProcessed += uint64(len(batch))

	if !p.cfg.Enabled || p.window.Total == 0 {
		return Sweep{}, false
	}

	switch p.cfg.Mode {
	case ModeAuto:
		if p.buf.Len() < p.window.Total || !p.limiter.AllowN(now, 1) {
			return Sweep{}, false
		}
		if at, found := p.findTrigger(depth); found {
			return p.triggeredSweep(at), true
		}
		frames := p.buf.Slice(p.buf.Next()-int64(p.window.Total), p.buf.Next())
		return p.newSweep(frames, -1), true

	case ModeNormal, ModeSingle:
		if !p.armed.IsSet() {
			return Sweep{}, false
		}
		at, found := p.findTrigger(depth)
		if !found {
			return Sweep{}, false
		}
		sweep := p.triggeredSweep(at)
		if p.cfg.Mode == ModeSingle {
			p.armed.UnSet()
			p.logger.Info("single trigger captured, disarmed")
		}
		return sweep, true
	}
	return Sweep{}, false
}

// findTrigger scans the most recent depth candidate positions that already
// have a full post-trigger window after them. Candidates without a full
// pre-trigger window are skipped; the earliest acceptable crossing wins.
func (p *Processor) findTrigger(depth int) (int64, bool) {
	w := p.window
	hi := p.buf.Next() - int64(w.Post)
	lo := hi - int64(depth) + 1
	if floor := p.buf.First() + int64(w.Pre); lo < floor {
		lo = floor
	}
	if floor := p.buf.First() + 1; lo < floor {
		lo = floor
	}
	if lo <= p.lastTrigger {
		lo = p.lastTrigger + 1
	}
	if hi >= p.buf.Next() {
		hi = p.buf.Next() - 1
	}

	src := p.cfg.SourceChannel
	prevFrame, _ := p.buf.At(lo - 1)
	for i := lo; i <= hi; i++ {
		cur, _ := p.buf.At(i)
		if src < len(prevFrame.AI) && src < len(cur.AI) &&
			crossed(p.cfg.Edge, p.cfg.Level, prevFrame.AI[src], cur.AI[src]) {
			return i, true
		}
		prevFrame = cur
	}
	return -1, false
}

func (p *Processor) triggeredSweep(at int64) Sweep {
	w := p.window
	frames := p.buf.Slice(at-int64(w.Pre), at+int64(w.Post))
	p.lastTrigger = at
	p.stats.Triggers++
	return p.newSweep(frames, w.Pre)
}

func (p *Processor) newSweep(frames []Frame, triggerIndex int) Sweep {
	samples, stride := decimate(frames)
	if triggerIndex >= 0 {
		triggerIndex /= stride
	}
	p.stats.Sweeps++
	p.logger.Debug("sweep emitted",
		"triggered", triggerIndex >= 0, "samples", len(samples), "decimation", stride)
	return Sweep{
		Type:            "scope_sweep",
		Mode:            p.cfg.Mode,
		Triggered:       triggerIndex >= 0,
		TriggerIndex:    triggerIndex,
		Samples:         samples,
		Decimation:      stride,
		TimePerDiv:      p.cfg.TimePerDiv,
		TriggerLevel:    p.cfg.Level,
		TriggerPosition: p.cfg.Position,
	}
}

func (p *Processor) resize() {
	p.window = computeWindow(p.cfg.TimePerDiv, p.cfg.Position, p.hwRate)
	p.buf.Grow(p.window.Total + SearchDepth + 1)
}
